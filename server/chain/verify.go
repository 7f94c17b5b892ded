package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrMismatch is returned when a mined transaction is not the call it was
// recorded as.
var ErrMismatch = errors.New("transaction does not match")

// TransferTopic is the ERC-721 Transfer(address,address,uint256) event signature.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Expectation describes the call a recorded transaction must have made.
type Expectation struct {
	ChainID  int64
	Contract common.Address
	Sender   common.Address
	// MinValue is the least value in wei the call must carry. Nil accepts any.
	MinValue *big.Int
}

// Check reports whether r was sent by Sender to Contract on ChainID carrying at
// least MinValue.
func (e Expectation) Check(r *Receipt) error {
	if e.ChainID != 0 && r.ChainID != e.ChainID {
		return errors.Wrapf(ErrMismatch, "chain id %d, want %d", r.ChainID, e.ChainID)
	}
	if r.To == nil || *r.To != e.Contract {
		return errors.Wrapf(ErrMismatch, "sent to %s, want %s", addressOrNone(r.To), e.Contract.Hex())
	}
	if r.From != e.Sender {
		return errors.Wrapf(ErrMismatch, "sent by %s, want %s", r.From.Hex(), e.Sender.Hex())
	}
	if e.MinValue != nil {
		value := r.Value
		if value == nil {
			value = new(big.Int)
		}
		if value.Cmp(e.MinValue) < 0 {
			return errors.Wrapf(ErrMismatch, "value %s wei, want at least %s", value, e.MinValue)
		}
	}
	return nil
}

// VerifyPurchase checks that r is a purchase of tokenID by the expected sender:
// the call matches e and the contract emitted a Transfer of tokenID to the sender.
func VerifyPurchase(r *Receipt, e Expectation, tokenID string) error {
	if err := e.Check(r); err != nil {
		return err
	}
	want, ok := new(big.Int).SetString(tokenID, 0)
	if !ok {
		return errors.Wrapf(ErrMismatch, "agent token id %q is not a number", tokenID)
	}
	for _, t := range transfers(r, e.Contract) {
		if t.to == e.Sender && t.tokenID.Cmp(want) == 0 {
			return nil
		}
	}
	return errors.Wrapf(ErrMismatch, "no transfer of token %s to %s", tokenID, e.Sender.Hex())
}

// MintedToken checks that r is a mint by the expected sender and returns the id
// of the token transferred from the zero address to the sender.
func MintedToken(r *Receipt, e Expectation) (string, error) {
	if err := e.Check(r); err != nil {
		return "", err
	}
	for _, t := range transfers(r, e.Contract) {
		if t.from == (common.Address{}) && t.to == e.Sender {
			return t.tokenID.String(), nil
		}
	}
	return "", errors.Wrapf(ErrMismatch, "no token minted to %s", e.Sender.Hex())
}

// ToWei converts an amount of ether to wei. Fractions below one wei are dropped.
func ToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(18).BigInt()
}

// TransferLog builds the Transfer event contract emits when tokenID moves from
// one address to another.
func TransferLog(contract, from, to common.Address, tokenID *big.Int) Log {
	return Log{
		Address: contract,
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
			common.BigToHash(tokenID),
		},
	}
}

type transfer struct {
	from, to common.Address
	tokenID  *big.Int
}

// transfers returns the ERC-721 Transfer events contract emitted in r. ERC-20
// transfers share the signature but carry the amount in data, so only logs with
// an indexed token id count.
func transfers(r *Receipt, contract common.Address) []transfer {
	var out []transfer
	for _, l := range r.Logs {
		if l.Address != contract || len(l.Topics) != 4 || l.Topics[0] != TransferTopic {
			continue
		}
		out = append(out, transfer{
			from:    common.BytesToAddress(l.Topics[1].Bytes()),
			to:      common.BytesToAddress(l.Topics[2].Bytes()),
			tokenID: l.Topics[3].Big(),
		})
	}
	return out
}

func addressOrNone(a *common.Address) string {
	if a == nil {
		return "none"
	}
	return a.Hex()
}
