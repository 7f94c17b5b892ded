package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

// ErrPending is returned for a transaction that has not been mined yet.
var ErrPending = errors.New("transaction not mined")

// Receipt is the outcome of a mined transaction together with the call that
// produced it.
type Receipt struct {
	TxHash      string
	BlockNumber int64
	Success     bool
	GasUsed     uint64

	ChainID int64
	From    common.Address
	// To is nil for contract creation.
	To    *common.Address
	Value *big.Int
	Logs  []Log
}

// Log is an event emitted by a mined transaction.
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// Client reads transaction outcomes from the chain.
type Client interface {
	TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
	Close()
}

// EthClient is a Client backed by a JSON-RPC endpoint.
type EthClient struct {
	rpc *ethclient.Client
}

// Dial connects to the JSON-RPC endpoint at rawURL.
func Dial(ctx context.Context, rawURL string) (*EthClient, error) {
	rpc, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial chain rpc")
	}
	return &EthClient{rpc: rpc}, nil
}

// TransactionReceipt returns the receipt of txHash, or ErrPending while the
// transaction is not mined.
func (c *EthClient) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	if !IsValidTxHash(txHash) {
		return nil, errors.Errorf("invalid transaction hash %q", txHash)
	}
	hash := common.HexToHash(txHash)
	receipt, err := c.rpc.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrPending
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get receipt of %s", txHash)
	}
	tx, _, err := c.rpc.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get transaction %s", txHash)
	}
	from, err := c.rpc.TransactionSender(ctx, tx, receipt.BlockHash, receipt.TransactionIndex)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to recover sender of %s", txHash)
	}

	result := &Receipt{
		TxHash:  receipt.TxHash.Hex(),
		Success: receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed: receipt.GasUsed,
		From:    from,
		To:      tx.To(),
		Value:   tx.Value(),
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Int64()
	}
	if id := tx.ChainId(); id != nil {
		result.ChainID = id.Int64()
	}
	for _, l := range receipt.Logs {
		result.Logs = append(result.Logs, Log{Address: l.Address, Topics: l.Topics, Data: l.Data})
	}
	return result, nil
}

func (c *EthClient) Close() {
	c.rpc.Close()
}

// IsValidTxHash reports whether s is a 0x prefixed 32 byte hex hash.
func IsValidTxHash(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	s = s[2:]
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
