package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	contract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	buyer    = common.HexToAddress("0x00000000000000000000000000000000000000d2")
	seller   = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

func purchaseReceipt() *Receipt {
	to := contract
	return &Receipt{
		Success: true,
		ChainID: 11155111,
		From:    buyer,
		To:      &to,
		Value:   ToWei(decimal.RequireFromString("1.5")),
		Logs:    []Log{TransferLog(contract, seller, buyer, big.NewInt(7))},
	}
}

func TestVerifyPurchase(t *testing.T) {
	expect := Expectation{ChainID: 11155111, Contract: contract, Sender: buyer, MinValue: ToWei(decimal.RequireFromString("1.5"))}
	require.NoError(t, VerifyPurchase(purchaseReceipt(), expect, "7"))

	tests := []struct {
		name   string
		mutate func(r *Receipt)
		token  string
	}{
		{"other contract", func(r *Receipt) { r.To = &stranger }, "7"},
		{"contract creation", func(r *Receipt) { r.To = nil }, "7"},
		{"other sender", func(r *Receipt) { r.From = stranger }, "7"},
		{"other chain", func(r *Receipt) { r.ChainID = 1 }, "7"},
		{"underpaid", func(r *Receipt) { r.Value = ToWei(decimal.RequireFromString("1.4")) }, "7"},
		{"no value", func(r *Receipt) { r.Value = nil }, "7"},
		{"other token", func(*Receipt) {}, "8"},
		{"token id not a number", func(*Receipt) {}, "seven"},
		{"no logs", func(r *Receipt) { r.Logs = nil }, "7"},
		{"transfer to someone else", func(r *Receipt) {
			r.Logs = []Log{TransferLog(contract, seller, stranger, big.NewInt(7))}
		}, "7"},
		{"transfer from another contract", func(r *Receipt) {
			r.Logs = []Log{TransferLog(stranger, seller, buyer, big.NewInt(7))}
		}, "7"},
		{"erc20 transfer", func(r *Receipt) {
			l := TransferLog(contract, seller, buyer, big.NewInt(7))
			l.Topics = l.Topics[:3]
			r.Logs = []Log{l}
		}, "7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := purchaseReceipt()
			tt.mutate(r)
			assert.ErrorIs(t, VerifyPurchase(r, expect, tt.token), ErrMismatch)
		})
	}
}

func TestVerifyPurchaseAcceptsOverpayment(t *testing.T) {
	r := purchaseReceipt()
	r.Value = ToWei(decimal.NewFromInt(2))
	expect := Expectation{Contract: contract, Sender: buyer, MinValue: ToWei(decimal.RequireFromString("1.5"))}
	assert.NoError(t, VerifyPurchase(r, expect, "0x7"))
}

func TestMintedToken(t *testing.T) {
	to := contract
	r := &Receipt{
		Success: true,
		From:    seller,
		To:      &to,
		Logs: []Log{
			TransferLog(stranger, common.Address{}, seller, big.NewInt(99)),
			TransferLog(contract, common.Address{}, seller, big.NewInt(42)),
		},
	}
	expect := Expectation{Contract: contract, Sender: seller}
	token, err := MintedToken(r, expect)
	require.NoError(t, err)
	assert.Equal(t, "42", token)

	r.Logs = []Log{TransferLog(contract, buyer, seller, big.NewInt(42))}
	_, err = MintedToken(r, expect)
	assert.ErrorIs(t, err, ErrMismatch)

	r.From = buyer
	_, err = MintedToken(r, expect)
	assert.ErrorIs(t, err, ErrMismatch)
}

func TestToWei(t *testing.T) {
	assert.Equal(t, "1500000000000000000", ToWei(decimal.RequireFromString("1.5")).String())
	assert.Equal(t, "1", ToWei(decimal.RequireFromString("0.000000000000000001")).String())
	assert.Equal(t, "0", ToWei(decimal.RequireFromString("0.0000000000000000001")).String())
}
