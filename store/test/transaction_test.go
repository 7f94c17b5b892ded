package test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/synthr/store"
)

func createPurchaseFixture(ctx context.Context, t *testing.T, ts *store.Store, hash string) (*store.User, *store.User, *store.Agent, *store.Transaction) {
	t.Helper()
	seller, err := createTestingUser(ctx, ts, "0x00000000000000000000000000000000000030a1")
	require.NoError(t, err)
	buyer, err := createTestingUser(ctx, ts, "0x00000000000000000000000000000000000030b1")
	require.NoError(t, err)
	agent, err := createListedAgent(ctx, ts, seller.ID, "For Sale", store.CategoryTrading, "2.5")
	require.NoError(t, err)
	tx, err := ts.Transactions().CreatePurchase(ctx, agent.ID, buyer.ID, seller.ID, agent.Price.Decimal, hash)
	require.NoError(t, err)
	return seller, buyer, agent, tx
}

func TestTransactionStatusByHash(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	txs := ts.Transactions()
	hash := "0xaaaa000000000000000000000000000000000000000000000000000000000001"
	seller, buyer, agent, tx := createPurchaseFixture(ctx, t, ts, hash)
	require.Equal(t, store.TransactionPending, tx.Status)

	_, err := txs.CreatePurchase(ctx, agent.ID, buyer.ID, seller.ID, decimal.Zero, "")
	require.ErrorIs(t, err, store.ErrInvalidArgument)
	_, err = txs.CreatePurchase(ctx, agent.ID, buyer.ID, seller.ID, decimal.NewFromInt(1), hash)
	require.ErrorIs(t, err, store.ErrConflict)

	pending, err := txs.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	block := int64(123456)
	completed, err := txs.UpdateStatus(ctx, hash, store.TransactionCompleted, &block)
	require.NoError(t, err)
	require.Equal(t, store.TransactionCompleted, completed.Status)
	require.Equal(t, block, *completed.BlockNumber)

	byHash, err := txs.GetByHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, store.TransactionCompleted, byHash.Status)

	pending, err = txs.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	_, err = txs.MarkFailed(ctx, hash, "reverted")
	require.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = txs.UpdateStatus(ctx, "0xmissing", store.TransactionCompleted, nil)
	require.ErrorIs(t, err, store.ErrNotFound)

	stats, err := txs.Stats(ctx, &seller.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.TotalTransactions)
	require.EqualValues(t, 1, stats.Completed)
	require.True(t, stats.TotalVolume.Equal(decimal.RequireFromString("2.5")))

	userStats, err := ts.Users().Stats(ctx, seller.ID)
	require.NoError(t, err)
	require.True(t, userStats.TotalRevenue.Equal(decimal.RequireFromString("2.5")))

	purchases, err := txs.ListByUser(ctx, buyer.ID, nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	refunds := store.TransactionRefund
	purchases, err = txs.ListByUser(ctx, buyer.ID, &refunds, 0, 10)
	require.NoError(t, err)
	require.Empty(t, purchases)
}

func TestTransactionMarkFailed(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	hash := "0xaaaa000000000000000000000000000000000000000000000000000000000002"
	_, _, _, _ = createPurchaseFixture(ctx, t, ts, hash)

	failed, err := ts.Transactions().MarkFailed(ctx, hash, "execution reverted")
	require.NoError(t, err)
	require.Equal(t, store.TransactionFailed, failed.Status)
	require.Equal(t, "execution reverted", failed.ErrorMessage)
}

func TestTransactionConcurrentUpdatesSettle(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	txs := ts.Transactions()
	hash := "0xaaaa000000000000000000000000000000000000000000000000000000000003"
	_, _, _, tx := createPurchaseFixture(ctx, t, ts, hash)

	states := []string{"submitted", "confirmed"}
	var wg sync.WaitGroup
	errs := make([]error, len(states))
	for i, state := range states {
		wg.Add(1)
		go func(i int, state string) {
			defer wg.Done()
			_, errs[i] = txs.Update(ctx, tx, &store.UpdateTransaction{BlockchainStatus: &state})
		}(i, state)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	cached, err := txs.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Contains(t, states, cached.BlockchainStatus)

	stored, err := ts.GetDriver().ListTransactions(ctx, &store.FindTransaction{ID: &tx.ID})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, stored[0].BlockchainStatus, cached.BlockchainStatus)

	byHash, err := txs.GetByHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, stored[0].BlockchainStatus, byHash.BlockchainStatus)
}

func TestTransactionLifecycleFieldsAreProtected(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	txs := ts.Transactions()
	hash := "0xaaaa000000000000000000000000000000000000000000000000000000000004"
	_, _, _, tx := createPurchaseFixture(ctx, t, ts, hash)

	block := int64(9)
	completed, err := txs.UpdateStatus(ctx, hash, store.TransactionCompleted, &block)
	require.NoError(t, err)

	pending := store.TransactionPending
	_, err = txs.Update(ctx, completed, &store.UpdateTransaction{Status: &pending})
	require.ErrorIs(t, err, store.ErrProtectedField)
	otherHash := "0xbbbb000000000000000000000000000000000000000000000000000000000004"
	_, err = txs.Update(ctx, completed, &store.UpdateTransaction{TxHash: &otherHash})
	require.ErrorIs(t, err, store.ErrProtectedField)
	_, err = txs.BulkUpdate(ctx, []store.Change[*store.Transaction, store.UpdateTransaction]{
		{Existing: completed, Update: &store.UpdateTransaction{Status: &pending}},
	})
	require.ErrorIs(t, err, store.ErrProtectedField)

	gas := decimal.RequireFromString("0.0021")
	updated, err := txs.Update(ctx, completed, &store.UpdateTransaction{GasFee: &gas})
	require.NoError(t, err)
	require.Equal(t, store.TransactionCompleted, updated.Status)
	require.True(t, updated.GasFee.Decimal.Equal(gas))
	require.Equal(t, tx.ID, updated.ID)
}

func TestTransactionMintRecord(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	owner, err := createTestingUser(ctx, ts, "0x00000000000000000000000000000000000030c1")
	require.NoError(t, err)
	agent, err := ts.Agents().CreateWithOwner(ctx, &store.Agent{Name: "Mintable", Category: store.CategoryCreative}, owner.ID)
	require.NoError(t, err)

	hash := "0xaaaa000000000000000000000000000000000000000000000000000000000005"
	mint, err := ts.Transactions().CreateMint(ctx, agent.ID, owner.ID, hash, "ipfs://bafymeta")
	require.NoError(t, err)
	require.Equal(t, store.TransactionMint, mint.Type)
	require.Equal(t, store.TransactionPending, mint.Status)
	require.Equal(t, owner.ID, mint.BuyerID)
	require.Equal(t, owner.ID, mint.SellerID)
	require.True(t, mint.Amount.IsZero())
	require.JSONEq(t, `{"token_uri":"ipfs://bafymeta"}`, mint.Metadata)

	pending, err := ts.Transactions().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	stats, err := ts.Transactions().Stats(ctx, &owner.ID)
	require.NoError(t, err)
	require.Zero(t, stats.TotalTransactions)

	_, err = ts.Transactions().CreateMint(ctx, agent.ID, owner.ID, "", "ipfs://bafymeta")
	require.ErrorIs(t, err, store.ErrInvalidArgument)
}

func TestTransactionFailureReasonKeepsRunes(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	hash := "0xaaaa000000000000000000000000000000000000000000000000000000000006"
	_, _, _, _ = createPurchaseFixture(ctx, t, ts, hash)

	failed, err := ts.Transactions().MarkFailed(ctx, hash, strings.Repeat("é", 700))
	require.NoError(t, err)
	require.True(t, utf8.ValidString(failed.ErrorMessage))
	require.Equal(t, 500, utf8.RuneCountInString(failed.ErrorMessage))
}
