package chainsync

import (
	"context"
	"math/big"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/synthr/server/chain"
	"github.com/hrygo/synthr/store"
	storetest "github.com/hrygo/synthr/store/test"
)

type fakeChain struct {
	mu       sync.Mutex
	receipts map[string]*chain.Receipt
	errs     map[string]error
	calls    int
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash string) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[hash]; ok {
		return nil, err
	}
	if receipt, ok := f.receipts[hash]; ok {
		return receipt, nil
	}
	return nil, chain.ErrPending
}

func (*fakeChain) Close() {}

const (
	hashMined    = "0x1111111111111111111111111111111111111111111111111111111111111111"
	hashReverted = "0x2222222222222222222222222222222222222222222222222222222222222222"
	hashWaiting  = "0x3333333333333333333333333333333333333333333333333333333333333333"
	hashBroken   = "0x4444444444444444444444444444444444444444444444444444444444444444"
	hashMint     = "0x5555555555555555555555555555555555555555555555555555555555555555"

	chainID = 11155111
)

var (
	contract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

func testConfig(interval time.Duration) Config {
	return Config{Interval: interval, ContractAddress: contract.Hex(), ChainID: chainID}
}

type marketFixture struct {
	store  *store.Store
	seller *store.User
	buyer  *store.User
	agents []*store.Agent
}

func newMarketFixture(ctx context.Context, t *testing.T, agents int) *marketFixture {
	t.Helper()
	ts := storetest.NewTestingStore(ctx, t)
	seller, err := ts.Users().CreateWithWallet(ctx, "0x00000000000000000000000000000000000000d1")
	require.NoError(t, err)
	buyer, err := ts.Users().CreateWithWallet(ctx, "0x00000000000000000000000000000000000000d2")
	require.NoError(t, err)

	f := &marketFixture{store: ts, seller: seller, buyer: buyer}
	for i := 0; i < agents; i++ {
		agent, err := ts.Agents().CreateWithOwner(ctx, &store.Agent{Name: "agent", Category: store.CategoryTrading}, seller.ID)
		require.NoError(t, err)
		_, err = ts.Agents().StartTraining(ctx, agent.ID)
		require.NoError(t, err)
		_, err = ts.Agents().MarkReady(ctx, agent.ID)
		require.NoError(t, err)
		_, err = ts.Agents().RecordMint(ctx, agent.ID, strconv.Itoa(i+1))
		require.NoError(t, err)
		agent, err = ts.Agents().List(ctx, agent.ID, decimal.RequireFromString("1.5"))
		require.NoError(t, err)
		f.agents = append(f.agents, agent)
	}
	return f
}

func (f *marketFixture) purchase(ctx context.Context, t *testing.T, agent *store.Agent, hash string) {
	t.Helper()
	_, err := f.store.Transactions().CreatePurchase(ctx, agent.ID, f.buyer.ID, f.seller.ID, agent.Price.Decimal, hash)
	require.NoError(t, err)
}

// paid returns the receipt of a purchase of agent that matches its record.
func (f *marketFixture) paid(t *testing.T, hash string, agent *store.Agent, block int64) *chain.Receipt {
	t.Helper()
	tokenID, ok := new(big.Int).SetString(agent.TokenID, 10)
	require.True(t, ok)
	to := contract
	return &chain.Receipt{
		TxHash:      hash,
		BlockNumber: block,
		Success:     true,
		ChainID:     chainID,
		From:        common.HexToAddress(f.buyer.WalletAddress),
		To:          &to,
		Value:       chain.ToWei(agent.Price.Decimal),
		Logs: []chain.Log{
			chain.TransferLog(contract, common.HexToAddress(f.seller.WalletAddress), common.HexToAddress(f.buyer.WalletAddress), tokenID),
		},
	}
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	f := newMarketFixture(ctx, t, 4)
	f.purchase(ctx, t, f.agents[0], hashMined)
	f.purchase(ctx, t, f.agents[1], hashReverted)
	f.purchase(ctx, t, f.agents[2], hashWaiting)
	f.purchase(ctx, t, f.agents[3], hashBroken)

	client := &fakeChain{
		receipts: map[string]*chain.Receipt{
			hashMined:    f.paid(t, hashMined, f.agents[0], 120),
			hashReverted: {TxHash: hashReverted, BlockNumber: 121},
		},
		errs: map[string]error{hashBroken: errors.New("rpc unavailable")},
	}
	runner := NewRunner(f.store, client, testConfig(time.Minute), nil)

	summary := runner.RunOnce(ctx)
	assert.Equal(t, Summary{Completed: 1, Failed: 1, Pending: 1, Errors: 1}, summary)

	mined, err := f.store.Transactions().GetByHash(ctx, hashMined)
	require.NoError(t, err)
	assert.Equal(t, store.TransactionCompleted, mined.Status)
	require.NotNil(t, mined.BlockNumber)
	assert.EqualValues(t, 120, *mined.BlockNumber)

	sold, err := f.store.Agents().Get(ctx, f.agents[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentSold, sold.Status)
	assert.Equal(t, f.buyer.ID, sold.OwnerID)
	assert.False(t, sold.IsListed)

	reverted, err := f.store.Transactions().GetByHash(ctx, hashReverted)
	require.NoError(t, err)
	assert.Equal(t, store.TransactionFailed, reverted.Status)
	assert.Contains(t, reverted.ErrorMessage, "block 121")
	unsold, err := f.store.Agents().Get(ctx, f.agents[1].ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentListed, unsold.Status)

	pending, err := f.store.Transactions().Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	// Settled transactions are not checked again.
	client.mu.Lock()
	client.calls = 0
	client.mu.Unlock()
	runner.RunOnce(ctx)
	client.mu.Lock()
	assert.Equal(t, 2, client.calls)
	client.mu.Unlock()
}

func TestRunOnceFailsStalePending(t *testing.T) {
	ctx := context.Background()
	f := newMarketFixture(ctx, t, 1)
	f.purchase(ctx, t, f.agents[0], hashWaiting)

	runner := NewRunner(f.store, &fakeChain{}, testConfig(time.Minute), nil)
	runner.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	summary := runner.RunOnce(ctx)
	assert.Equal(t, 1, summary.Failed)
	tx, err := f.store.Transactions().GetByHash(ctx, hashWaiting)
	require.NoError(t, err)
	assert.Equal(t, store.TransactionFailed, tx.Status)
	assert.Contains(t, tx.ErrorMessage, "not mined")
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newMarketFixture(ctx, t, 0)
	runner := NewRunner(f.store, &fakeChain{}, testConfig(10*time.Millisecond), nil)

	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunOnceFailsUnrelatedTransactions(t *testing.T) {
	ctx := context.Background()
	f := newMarketFixture(ctx, t, 4)
	hashes := []string{hashMined, hashReverted, hashWaiting, hashBroken}
	for i, hash := range hashes {
		f.purchase(ctx, t, f.agents[i], hash)
	}

	otherContract := f.paid(t, hashes[0], f.agents[0], 130)
	otherContract.To = &stranger
	otherContract.Logs = []chain.Log{chain.TransferLog(stranger, common.Address{}, stranger, big.NewInt(1))}
	otherSender := f.paid(t, hashes[1], f.agents[1], 131)
	otherSender.From = stranger
	underpaid := f.paid(t, hashes[2], f.agents[2], 132)
	underpaid.Value = big.NewInt(1)
	otherToken := f.paid(t, hashes[3], f.agents[3], 133)
	otherToken.Logs = f.paid(t, hashes[3], f.agents[0], 133).Logs

	client := &fakeChain{receipts: map[string]*chain.Receipt{
		hashes[0]: otherContract,
		hashes[1]: otherSender,
		hashes[2]: underpaid,
		hashes[3]: otherToken,
	}}
	summary := NewRunner(f.store, client, testConfig(time.Minute), nil).RunOnce(ctx)
	assert.Equal(t, Summary{Failed: 4}, summary)

	for i, hash := range hashes {
		tx, err := f.store.Transactions().GetByHash(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, store.TransactionFailed, tx.Status, hash)
		assert.Contains(t, tx.ErrorMessage, "does not match", hash)

		agent, err := f.store.Agents().Get(ctx, f.agents[i].ID)
		require.NoError(t, err)
		assert.Equal(t, store.AgentListed, agent.Status)
		assert.Equal(t, f.seller.ID, agent.OwnerID)
	}
}

func TestRunOnceSettlesMint(t *testing.T) {
	ctx := context.Background()
	f := newMarketFixture(ctx, t, 0)
	minted, err := f.store.Agents().CreateWithOwner(ctx, &store.Agent{Name: "fresh", Category: store.CategoryCreative}, f.seller.ID)
	require.NoError(t, err)
	unminted, err := f.store.Agents().CreateWithOwner(ctx, &store.Agent{Name: "empty", Category: store.CategoryCreative}, f.seller.ID)
	require.NoError(t, err)
	_, err = f.store.Transactions().CreateMint(ctx, minted.ID, f.seller.ID, hashMint, "ipfs://bafymeta")
	require.NoError(t, err)
	_, err = f.store.Transactions().CreateMint(ctx, unminted.ID, f.seller.ID, hashWaiting, "ipfs://bafymeta")
	require.NoError(t, err)

	owner := common.HexToAddress(f.seller.WalletAddress)
	to := contract
	client := &fakeChain{receipts: map[string]*chain.Receipt{
		hashMint: {
			TxHash: hashMint, BlockNumber: 140, Success: true, ChainID: chainID,
			From: owner, To: &to,
			Logs: []chain.Log{chain.TransferLog(contract, common.Address{}, owner, big.NewInt(42))},
		},
		// Mined and successful, but no token was minted to the owner.
		hashWaiting: {
			TxHash: hashWaiting, BlockNumber: 141, Success: true, ChainID: chainID,
			From: owner, To: &to,
		},
	}}
	summary := NewRunner(f.store, client, testConfig(time.Minute), nil).RunOnce(ctx)
	assert.Equal(t, Summary{Completed: 1, Failed: 1}, summary)

	agent, err := f.store.Agents().Get(ctx, minted.ID)
	require.NoError(t, err)
	assert.Equal(t, "42", agent.TokenID)
	byToken, err := f.store.Agents().GetByTokenID(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, byToken)
	assert.Equal(t, minted.ID, byToken.ID)

	failed, err := f.store.Transactions().GetByHash(ctx, hashWaiting)
	require.NoError(t, err)
	assert.Equal(t, store.TransactionFailed, failed.Status)
	agent, err = f.store.Agents().Get(ctx, unminted.ID)
	require.NoError(t, err)
	assert.Empty(t, agent.TokenID)
}
