package chainsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/hrygo/synthr/server/chain"
	"github.com/hrygo/synthr/server/internal/observability"
	"github.com/hrygo/synthr/store"
)

// Summary counts what one pass did.
type Summary struct {
	Completed int
	Failed    int
	Pending   int
	Errors    int
}

// Config selects the contract receipts are checked against.
type Config struct {
	Interval        time.Duration
	ContractAddress string
	ChainID         int64
}

// Runner settles pending transactions from their chain receipts.
type Runner struct {
	store    *store.Store
	chain    chain.Client
	metrics  *observability.Metrics
	interval time.Duration
	contract common.Address
	chainID  int64
	// maxPending is how long a transaction may stay unmined before it is failed.
	maxPending time.Duration
	now        func() time.Time
}

// NewRunner creates a chain sync runner. metrics may be nil.
func NewRunner(s *store.Store, client chain.Client, cfg Config, metrics *observability.Metrics) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Runner{
		store:      s,
		chain:      client,
		metrics:    metrics,
		interval:   cfg.Interval,
		contract:   common.HexToAddress(cfg.ContractAddress),
		chainID:    cfg.ChainID,
		maxPending: 24 * time.Hour,
		now:        time.Now,
	}
}

// Run starts the background task.
func (r *Runner) Run(ctx context.Context) {
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-ctx.Done():
			slog.Info("chain sync runner stopped")
			return
		}
	}
}

// RunOnce checks every pending transaction once.
func (r *Runner) RunOnce(ctx context.Context) Summary {
	var summary Summary
	pending, err := r.store.Transactions().Pending(ctx)
	if err != nil {
		slog.Error("failed to list pending transactions", "error", err)
		return summary
	}

	for _, tx := range pending {
		if ctx.Err() != nil {
			return summary
		}
		if tx.TxHash == "" {
			continue
		}
		result, err := r.settle(ctx, tx)
		if err != nil {
			summary.Errors++
			slog.Error("failed to settle transaction", observability.LogFieldTxHash, tx.TxHash, "error", err)
			continue
		}
		switch result {
		case "completed":
			summary.Completed++
		case "failed":
			summary.Failed++
		default:
			summary.Pending++
		}
		if r.metrics != nil {
			r.metrics.ChainSynced.WithLabelValues(result).Inc()
		}
	}
	if summary.Completed+summary.Failed > 0 {
		slog.Info("settled transactions", "completed", summary.Completed, "failed", summary.Failed, "pending", summary.Pending)
	}
	return summary
}

func (r *Runner) settle(ctx context.Context, tx *store.Transaction) (string, error) {
	receipt, err := r.chain.TransactionReceipt(ctx, tx.TxHash)
	if errors.Is(err, chain.ErrPending) {
		if age := r.now().Sub(time.Unix(tx.CreatedTs, 0)); age > r.maxPending {
			if _, err := r.store.Transactions().MarkFailed(ctx, tx.TxHash, fmt.Sprintf("not mined within %s", r.maxPending)); err != nil {
				return "", err
			}
			return "failed", nil
		}
		return "pending", nil
	}
	if err != nil {
		return "", err
	}

	if !receipt.Success {
		return r.fail(ctx, tx, fmt.Sprintf("transaction reverted in block %d", receipt.BlockNumber))
	}

	var tokenID string
	switch tx.Type {
	case store.TransactionPurchase:
		err = r.verifyPurchase(ctx, tx, receipt)
	case store.TransactionMint:
		tokenID, err = r.verifyMint(ctx, tx, receipt)
	default:
		err = errors.Wrapf(chain.ErrMismatch, "%s transactions are not settled on chain", tx.Type)
	}
	if errors.Is(err, chain.ErrMismatch) {
		slog.Warn("mined transaction does not match its record", observability.LogFieldTxHash, tx.TxHash, "error", err)
		return r.fail(ctx, tx, err.Error())
	}
	if err != nil {
		return "", err
	}

	block := receipt.BlockNumber
	if _, err := r.store.Transactions().UpdateStatus(ctx, tx.TxHash, store.TransactionCompleted, &block); err != nil {
		return "", err
	}
	// The transaction is final on chain, so it stays completed when the agent
	// cannot follow.
	switch tx.Type {
	case store.TransactionPurchase:
		if _, err := r.store.Agents().TransferOwnership(ctx, tx.AgentID, tx.BuyerID); err != nil {
			slog.Error("failed to transfer agent after purchase",
				observability.LogFieldTxHash, tx.TxHash, "agent_id", tx.AgentID, "buyer_id", tx.BuyerID, "error", err)
		}
	case store.TransactionMint:
		if _, err := r.store.Agents().RecordMint(ctx, tx.AgentID, tokenID); err != nil {
			slog.Error("failed to record minted token",
				observability.LogFieldTxHash, tx.TxHash, "agent_id", tx.AgentID, "token_id", tokenID, "error", err)
		}
	}
	return "completed", nil
}

func (r *Runner) fail(ctx context.Context, tx *store.Transaction, reason string) (string, error) {
	if _, err := r.store.Transactions().MarkFailed(ctx, tx.TxHash, reason); err != nil {
		return "", err
	}
	return "failed", nil
}

// verifyPurchase checks that the buyer paid at least the recorded amount to the
// contract and received the agent token.
func (r *Runner) verifyPurchase(ctx context.Context, tx *store.Transaction, receipt *chain.Receipt) error {
	buyer, err := r.wallet(ctx, tx.BuyerID)
	if err != nil {
		return err
	}
	agent, err := r.store.Agents().Get(ctx, tx.AgentID)
	if err != nil {
		return err
	}
	if agent == nil || agent.TokenID == "" {
		return errors.Wrapf(chain.ErrMismatch, "agent %d has no token", tx.AgentID)
	}
	return chain.VerifyPurchase(receipt, chain.Expectation{
		ChainID:  r.chainID,
		Contract: r.contract,
		Sender:   buyer,
		MinValue: chain.ToWei(tx.Amount),
	}, agent.TokenID)
}

// verifyMint checks that the owner minted a token and returns its id.
func (r *Runner) verifyMint(ctx context.Context, tx *store.Transaction, receipt *chain.Receipt) (string, error) {
	owner, err := r.wallet(ctx, tx.BuyerID)
	if err != nil {
		return "", err
	}
	return chain.MintedToken(receipt, chain.Expectation{
		ChainID:  r.chainID,
		Contract: r.contract,
		Sender:   owner,
	})
}

func (r *Runner) wallet(ctx context.Context, userID int32) (common.Address, error) {
	user, err := r.store.Users().Get(ctx, userID)
	if err != nil {
		return common.Address{}, err
	}
	if user == nil || !common.IsHexAddress(user.WalletAddress) {
		return common.Address{}, errors.Wrapf(chain.ErrMismatch, "user %d has no wallet", userID)
	}
	return common.HexToAddress(user.WalletAddress), nil
}
