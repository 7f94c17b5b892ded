package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/hrygo/synthr/store/cache"
)

type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "pending"
	TransactionProcessing TransactionStatus = "processing"
	TransactionCompleted  TransactionStatus = "completed"
	TransactionFailed     TransactionStatus = "failed"
	TransactionRefunded   TransactionStatus = "refunded"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionPending:    {TransactionProcessing, TransactionCompleted, TransactionFailed},
	TransactionProcessing: {TransactionCompleted, TransactionFailed},
	TransactionCompleted:  {TransactionRefunded},
}

func (s TransactionStatus) CanTransition(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionRoyalty  TransactionType = "royalty"
	TransactionRefund   TransactionType = "refund"
	// TransactionMint records the NFT mint of an agent. Buyer and seller are
	// both the owner and the amount is zero.
	TransactionMint TransactionType = "mint"
)

// maxErrorMessage is the longest error message kept on a row, in runes.
const maxErrorMessage = 500

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionPurchase, TransactionRoyalty, TransactionRefund, TransactionMint:
		return true
	}
	return false
}

// Transaction is a payment between two users for an agent, settled on chain.
type Transaction struct {
	ID        int32 `json:"id"`
	CreatedTs int64 `json:"created_ts"`
	UpdatedTs int64 `json:"updated_ts"`

	AgentID  int32 `json:"agent_id"`
	BuyerID  int32 `json:"buyer_id"`
	SellerID int32 `json:"seller_id"`

	Amount        decimal.Decimal     `json:"amount"`
	RoyaltyAmount decimal.NullDecimal `json:"royalty_amount"`
	GasFee        decimal.NullDecimal `json:"gas_fee"`

	Status TransactionStatus `json:"status"`
	Type   TransactionType   `json:"type"`

	// TxHash is the chain transaction hash. Empty until submitted.
	TxHash           string `json:"tx_hash,omitempty"`
	BlockNumber      *int64 `json:"block_number,omitempty"`
	BlockchainStatus string `json:"blockchain_status,omitempty"`

	Metadata     string `json:"metadata"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (t *Transaction) PrimaryKey() int32 { return t.ID }

type FindTransaction struct {
	ID       *int32             `json:"id,omitempty"`
	IDs      []int32            `json:"ids,omitempty"`
	AgentID  *int32             `json:"agent_id,omitempty"`
	BuyerID  *int32             `json:"buyer_id,omitempty"`
	SellerID *int32             `json:"seller_id,omitempty"`
	// UserID matches transactions where the user is the buyer or the seller.
	UserID *int32             `json:"user_id,omitempty"`
	TxHash *string            `json:"tx_hash,omitempty"`
	Status *TransactionStatus `json:"status,omitempty"`
	Type   *TransactionType   `json:"type,omitempty"`

	Limit  *int `json:"limit,omitempty"`
	Offset *int `json:"offset,omitempty"`
}

type UpdateTransaction struct {
	ID int32

	Status           *TransactionStatus
	TxHash           *string
	BlockNumber      *int64
	BlockchainStatus *string
	GasFee           *decimal.Decimal
	RoyaltyAmount    *decimal.Decimal
	Metadata         *string
	ErrorMessage     *string
}

type DeleteTransaction struct {
	ID int32
}

type TransactionStats struct {
	TotalTransactions int64           `json:"total_transactions"`
	Completed         int64           `json:"completed"`
	TotalVolume       decimal.Decimal `json:"total_volume"`
	AverageAmount     decimal.Decimal `json:"average_amount"`
}

type TransactionRepository struct {
	*Repository[*Transaction, FindTransaction, UpdateTransaction]
	driver Driver
}

func newTransactionRepository(driver Driver, c cache.Store) *TransactionRepository {
	repo := &TransactionRepository{driver: driver}
	repo.Repository = NewRepository(c, "transaction", DefaultTTL, Backend[*Transaction, FindTransaction, UpdateTransaction]{
		Create: driver.CreateTransaction,
		List:   driver.ListTransactions,
		Count:  driver.CountTransactions,
		Update: func(ctx context.Context, id int32, update *UpdateTransaction) (*Transaction, error) {
			update.ID = id
			return driver.UpdateTransaction(ctx, update)
		},
		Delete: func(ctx context.Context, id int32) error {
			return driver.DeleteTransaction(ctx, &DeleteTransaction{ID: id})
		},
		ByID:  func(id int32) *FindTransaction { return &FindTransaction{ID: &id} },
		ByIDs: func(ids []int32) *FindTransaction { return &FindTransaction{IDs: ids} },
	}).WithSync(repo.sync)
	return repo
}

// CreatePurchase records a pending purchase submitted on chain as txHash.
func (r *TransactionRepository) CreatePurchase(ctx context.Context, agentID, buyerID, sellerID int32, amount decimal.Decimal, txHash string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, errors.Wrap(ErrInvalidArgument, "amount must be positive")
	}
	return r.Create(ctx, &Transaction{
		AgentID:  agentID,
		BuyerID:  buyerID,
		SellerID: sellerID,
		Amount:   amount,
		Status:   TransactionPending,
		Type:     TransactionPurchase,
		TxHash:   txHash,
		Metadata: "{}",
	})
}

// CreateMint records a pending mint of agentID by ownerID submitted on chain as
// txHash. tokenURI is the metadata the token was minted with.
func (r *TransactionRepository) CreateMint(ctx context.Context, agentID, ownerID int32, txHash, tokenURI string) (*Transaction, error) {
	if txHash == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "mint needs a transaction hash")
	}
	metadata, err := json.Marshal(map[string]string{"token_uri": tokenURI})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode mint metadata")
	}
	return r.Create(ctx, &Transaction{
		AgentID:  agentID,
		BuyerID:  ownerID,
		SellerID: ownerID,
		Amount:   decimal.Zero,
		Status:   TransactionPending,
		Type:     TransactionMint,
		TxHash:   txHash,
		Metadata: string(metadata),
	})
}

// Update applies changes to the settlement details. Status and hash move only
// through UpdateStatus and MarkFailed.
func (r *TransactionRepository) Update(ctx context.Context, existing *Transaction, update *UpdateTransaction) (*Transaction, error) {
	if err := checkTransactionUpdate(update); err != nil {
		return nil, err
	}
	return r.Repository.Update(ctx, existing, update)
}

// BulkUpdate applies each change with the same guards as Update.
func (r *TransactionRepository) BulkUpdate(ctx context.Context, changes []Change[*Transaction, UpdateTransaction]) ([]*Transaction, error) {
	for _, c := range changes {
		if err := checkTransactionUpdate(c.Update); err != nil {
			return nil, err
		}
	}
	return r.Repository.BulkUpdate(ctx, changes)
}

func checkTransactionUpdate(update *UpdateTransaction) error {
	if update.Status != nil || update.TxHash != nil {
		return errors.Wrap(ErrProtectedField, "status and tx_hash")
	}
	return nil
}

// GetByHash returns the transaction with the chain hash, or nil.
func (r *TransactionRepository) GetByHash(ctx context.Context, txHash string) (*Transaction, error) {
	return cachedOne(ctx, r.Cache(), r.Key("hash", txHash), r.TTL(), func() (*Transaction, error) {
		return r.findByHash(ctx, txHash)
	})
}

// ListByUser returns the transactions a user bought or sold, newest first.
func (r *TransactionRepository) ListByUser(ctx context.Context, userID int32, txType *TransactionType, offset, limit int) ([]*Transaction, error) {
	typeSegment := "any"
	if txType != nil {
		typeSegment = string(*txType)
	}
	key := r.Key("user", itoa(userID), typeSegment, itoa(int32(offset)), itoa(int32(limit)))
	return cachedValue(ctx, r.Cache(), key, DerivedTTL, func() ([]*Transaction, error) {
		return r.driver.ListTransactions(ctx, &FindTransaction{UserID: &userID, Type: txType, Offset: &offset, Limit: &limit})
	})
}

// Pending returns the transactions waiting for chain confirmation.
func (r *TransactionRepository) Pending(ctx context.Context) ([]*Transaction, error) {
	return cachedValue(ctx, r.Cache(), r.Key("pending"), SearchTTL, func() ([]*Transaction, error) {
		status := TransactionPending
		return r.driver.ListTransactions(ctx, &FindTransaction{Status: &status})
	})
}

// Stats aggregates the sales of a user, or all sales when userID is nil. Mints
// carry no payment and are left out.
func (r *TransactionRepository) Stats(ctx context.Context, userID *int32) (*TransactionStats, error) {
	return cachedValue(ctx, r.Cache(), r.Key("stats", optSegment(userID, "global")), DerivedTTL, func() (*TransactionStats, error) {
		return r.driver.GetTransactionStats(ctx, userID)
	})
}

// UpdateStatus moves the transaction with txHash to status. blockNumber is recorded
// when given.
func (r *TransactionRepository) UpdateStatus(ctx context.Context, txHash string, status TransactionStatus, blockNumber *int64) (*Transaction, error) {
	tx, err := r.findByHash(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, errors.Wrapf(ErrNotFound, "transaction %s", txHash)
	}
	return r.Mutate(ctx, tx.ID, func(current *Transaction) (*UpdateTransaction, error) {
		if !current.Status.CanTransition(status) {
			return nil, errors.Wrapf(ErrInvalidTransition, "transaction %s: %s to %s", txHash, current.Status, status)
		}
		return &UpdateTransaction{Status: &status, BlockNumber: blockNumber}, nil
	})
}

// MarkFailed fails the transaction with txHash and records why.
func (r *TransactionRepository) MarkFailed(ctx context.Context, txHash, reason string) (*Transaction, error) {
	tx, err := r.findByHash(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, errors.Wrapf(ErrNotFound, "transaction %s", txHash)
	}
	return r.Mutate(ctx, tx.ID, func(current *Transaction) (*UpdateTransaction, error) {
		status := TransactionFailed
		if !current.Status.CanTransition(status) {
			return nil, errors.Wrapf(ErrInvalidTransition, "transaction %s: %s to %s", txHash, current.Status, status)
		}
		reason = truncate(reason, maxErrorMessage)
		return &UpdateTransaction{Status: &status, ErrorMessage: &reason}, nil
	})
}

func (r *TransactionRepository) findByHash(ctx context.Context, txHash string) (*Transaction, error) {
	list, err := r.driver.ListTransactions(ctx, &FindTransaction{TxHash: &txHash})
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (r *TransactionRepository) sync(ctx context.Context, prev, cur *Transaction) {
	c := r.Cache()
	if prev != nil && prev.TxHash != "" && prev.TxHash != cur.TxHash {
		c.Delete(ctx, r.Key("hash", prev.TxHash))
	}
	if cur.TxHash != "" {
		setCached(ctx, c, r.Key("hash", cur.TxHash), cur, r.TTL())
	}

	r.Invalidate(ctx, "user")
	r.Invalidate(ctx, "stats")
	r.Invalidate(ctx, "count")
	c.Delete(ctx, r.Key("pending"))
	c.Delete(ctx, userStatsKey(cur.BuyerID))
	c.Delete(ctx, userStatsKey(cur.SellerID))
	c.Delete(ctx, agentStatsKey(cur.AgentID))
}
