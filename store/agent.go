package store

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/hrygo/synthr/store/cache"
)

// AgentStatus is the marketplace lifecycle state of an agent.
type AgentStatus string

const (
	AgentDraft    AgentStatus = "draft"
	AgentTraining AgentStatus = "training"
	AgentReady    AgentStatus = "ready"
	AgentListed   AgentStatus = "listed"
	AgentDelisted AgentStatus = "delisted"
	AgentSold     AgentStatus = "sold"
)

// agentTransitions lists the statuses reachable from each status.
// Training returns to Draft when a training run fails or is cancelled.
var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentDraft:    {AgentTraining},
	AgentTraining: {AgentReady, AgentDraft},
	AgentReady:    {AgentListed},
	AgentListed:   {AgentDelisted, AgentSold},
	AgentDelisted: {AgentListed, AgentSold},
}

// CanTransition reports whether an agent in status s may move to next.
func (s AgentStatus) CanTransition(next AgentStatus) bool {
	for _, allowed := range agentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentDraft, AgentTraining, AgentReady, AgentListed, AgentDelisted, AgentSold:
		return true
	}
	return false
}

type AgentCategory string

const (
	CategoryAnalytics      AgentCategory = "analytics"
	CategoryContent        AgentCategory = "content"
	CategoryDataProcessing AgentCategory = "data_processing"
	CategoryAutomation     AgentCategory = "automation"
	CategoryTrading        AgentCategory = "trading"
	CategoryCreative       AgentCategory = "creative"
)

func (c AgentCategory) Valid() bool {
	switch c {
	case CategoryAnalytics, CategoryContent, CategoryDataProcessing, CategoryAutomation, CategoryTrading, CategoryCreative:
		return true
	}
	return false
}

// Agent is a tradable AI agent, represented on chain as an NFT.
type Agent struct {
	ID        int32 `json:"id"`
	CreatedTs int64 `json:"created_ts"`
	UpdatedTs int64 `json:"updated_ts"`

	// TokenID is the NFT token id. Empty until minted.
	TokenID     string        `json:"token_id,omitempty"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Category    AgentCategory `json:"category"`
	Status      AgentStatus   `json:"status"`

	CreatorID int32 `json:"creator_id"`
	OwnerID   int32 `json:"owner_id"`

	Price             decimal.NullDecimal `json:"price"`
	IsListed          bool                `json:"is_listed"`
	RoyaltyPercentage decimal.Decimal     `json:"royalty_percentage"`

	IPFSHash string `json:"ipfs_hash,omitempty"`
	// Metadata and ModelParameters are JSON objects kept as raw text.
	Metadata        string   `json:"metadata"`
	Capabilities    []string `json:"capabilities"`
	ModelParameters string   `json:"model_parameters"`

	TotalUses     int32           `json:"total_uses"`
	AverageRating decimal.Decimal `json:"average_rating"`
	TotalRatings  int32           `json:"total_ratings"`
}

func (a *Agent) PrimaryKey() int32 { return a.ID }

// AgentOrder is a column agents can be sorted by.
type AgentOrder string

const (
	AgentOrderCreated AgentOrder = "created_ts"
	AgentOrderUpdated AgentOrder = "updated_ts"
	AgentOrderPrice   AgentOrder = "price"
	AgentOrderRating  AgentOrder = "average_rating"
	AgentOrderUses    AgentOrder = "total_uses"
	AgentOrderName    AgentOrder = "name"
)

func (o AgentOrder) Valid() bool {
	switch o {
	case AgentOrderCreated, AgentOrderUpdated, AgentOrderPrice, AgentOrderRating, AgentOrderUses, AgentOrderName:
		return true
	}
	return false
}

type FindAgent struct {
	ID        *int32         `json:"id,omitempty"`
	IDs       []int32        `json:"ids,omitempty"`
	TokenID   *string        `json:"token_id,omitempty"`
	OwnerID   *int32         `json:"owner_id,omitempty"`
	CreatorID *int32         `json:"creator_id,omitempty"`
	Category  *AgentCategory `json:"category,omitempty"`
	Status    *AgentStatus   `json:"status,omitempty"`
	IsListed  *bool          `json:"is_listed,omitempty"`

	// Query matches name or description, case-insensitively.
	Query    *string          `json:"query,omitempty"`
	MinPrice *decimal.Decimal `json:"min_price,omitempty"`
	MaxPrice *decimal.Decimal `json:"max_price,omitempty"`

	// OrderBy defaults to created_ts, newest first.
	OrderBy   AgentOrder `json:"order_by,omitempty"`
	OrderDesc *bool      `json:"order_desc,omitempty"`

	Limit  *int `json:"limit,omitempty"`
	Offset *int `json:"offset,omitempty"`
}

type UpdateAgent struct {
	ID int32

	TokenID           *string
	Name              *string
	Description       *string
	Category          *AgentCategory
	Price             *decimal.Decimal
	RoyaltyPercentage *decimal.Decimal
	IPFSHash          *string
	Metadata          *string
	Capabilities      *[]string
	ModelParameters   *string

	TotalUses     *int32
	AverageRating *decimal.Decimal
	TotalRatings  *int32

	// Lifecycle fields. Only the transition methods of AgentRepository set these.
	Status   *AgentStatus
	IsListed *bool
	OwnerID  *int32
}

type DeleteAgent struct {
	ID int32
}

// AgentStats aggregates sales and usage of one agent.
type AgentStats struct {
	TotalSales    int64           `json:"total_sales"`
	Revenue       decimal.Decimal `json:"revenue"`
	TotalUses     int32           `json:"total_uses"`
	AverageRating decimal.Decimal `json:"average_rating"`
	TotalRatings  int32           `json:"total_ratings"`
	ReviewCount   int64           `json:"review_count"`
}

// AgentRepository is the cache-aside repository of agents. Lifecycle changes go
// through its transition methods.
type AgentRepository struct {
	*Repository[*Agent, FindAgent, UpdateAgent]
	driver Driver
}

func newAgentRepository(driver Driver, c cache.Store) *AgentRepository {
	repo := &AgentRepository{driver: driver}
	repo.Repository = NewRepository(c, "agent", DefaultTTL, Backend[*Agent, FindAgent, UpdateAgent]{
		Create: driver.CreateAgent,
		List:   driver.ListAgents,
		Count:  driver.CountAgents,
		Update: func(ctx context.Context, id int32, update *UpdateAgent) (*Agent, error) {
			update.ID = id
			return driver.UpdateAgent(ctx, update)
		},
		Delete: func(ctx context.Context, id int32) error {
			return driver.DeleteAgent(ctx, &DeleteAgent{ID: id})
		},
		ByID:  func(id int32) *FindAgent { return &FindAgent{ID: &id} },
		ByIDs: func(ids []int32) *FindAgent { return &FindAgent{IDs: ids} },
	}).WithSync(repo.sync)
	return repo
}

// CreateWithOwner creates a draft agent owned and created by ownerID.
func (r *AgentRepository) CreateWithOwner(ctx context.Context, create *Agent, ownerID int32) (*Agent, error) {
	create.OwnerID = ownerID
	if create.CreatorID == 0 {
		create.CreatorID = ownerID
	}
	create.Status = AgentDraft
	create.IsListed = false
	if create.Capabilities == nil {
		create.Capabilities = []string{}
	}
	if create.Metadata == "" {
		create.Metadata = "{}"
	}
	if create.ModelParameters == "" {
		create.ModelParameters = "{}"
	}
	if create.RoyaltyPercentage.IsZero() {
		create.RoyaltyPercentage = decimal.RequireFromString("2.5")
	}
	return r.Create(ctx, create)
}

// Update applies descriptive changes. Status, listed flag, owner and token id are
// rejected with ErrProtectedField.
func (r *AgentRepository) Update(ctx context.Context, existing *Agent, update *UpdateAgent) (*Agent, error) {
	if err := checkAgentUpdate(existing, update); err != nil {
		return nil, err
	}
	return r.Repository.Update(ctx, existing, update)
}

// BulkUpdate applies each change with the same guards as Update.
func (r *AgentRepository) BulkUpdate(ctx context.Context, changes []Change[*Agent, UpdateAgent]) ([]*Agent, error) {
	for _, c := range changes {
		if err := checkAgentUpdate(c.Existing, c.Update); err != nil {
			return nil, err
		}
	}
	return r.Repository.BulkUpdate(ctx, changes)
}

func checkAgentUpdate(existing *Agent, update *UpdateAgent) error {
	if update.Status != nil || update.IsListed != nil || update.OwnerID != nil || update.TokenID != nil {
		return errors.Wrap(ErrProtectedField, "status, is_listed, owner_id and token_id")
	}
	if update.Price != nil && update.Price.IsNegative() {
		return errors.Wrap(ErrInvalidArgument, "price must not be negative")
	}
	if existing != nil && existing.IsListed && update.Price != nil && !update.Price.IsPositive() {
		return errors.Wrap(ErrInvalidArgument, "a listed agent needs a positive price")
	}
	return nil
}

// GetByTokenID returns the agent minted as tokenID, or nil.
func (r *AgentRepository) GetByTokenID(ctx context.Context, tokenID string) (*Agent, error) {
	return cachedOne(ctx, r.Cache(), r.Key("token", tokenID), r.TTL(), func() (*Agent, error) {
		list, err := r.driver.ListAgents(ctx, &FindAgent{TokenID: &tokenID})
		if err != nil || len(list) == 0 {
			return nil, err
		}
		return list[0], nil
	})
}

// ListByOwner returns the agents currently owned by ownerID.
func (r *AgentRepository) ListByOwner(ctx context.Context, ownerID int32, offset, limit int) ([]*Agent, error) {
	key := r.Key("owner", itoa(ownerID), itoa(int32(offset)), itoa(int32(limit)))
	return cachedValue(ctx, r.Cache(), key, DerivedTTL, func() ([]*Agent, error) {
		return r.driver.ListAgents(ctx, &FindAgent{OwnerID: &ownerID, Offset: &offset, Limit: &limit})
	})
}

// ListByCategory returns the agents of a category.
func (r *AgentRepository) ListByCategory(ctx context.Context, category AgentCategory, offset, limit int) ([]*Agent, error) {
	key := r.Key("category", string(category), itoa(int32(offset)), itoa(int32(limit)))
	return cachedValue(ctx, r.Cache(), key, DerivedTTL, func() ([]*Agent, error) {
		return r.driver.ListAgents(ctx, &FindAgent{Category: &category, Offset: &offset, Limit: &limit})
	})
}

// Search runs a filtered, ordered agent query. Results are cached briefly and
// dropped on every agent write.
func (r *AgentRepository) Search(ctx context.Context, find *FindAgent) ([]*Agent, error) {
	key, err := hashedKey(r.Key("search"), find)
	if err != nil {
		return nil, err
	}
	return cachedValue(ctx, r.Cache(), key, SearchTTL, func() ([]*Agent, error) {
		return r.driver.ListAgents(ctx, find)
	})
}

// Stats returns the sales and usage aggregates of an agent.
func (r *AgentRepository) Stats(ctx context.Context, agentID int32) (*AgentStats, error) {
	return cachedValue(ctx, r.Cache(), agentStatsKey(agentID), DerivedTTL, func() (*AgentStats, error) {
		return r.driver.GetAgentStats(ctx, agentID)
	})
}

// StartTraining moves a draft agent into training.
func (r *AgentRepository) StartTraining(ctx context.Context, id int32) (*Agent, error) {
	return r.transition(ctx, id, AgentTraining, nil)
}

// AbortTraining returns an agent whose training failed or was cancelled to draft.
func (r *AgentRepository) AbortTraining(ctx context.Context, id int32) (*Agent, error) {
	return r.transition(ctx, id, AgentDraft, nil)
}

// MarkReady moves an agent whose training completed to ready.
func (r *AgentRepository) MarkReady(ctx context.Context, id int32) (*Agent, error) {
	return r.transition(ctx, id, AgentReady, nil)
}

// List puts the agent on the market at price.
func (r *AgentRepository) List(ctx context.Context, id int32, price decimal.Decimal) (*Agent, error) {
	if !price.IsPositive() {
		return nil, errors.Wrap(ErrInvalidArgument, "a listed agent needs a positive price")
	}
	return r.transition(ctx, id, AgentListed, func(u *UpdateAgent) {
		u.Price = &price
	})
}

// Delist takes a listed agent off the market. The price is kept.
func (r *AgentRepository) Delist(ctx context.Context, id int32) (*Agent, error) {
	return r.transition(ctx, id, AgentDelisted, nil)
}

// TransferOwnership hands the agent to newOwnerID and marks it sold.
func (r *AgentRepository) TransferOwnership(ctx context.Context, id, newOwnerID int32) (*Agent, error) {
	return r.transition(ctx, id, AgentSold, func(u *UpdateAgent) {
		u.OwnerID = &newOwnerID
	})
}

// RecordMint stores the token id the agent was minted as. An agent is minted once.
func (r *AgentRepository) RecordMint(ctx context.Context, id int32, tokenID string) (*Agent, error) {
	if tokenID == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "token id is required")
	}
	return r.Mutate(ctx, id, func(current *Agent) (*UpdateAgent, error) {
		if current.TokenID != "" {
			return nil, errors.Wrapf(ErrConflict, "agent %d already minted as token %s", id, current.TokenID)
		}
		return &UpdateAgent{TokenID: &tokenID}, nil
	})
}

// RecordRating stores the rating aggregate computed from the agent's reviews.
func (r *AgentRepository) RecordRating(ctx context.Context, id int32, average decimal.Decimal, count int32) (*Agent, error) {
	return r.Mutate(ctx, id, func(*Agent) (*UpdateAgent, error) {
		return &UpdateAgent{AverageRating: &average, TotalRatings: &count}, nil
	})
}

// IncrementUses adds one to the usage counter.
func (r *AgentRepository) IncrementUses(ctx context.Context, id int32) (*Agent, error) {
	return r.Mutate(ctx, id, func(current *Agent) (*UpdateAgent, error) {
		uses := current.TotalUses + 1
		return &UpdateAgent{TotalUses: &uses}, nil
	})
}

// Remove deletes the agent. Its model, training jobs and reviews are deleted with
// it by the store, so their namespaces are wiped too.
func (r *AgentRepository) Remove(ctx context.Context, id int32) error {
	if err := r.Repository.Remove(ctx, id); err != nil {
		return err
	}
	for _, entity := range []string{"aimodel", "trainingjob", "review"} {
		r.Cache().DeleteByPattern(ctx, cache.Key(KeyPrefix, entity, "*"))
	}
	return nil
}

// transition sets the status and the matching listed flag in one write.
func (r *AgentRepository) transition(ctx context.Context, id int32, next AgentStatus, apply func(*UpdateAgent)) (*Agent, error) {
	return r.Mutate(ctx, id, func(current *Agent) (*UpdateAgent, error) {
		if !current.Status.CanTransition(next) {
			return nil, errors.Wrapf(ErrInvalidTransition, "agent %d: %s to %s", id, current.Status, next)
		}
		listed := next == AgentListed
		update := &UpdateAgent{Status: &next, IsListed: &listed}
		if apply != nil {
			apply(update)
		}
		return update, nil
	})
}

func (r *AgentRepository) sync(ctx context.Context, prev, cur *Agent) {
	c := r.Cache()
	if prev != nil && prev.TokenID != "" && prev.TokenID != cur.TokenID {
		c.Delete(ctx, r.Key("token", prev.TokenID))
	}
	if cur.TokenID != "" {
		setCached(ctx, c, r.Key("token", cur.TokenID), cur, r.TTL())
	}

	for _, segment := range []string{"search", "owner", "category", "stats", "count"} {
		r.Invalidate(ctx, segment)
	}
	c.Delete(ctx, userStatsKey(cur.OwnerID))
	c.Delete(ctx, userStatsKey(cur.CreatorID))
	if prev != nil && prev.OwnerID != cur.OwnerID {
		c.Delete(ctx, userStatsKey(prev.OwnerID))
	}
}

func agentStatsKey(agentID int32) string {
	return cache.Key(KeyPrefix, "agent", "stats", itoa(agentID))
}
