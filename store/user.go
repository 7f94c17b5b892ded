package store

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hrygo/synthr/store/cache"
)

// User is a wallet-authenticated account.
type User struct {
	ID        int32 `json:"id"`
	CreatedTs int64 `json:"created_ts"`
	UpdatedTs int64 `json:"updated_ts"`

	Username      string `json:"username,omitempty"`
	Email         string `json:"email,omitempty"`
	WalletAddress string `json:"wallet_address"`
	// Nonce is the pending sign-in challenge. Empty when none is outstanding.
	Nonce string `json:"nonce,omitempty"`

	IsActive        bool  `json:"is_active"`
	IsVerified      bool  `json:"is_verified"`
	ReputationScore int32 `json:"reputation_score"`

	// Profile and Preferences are JSON objects kept as raw text.
	Profile     string `json:"profile"`
	Preferences string `json:"preferences"`
}

func (u *User) PrimaryKey() int32 { return u.ID }

type FindUser struct {
	ID            *int32  `json:"id,omitempty"`
	IDs           []int32 `json:"ids,omitempty"`
	WalletAddress *string `json:"wallet_address,omitempty"`
	Username      *string `json:"username,omitempty"`
	Email         *string `json:"email,omitempty"`
	IsActive      *bool   `json:"is_active,omitempty"`
	// Query matches username or email, case-insensitively.
	Query *string `json:"query,omitempty"`

	Limit  *int `json:"limit,omitempty"`
	Offset *int `json:"offset,omitempty"`
}

type UpdateUser struct {
	ID int32

	// An empty Username, Email or Nonce clears the column.
	Username        *string
	Email           *string
	WalletAddress   *string
	Nonce           *string
	IsActive        *bool
	IsVerified      *bool
	ReputationScore *int32
	Profile         *string
	Preferences     *string
}

type DeleteUser struct {
	ID int32
}

// UserStats aggregates a user's marketplace activity.
type UserStats struct {
	AgentsCreated int64 `json:"agents_created"`
	AgentsOwned   int64 `json:"agents_owned"`
	Transactions  int64 `json:"transactions"`
	// AverageRating is the mean rating over reviews of agents the user created.
	AverageRating float64         `json:"average_rating"`
	TotalRevenue  decimal.Decimal `json:"total_revenue"`
}

// NormalizeWallet returns the canonical form used for storage and lookups.
func NormalizeWallet(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// UserRepository is the cache-aside repository of users, with wallet and
// username secondary lookups.
type UserRepository struct {
	*Repository[*User, FindUser, UpdateUser]
	driver Driver
}

func newUserRepository(driver Driver, c cache.Store) *UserRepository {
	repo := &UserRepository{driver: driver}
	repo.Repository = NewRepository(c, "user", DefaultTTL, Backend[*User, FindUser, UpdateUser]{
		Create: driver.CreateUser,
		List:   driver.ListUsers,
		Count:  driver.CountUsers,
		Update: func(ctx context.Context, id int32, update *UpdateUser) (*User, error) {
			update.ID = id
			return driver.UpdateUser(ctx, update)
		},
		Delete: func(ctx context.Context, id int32) error {
			return driver.DeleteUser(ctx, &DeleteUser{ID: id})
		},
		ByID:  func(id int32) *FindUser { return &FindUser{ID: &id} },
		ByIDs: func(ids []int32) *FindUser { return &FindUser{IDs: ids} },
	}).WithSync(repo.sync)
	return repo
}

// GetByWallet returns the user linked to the wallet address, or nil.
func (r *UserRepository) GetByWallet(ctx context.Context, address string) (*User, error) {
	address = NormalizeWallet(address)
	return cachedOne(ctx, r.Cache(), r.Key("wallet", address), r.TTL(), func() (*User, error) {
		return r.findOne(ctx, &FindUser{WalletAddress: &address})
	})
}

// GetByUsername returns the user with the username, or nil.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	return cachedOne(ctx, r.Cache(), r.Key("username", username), r.TTL(), func() (*User, error) {
		return r.findOne(ctx, &FindUser{Username: &username})
	})
}

// CreateWithWallet creates an active user for a wallet address.
func (r *UserRepository) CreateWithWallet(ctx context.Context, address string) (*User, error) {
	return r.Create(ctx, &User{
		WalletAddress: NormalizeWallet(address),
		IsActive:      true,
		Profile:       "{}",
		Preferences:   "{}",
	})
}

// UpdateNonce stores the sign-in challenge. An empty nonce clears it.
func (r *UserRepository) UpdateNonce(ctx context.Context, id int32, nonce string) (*User, error) {
	return r.Mutate(ctx, id, func(*User) (*UpdateUser, error) {
		return &UpdateUser{Nonce: &nonce}, nil
	})
}

// Deactivate marks the user inactive.
func (r *UserRepository) Deactivate(ctx context.Context, id int32) (*User, error) {
	active := false
	return r.Mutate(ctx, id, func(*User) (*UpdateUser, error) {
		return &UpdateUser{IsActive: &active}, nil
	})
}

// Search matches active users by username or email.
func (r *UserRepository) Search(ctx context.Context, query string, offset, limit int) ([]*User, error) {
	active := true
	find := &FindUser{Query: &query, IsActive: &active, Offset: &offset, Limit: &limit}
	key, err := hashedKey(r.Key("search"), find)
	if err != nil {
		return nil, err
	}
	return cachedValue(ctx, r.Cache(), key, SearchTTL, func() ([]*User, error) {
		return r.driver.ListUsers(ctx, find)
	})
}

// Stats returns the activity aggregates of a user.
func (r *UserRepository) Stats(ctx context.Context, userID int32) (*UserStats, error) {
	return cachedValue(ctx, r.Cache(), r.Key("stats", itoa(userID)), DerivedTTL, func() (*UserStats, error) {
		return r.driver.GetUserStats(ctx, userID)
	})
}

// IsUsernameTaken reports whether another user already holds username.
// It always consults the store.
func (r *UserRepository) IsUsernameTaken(ctx context.Context, username string, exceptID int32) (bool, error) {
	user, err := r.findOne(ctx, &FindUser{Username: &username})
	if err != nil {
		return false, err
	}
	return user != nil && user.ID != exceptID, nil
}

func (r *UserRepository) findOne(ctx context.Context, find *FindUser) (*User, error) {
	list, err := r.driver.ListUsers(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (r *UserRepository) sync(ctx context.Context, prev, cur *User) {
	c := r.Cache()
	if prev != nil {
		if prev.WalletAddress != "" && prev.WalletAddress != cur.WalletAddress {
			c.Delete(ctx, r.Key("wallet", prev.WalletAddress))
		}
		if prev.Username != "" && prev.Username != cur.Username {
			c.Delete(ctx, r.Key("username", prev.Username))
		}
	}
	if cur.WalletAddress != "" {
		setCached(ctx, c, r.Key("wallet", cur.WalletAddress), cur, r.TTL())
	}
	if cur.Username != "" {
		setCached(ctx, c, r.Key("username", cur.Username), cur, r.TTL())
	}

	r.Invalidate(ctx, "search")
	c.Delete(ctx, userStatsKey(cur.ID))
}

// userStatsKey is the key of UserRepository.Stats, dropped by writes in other
// namespaces that feed it.
func userStatsKey(userID int32) string {
	return cache.Key(KeyPrefix, "user", "stats", itoa(userID))
}
