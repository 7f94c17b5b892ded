package test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/hrygo/synthr/internal/profile"
	"github.com/hrygo/synthr/internal/version"
	"github.com/hrygo/synthr/store"
	"github.com/hrygo/synthr/store/cache"
	"github.com/hrygo/synthr/store/db"
)

// NewTestingStore opens a migrated store on a fresh database, fronted by an
// in-process cache. The driver is picked with the DRIVER environment variable.
func NewTestingStore(ctx context.Context, t *testing.T) *store.Store {
	return newTestingStore(ctx, t, "dev")
}

// NewSeededStore is like NewTestingStore but loads the demo data.
func NewSeededStore(ctx context.Context, t *testing.T) *store.Store {
	return newTestingStore(ctx, t, "demo")
}

func newTestingStore(ctx context.Context, t *testing.T, mode string) *store.Store {
	t.Helper()
	profile := getTestingProfile(t, mode)
	dbDriver, err := db.NewDBDriver(profile)
	if err != nil {
		t.Fatalf("failed to create db driver: %v", err)
	}

	memory := cache.NewMemory(cache.DefaultMemoryConfig())
	ts := store.New(dbDriver, profile, memory)
	if err := ts.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}
	t.Cleanup(func() {
		_ = ts.Close()
	})
	return ts
}

func getTestingProfile(t *testing.T, mode string) *profile.Profile {
	driver := getDriverFromEnv()
	p := &profile.Profile{
		Mode:    mode,
		Data:    t.TempDir(),
		Driver:  driver,
		Version: version.GetCurrentVersion(mode),
	}
	switch driver {
	case "sqlite":
		p.DSN = filepath.Join(p.Data, fmt.Sprintf("synthr_%s.db", mode))
	case "postgres":
		p.DSN = GetPostgresDSN(t)
	}
	return p
}

func getDriverFromEnv() string {
	driver := os.Getenv("DRIVER")
	if driver == "" {
		driver = "sqlite"
	}
	return driver
}

// createTestingUser creates an active user for the wallet address.
func createTestingUser(ctx context.Context, ts *store.Store, wallet string) (*store.User, error) {
	return ts.Users().CreateWithWallet(ctx, wallet)
}

// createListedAgent creates an agent and walks it through training to the market.
func createListedAgent(ctx context.Context, ts *store.Store, ownerID int32, name string, category store.AgentCategory, price string) (*store.Agent, error) {
	agent, err := ts.Agents().CreateWithOwner(ctx, &store.Agent{
		Name:        name,
		Description: name + " agent",
		Category:    category,
	}, ownerID)
	if err != nil {
		return nil, err
	}
	if _, err := ts.Agents().StartTraining(ctx, agent.ID); err != nil {
		return nil, err
	}
	if _, err := ts.Agents().MarkReady(ctx, agent.ID); err != nil {
		return nil, err
	}
	return ts.Agents().List(ctx, agent.ID, decimal.RequireFromString(price))
}
