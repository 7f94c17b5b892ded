package test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/synthr/store"
)

func TestAgentListSearchDelist(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	agents := ts.Agents()

	owner, err := createTestingUser(ctx, ts, "0x0000000000000000000000000000000000001001")
	require.NoError(t, err)
	agent, err := createListedAgent(ctx, ts, owner.ID, "Alpha", store.CategoryTrading, "10")
	require.NoError(t, err)
	require.Equal(t, store.AgentListed, agent.Status)
	require.True(t, agent.IsListed)
	require.True(t, agent.Price.Valid)
	require.True(t, agent.Price.Decimal.Equal(decimal.NewFromInt(10)))

	category, listed := store.CategoryTrading, true
	find := &store.FindAgent{Category: &category, IsListed: &listed}
	found, err := agents.Search(ctx, find)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, agent.ID, found[0].ID)

	delisted, err := agents.Delist(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentDelisted, delisted.Status)
	require.False(t, delisted.IsListed)

	found, err = agents.Search(ctx, find)
	require.NoError(t, err)
	require.Empty(t, found)

	got, err := agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentDelisted, got.Status)
	require.False(t, got.IsListed)
	require.True(t, got.Price.Decimal.Equal(decimal.NewFromInt(10)))
}

func TestAgentTransitions(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	agents := ts.Agents()

	owner, err := createTestingUser(ctx, ts, "0x0000000000000000000000000000000000001002")
	require.NoError(t, err)
	buyer, err := createTestingUser(ctx, ts, "0x0000000000000000000000000000000000001003")
	require.NoError(t, err)
	agent, err := agents.CreateWithOwner(ctx, &store.Agent{Name: "Lifecycle", Category: store.CategoryAutomation}, owner.ID)
	require.NoError(t, err)

	_, err = agents.List(ctx, agent.ID, decimal.NewFromInt(1))
	require.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = agents.MarkReady(ctx, agent.ID)
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = agents.StartTraining(ctx, agent.ID)
	require.NoError(t, err)
	aborted, err := agents.AbortTraining(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentDraft, aborted.Status)

	_, err = agents.StartTraining(ctx, agent.ID)
	require.NoError(t, err)
	_, err = agents.MarkReady(ctx, agent.ID)
	require.NoError(t, err)

	_, err = agents.List(ctx, agent.ID, decimal.Zero)
	require.ErrorIs(t, err, store.ErrInvalidArgument)
	_, err = agents.List(ctx, agent.ID, decimal.RequireFromString("0.5"))
	require.NoError(t, err)

	sold, err := agents.TransferOwnership(ctx, agent.ID, buyer.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentSold, sold.Status)
	require.Equal(t, buyer.ID, sold.OwnerID)
	require.Equal(t, owner.ID, sold.CreatorID)
	require.False(t, sold.IsListed)

	owned, err := agents.ListByOwner(ctx, buyer.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, owned, 1)

	_, err = agents.Delist(ctx, agent.ID)
	require.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestAgentProtectedFields(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	agents := ts.Agents()

	owner, err := createTestingUser(ctx, ts, "0x0000000000000000000000000000000000001004")
	require.NoError(t, err)
	agent, err := createListedAgent(ctx, ts, owner.ID, "Guarded", store.CategoryCreative, "2")
	require.NoError(t, err)

	status := store.AgentDraft
	_, err = agents.Update(ctx, agent, &store.UpdateAgent{Status: &status})
	require.ErrorIs(t, err, store.ErrProtectedField)

	listed := false
	_, err = agents.Update(ctx, agent, &store.UpdateAgent{IsListed: &listed})
	require.ErrorIs(t, err, store.ErrProtectedField)

	zero := decimal.Zero
	_, err = agents.Update(ctx, agent, &store.UpdateAgent{Price: &zero})
	require.ErrorIs(t, err, store.ErrInvalidArgument)

	price := decimal.RequireFromString("4.75")
	updated, err := agents.Update(ctx, agent, &store.UpdateAgent{Price: &price})
	require.NoError(t, err)
	require.True(t, updated.Price.Decimal.Equal(price))
	require.Equal(t, store.AgentListed, updated.Status)

	// The schema refuses a listed agent without a price.
	draft, err := agents.CreateWithOwner(ctx, &store.Agent{Name: "Unpriced", Category: store.CategoryCreative}, owner.ID)
	require.NoError(t, err)
	listedStatus, isListed := store.AgentListed, true
	_, err = ts.GetDriver().UpdateAgent(ctx, &store.UpdateAgent{ID: draft.ID, Status: &listedStatus, IsListed: &isListed})
	require.Error(t, err)
}

func TestAgentTokenLookupAndCounters(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	agents := ts.Agents()

	owner, err := createTestingUser(ctx, ts, "0x0000000000000000000000000000000000001005")
	require.NoError(t, err)
	agent, err := agents.CreateWithOwner(ctx, &store.Agent{Name: "Minted", Category: store.CategoryDataProcessing}, owner.ID)
	require.NoError(t, err)

	tokenID := "77"
	_, err = agents.Update(ctx, agent, &store.UpdateAgent{TokenID: &tokenID})
	require.ErrorIs(t, err, store.ErrProtectedField)
	_, err = agents.RecordMint(ctx, agent.ID, "")
	require.ErrorIs(t, err, store.ErrInvalidArgument)

	agent, err = agents.RecordMint(ctx, agent.ID, tokenID)
	require.NoError(t, err)
	require.Equal(t, "77", agent.TokenID)
	require.True(t, ts.Cache().Exists(ctx, agents.Key("token", "77")))

	_, err = agents.RecordMint(ctx, agent.ID, "78")
	require.ErrorIs(t, err, store.ErrConflict)
	other, err := agents.CreateWithOwner(ctx, &store.Agent{Name: "Copycat", Category: store.CategoryDataProcessing}, owner.ID)
	require.NoError(t, err)
	_, err = agents.RecordMint(ctx, other.ID, tokenID)
	require.ErrorIs(t, err, store.ErrConflict)

	byToken, err := agents.GetByTokenID(ctx, "77")
	require.NoError(t, err)
	require.Equal(t, agent.ID, byToken.ID)

	for i := 0; i < 3; i++ {
		_, err = agents.IncrementUses(ctx, agent.ID)
		require.NoError(t, err)
	}
	rated, err := agents.RecordRating(ctx, agent.ID, decimal.RequireFromString("4.25"), 4)
	require.NoError(t, err)
	require.EqualValues(t, 3, rated.TotalUses)
	require.EqualValues(t, 4, rated.TotalRatings)

	stats, err := agents.Stats(ctx, agent.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.TotalUses)
	require.EqualValues(t, 0, stats.TotalSales)
}

func TestAgentSearchFilters(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	agents := ts.Agents()

	owner, err := createTestingUser(ctx, ts, "0x0000000000000000000000000000000000001006")
	require.NoError(t, err)
	cheap, err := createListedAgent(ctx, ts, owner.ID, "Cheap Summarizer", store.CategoryContent, "1.5")
	require.NoError(t, err)
	pricey, err := createListedAgent(ctx, ts, owner.ID, "Pricey Summarizer", store.CategoryContent, "12")
	require.NoError(t, err)
	_, err = createListedAgent(ctx, ts, owner.ID, "Unrelated", store.CategoryContent, "5")
	require.NoError(t, err)

	query := "summarizer"
	minPrice := decimal.NewFromInt(1)
	ascending := false
	found, err := agents.Search(ctx, &store.FindAgent{
		Query:     &query,
		MinPrice:  &minPrice,
		OrderBy:   store.AgentOrderPrice,
		OrderDesc: &ascending,
	})
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, cheap.ID, found[0].ID)
	require.Equal(t, pricey.ID, found[1].ID)

	maxPrice := decimal.NewFromInt(10)
	found, err = agents.Search(ctx, &store.FindAgent{Query: &query, MaxPrice: &maxPrice})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, cheap.ID, found[0].ID)
}

func TestAgentRemoveCascades(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)

	owner, err := createTestingUser(ctx, ts, "0x0000000000000000000000000000000000001007")
	require.NoError(t, err)
	agent, err := ts.Agents().CreateWithOwner(ctx, &store.Agent{Name: "Doomed", Category: store.CategoryAnalytics}, owner.ID)
	require.NoError(t, err)
	model, err := ts.AIModels().CreateModel(ctx, &store.AIModel{AgentID: agent.ID, ModelType: store.ModelBERT})
	require.NoError(t, err)

	cached, err := ts.AIModels().GetByAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, model.ID, cached.ID)

	require.NoError(t, ts.Agents().Remove(ctx, agent.ID))

	gone, err := ts.AIModels().Get(ctx, model.ID)
	require.NoError(t, err)
	require.Nil(t, gone)
	gone, err = ts.AIModels().GetByAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Nil(t, gone)
}
