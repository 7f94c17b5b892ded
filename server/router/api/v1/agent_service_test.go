package v1

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/hrygo/synthr/server/internal/errors"
	"github.com/hrygo/synthr/store"
)

const testTxHash = "0x8f3b1c0d2e4a5f67788990aabbccddeeff00112233445566778899aabbccddee"

func (s *testServer) createAgent(owner *testUser, name string) *store.Agent {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/v1/agents", owner.Token, map[string]any{
		"name":         name,
		"description":  "An agent that **summarizes** market news.",
		"category":     "analytics",
		"capabilities": []string{"summarize"},
		"metadata":     map[string]any{"language": "en"},
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	agent := decode[store.Agent](s.t, rec)
	return &agent
}

// listAgent moves a draft agent to the market without running the pipeline.
func (s *testServer) listAgent(agent *store.Agent, owner *testUser, price string) *store.Agent {
	s.t.Helper()
	ctx := context.Background()
	_, err := s.store.Agents().StartTraining(ctx, agent.ID)
	require.NoError(s.t, err)
	_, err = s.store.Agents().MarkReady(ctx, agent.ID)
	require.NoError(s.t, err)
	if agent.TokenID == "" {
		_, err = s.store.Agents().RecordMint(ctx, agent.ID, strconv.Itoa(int(agent.ID)))
		require.NoError(s.t, err)
	}

	rec := s.do(http.MethodPost, fmt.Sprintf("/api/v1/agents/%d/list", agent.ID), owner.Token, map[string]string{"price": price})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	listed := decode[store.Agent](s.t, rec)
	return &listed
}

func TestCreateAndUpdateAgent(t *testing.T) {
	s := newTestServer(t, time.Millisecond)
	owner, other := s.signIn(), s.signIn()

	agent := s.createAgent(owner, "News Digest")
	assert.Equal(t, store.AgentDraft, agent.Status)
	assert.Equal(t, owner.ID, agent.OwnerID)
	assert.Equal(t, owner.ID, agent.CreatorID)
	assert.True(t, agent.RoyaltyPercentage.Equal(decimal.RequireFromString("2.5")))
	assert.JSONEq(t, `{"language":"en"}`, agent.Metadata)

	rec := s.do(http.MethodPost, "/api/v1/agents", owner.Token, map[string]any{
		"name":         "Bad",
		"description":  "too short",
		"category":     "gaming",
		"capabilities": []string{},
	})
	apiErr := requireError(t, rec, http.StatusBadRequest, apierrors.ErrCodeInvalidArgument)
	assert.Contains(t, apiErr.Details, "category")
	assert.Contains(t, apiErr.Details, "description")
	assert.Contains(t, apiErr.Details, "capabilities")

	path := fmt.Sprintf("/api/v1/agents/%d", agent.ID)
	rec = s.do(http.MethodPatch, path, other.Token, map[string]any{"name": "Stolen"})
	requireError(t, rec, http.StatusForbidden, apierrors.ErrCodeForbidden)

	rec = s.do(http.MethodPatch, path, owner.Token, map[string]any{"status": "listed"})
	requireError(t, rec, http.StatusBadRequest, apierrors.ErrCodeInvalidArgument)

	rec = s.do(http.MethodPatch, path, owner.Token, map[string]any{"name": "News Digest Pro", "capabilities": []string{"summarize", "translate"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[store.Agent](t, rec)
	assert.Equal(t, "News Digest Pro", updated.Name)
	assert.Equal(t, []string{"summarize", "translate"}, updated.Capabilities)

	rec = s.do(http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "News Digest Pro", decode[store.Agent](t, rec).Name)
}

func TestAgentMarketLifecycle(t *testing.T) {
	s := newTestServer(t, time.Millisecond)
	owner, other := s.signIn(), s.signIn()
	agent := s.createAgent(owner, "Trader")
	path := fmt.Sprintf("/api/v1/agents/%d", agent.ID)

	// A draft agent cannot go on the market.
	rec := s.do(http.MethodPost, path+"/list", owner.Token, map[string]string{"price": "1"})
	requireError(t, rec, http.StatusConflict, apierrors.ErrCodeInvalidTransition)

	rec = s.do(http.MethodGet, "/api/v1/agents", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ListResponse[*store.Agent]](t, rec).Items)

	listed := s.listAgent(agent, owner, "1.25")
	assert.Equal(t, store.AgentListed, listed.Status)
	assert.True(t, listed.IsListed)
	assert.True(t, listed.Price.Decimal.Equal(decimal.RequireFromString("1.25")))

	rec = s.do(http.MethodGet, "/api/v1/agents?category=analytics&min_price=1&max_price=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[ListResponse[*store.Agent]](t, rec)
	require.Len(t, page.Items, 1)
	assert.Equal(t, agent.ID, page.Items[0].ID)
	assert.Equal(t, defaultPageSize, page.Limit)

	rec = s.do(http.MethodGet, "/api/v1/agents?min_price=2&max_price=1", "", nil)
	requireError(t, rec, http.StatusBadRequest, apierrors.ErrCodeInvalidArgument)

	rec = s.do(http.MethodGet, "/api/v1/agents/search?q=trad", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListResponse[*store.Agent]](t, rec).Items, 1)

	rec = s.do(http.MethodGet, "/api/v1/agents/search", "", nil)
	requireError(t, rec, http.StatusBadRequest, apierrors.ErrCodeInvalidArgument)

	rec = s.do(http.MethodPost, path+"/list", owner.Token, map[string]string{"price": "0"})
	requireError(t, rec, http.StatusBadRequest, apierrors.ErrCodeInvalidArgument)

	rec = s.do(http.MethodDelete, path, owner.Token, nil)
	requireError(t, rec, http.StatusConflict, apierrors.ErrCodeConflict)

	rec = s.do(http.MethodPost, path+"/delist", other.Token, nil)
	requireError(t, rec, http.StatusForbidden, apierrors.ErrCodeForbidden)

	rec = s.do(http.MethodPost, path+"/delist", owner.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	delisted := decode[store.Agent](t, rec)
	assert.Equal(t, store.AgentDelisted, delisted.Status)
	assert.False(t, delisted.IsListed)

	rec = s.do(http.MethodGet, path+"/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodDelete, path, owner.Token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = s.do(http.MethodGet, path, "", nil)
	requireError(t, rec, http.StatusNotFound, apierrors.ErrCodeNotFound)
}

func TestPurchaseAgent(t *testing.T) {
	s := newTestServer(t, time.Millisecond)
	seller, buyer := s.signIn(), s.signIn()
	agent := s.listAgent(s.createAgent(seller, "Forecaster"), seller, "3")
	path := fmt.Sprintf("/api/v1/agents/%d/purchase", agent.ID)

	rec := s.do(http.MethodPost, path, seller.Token, map[string]string{"tx_hash": testTxHash})
	requireError(t, rec, http.StatusConflict, apierrors.ErrCodeConflict)

	rec = s.do(http.MethodPost, path, buyer.Token, map[string]string{"tx_hash": "0x1234"})
	requireError(t, rec, http.StatusBadRequest, apierrors.ErrCodeInvalidArgument)

	rec = s.do(http.MethodPost, path, buyer.Token, map[string]string{"tx_hash": strings.ToUpper(testTxHash[2:])})
	requireError(t, rec, http.StatusBadRequest, apierrors.ErrCodeInvalidArgument)

	rec = s.do(http.MethodPost, path, buyer.Token, map[string]string{"tx_hash": testTxHash})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	tx := decode[store.Transaction](t, rec)
	assert.Equal(t, store.TransactionPending, tx.Status)
	assert.Equal(t, store.TransactionPurchase, tx.Type)
	assert.Equal(t, buyer.ID, tx.BuyerID)
	assert.Equal(t, seller.ID, tx.SellerID)
	assert.True(t, tx.Amount.Equal(decimal.NewFromInt(3)))

	rec = s.do(http.MethodPost, path, buyer.Token, map[string]string{"tx_hash": testTxHash})
	requireError(t, rec, http.StatusConflict, apierrors.ErrCodeConflict)

	for _, user := range []*testUser{buyer, seller} {
		rec = s.do(http.MethodGet, "/api/v1/transactions?type=purchase", user.Token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		list := decode[ListResponse[*store.Transaction]](t, rec)
		require.Len(t, list.Items, 1)
		assert.Equal(t, tx.ID, list.Items[0].ID)
	}

	rec = s.do(http.MethodGet, "/api/v1/transactions?type=refund", buyer.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ListResponse[*store.Transaction]](t, rec).Items)

	rec = s.do(http.MethodGet, "/api/v1/transactions?type=gift", buyer.Token, nil)
	requireError(t, rec, http.StatusBadRequest, apierrors.ErrCodeInvalidArgument)

	rec = s.do(http.MethodGet, "/api/v1/transactions/stats", buyer.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[store.TransactionStats](t, rec)
	assert.EqualValues(t, 1, stats.TotalTransactions)
	assert.EqualValues(t, 0, stats.Completed)
}

func TestAgentFeed(t *testing.T) {
	s := newTestServer(t, time.Millisecond)
	owner := s.signIn()
	listed := s.listAgent(s.createAgent(owner, "Feed Star"), owner, "2")
	s.createAgent(owner, "Hidden Draft")

	rec := s.do(http.MethodGet, "/api/v1/agents/feed.rss", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/rss+xml")
	body := rec.Body.String()
	assert.Contains(t, body, "Feed Star (2 ETH)")
	assert.Contains(t, body, fmt.Sprintf("https://synthr.test/agents/%d", listed.ID))
	assert.Contains(t, body, "&lt;strong&gt;summarizes&lt;/strong&gt;")
	assert.NotContains(t, body, "Hidden Draft")
}
