package v1

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/hrygo/synthr/server/internal/errors"
	"github.com/hrygo/synthr/server/ipfs"
	"github.com/hrygo/synthr/store"
)

type memoryPinner struct {
	mu   sync.Mutex
	json []any
}

func (*memoryPinner) PinFile(_ context.Context, name string, r io.Reader, _ map[string]string) (*ipfs.PinResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return &ipfs.PinResult{Hash: "bafyfile" + name, Size: int64(len(data))}, nil
}

func (p *memoryPinner) PinJSON(_ context.Context, v any, name string, _ map[string]string) (*ipfs.PinResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.json = append(p.json, v)
	return &ipfs.PinResult{Hash: "bafymeta" + name, GatewayURL: "https://gateway.test/ipfs/bafymeta" + name}, nil
}

func TestPinAgentMetadata(t *testing.T) {
	s := newTestServer(t, time.Millisecond)
	owner, other := s.signIn(), s.signIn()
	agent := s.createAgent(owner, "Minted Mind")
	path := fmt.Sprintf("/api/v1/agents/%d/metadata", agent.ID)

	rec := s.do(http.MethodPost, path, owner.Token, nil)
	requireError(t, rec, http.StatusServiceUnavailable, apierrors.ErrCodeServiceUnavailable)

	pinner := &memoryPinner{}
	s.service.Pinner = pinner
	rec = s.do(http.MethodPost, path, other.Token, nil)
	requireError(t, rec, http.StatusForbidden, apierrors.ErrCodeForbidden)

	rec = s.do(http.MethodPost, path, owner.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[TokenMetadataResponse](t, rec)
	assert.Equal(t, "ipfs://"+resp.IPFSHash, resp.TokenURI)
	assert.NotEmpty(t, resp.GatewayURL)

	require.Len(t, pinner.json, 1)
	meta, ok := pinner.json[0].(*TokenMetadata)
	require.True(t, ok)
	assert.Equal(t, "Minted Mind", meta.Name)
	assert.Empty(t, meta.Image)
	assert.Contains(t, meta.Attributes, TokenAttribute{TraitType: "Category", Value: "analytics"})
	assert.Contains(t, meta.Attributes, TokenAttribute{TraitType: "Capability", Value: "summarize"})
}

func TestMintAgent(t *testing.T) {
	s := newTestServer(t, time.Millisecond)
	owner, other := s.signIn(), s.signIn()
	agent := s.createAgent(owner, "Fresh Token")
	path := fmt.Sprintf("/api/v1/agents/%d/mint", agent.ID)
	otherHash := "0x" + fmt.Sprintf("%064x", 7)

	rec := s.do(http.MethodPost, path, owner.Token, map[string]string{"tx_hash": "0x12"})
	requireError(t, rec, http.StatusBadRequest, apierrors.ErrCodeInvalidArgument)

	rec = s.do(http.MethodPost, path, other.Token, map[string]string{"tx_hash": testTxHash})
	requireError(t, rec, http.StatusForbidden, apierrors.ErrCodeForbidden)

	rec = s.do(http.MethodPost, path, owner.Token, map[string]string{"tx_hash": testTxHash, "token_uri": "ipfs://bafymeta"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	tx := decode[store.Transaction](t, rec)
	assert.Equal(t, store.TransactionMint, tx.Type)
	assert.Equal(t, store.TransactionPending, tx.Status)
	assert.Equal(t, owner.ID, tx.BuyerID)
	assert.True(t, tx.Amount.IsZero())

	// One mint at a time.
	rec = s.do(http.MethodPost, path, owner.Token, map[string]string{"tx_hash": otherHash})
	requireError(t, rec, http.StatusConflict, apierrors.ErrCodeConflict)

	rec = s.do(http.MethodGet, "/api/v1/transactions?type=mint", owner.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[ListResponse[*store.Transaction]](t, rec).Items, 1)

	// An unminted agent on the market cannot be bought.
	ctx := context.Background()
	_, err := s.store.Agents().StartTraining(ctx, agent.ID)
	require.NoError(t, err)
	_, err = s.store.Agents().MarkReady(ctx, agent.ID)
	require.NoError(t, err)
	_, err = s.store.Agents().List(ctx, agent.ID, decimal.NewFromInt(2))
	require.NoError(t, err)
	rec = s.do(http.MethodPost, fmt.Sprintf("/api/v1/agents/%d/purchase", agent.ID), other.Token, map[string]string{"tx_hash": otherHash})
	requireError(t, rec, http.StatusConflict, apierrors.ErrCodeConflict)

	_, err = s.store.Transactions().UpdateStatus(ctx, testTxHash, store.TransactionCompleted, nil)
	require.NoError(t, err)
	_, err = s.store.Agents().RecordMint(ctx, agent.ID, "5")
	require.NoError(t, err)

	rec = s.do(http.MethodPost, path, owner.Token, map[string]string{"tx_hash": otherHash})
	apiErr := requireError(t, rec, http.StatusConflict, apierrors.ErrCodeConflict)
	assert.Contains(t, apiErr.Message, "already minted")

	rec = s.do(http.MethodPost, fmt.Sprintf("/api/v1/agents/%d/purchase", agent.ID), other.Token, map[string]string{"tx_hash": otherHash})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}
