package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/synthr/internal/profile"
	"github.com/hrygo/synthr/server/runner/training"
	storetest "github.com/hrygo/synthr/store/test"
)

func newTestingServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	ts := storetest.NewTestingStore(ctx, t)
	p := &profile.Profile{Mode: "dev", Secret: "test-secret", AccessTokenTTL: time.Hour, MaxConcurrentTrains: 1}
	srv, err := NewServer(ctx, p, ts, Options{Trainer: training.NewEpochTrainer(time.Millisecond)})
	require.NoError(t, err)
	return srv
}

func TestNewServerRequiresTrainer(t *testing.T) {
	_, err := NewServer(context.Background(), &profile.Profile{}, nil, Options{})
	require.Error(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestingServer(t)

	rec := httptest.NewRecorder()
	srv.echoServer.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	srv.echoServer.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agents/404", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"code":"NOT_FOUND","message":"agent 404 not found"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.echoServer.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `synthr_http_requests_total{method="GET",path="/healthz",status="200"} 1`)
	assert.Contains(t, body, `synthr_http_requests_total{method="GET",path="/api/v1/agents/:id",status="404"} 1`)
}

func TestUnknownRouteIsCoded(t *testing.T) {
	srv := newTestingServer(t)
	rec := httptest.NewRecorder()
	srv.echoServer.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"NOT_FOUND"`)
}
