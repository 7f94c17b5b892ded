package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	metrics := NewMetrics()

	e := echo.New()
	e.Use(RequestLogger(logger, metrics))
	e.GET("/agents/:id", func(c echo.Context) error {
		reqCtx, ok := FromContext(c.Request().Context())
		require.True(t, ok)
		reqCtx.UserID = 9
		return c.String(http.StatusOK, reqCtx.RequestID)
	})
	e.GET("/boom", func(echo.Context) error {
		return echo.NewHTTPError(http.StatusInternalServerError, "boom")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents/3", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	requestID := rec.Header().Get(HeaderRequestID)
	assert.Len(t, requestID, 36)
	assert.Equal(t, requestID, rec.Body.String())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, requestID, line[LogFieldRequestID])
	assert.Equal(t, "/agents/:id", line[LogFieldPath])
	assert.EqualValues(t, 200, line[LogFieldStatus])
	assert.EqualValues(t, 9, line[LogFieldUserID])
	assert.Contains(t, line, LogFieldDuration)

	buf.Reset()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(HeaderRequestID, "fixed-id")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "fixed-id", rec.Header().Get(HeaderRequestID))
	assert.Contains(t, buf.String(), `"level":"ERROR"`)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/agents/:id", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/boom", "500")))
}

func TestMetricsHandler(t *testing.T) {
	metrics := NewMetrics()
	metrics.TrainingRuns.WithLabelValues("completed").Inc()

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `synthr_training_runs_total{outcome="completed"} 1`))
}

func TestLoggerFallback(t *testing.T) {
	assert.Equal(t, slog.Default(), Logger(context.Background()))
}
