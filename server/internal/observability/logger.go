package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	LogFieldRequestID = "request_id"
	LogFieldUserID    = "user_id"
	LogFieldMethod    = "method"
	LogFieldPath      = "path"
	LogFieldStatus    = "status"
	// LogFieldDuration is the field name for duration in milliseconds.
	LogFieldDuration  = "duration_ms"
	LogFieldErrorCode = "error_code"
	LogFieldJobID     = "job_id"
	LogFieldRunID     = "run_id"
	LogFieldTxHash    = "tx_hash"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-Id"

// RequestContext carries the per-request logging state.
type RequestContext struct {
	RequestID string
	UserID    int32
	StartTime time.Time
	Logger    *slog.Logger
}

// NewRequestContext creates a request context. An empty requestID gets a fresh uuid.
func NewRequestContext(logger *slog.Logger, requestID string) *RequestContext {
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return &RequestContext{
		RequestID: requestID,
		StartTime: time.Now(),
		Logger:    logger.With(slog.String(LogFieldRequestID, requestID)),
	}
}

// DurationMs returns the elapsed time in milliseconds.
func (r *RequestContext) DurationMs() int64 {
	return time.Since(r.StartTime).Milliseconds()
}

type ctxKey struct{}

func WithRequestContext(ctx context.Context, reqCtx *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, reqCtx)
}

func FromContext(ctx context.Context) (*RequestContext, bool) {
	reqCtx, ok := ctx.Value(ctxKey{}).(*RequestContext)
	return reqCtx, ok
}

// Logger returns the request logger stored in ctx, or the default logger.
func Logger(ctx context.Context) *slog.Logger {
	if reqCtx, ok := FromContext(ctx); ok {
		return reqCtx.Logger
	}
	return slog.Default()
}

// RequestLogger is echo middleware that assigns a request id, logs one line
// per request and feeds the HTTP metrics when m is not nil.
func RequestLogger(logger *slog.Logger, m *Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			reqCtx := NewRequestContext(logger, req.Header.Get(HeaderRequestID))
			c.SetRequest(req.WithContext(WithRequestContext(req.Context(), reqCtx)))
			c.Response().Header().Set(HeaderRequestID, reqCtx.RequestID)

			err := next(c)
			if err != nil {
				// Let echo render the error now so the logged status is final.
				c.Error(err)
			}

			status := c.Response().Status
			path := c.Path()
			if path == "" {
				path = req.URL.Path
			}
			attrs := []slog.Attr{
				slog.String(LogFieldMethod, req.Method),
				slog.String(LogFieldPath, path),
				slog.Int(LogFieldStatus, status),
				slog.Int64(LogFieldDuration, reqCtx.DurationMs()),
			}
			if reqCtx.UserID != 0 {
				attrs = append(attrs, slog.Int64(LogFieldUserID, int64(reqCtx.UserID)))
			}
			level := slog.LevelInfo
			if status >= 500 {
				level = slog.LevelError
				if err != nil {
					attrs = append(attrs, slog.String("error", err.Error()))
				}
			}
			reqCtx.Logger.LogAttrs(req.Context(), level, "request", attrs...)

			if m != nil {
				m.ObserveRequest(req.Method, path, status, time.Since(reqCtx.StartTime))
			}
			return nil
		}
	}
}
