package v1

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/synthr/internal/profile"
	"github.com/hrygo/synthr/server/auth"
	apierrors "github.com/hrygo/synthr/server/internal/errors"
	"github.com/hrygo/synthr/server/internal/observability"
	ratelimit "github.com/hrygo/synthr/server/middleware"
	"github.com/hrygo/synthr/server/runner/training"
	"github.com/hrygo/synthr/store"
)

// APIV1Service serves the JSON API under /api/v1.
type APIV1Service struct {
	Profile  *profile.Profile
	Store    *store.Store
	Auth     *auth.Service
	Pipeline *training.Pipeline
	// Pinner uploads agent images and metadata. Nil when IPFS is not configured.
	Pinner  training.Pinner
	Metrics *observability.Metrics

	validate    *validator.Validate
	authLimiter *ratelimit.RateLimiter
}

func NewAPIV1Service(p *profile.Profile, s *store.Store, authService *auth.Service, pipeline *training.Pipeline) *APIV1Service {
	return &APIV1Service{
		Profile:     p,
		Store:       s,
		Auth:        authService,
		Pipeline:    pipeline,
		validate:    newValidator(),
		authLimiter: ratelimit.NewRateLimiter(6*time.Second, 10),
	}
}

// RegisterRoutes mounts the API on e.
func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1", middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, observability.HeaderRequestID},
	}))
	requireAuth := s.authMiddleware()
	if s.Metrics != nil {
		s.authLimiter.OnLimited = func(c echo.Context) {
			s.Metrics.RateLimited.WithLabelValues(c.Path()).Inc()
		}
	}

	authGroup := api.Group("/auth", s.authLimiter.Middleware())
	authGroup.POST("/nonce", s.CreateNonce)
	authGroup.POST("/verify", s.VerifySignature)
	authGroup.GET("/me", s.GetCurrentUser, requireAuth)

	users := api.Group("/users", requireAuth)
	users.PATCH("/me", s.UpdateCurrentUser)
	users.GET("/me/stats", s.GetCurrentUserStats)
	users.GET("/search", s.SearchUsers)

	agents := api.Group("/agents")
	agents.GET("", s.ListAgents)
	agents.GET("/search", s.SearchAgents)
	agents.GET("/feed.rss", s.GetAgentFeed)
	agents.GET("/:id", s.GetAgent)
	agents.GET("/:id/reviews", s.ListAgentReviews)
	agents.GET("/:id/stats", s.GetAgentStats)
	agents.POST("", s.CreateAgent, requireAuth)
	agents.PATCH("/:id", s.UpdateAgent, requireAuth)
	agents.DELETE("/:id", s.DeleteAgent, requireAuth)
	agents.POST("/:id/image", s.UploadAgentImage, requireAuth)
	agents.POST("/:id/metadata", s.PinAgentMetadata, requireAuth)
	agents.POST("/:id/mint", s.MintAgent, requireAuth)
	agents.POST("/:id/list", s.ListAgentForSale, requireAuth)
	agents.POST("/:id/delist", s.DelistAgent, requireAuth)
	agents.POST("/:id/purchase", s.PurchaseAgent, requireAuth)
	agents.POST("/:id/reviews", s.CreateReview, requireAuth)
	agents.POST("/:id/training", s.StartTraining, requireAuth)

	trainingGroup := api.Group("/training", requireAuth)
	trainingGroup.GET("", s.ListTrainingJobs)
	trainingGroup.GET("/:id", s.GetTrainingJob)
	trainingGroup.DELETE("/:id", s.StopTrainingJob)

	transactions := api.Group("/transactions", requireAuth)
	transactions.GET("", s.ListTransactions)
	transactions.GET("/stats", s.GetTransactionStats)
}

// SweepLimiters drops idle rate limiter entries until ctx is done.
func (s *APIV1Service) SweepLimiters(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.authLimiter.Sweep(); n > 0 {
				slog.Debug("swept idle rate limiters", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// HTTPErrorHandler renders every error as {"code": ..., "message": ...}.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var apiErr *apierrors.APIError
	if he, ok := err.(*echo.HTTPError); ok {
		apiErr = fromHTTPError(he)
	} else {
		apiErr = apierrors.FromError(err)
	}
	status := apiErr.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		observability.Logger(c.Request().Context()).Error("request failed",
			slog.String(observability.LogFieldErrorCode, string(apiErr.Code)),
			slog.String("error", err.Error()))
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, apiErr)
}

func fromHTTPError(he *echo.HTTPError) *apierrors.APIError {
	msg := http.StatusText(he.Code)
	if m, ok := he.Message.(string); ok {
		msg = m
	}
	code := apierrors.ErrCodeInternal
	switch he.Code {
	case http.StatusNotFound:
		code = apierrors.ErrCodeNotFound
	case http.StatusMethodNotAllowed, http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		code = apierrors.ErrCodeInvalidArgument
	case http.StatusUnauthorized:
		code = apierrors.ErrCodeUnauthorized
	case http.StatusForbidden:
		code = apierrors.ErrCodeForbidden
	case http.StatusTooManyRequests:
		code = apierrors.ErrCodeRateLimitExceeded
	case http.StatusServiceUnavailable:
		code = apierrors.ErrCodeServiceUnavailable
	}
	return &apierrors.APIError{Code: code, Message: msg, Cause: he}
}
