package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/synthr/internal/profile"
	"github.com/hrygo/synthr/server/auth"
	"github.com/hrygo/synthr/server/chain"
	"github.com/hrygo/synthr/server/internal/observability"
	"github.com/hrygo/synthr/server/ipfs"
	apiv1 "github.com/hrygo/synthr/server/router/api/v1"
	"github.com/hrygo/synthr/server/runner/chainsync"
	"github.com/hrygo/synthr/server/runner/training"
	"github.com/hrygo/synthr/store"
)

// Options carries the optional integrations of a server. Zero values disable
// them.
type Options struct {
	Trainer training.Trainer
	Pinner  *ipfs.Client
	Chain   chain.Client
	Metrics *observability.Metrics
	// Collectors are registered with the default metrics, e.g. the cache
	// requests counter. Ignored when Metrics is set.
	Collectors []prometheus.Collector
}

type Server struct {
	Profile  *profile.Profile
	Store    *store.Store
	Pipeline *training.Pipeline
	Metrics  *observability.Metrics

	echoServer *echo.Echo
	apiV1      *apiv1.APIV1Service
	chainSync  *chainsync.Runner

	runnerCancel context.CancelFunc
	runners      *errgroup.Group
}

func NewServer(_ context.Context, p *profile.Profile, s *store.Store, opts Options) (*Server, error) {
	if opts.Trainer == nil {
		return nil, errors.New("trainer is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics(opts.Collectors...)
	}

	var pipelineOpts []training.Option
	pipelineOpts = append(pipelineOpts, training.WithMetrics(opts.Metrics))
	if opts.Pinner != nil {
		pipelineOpts = append(pipelineOpts, training.WithPinner(opts.Pinner))
	}
	pipeline := training.NewPipeline(s, opts.Trainer, p.MaxConcurrentTrains, pipelineOpts...)

	srv := &Server{
		Profile:  p,
		Store:    s,
		Pipeline: pipeline,
		Metrics:  opts.Metrics,
	}
	if opts.Chain != nil {
		srv.chainSync = chainsync.NewRunner(s, opts.Chain, chainsync.Config{
			Interval:        p.ChainSyncInterval,
			ContractAddress: p.ContractAddress,
			ChainID:         p.ChainID,
		}, opts.Metrics)
	}

	echoServer := echo.New()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.HTTPErrorHandler = apiv1.HTTPErrorHandler
	echoServer.Use(middleware.Recover())
	echoServer.Use(observability.RequestLogger(slog.Default(), opts.Metrics))
	srv.echoServer = echoServer

	echoServer.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})
	echoServer.GET("/metrics", echo.WrapHandler(opts.Metrics.Handler()))

	authService := auth.NewService(s, p.Secret, p.AccessTokenTTL)
	srv.apiV1 = apiv1.NewAPIV1Service(p, s, authService, pipeline)
	srv.apiV1.Metrics = opts.Metrics
	if opts.Pinner != nil {
		srv.apiV1.Pinner = opts.Pinner
	}
	srv.apiV1.RegisterRoutes(echoServer)

	return srv, nil
}

func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}

	// Jobs a previous process left running have no run to finish them.
	if n, err := s.Pipeline.FailInterrupted(ctx); err != nil {
		slog.Error("failed to settle interrupted training jobs", "error", err)
	} else if n > 0 {
		slog.Warn("settled interrupted training jobs", "count", n)
	}

	s.StartBackgroundRunners(ctx)

	s.echoServer.Listener = listener
	go func() {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start echo server", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	slog.Info("server shutting down")

	// Shutdown echo server.
	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server", "error", err)
	}

	// Stop the background runners and wait for them.
	if s.runnerCancel != nil {
		s.runnerCancel()
		if err := s.runners.Wait(); err != nil {
			slog.Error("background runner failed", "error", err)
		}
	}

	// Training runs record their cancellation before the store closes.
	if err := s.Pipeline.Shutdown(ctx); err != nil {
		slog.Error("failed to stop training runs", "error", err)
	}

	// Close database connection.
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
	}

	slog.Info("server stopped properly")
}

// StartBackgroundRunners starts chain sync, when a chain client is configured,
// and the rate limiter sweep.
func (s *Server) StartBackgroundRunners(ctx context.Context) {
	runnerCtx, cancel := context.WithCancel(ctx)
	s.runnerCancel = cancel
	g, gctx := errgroup.WithContext(runnerCtx)
	s.runners = g

	if s.chainSync != nil {
		g.Go(func() error {
			s.chainSync.Run(gctx)
			return nil
		})
		slog.Info("chain sync started", "interval", s.Profile.ChainSyncInterval)
	}
	g.Go(func() error {
		s.apiV1.SweepLimiters(gctx)
		return nil
	})
}
