// Package httpserver assembles the file store from configuration and runs
// its listeners.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/onexay/gitstore/internal/auth"
	"github.com/onexay/gitstore/internal/config"
	"github.com/onexay/gitstore/internal/metrics"
	"github.com/onexay/gitstore/internal/middleware"
	"github.com/onexay/gitstore/internal/service"
	"github.com/onexay/gitstore/internal/storage"
	"github.com/onexay/gitstore/internal/types"
)

// Server wraps the HTTP server configuration and dependencies.
type Server struct {
	cfg        *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	metrics    *metrics.Server
	redis      *storage.RedisLocker
}

// NewServer creates an HTTP server with routes and middleware.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	verifier, err := auth.LoadVerifier(cfg.Auth.PublicKey, cfg.Auth.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load auth key: %w", err)
	}

	s := &Server{cfg: cfg, logger: logger}

	var (
		m        *metrics.Metrics
		registry *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.NewMetrics(registry)
	}

	var locker storage.Locker
	switch cfg.Lock.Backend {
	case config.LockBackendRedis:
		redisLocker, err := storage.NewRedisLocker(storage.Config{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			Database: cfg.Redis.DB,
		}, storage.RedisLockOptions{
			TTL:           cfg.Lock.TTL,
			RetryInterval: cfg.Lock.RetryInterval,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		s.redis = redisLocker
		locker = redisLocker
	default:
		locker = storage.NewMemoryLocker()
	}

	manager, err := storage.NewManager(storage.Options{
		Root:      cfg.Storage.Root,
		GitBinary: cfg.Git.Binary,
		DefaultAuthor: types.Author{
			Name:  cfg.Git.DefaultAuthorName,
			Email: cfg.Git.DefaultAuthorEmail,
		},
		ExtractConcurrency: cfg.Storage.ExtractConcurrency,
		MaxUploadBytes:     cfg.Storage.MaxUploadBytes,
		MaxExtractBytes:    cfg.Storage.MaxExtractBytes,
		Locker:             locker,
		Metrics:            m,
		Logger:             logger,
	})
	if err != nil {
		s.closeLocker()
		return nil, err
	}

	svc := service.New(manager, verifier, logger, service.Options{ProtectListings: cfg.Auth.ProtectListings})
	router := service.Handler(svc)
	router.Use(m.Middleware)

	chain := []func(http.Handler) http.Handler{
		middleware.Recovery(logger),
		middleware.RequestID,
		middleware.Logging(logger),
		middleware.CORS(cfg.CORS.AllowedOrigins),
	}
	if cfg.RateLimiter.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimiter.RequestsPerSecond, cfg.RateLimiter.BurstSize, logger)
		chain = append(chain, limiter.Limit)
	}
	chain = append(chain, middleware.Timeout(cfg.Server.RequestTimeout))

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      middleware.Chain(chain...)(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if cfg.Metrics.Enabled {
		s.metrics = metrics.NewServer(cfg.Metrics.Addr, registry, manager.Root(), logger)
	}

	return s, nil
}

// Handler returns the API handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// MetricsHandler returns the operational handler, or nil when metrics are disabled.
func (s *Server) MetricsHandler() http.Handler {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Handler()
}

// Run serves until ctx ends or a listener fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}()
	if s.metrics != nil {
		go func() {
			if err := s.metrics.Start(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	case runErr = <-errCh:
		s.logger.Error("server error", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown gracefully stops the listeners and releases the lock backend.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	err := s.httpServer.Shutdown(ctx)
	if s.metrics != nil {
		if merr := s.metrics.Shutdown(ctx); merr != nil && err == nil {
			err = merr
		}
	}
	s.closeLocker()
	return err
}

func (s *Server) closeLocker() {
	if s.redis == nil {
		return
	}
	if err := s.redis.Close(); err != nil {
		s.logger.Warn("failed to close redis client", zap.Error(err))
	}
	s.redis = nil
}
