package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	apihttp "github.com/GriffinCanCode/computeguard/internal/api/http"
	"github.com/GriffinCanCode/computeguard/internal/api/middleware"
	"github.com/GriffinCanCode/computeguard/internal/api/ws"
	"github.com/GriffinCanCode/computeguard/internal/domain/controller"
	"github.com/GriffinCanCode/computeguard/internal/domain/recovery"
	"github.com/GriffinCanCode/computeguard/internal/engine"
	"github.com/GriffinCanCode/computeguard/internal/engine/numeric"
	"github.com/GriffinCanCode/computeguard/internal/engine/router"
	"github.com/GriffinCanCode/computeguard/internal/engine/script"
	"github.com/GriffinCanCode/computeguard/internal/infrastructure/config"
	"github.com/GriffinCanCode/computeguard/internal/infrastructure/logging"
	"github.com/GriffinCanCode/computeguard/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/computeguard/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/computeguard/internal/infrastructure/tracing"
)

// HealthService is the gRPC health service name reported for the engine
const HealthService = "computeguard.Engine"

const compressMinSize = 256

// Server wraps the HTTP and gRPC listeners and their dependencies
type Server struct {
	config     *config.Config
	logger     *logging.Logger
	registry   *prometheus.Registry
	metrics    *monitoring.Metrics
	tracer     *tracing.Tracer
	controller *controller.Controller
	routes     *gin.Engine
	handler    http.Handler
	health     *health.Server
	grpc       *grpc.Server

	events      <-chan controller.Event
	unsubscribe func()
	watchDone   chan struct{}
	closeOnce   sync.Once
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	logger.Info("Initializing compute guard server",
		zap.String("port", cfg.Server.Port),
		zap.Strings("backends", cfg.Engine.Backends),
		zap.Bool("grpc", cfg.Server.GRPCEnabled),
	)

	// Metrics first, every other component reports into them
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(registry)

	tracer := tracing.New("computeguard", logger.Logger)

	eng, err := buildEngine(cfg.Engine, logger.Logger)
	if err != nil {
		tracer.Close()
		return nil, err
	}

	ctrl := controller.New(eng, controller.Options{
		Breaker: resilience.Settings{
			FailureThreshold:  uint32(cfg.Breaker.FailureThreshold),
			ResetTimeout:      cfg.Breaker.ResetTimeout,
			HalfOpenMaxProbes: uint32(cfg.Breaker.HalfOpenMaxProbes),
		},
		Recovery: recovery.Settings{
			MaxConsecutiveAttempts: cfg.Recovery.MaxAttempts,
			ThrottleWindow:         cfg.Recovery.ThrottleWindow,
			AttemptResetWindow:     cfg.Recovery.AttemptResetWindow,
			SettleDelay:            cfg.Recovery.SettleDelay,
		},
		HistorySize: cfg.Engine.HistorySize,
		Logger:      logger.Logger,
	}).WithMetrics(metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	routes := gin.New()

	routes.Use(gin.Recovery())
	routes.Use(tracing.HTTPMiddleware(tracer))
	routes.Use(monitoring.Middleware(metrics))
	routes.Use(middleware.CORS(middleware.CORSForOrigins(cfg.CORS.AllowedOrigins)))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		limits := middleware.DefaultRateLimitConfig()
		limits.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		limits.Burst = cfg.RateLimit.Burst
		routes.Use(middleware.RateLimit(limits))
	}

	if cfg.Auth.OperatorTokenHash != "" {
		logger.Info("Operator routes require a bearer token")
	}
	apihttp.NewHandlers(ctrl, tracer, logger.Logger).Register(routes, middleware.OperatorAuth(cfg.Auth.OperatorTokenHash))

	streamConfig := ws.DefaultConfig()
	streamConfig.AllowedOrigins = cfg.CORS.AllowedOrigins
	routes.GET("/stream", ws.NewHandler(ctrl, metrics, logger.Logger, streamConfig).HandleConnection)

	routes.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	handler, err := compressed(routes, "/stream")
	if err != nil {
		_ = ctrl.Close()
		tracer.Close()
		return nil, fmt.Errorf("failed to build compression handler: %w", err)
	}

	s := &Server{
		config:     cfg,
		logger:     logger,
		registry:   registry,
		metrics:    metrics,
		tracer:     tracer,
		controller: ctrl,
		routes:     routes,
		handler:    handler,
		health:     health.NewServer(),
		watchDone:  make(chan struct{}),
	}

	if cfg.Server.GRPCEnabled {
		s.grpc = grpc.NewServer(
			grpc.ChainUnaryInterceptor(
				tracing.GRPCUnaryInterceptor(tracer),
				monitoring.UnaryServerInterceptor(metrics),
			),
			grpc.ChainStreamInterceptor(
				tracing.GRPCStreamInterceptor(tracer),
				monitoring.StreamServerInterceptor(metrics),
			),
		)
		healthpb.RegisterHealthServer(s.grpc, s.health)
	}

	// Health follows every controller event until the controller closes
	_, s.events, s.unsubscribe = ctrl.Subscribe(64)
	s.updateHealth(ctrl.Snapshot())
	go s.watchHealth()

	logger.Info("Server initialized successfully")
	return s, nil
}

// buildEngine assembles the configured backends behind one engine
func buildEngine(cfg config.EngineConfig, logger *zap.Logger) (engine.Engine, error) {
	var backends []engine.Engine
	for _, name := range cfg.Backends {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case numeric.Backend:
			backends = append(backends, numeric.New(numeric.Options{
				HardwareConcurrency: cfg.HardwareConcurrency,
				Logger:              logger,
			}))
		case script.Backend:
			scriptConfig := script.DefaultConfig()
			if cfg.ScriptTimeout > 0 {
				scriptConfig.Timeout = cfg.ScriptTimeout
			}
			backends = append(backends, script.New(script.Options{
				HardwareConcurrency: cfg.HardwareConcurrency,
				Config:              scriptConfig,
				Logger:              logger,
			}))
		default:
			return nil, fmt.Errorf("unknown engine backend %q", name)
		}
	}

	switch len(backends) {
	case 0:
		return nil, errors.New("no engine backend configured")
	case 1:
		return backends[0], nil
	default:
		return router.New(logger, backends...), nil
	}
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.handler
}

// compressed gzips responses for clients that accept it. Paths in raw are
// served untouched so WebSocket upgrades can hijack the connection.
func compressed(h http.Handler, raw ...string) (http.Handler, error) {
	wrap, err := gzhttp.NewWrapper(gzhttp.MinSize(compressMinSize))
	if err != nil {
		return nil, err
	}
	gz := wrap(h)

	skip := make(map[string]bool, len(raw))
	for _, p := range raw {
		skip[p] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skip[r.URL.Path] {
			h.ServeHTTP(w, r)
			return
		}
		gz.ServeHTTP(w, r)
	}), nil
}

// Controller returns the execution controller
func (s *Server) Controller() *controller.Controller {
	return s.controller
}

// Run initializes the engine (when configured) and serves until ctx is done
// or a listener fails, then shuts the listeners down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.config.Engine.InitOnStart {
		err := s.controller.Initialize(ctx, controller.InitOptions{
			Threads:     s.config.Engine.Threads,
			SkipThreads: s.config.Engine.SkipThreads,
		})
		if err != nil {
			s.logger.Warn("Engine initialization failed, serving degraded", zap.Error(err))
		}
	}

	addr := net.JoinHostPort(s.config.Server.Host, s.config.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if s.grpc != nil {
		grpcAddr := net.JoinHostPort(s.config.Server.Host, s.config.Server.GRPCPort)
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			errCh <- fmt.Errorf("grpc listen: %w", err)
		} else {
			go func() {
				s.logger.Info("Starting gRPC server", zap.String("addr", grpcAddr))
				if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
					errCh <- fmt.Errorf("grpc server: %w", err)
				}
			}()
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown requested")
	case runErr = <-errCh:
		s.logger.Error("Listener failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown failed", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	if s.grpc != nil {
		s.health.Shutdown()
		s.stopGRPC(shutdownCtx)
	}
	return runErr
}

// stopGRPC drains in-flight RPCs, forcing a stop at the deadline
func (s *Server) stopGRPC(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("gRPC graceful stop timed out, forcing")
		s.grpc.Stop()
	}
}

func (s *Server) watchHealth() {
	defer close(s.watchDone)
	for ev := range s.events {
		s.updateHealth(ev.Status)
	}
}

func (s *Server) updateHealth(status controller.Status) {
	serving := servingStatus(status)
	s.health.SetServingStatus("", serving)
	s.health.SetServingStatus(HealthService, serving)
}

// servingStatus is SERVING while the engine is ready and the breaker admits calls
func servingStatus(status controller.Status) healthpb.HealthCheckResponse_ServingStatus {
	if status.Phase == controller.PhaseReady && status.Circuit.State != resilience.StateOpen.String() {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Close gracefully shuts down the controller and flushes telemetry
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Info("Shutting down server...")

		if cerr := s.controller.Close(); cerr != nil {
			s.logger.Error("Failed to close controller", zap.Error(cerr))
			err = fmt.Errorf("failed to close controller: %w", cerr)
		}
		s.unsubscribe()
		<-s.watchDone

		s.tracer.Close()
		_ = s.logger.Sync()
	})
	return err
}
