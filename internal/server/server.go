package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cocoguard/apiserver/config"
	"github.com/cocoguard/apiserver/internal/analytics"
	"github.com/cocoguard/apiserver/internal/classifier"
	"github.com/cocoguard/apiserver/internal/events"
	"github.com/cocoguard/apiserver/internal/handlers"
	"github.com/cocoguard/apiserver/internal/mq"
	"github.com/cocoguard/apiserver/internal/services"
	"github.com/cocoguard/apiserver/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Server wraps the HTTP server, its router and the background workers.
type Server struct {
	cfg        config.Config
	logger     *zap.Logger
	loc        *time.Location
	httpServer *http.Server
	router     *chi.Mux

	db         *sql.DB
	redis      *redis.Client
	queue      *mq.MQ
	classifier *classifier.MQClassifier
	// stopClassifier ends the result consumer. Shutdown calls it only after
	// in-flight classifications drained, so they can still get results.
	stopClassifier context.CancelFunc

	scans        *services.ScanService
	verification *services.VerificationService
	rateLimits   rateLimitStore
}

// New wires every dependency selected by cfg and builds the router.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	loc, err := analytics.LoadLocation(cfg.Analytics.Timezone)
	if err != nil {
		return nil, fmt.Errorf("APP_TIMEZONE: %w", err)
	}

	s := &Server{cfg: cfg, logger: logger, loc: loc}
	repos, dbConn, err := openRepositories(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s.db = dbConn
	s.rateLimits = repos.rateLimits

	if err := s.build(ctx, repos); err != nil {
		_ = s.closeBackends()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context, repos repositories) error {
	cfg, logger := s.cfg, s.logger

	limiter, redisClient, err := newIssueLimiter(cfg, repos.rateLimits)
	if err != nil {
		return err
	}
	s.redis = redisClient

	sender, err := newSender(cfg, logger)
	if err != nil {
		return err
	}

	images, err := storage.NewFromConfig(ctx, cfg)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		logger.Warn("image uploads disabled: no storage backend configured")
		images = nil
	case err != nil:
		return fmt.Errorf("storage: %w", err)
	default:
		if err := images.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}
	}

	var scanClassifier services.Classifier
	var alerts services.AlertPublisher
	backend, err := mq.NewBackend(ctx, cfg, logger)
	switch {
	case errors.Is(err, mq.ErrNoBackend):
		logger.Warn("classification and pest alerts disabled: no message queue configured")
	case err != nil:
		return fmt.Errorf("message queue: %w", err)
	default:
		s.queue = mq.New(backend)
		bucket := ""
		if images != nil {
			bucket = images.Bucket()
		}
		s.classifier = classifier.NewMQClassifier(s.queue, cfg.MQ.ClassifyRequests, cfg.MQ.ClassifyResults, bucket, logger)
		scanClassifier = s.classifier
		alerts = events.NewAlertPublisher(s.queue, cfg.MQ.PestAlerts, logger)
	}

	userService := services.NewUserService(repos.users)
	s.verification = services.NewVerificationService(
		repos.verifications,
		sender,
		limiter,
		repos.users,
		logger.Named("verification"),
		services.VerificationOptions{
			AppName:            cfg.AppName,
			CodeLength:         cfg.Verification.CodeLength,
			CodeTTL:            cfg.Verification.CodeTTL,
			DispatchTimeout:    cfg.Verification.DispatchTimeout,
			IssueLimit:         cfg.Verification.IssueLimit,
			IssueWindow:        cfg.Verification.IssueWindow,
			DefaultCountryCode: cfg.Verification.DefaultCountryCode,
		},
	)
	s.scans = services.NewScanService(
		repos.scans,
		repos.farms,
		repos.pestTypes,
		scanClassifier,
		alerts,
		logger.Named("scans"),
		services.ScanOptions{ClassifyTimeout: cfg.Scans.ClassifyTimeout},
	)
	engine := analytics.NewEngine(repos.snapshots, s.loc)

	s.router = newRouter(cfg, routeDeps{
		users:        userService,
		scans:        s.scans,
		verification: s.verification,
		engine:       engine,
		images:       images,
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return nil
}

type routeDeps struct {
	users        *services.UserService
	scans        *services.ScanService
	verification *services.VerificationService
	engine       *analytics.Engine
	images       *storage.Storage
}

func newRouter(cfg config.Config, deps routeDeps) *chi.Mux {
	authMiddleware := handlers.RequireAuth(cfg.JWTSecret)
	loadActor := handlers.LoadActor(deps.users)

	co := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
		co.Handler,
	)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, deps.users, cfg.JWTSecret, cfg.TokenTTL)
	})
	router.Route("/scans", func(r chi.Router) {
		handlers.ScanRouter(r, deps.scans, deps.images, cfg.Storage.MaxUploadBytes, authMiddleware, loadActor)
	})
	router.Route("/verification", func(r chi.Router) {
		handlers.VerificationRouter(r, deps.verification, authMiddleware, loadActor)
	})
	router.Route("/analytics", func(r chi.Router) {
		handlers.AnalyticsRouter(r, deps.engine, authMiddleware, loadActor)
	})
	return router
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP, consumes classification results and runs the cleanup
// schedule until ctx is done or one of them fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	scheduler, err := s.newCleanupScheduler(ctx)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.classifier != nil {
		classifierCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
		s.stopClassifier = stop
		g.Go(func() error {
			err := s.classifier.Run(classifierCtx)
			if err != nil && classifierCtx.Err() == nil {
				return fmt.Errorf("classifier: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops accepting requests, waits for in-flight requests and
// background classifications, then closes the backends.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.drainClassifications(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.closeBackends(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// drainClassifications waits for background classifications while the
// result consumer keeps running. When ctx ends first, the consumer is stopped,
// which fails the remaining classifications right away.
func (s *Server) drainClassifications(ctx context.Context) error {
	stop := func() {
		if s.stopClassifier != nil {
			s.stopClassifier()
		}
	}
	if s.scans == nil {
		stop()
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.scans.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for classifications: %w", ctx.Err())
	}
	stop()
	<-done
	return err
}

func (s *Server) closeBackends() error {
	var closers []func() error
	if s.queue != nil {
		closers = append(closers, s.queue.Close)
	}
	if s.redis != nil {
		closers = append(closers, s.redis.Close)
	}
	if s.db != nil {
		closers = append(closers, s.db.Close)
	}
	return closeAll(closers...)
}
