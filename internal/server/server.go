// Package server contains the HTTP and WebSocket handlers of the application API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "rpportal/docs" // swagger docs
	"rpportal/internal/bootstrap"
	"rpportal/internal/cache"
	"rpportal/internal/config"
	"rpportal/internal/featureflags"
	"rpportal/internal/middleware"
	"rpportal/internal/models"
	"rpportal/internal/notifications"
	"rpportal/internal/repository"
	"rpportal/internal/service"
	"rpportal/internal/workflow"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const serviceName = "rpportal-api"

// Server holds all dependencies and provides handlers
type Server struct {
	config           *config.Config
	db               *gorm.DB
	redis            *redis.Client
	app              *fiber.App
	promMiddleware   *fiberprometheus.FiberPrometheus
	shutdownCtx      context.Context
	shutdownFn       context.CancelFunc
	catalog          *workflow.Catalog
	applicationRepo  repository.ApplicationRepository
	notificationRepo repository.NotificationRepository
	notifier         *notifications.Notifier
	hub              *notifications.Hub
	emitter          *notifications.ApplicationEmitter
	featureFlags     *featureflags.Manager
	applications     *service.ApplicationService
}

// NewServer connects to the database and Redis, applies the schema and builds a Server.
func NewServer(cfg *config.Config) (*Server, error) {
	db, rdb, err := bootstrap.InitRuntime(cfg, bootstrap.Options{
		ApplySchema:  true,
		SeedDemoData: cfg.DevSeedDemoData,
	})
	if err != nil {
		return nil, err
	}
	return NewServerWithDeps(cfg, db, rdb)
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// redisClient may be nil; caching and cross-instance push are then disabled.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	catalog := workflow.DefaultCatalog()
	if cfg.ApplicationCatalogPath != "" {
		loaded, err := workflow.LoadCatalog(cfg.ApplicationCatalogPath)
		if err != nil {
			return nil, fmt.Errorf("load application catalog: %w", err)
		}
		catalog = loaded
	}

	middleware.InitMiddleware(cfg)
	cache.SetClient(redisClient)

	flags := featureflags.NewManager(cfg.FeatureFlags)
	applicationRepo := repository.NewApplicationRepository(db,
		repository.WithAdvisoryLocks(cfg.ApplicationSubmissionLock))
	notificationRepo := repository.NewNotificationRepository(db)

	notifier := notifications.NewNotifier(redisClient)
	hub := notifications.NewHub()
	emitter := notifications.NewApplicationEmitter(notificationRepo,
		notifications.WithNotifier(notifier),
		notifications.WithHub(hub),
		notifications.WithDiscord(notifications.NewDiscordWebhook(cfg.DiscordWebhookURL, cfg.DiscordRatePerMinute)),
		notifications.WithCatalog(catalog),
		notifications.WithEmitterFlags(flags),
	)

	var cacheTTL time.Duration
	if redisClient != nil {
		cacheTTL = time.Duration(cfg.ApplicationCacheTTLSeconds) * time.Second
	}

	s := &Server{
		config:           cfg,
		db:               db,
		redis:            redisClient,
		promMiddleware:   middleware.InitMetrics(serviceName),
		catalog:          catalog,
		applicationRepo:  applicationRepo,
		notificationRepo: notificationRepo,
		notifier:         notifier,
		hub:              hub,
		emitter:          emitter,
		featureFlags:     flags,
	}
	s.applications = service.NewApplicationService(applicationRepo, catalog,
		service.WithEmitter(emitter),
		service.WithFeatureFlags(flags),
		service.WithCacheTTL(cacheTTL),
	)
	return s, nil
}

// App returns the Fiber application, building it on first use.
func (s *Server) App() *fiber.App {
	if s.app != nil {
		return s.app
	}
	app := fiber.New(fiber.Config{
		AppName:      "Roleplay Portal API",
		ErrorHandler: errorHandler,
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	s.app = app
	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return models.RespondWithError(c, fe.Code, err)
	}
	middleware.Logger.ErrorContext(c.UserContext(), "unhandled request error", slog.String("error", err.Error()))
	return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so throttled browser requests still get CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: origins != "*",
		MaxAge:           86400,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(models.ErrorResponse{
				Error: "Too many requests, please try again later.",
				Code:  models.CodeRateLimitExceeded,
			})
		},
	}))
}

// SetupRoutes configures all routes for the application. Public routes are
// registered before the authenticated group so its middleware never sees them.
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api := app.Group("/api")
	api.Get("/metrics/dashboard", monitor.New(monitor.Config{
		Title: "Roleplay Portal Metrics",
	}))
	api.Get("/swagger/*", swagger.HandlerDefault)

	api.Get("/applications/types", s.GetApplicationTypes)
	api.Get("/ws", middleware.WebSocketAuthRequired, s.WebsocketHandler())

	protected := api.Group("", middleware.AuthRequired)

	applications := protected.Group("/applications")
	applications.Post("/", middleware.RateLimit(s.redis, 10, time.Minute, "create_application"), s.CreateApplication)
	applications.Get("/me", s.GetMyApplications)
	applications.Get("/limits", s.GetApplicationLimits)
	applications.Get("/:id", s.GetApplication)

	notificationsGroup := protected.Group("/notifications")
	notificationsGroup.Get("/me", s.GetMyNotifications)
	notificationsGroup.Post("/:id/read", s.MarkNotificationRead)

	admin := protected.Group("/admin", middleware.ReviewerRequired)
	admin.Get("/applications", s.GetReviewQueue)
	admin.Post("/applications/:id/transition",
		middleware.RateLimit(s.redis, 60, time.Minute, "transition_application"), s.TransitionApplication)
	admin.Get("/feature-flags", s.GetFeatureFlags)
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "up",
		"time":   time.Now().UTC(),
	})
}

// ReadinessCheck pings the database and, when configured, Redis.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	if sqlDB, err := s.db.DB(); err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overall := "healthy"
	if dbStatus != "healthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overall = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overall,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"websocket_connections": s.hub.ConnectionCount(),
		"time":                  time.Now().UTC(),
	})
}

// Start wires realtime delivery and listens until the app is shut down.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	app := s.App()

	if err := s.hub.StartWiring(s.shutdownCtx, s.notifier); err != nil {
		middleware.Logger.Error("failed to start notification wiring", slog.String("error", err.Error()))
	}

	middleware.Logger.Info("server starting", slog.String("port", s.config.Port))
	return app.Listen(":" + s.config.Port)
}

// Shutdown stops accepting requests, drains pending notifications and closes
// connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			middleware.Logger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := s.emitter.Drain(ctx); err != nil {
		middleware.Logger.Warn("pending notifications abandoned", slog.String("error", err.Error()))
	}

	if err := s.hub.Shutdown(ctx); err != nil {
		middleware.Logger.Error("error shutting down notification hub", slog.String("error", err.Error()))
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			middleware.Logger.Error("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			middleware.Logger.Error("error closing redis", slog.String("error", rerr.Error()))
		}
	}

	middleware.Logger.Info("server shutdown complete")
	return nil
}
