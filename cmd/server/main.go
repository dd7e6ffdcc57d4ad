package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryfiber "github.com/getsentry/sentry-go/fiber"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/talowa/referral-backend/internal/config"
	"github.com/talowa/referral-backend/internal/database"
	"github.com/talowa/referral-backend/internal/handlers"
	"github.com/talowa/referral-backend/internal/logging"
	"github.com/talowa/referral-backend/internal/middleware"
	"github.com/talowa/referral-backend/internal/notify"
	"github.com/talowa/referral-backend/internal/roles"
	"github.com/talowa/referral-backend/internal/routes"
	"github.com/talowa/referral-backend/internal/services"
)

func main() {
	// Structured logging (JSON to stdout)
	logging.Setup()

	cfg := config.Load()

	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET environment variable is required")
		os.Exit(1)
	}
	if cfg.DBPassword == "" {
		slog.Error("DB_PASSWORD environment variable is required")
		os.Exit(1)
	}

	// Role-threshold table
	ladder, err := roles.LoadFromFile(cfg.RolesConfigPath)
	if err != nil {
		slog.Error("failed to load role ladder", "path", cfg.RolesConfigPath, "error", err)
		os.Exit(1)
	}
	slog.Info("role ladder loaded", "roles", len(ladder.All()))

	// Database
	if err := database.Connect(cfg); err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := database.Migrate(database.DB); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}

	// DB-backed log handler (ERROR+ async batch) — the operations channel
	// for referral-tree integrity violations.
	dbLogHandler := logging.NewDBHandler(database.DB)
	slog.SetDefault(slog.New(logging.NewMultiHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		dbLogHandler,
	)))

	// Log cleanup (30-day retention)
	cleanupDone := make(chan struct{})
	logging.StartCleanup(database.DB, cleanupDone)

	// Notification outbox
	var sink notify.Sink = notify.LogSink{}
	if cfg.NotifyWebhookURL != "" {
		sink = notify.NewHTTPSink(cfg.NotifyWebhookURL)
	}
	outbox := notify.NewOutbox(database.DB, sink)
	dispatcherDone := make(chan struct{})
	outbox.StartDispatcher(dispatcherDone)

	// Services
	codeService := services.NewCodeService(database.DB, cfg.CodePrefix)
	referralService := services.NewReferralService(database.DB, codeService)
	roleService := services.NewRoleService(database.DB, ladder, outbox)
	activationService := services.NewActivationService(database.DB, roleService, outbox)
	orphanService := services.NewOrphanService(database.DB, codeService, activationService)
	authService := services.NewAuthService(database.DB, cfg, codeService, referralService, ladder)

	// Root identity for orphan attachment
	if _, err := orphanService.EnsureRoot(cfg.RootEmail); err != nil {
		slog.Error("failed to provision root user", "error", err)
		os.Exit(1)
	}
	sweeperDone := make(chan struct{})
	orphanService.StartSweeper(cfg.OrphanSweepInterval, sweeperDone)

	// Handlers
	authHandler := handlers.NewAuthHandler(authService)
	healthHandler := handlers.NewHealthHandler()
	referralHandler := handlers.NewReferralHandler(referralService)
	webhookHandler := handlers.NewWebhookHandler(activationService, cfg.PaymentWebhookAuth)
	adminHandler := handlers.NewAdminHandler(database.DB, ladder, cfg.RolesConfigPath, orphanService)

	// Sentry error tracking
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      os.Getenv("APP_ENV"),
		}); err != nil {
			slog.Error("sentry init failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit:    1 * 1024 * 1024,
		ErrorHandler: customErrorHandler,
	})

	// Sentry middleware
	app.Use(sentryfiber.New(sentryfiber.Options{
		Repanic:         true,
		WaitForDelivery: false,
	}))

	// Global middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path}\n",
	}))
	app.Use(middleware.CORS(cfg))
	app.Use(func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-XSS-Protection", "1; mode=block")
		return c.Next()
	})

	// Routes
	routes.Setup(app, cfg, authHandler, healthHandler, referralHandler, webhookHandler, adminHandler)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "port", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	slog.Info("shutting down server...")

	close(sweeperDone)
	close(dispatcherDone)
	close(cleanupDone)
	dbLogHandler.Stop()
	sentry.Flush(2 * time.Second)

	if err := app.Shutdown(); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if sqlDB, err := database.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			slog.Error("database close error", "error", err)
		}
	}

	slog.Info("server stopped")
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	// Only expose error details for client errors (4xx), not server errors (5xx)
	if code >= 500 {
		slog.Error("unhandled server error", "method", c.Method(), "path", c.Path(), "error", err.Error())
		message = "Internal server error"
	}

	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": message,
	})
}
