package routes

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/talowa/referral-backend/internal/config"
	"github.com/talowa/referral-backend/internal/handlers"
	"github.com/talowa/referral-backend/internal/middleware"
)

func Setup(
	app *fiber.App,
	cfg *config.Config,
	authHandler *handlers.AuthHandler,
	healthHandler *handlers.HealthHandler,
	referralHandler *handlers.ReferralHandler,
	webhookHandler *handlers.WebhookHandler,
	adminHandler *handlers.AdminHandler,
) {
	api := app.Group("/api")

	// General API rate limiter: 60 req/min per IP
	api.Use(limiter.New(limiter.Config{
		Max:               60,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      func(c *fiber.Ctx) string { return c.IP() },
	}))

	api.Get("/health", healthHandler.Check)

	// Auth — public, with a stricter limit: 10 req/min per IP
	auth := api.Group("/auth")
	auth.Use(limiter.New(limiter.Config{
		Max:               10,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      func(c *fiber.Ctx) string { return c.IP() },
	}))
	auth.Post("/register", authHandler.Register)
	auth.Post("/login", authHandler.Login)

	// Referral surface (JWT required)
	protected := api.Group("/p", middleware.JWTProtected(cfg))
	protected.Get("/referral/me", referralHandler.Me)
	protected.Post("/referral/redeem", referralHandler.Redeem)

	// Payment source — bearer auth handled in the handler, no JWT
	webhooks := api.Group("/webhooks")
	webhooks.Post("/payment", webhookHandler.HandlePayment)

	// Admin / operations
	admin := api.Group("/admin", middleware.JWTProtected(cfg), middleware.AdminRequired(cfg))
	admin.Post("/orphans/sweep", adminHandler.SweepOrphans)
	admin.Get("/roles", adminHandler.GetRoleLadder)
	admin.Put("/roles/reload", adminHandler.ReloadRoleLadder)
	admin.Get("/logs", adminHandler.ListSystemLogs)
}
