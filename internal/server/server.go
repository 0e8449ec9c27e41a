package server

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/automix/internal/auth"
	"github.com/makeasinger/automix/internal/config"
	"github.com/makeasinger/automix/internal/handler"
	"github.com/makeasinger/automix/internal/middleware"
	"github.com/makeasinger/automix/internal/service"
	ws "github.com/makeasinger/automix/internal/websocket"
	"github.com/makeasinger/automix/pkg/response"
)

// Deps are the wired components the HTTP surface is built from.
type Deps struct {
	Config    *config.Config
	Redis     *redis.Client
	Sessions  *service.SessionService
	Settings  *service.SettingsService
	Hub       *ws.Hub
	Resolver  *auth.Resolver
	Validator *validator.Validate
	Probes    map[string]handler.Probe
	// AccessLog enables the fiber request log; LogFormat overrides its format.
	AccessLog bool
	LogFormat string
}

// New builds the fiber app with every route registered.
func New(d Deps) *fiber.App {
	cfg := d.Config
	if d.Validator == nil {
		d.Validator = validator.New()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: ErrorHandler,
		// multipart overhead on top of the largest accepted file
		BodyLimit: int(cfg.Mix.MaxUploadBytes()) + 1024*1024,
	})

	app.Use(recover.New())
	if d.AccessLog {
		format := d.LogFormat
		if format == "" {
			format = "[${time}] ${status} - ${latency} ${method} ${path}\n"
		}
		app.Use(fiberlogger.New(fiberlogger.Config{Format: format}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	sessionHandler := handler.NewSessionHandler(d.Sessions, d.Validator)
	adminHandler := handler.NewAdminHandler(d.Sessions, d.Settings, d.Validator)
	healthHandler := handler.NewHealthHandler(d.Redis, d.Probes)
	authHandler := handler.NewAuthHandler(d.Resolver)

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})
	app.Get("/health", healthHandler.Health)

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	var identify, authenticate fiber.Handler
	if cfg.Gateway.Enabled {
		identify = middleware.GatewayAuthMiddleware(false)
		authenticate = middleware.GatewayAuthMiddleware(true)
	} else {
		authMiddleware := middleware.NewAuthMiddleware(d.Resolver)
		identify = authMiddleware.Identify()
		authenticate = authMiddleware.Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(d.Redis)

	api := app.Group("/api")

	// Session routes
	sessions := api.Group("/sessions", identify)
	sessions.Post("", rateLimiter.SessionLimit(cfg.RateLimit.SessionsPerHour), sessionHandler.Create)
	sessions.Post("/:id/tracks/:slot", rateLimiter.UploadLimit(cfg.RateLimit.UploadsPerHour), sessionHandler.Upload)
	sessions.Post("/:id/generate", rateLimiter.JobLimit(cfg.RateLimit.JobsPerHour), sessionHandler.Generate)
	sessions.Post("/:id/set", rateLimiter.JobLimit(cfg.RateLimit.JobsPerHour), sessionHandler.Set)
	sessions.Get("/:id/status", sessionHandler.Status)
	sessions.Get("/:id/download", sessionHandler.Download)
	sessions.Get("/:id/tracklist", sessionHandler.Tracklist)

	// Admin routes
	admin := api.Group("/admin", authenticate, middleware.RequireRole(auth.RoleAdmin))
	admin.Post("/cleanup", adminHandler.Cleanup)
	admin.Get("/settings", adminHandler.GetSettings)
	admin.Put("/settings", adminHandler.UpdateSettings)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/sessions/:id", websocket.New(func(c *websocket.Conn) {
		d.Hub.HandleConnection(c, c.Params("id"))
	}))

	return app
}

// ErrorHandler renders errors that escape the handlers in the API error shape.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusRequestEntityTooLarge, fiber.StatusBadRequest:
		errCode = response.CodeValidationError
	}
	return response.Error(c, code, errCode, message, nil)
}
