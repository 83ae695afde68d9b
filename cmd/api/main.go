package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/app"
	"github.com/refwiki/backend/internal/metrics"
	"github.com/refwiki/backend/internal/middleware/ratelimit"
	"github.com/refwiki/backend/internal/middleware/security"
	"github.com/refwiki/backend/internal/middleware/validation"
	"github.com/refwiki/backend/pkg/config"
	appLogger "github.com/refwiki/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting reference wiki API server")

	metrics.Init()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	wikiApp, err := app.New(ctx, cfg)
	cancel()
	if err != nil {
		appLogger.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer wikiApp.Close()

	server := fiber.New(fiber.Config{
		AppName:      "refwiki",
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	origins := "*"
	if len(cfg.Server.AllowedOrigins) > 0 {
		origins = strings.Join(cfg.Server.AllowedOrigins, ", ")
	}

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.RequestsPerMin,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	server.Use(recover.New())
	server.Use(security.RequestID())
	server.Use(logger.New(logger.Config{
		Format: "${time} ${locals:request_id} ${status} - ${latency} ${method} ${path}\n",
	}))
	server.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	server.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.IsDevelopment,
	}))

	server.Get("/metrics", metrics.MetricsHandler())

	server.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	server.Get("/ready", func(c *fiber.Ctx) error {
		if _, err := wikiApp.Store.CountPages(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
			})
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	server.Use("/api", limiter.Middleware())
	server.Use("/api", validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
		Logger:          appLogger.GetLogger(),
	}))
	wikiApp.Handlers().Register(server, validation.Query(validation.Config{Logger: appLogger.GetLogger()}))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := server.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := server.ShutdownWithTimeout(time.Duration(cfg.Server.ShutdownTimeout) * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
