package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/mossy-p/livecall/config"
	"github.com/mossy-p/livecall/internal/handlers"
	"github.com/mossy-p/livecall/internal/middleware"
	"github.com/mossy-p/livecall/internal/redis"
	"github.com/mossy-p/livecall/internal/relay"
	"github.com/mossy-p/livecall/internal/signaling"
	"github.com/mossy-p/livecall/internal/store"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger := newLogger(cfg.Environment)
	slog.SetDefault(logger)

	storeOpts := store.Options{
		TTL:            cfg.Store.RoomTTL,
		PresenceWindow: cfg.Store.PresenceWindow,
	}

	var rooms store.Store
	switch cfg.Store.Backend {
	case "redis":
		client, err := redis.Connect(context.Background(), cfg.Redis)
		if err != nil {
			logger.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		logger.Info("Redis connection established", "host", cfg.Redis.Host, "port", cfg.Redis.Port)
		rooms = store.NewRedis(client, storeOpts)
	case "memory":
		rooms = store.NewMemory(storeOpts)
	default:
		logger.Error("Unknown store backend", "backend", cfg.Store.Backend)
		os.Exit(1)
	}

	service := relay.NewService(rooms, logger)
	push := signaling.NewClient(service, cfg.PushInterval, logger)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLog(logger, handlers.SignalPath))

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	handlers.NewHandler(service, push, cfg.PublicURL, logger).Register(router)

	// Start server
	logger.Info("Starting signaling server", "port", cfg.Port, "store", cfg.Store.Backend)
	if err := router.Run(":" + cfg.Port); err != nil {
		logger.Error("Failed to start server", "error", err)
		os.Exit(1)
	}
}

func newLogger(environment string) *slog.Logger {
	if environment == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
