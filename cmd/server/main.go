package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prudhvinik1/signalhub/internal/bus"
	"github.com/prudhvinik1/signalhub/internal/config"
	"github.com/prudhvinik1/signalhub/internal/database"
	"github.com/prudhvinik1/signalhub/internal/hub"
	authmw "github.com/prudhvinik1/signalhub/internal/middleware"
	"github.com/prudhvinik1/signalhub/internal/registry"
	"github.com/prudhvinik1/signalhub/internal/repositories"
	"github.com/prudhvinik1/signalhub/internal/services"
	"github.com/redis/go-redis/v9"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	})).With("instance_id", cfg.InstanceID)
	slog.SetDefault(logger)

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Error("Failed to create redis client", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	var users repositories.UserRepository
	if cfg.DatabaseURL != "" {
		postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Error("Failed to create postgres pool", "error", err)
			os.Exit(1)
		}
		defer postgresPool.Close()
		users = repositories.NewPostgresUserRepository(postgresPool)
	}

	presence := services.NewPresenceService(
		repositories.NewRedisPresenceRepository(redisClient),
		services.PresenceOptions{
			InstanceID:            cfg.InstanceID,
			DeadInstanceThreshold: cfg.DeadInstanceThreshold,
			SweepConcurrency:      cfg.SweepConcurrency,
		},
		logger,
	)
	reg := registry.New()
	auth := services.NewAuthService(users, cfg.JWTSecret)

	h := hub.New(presence, reg, users, hub.Config{}, logger)
	local := services.NewLocalFanout(reg, h, logger)

	var fanout services.Fanout = local
	if cfg.NATSURL != "" {
		nc, err := database.NewNATSConn(database.NATSOptions{
			URL:           cfg.NATSURL,
			Name:          "signalhub-" + cfg.InstanceID,
			MaxReconnects: cfg.NATSMaxReconnects,
			ReconnectWait: cfg.NATSReconnectWait,
		}, logger)
		if err != nil {
			logger.Error("Failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		natsFanout := bus.NewNATSFanout(nc, local, logger)
		if err := natsFanout.Start(); err != nil {
			logger.Error("Failed to start nats fanout", "error", err)
			os.Exit(1)
		}
		defer natsFanout.Stop()
		fanout = natsFanout
	}

	h.Use(services.NewSignalingService(presence, fanout, logger), fanout)
	presence.OnUserOffline(h.NotifyOffline)

	scheduler := services.NewCleanupScheduler(presence, h.PingConnection, services.SchedulerConfig{
		HeartbeatInterval:  cfg.HeartbeatInterval,
		CleanupInterval:    cfg.CleanupInterval,
		PingTimeout:        cfg.PingTimeout,
		SkipInitialCleanup: cfg.SkipInitialCleanup,
	}, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("Failed to start cleanup scheduler", "error", err)
		os.Exit(1)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", healthHandler(redisClient, presence.InstanceID(), reg))

	router.Group(func(r chi.Router) {
		r.Use(authmw.Authenticate(auth, logger))

		r.Handle("/hub", h)

		r.Get("/presence/online", func(w http.ResponseWriter, r *http.Request) {
			online, err := presence.GetOnlineUsersDetailed(r.Context())
			if err != nil {
				logger.Error("Failed to list online users", "error", err)
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, http.StatusOK, online)
		})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		scheduler.Stop()
		if err := h.Shutdown(ctx); err != nil {
			logger.Warn("Hub shutdown incomplete", "error", err)
		}
		if err := presence.UnregisterInstance(ctx); err != nil {
			logger.Warn("Failed to unregister instance", "error", err)
		}
		server.Shutdown(ctx)
	}()

	logger.Info("Starting server", "port", cfg.ServerPort)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}

	logger.Info("Server stopped gracefully")
}

// healthHandler reports store reachability and the signaling connections
// registered on this instance.
func healthHandler(redisClient *redis.Client, instanceID string, reg *registry.ConnectionRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := redisClient.Ping(r.Context()).Err(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "redis": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"instance_id": instanceID,
			"connections": reg.Count(),
			"users":       len(reg.Usernames()),
		})
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
