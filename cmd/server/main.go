package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"chat-relay/internal/auth"
	"chat-relay/internal/config"
	"chat-relay/internal/database"
	"chat-relay/internal/handlers"
	"chat-relay/internal/legacy"
	"chat-relay/internal/notify"
	"chat-relay/internal/pipeline"
	"chat-relay/internal/presence"
	"chat-relay/internal/registry"
	"chat-relay/internal/rooms"
	"chat-relay/internal/services"
	"chat-relay/internal/websocket"
	"chat-relay/pkg/logger"

	gfshutdown "github.com/gelmium/graceful-shutdown"
)

const startupTimeout = 15 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()
	logger.SetGlobal(logger.New(os.Stdout, cfg.LogLevel))

	startCtx, cancelStart := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStart()

	// Primary store
	db, err := database.NewPostgresDB(startCtx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	if err := db.Migrate(startCtx); err != nil {
		logger.Fatal("Failed to migrate database", "error", err)
	}

	// Legacy mirror and token cache
	redisClient, err := database.NewRedisClient(startCtx, cfg.Redis.URL, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", "error", err)
	}
	mirror := legacy.NewRedisMirror(redisClient, "legacy:")

	// Push notifications
	tokenDB, err := notify.OpenPostgres(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to open token store", "error", err)
	}
	tokens := notify.NewTokenRepository(tokenDB)
	if err := tokens.AutoMigrate(); err != nil {
		logger.Fatal("Failed to migrate token store", "error", err)
	}
	nc, err := notify.Connect(cfg.NATS.URL)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", "error", err)
	}
	notifier := notify.NewService(tokens, redisClient, nc, notify.Options{
		PushSubject:    cfg.NATS.PushSubject,
		InvalidSubject: cfg.NATS.InvalidSubject,
		CacheTTL:       cfg.Relay.TokenCacheTTL,
	})

	// Relay core
	reg := registry.New()
	members := rooms.New(reg, cfg.Relay.DefaultRoom)
	tracker := presence.NewTracker(reg, members, db, mirror, cfg.Relay.SideEffectTimeout)
	effects := pipeline.NewEffects(cfg.Relay.SideEffectTimeout)
	pipe := pipeline.New(db, mirror, notifier, members, reg, effects)
	hub := websocket.NewHub(reg, members, tracker, pipe, websocket.Options{
		SendBuffer:     cfg.Relay.SendBuffer,
		MaxMessageSize: cfg.Relay.MaxMessageSize,
		OpTimeout:      cfg.Relay.SideEffectTimeout,
	})

	bgCtx, stopBackground := context.WithCancel(context.Background())
	go tracker.Run(bgCtx)
	go func() {
		if err := notifier.Listen(bgCtx); err != nil {
			logger.Error("Invalid token listener stopped", "error", err)
		}
	}()
	go hub.Run()

	// Initialize services
	authService := auth.NewService(db, cfg.JWT)
	historyService := services.NewHistoryService(db, mirror, pipe, cfg.Relay.HistoryLimit)

	// Initialize handlers
	authHandlers := handlers.NewAuthHandlers(authService)
	historyHandlers := handlers.NewHistoryHandlers(historyService)
	deviceHandlers := handlers.NewDeviceHandlers(notifier)
	healthHandlers := handlers.NewHealthHandlers(db, hub)
	wsHandlers := handlers.NewWebSocketHandlers(authService, hub, cfg.JWT.RequireOnWS)

	// Setup routes
	mux := http.NewServeMux()
	setupRoutes(mux, authHandlers, historyHandlers, deviceHandlers, healthHandlers, wsHandlers)

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("Server started", "addr", "http://localhost"+cfg.Server.Port)
	logger.Info("WebSocket endpoint", "addr", "ws://localhost"+cfg.Server.Port+"/ws")
	printAPIEndpoints()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error", "error", err)
		}
	}()

	// Stop accepting, drain clients and side effects, flush presence, then
	// release the backing stores.
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Server.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"chat-relay": func(ctx context.Context) error {
				logger.Info("Server shutting down...")
				var errs []error
				if err := server.Shutdown(ctx); err != nil {
					errs = append(errs, err)
				}
				if err := hub.Shutdown(ctx); err != nil {
					errs = append(errs, err)
				}

				stopBackground()
				select {
				case <-tracker.Drained():
				case <-ctx.Done():
					errs = append(errs, ctx.Err())
				}

				if err := nc.Drain(); err != nil {
					errs = append(errs, err)
				}
				if sqlDB, err := tokenDB.DB(); err == nil {
					errs = append(errs, sqlDB.Close())
				}
				errs = append(errs, redisClient.Close(), db.Close())
				return errors.Join(errs...)
			},
		},
	)

	exitCode := <-wait
	logger.Info("Server exited", "code", exitCode)
	os.Exit(exitCode)
}

func setupRoutes(
	mux *http.ServeMux,
	authHandlers *handlers.AuthHandlers,
	historyHandlers *handlers.HistoryHandlers,
	deviceHandlers *handlers.DeviceHandlers,
	healthHandlers *handlers.HealthHandlers,
	wsHandlers *handlers.WebSocketHandlers,
) {
	// Auth routes
	mux.HandleFunc("POST /login", authHandlers.Login)
	mux.HandleFunc("POST /register", authHandlers.Register)

	// History routes
	mux.HandleFunc("GET /rooms/{id}/messages", authHandlers.RequireUser(historyHandlers.GetMessages))
	mux.HandleFunc("DELETE /rooms/{id}/messages", authHandlers.RequireUser(historyHandlers.ClearMessages))

	// Push devices
	mux.HandleFunc("POST /devices", authHandlers.RequireUser(deviceHandlers.RegisterDevice))

	mux.HandleFunc("GET /health", healthHandlers.Health)

	// WebSocket route
	mux.HandleFunc("GET /ws", wsHandlers.HandleWebSocket)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func printAPIEndpoints() {
	logger.Info("API endpoints:")
	logger.Info("   POST   /login")
	logger.Info("   POST   /register")
	logger.Info("   GET    /rooms/{id}/messages?before=&limit=")
	logger.Info("   DELETE /rooms/{id}/messages")
	logger.Info("   POST   /devices")
	logger.Info("   GET    /health")
	logger.Info("   GET    /ws?token=")
}
