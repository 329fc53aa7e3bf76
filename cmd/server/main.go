package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-relay/internal/chat"
	"chat-relay/internal/config"
	"chat-relay/internal/db"
	"chat-relay/internal/logger"
	myMiddleware "chat-relay/internal/middleware"
	"chat-relay/internal/user"
	"chat-relay/internal/web"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// 1. Config & Flags
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(cfg.Database.Driver, cfg.Database.DSN, db.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Error("failed to connect to database", zap.String("driver", cfg.Database.Driver), zap.Error(err))
		return err
	}
	defer database.Close()
	log.Info("connected to database", zap.String("driver", cfg.Database.Driver))

	if err := database.AutoMigrate(); err != nil {
		log.Error("migration failed", zap.Error(err))
		return err
	}
	log.Info("database schema initialized")

	// 3. Initialize User Feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	userHandler := user.NewHandler(userService, log)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 4. Initialize Chat Feature
	chatRepo := chat.NewRepository(database.Conn)
	registry := chat.NewRegistry(log)

	g, gCtx := errgroup.WithContext(ctx)

	var fanout chat.Fanout = chat.NewLocalFanout(registry)
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Error("failed to connect to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			return err
		}
		log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

		redisFanout := chat.NewRedisFanout(redisClient, cfg.Redis.Channel, registry, log)
		g.Go(func() error { return redisFanout.Run(gCtx) })
		fanout = redisFanout
	}

	hub := chat.NewHub(chatRepo, registry, fanout, log, chat.HubOptions{
		SendBuffer: cfg.Relay.SendBuffer,
		TimeFormat: cfg.Relay.TimeFormat,
	})
	chatHandler := chat.NewHandler(hub, chatRepo, log, chat.HandlerOptions{
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		AllowPlainUsername: cfg.Auth.AllowPlainUsername,
		WS: chat.WSOptions{
			WriteWait:      cfg.Relay.WriteWait,
			PongWait:       cfg.Relay.PongWait,
			MaxMessageSize: cfg.Relay.MaxMessageSize,
		},
	})

	monitor := chat.NewMonitor(chatRepo, registry, cfg.Monitor.HistoryWarnThreshold, log)
	g.Go(func() error { return monitor.Run(gCtx, cfg.Monitor.Interval) })

	// 5. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(log))
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/", web.LoginPage)
	r.Get("/chat", web.ChatPage)
	r.Get("/healthz", healthz(database))

	// WebSocket: identity comes from a token when present; the hub rejects
	// the connection when there is none.
	r.With(authMiddleware.Optional).Get("/ws", chatHandler.ServeWs)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.Search)
		r.Get("/api/messages", chatHandler.GetChatHistory)
		r.Get("/api/messages/{id}/audio", chatHandler.GetAudio)
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by the server.
		hub.Shutdown()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}

func healthz(database *db.Database) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := database.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
