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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-chat/internal/assistant"
	"go-chat/internal/chat"
	"go-chat/internal/config"
	"go-chat/internal/crypto"
	"go-chat/internal/db"
	"go-chat/internal/gateway"
	"go-chat/internal/hub"
	"go-chat/internal/logger"
	myMiddleware "go-chat/internal/middleware"
	"go-chat/internal/presence"
	"go-chat/internal/storage"
	"go-chat/internal/user"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codec, err := crypto.NewCodec(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	// Storage backends
	var (
		repo      chat.Repository
		directory interface {
			user.Directory
			user.Registrar
		}
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		database, err := db.NewDatabase(ctx, cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer database.Close()
		if err := database.AutoMigrate(ctx); err != nil {
			return err
		}
		log.Info("connected to postgres")
		repo = chat.NewPostgresRepository(database.Conn)
		directory = user.NewRepository(database.Conn)
	default:
		log.Warn("using in-memory store; history is lost on restart")
		repo = chat.NewMemoryRepository()
		directory = user.NewMemoryDirectory()
	}

	var tracker presence.Tracker
	switch cfg.PresenceBackend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
		tracker = presence.NewRedisTracker(rdb)
	default:
		tracker = presence.NewMemoryTracker()
	}

	var files storage.Store
	if cfg.MinIO.Endpoint != "" {
		m, err := storage.NewMinIO(ctx, storage.MinIOOptions{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		}, log)
		if err != nil {
			return fmt.Errorf("connect minio: %w", err)
		}
		log.Info("connected to minio", zap.String("endpoint", cfg.MinIO.Endpoint), zap.String("bucket", cfg.MinIO.Bucket))
		files = m
	} else {
		files = storage.NewMemory()
	}

	// Core
	store := chat.NewStore(repo, codec, files, log, cfg.StoreTimeout)
	store.SetHistoryLimit(cfg.HistoryLimit)
	profiles := user.Profiles{Users: directory}
	rooms := hub.NewHub(log)
	bot := assistant.New(store, assistant.NewCanned(), log)
	gw := gateway.New(store, rooms, tracker, profiles, bot, log, gateway.Options{SendBuffer: cfg.SendBuffer})

	tokens := user.NewService(cfg.JWTSecret, 0)
	authMiddleware := myMiddleware.NewAuthMiddleware(tokens)
	wsHandler := gateway.NewHandler(gw, gateway.HandlerOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		MaxMessageSize: cfg.MaxMessageSize,
	})
	chatHandler := chat.NewHandler(store, files, profiles, gw, log)
	userHandler := user.NewHandler(directory, tracker, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","rooms":%d}`, rooms.Rooms())
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Use(user.Remember(directory, log))

		r.Get("/ws/notifications", wsHandler.ServeNotifications)
		r.Get("/ws/{conversationID}", wsHandler.ServeWs)

		r.Get("/api/me", userHandler.Me)
		r.Get("/api/users/{id}/presence", userHandler.GetPresence)
		chatHandler.Routes(r)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	// Hijacked websocket connections are not covered by Shutdown.
	rooms.Close()
	if err := gw.Wait(shutdownCtx); err != nil {
		log.Warn("sessions still closing", zap.Error(err))
	}
	return nil
}
