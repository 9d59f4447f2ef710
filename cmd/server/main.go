package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"
	"github.com/tickerchat/auth/internal/api"
	"github.com/tickerchat/auth/internal/auth"
	"github.com/tickerchat/auth/internal/storage"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup WebAuthn
	wconfig := &webauthn.Config{
		RPDisplayName: cfg.RPName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	}

	webAuthn, err := webauthn.New(wconfig)
	if err != nil {
		slog.Error("Failed to create WebAuthn instance", "error", err)
		os.Exit(1)
	}

	// Setup primary store
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		slog.Error("Failed to create database directory", "error", err)
		os.Exit(1)
	}
	sqliteStore, err := storage.OpenSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open SQLite store", "error", err)
		os.Exit(1)
	}
	defer sqliteStore.Close()
	slog.Info("Using SQLite storage", "path", cfg.DBPath)

	// Optional Redis client, shared by challenge and session backends
	var redisStore *storage.RedisStore
	if cfg.ChallengeMode == "redis" || cfg.SessionMode == "redis" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		redisStore = storage.NewRedisStore(redisClient)
		slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	}

	var store storage.Store = sqliteStore
	if cfg.ChallengeMode == "redis" {
		store = storage.NewSplitStore(sqliteStore, redisStore)
		slog.Info("Using Redis challenges")
	}

	var sessionStore storage.SessionStore
	switch cfg.SessionMode {
	case "redis":
		sessionStore = redisStore
		slog.Info("Using Redis sessions")
	default:
		sessionStore = storage.NewMemoryStore()
		slog.Warn("Using in-memory sessions (not persistent)")
	}

	// Setup avatar storage
	var avatarStore storage.AvatarStore
	switch cfg.AvatarMode {
	case "s3":
		s3Store, err := storage.NewS3AvatarStore(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.UseSSL)
		if err != nil {
			slog.Error("Failed to create S3 avatar storage", "error", err)
			os.Exit(1)
		}
		avatarStore = s3Store
		slog.Info("Using S3 avatar storage", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	default:
		fsStore, err := storage.NewFilesystemAvatarStore(cfg.DataPath)
		if err != nil {
			slog.Error("Failed to create filesystem avatar storage", "error", err)
			os.Exit(1)
		}
		avatarStore = fsStore
		slog.Info("Using filesystem avatar storage", "path", cfg.DataPath)
	}

	// Setup services
	verifier := auth.NewWebAuthnVerifier(webAuthn)
	authService := auth.NewService(store, sessionStore, avatarStore, verifier, cfg.GatePassword)
	apiServer := api.NewServer(authService)

	// Reap abandoned challenges in the background
	go sweepChallenges(authService)

	// Setup routes
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/gate", apiServer.GateHandler)
	mux.HandleFunc("POST /api/auth/register/options", apiServer.RegisterOptionsHandler)
	mux.HandleFunc("POST /api/auth/register/verify", apiServer.RegisterVerifyHandler)
	mux.HandleFunc("POST /api/auth/login/options", apiServer.LoginOptionsHandler)
	mux.HandleFunc("POST /api/auth/login/verify", apiServer.LoginVerifyHandler)
	mux.HandleFunc("GET /api/auth/me", apiServer.MeHandler)
	mux.HandleFunc("POST /api/auth/logout", apiServer.LogoutHandler)
	mux.HandleFunc("GET /health", apiServer.HealthHandler)

	// Apply middleware
	handler := api.LoggingMiddleware(api.CORSMiddleware(cfg.RPOrigins)(mux))

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	slog.Info("Auth service starting", "port", cfg.Port, "rpId", cfg.RPID)
	if err := server.ListenAndServe(); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// sweepChallenges periodically deletes expired, unconsumed challenges.
func sweepChallenges(authService *auth.Service) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		if err := authService.SweepExpiredChallenges(context.Background()); err != nil {
			slog.Warn("Challenge sweep failed", "error", err)
		}
	}
}
