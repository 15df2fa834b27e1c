package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"wabridge/internal/authz"
	"wabridge/internal/config"
	"wabridge/internal/kv"
	"wabridge/internal/notify"
	"wabridge/internal/observability/logging"
	"wabridge/internal/observability/metrics"
	"wabridge/internal/session"
	httpx "wabridge/internal/transport/http"
	"wabridge/internal/wa"
)

func main() {
	_ = godotenv.Load()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "wabridge",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})
	slog.SetDefault(logger)

	logger.Info("starting service")

	cfg := config.Load()
	metrics.MustRegister("wabridge")

	store := kv.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		logger.Error("redis ping", "error", err, "addr", cfg.RedisAddr)
		os.Exit(1)
	}

	mgr := session.NewManager(store, wa.DefaultDialer(), logger, session.Config{})
	notifier := notify.New(mgr, cfg.GroupID, cfg.AppURL, logger)

	authMW := passthrough
	if cfg.OperatorSecret != "" {
		authMW = authz.NewValidator(cfg.OperatorSecret, cfg.OperatorIssuer).Middleware
	} else {
		logger.Warn("OPERATOR_TOKEN_SECRET not set, mutating endpoints are unauthenticated")
	}

	mux := httpx.NewRouter(mgr, notifier, authMW, cfg.CORSOrigins, cfg.GroupID)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("wabridge listening", "addr", srv.Addr, "group", cfg.GroupID != "")
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func passthrough(next http.Handler) http.Handler { return next }
