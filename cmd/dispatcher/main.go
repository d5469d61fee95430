package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/threadhive/dispatch/internal/config"
	"github.com/threadhive/dispatch/internal/delivery"
	"github.com/threadhive/dispatch/internal/dispatch"
	"github.com/threadhive/dispatch/internal/observability/metrics"
	"github.com/threadhive/dispatch/internal/reply"
	"github.com/threadhive/dispatch/internal/status"
	"github.com/threadhive/dispatch/internal/usage"
	"github.com/threadhive/dispatch/pkg/logging"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting reply dispatcher", "env", cfg.Env, "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatabaseURL == "" {
		logger.Error("dispatcher requires DATABASE_URL")
		os.Exit(1)
	}
	tokens, err := delivery.ParseStaticTokens(cfg.AccountTokensJSON)
	if err != nil {
		logger.Error("invalid ACCOUNT_TOKENS_JSON", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := newRedisClient(ctx, cfg, logger)

	replyStore := reply.NewStore(pool)
	cooldowns := usage.NewCooldowns(redisClient, logger)
	ledger := usage.NewLedger(pool, cooldowns, logger)
	statusStore := status.NewStore(pool, logger)
	channel := delivery.NewTelegramChannel(cfg.BotAPIBaseURL, tokens, logger)
	dispatchMetrics := metrics.NewDispatchMetrics(nil)

	dispatcher := dispatch.NewDispatcher(replyStore, pool, ledger, channel, tokens, logger).
		WithReporter(statusStore).
		WithMetrics(dispatchMetrics).
		WithSendTimeout(cfg.SendTimeout).
		WithMaxPerCycle(cfg.MaxDuePerCycle)

	scheduler := dispatch.NewCycleScheduler(replyStore, dispatcher, logger).
		WithInterval(cfg.CycleInterval)
	go scheduler.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	status.NewHandler(statusStore, logger).Routes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}
	logger.Info("dispatcher shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
}

// newRedisClient connects the advisory cooldown mirror. Returns nil when
// redis is not configured or unreachable; dispatch runs fine without it.
func newRedisClient(ctx context.Context, cfg *config.Config, logger *logging.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	options := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available; cooldown mirror disabled", "error", err)
		return nil
	}
	return client
}
