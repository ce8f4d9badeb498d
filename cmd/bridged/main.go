// Command bridged is the session bridge daemon: it owns the operation
// queue, the bounded session pool, the credential vault, the realtime
// channel and the auto-sync scheduler, and serves the HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"erp-bridge/internal/api"
	"erp-bridge/internal/clock"
	"erp-bridge/internal/config"
	"erp-bridge/internal/docstore"
	"erp-bridge/internal/erp"
	"erp-bridge/internal/handler"
	"erp-bridge/internal/logging"
	"erp-bridge/internal/queue"
	"erp-bridge/internal/ratelimit"
	"erp-bridge/internal/realtime"
	"erp-bridge/internal/scheduler"
	"erp-bridge/internal/session"
	"erp-bridge/internal/store"
	"erp-bridge/internal/telemetry"
	"erp-bridge/internal/vault"
)

// schedulerIdentity owns jobs the auto-sync scheduler enqueues.
const schedulerIdentity = "auto-sync"

func main() {
	cfg := config.Load()
	logging.Setup(cfg.Env, cfg.LogLevel)
	log := logging.Component("bridged")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	v, err := vault.New(st, cfg.VaultSecret, cfg.VaultKeyVersion, cfg.KDFIterations)
	if err != nil {
		log.Fatal().Err(err).Msg("init credential vault")
	}
	loaded, skipped, err := v.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load credentials")
	}
	log.Info().Int("loaded", loaded).Int("skipped", len(skipped)).Msg("credential vault ready")
	for _, userID := range skipped {
		log.Warn().Str("user", userID).Msg("credential failed to decrypt, user must re-enter it")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}

	events := realtime.NewEventLog(rdb, cfg.EventHistorySize)
	hub := realtime.NewHub(events, cfg.APITokens, cfg.HeartbeatInterval, cfg.HeartbeatTimeout, logging.Component("hub"))

	dialer := erp.NewFormDriver(cfg.ERPBaseURL, cfg.ERPRequestTimeout, cfg.DocMaxBytes)
	pool := session.NewPool(dialer, v, cfg.MaxSessions, cfg.SessionTTL, cfg.SweepInterval, clock.Real{}, logging.Component("session"))
	go pool.Run(ctx)

	q := queue.New(st, pool, events, queue.Config{
		MaxConcurrent:       cfg.MaxSessions,
		AttemptTimeout:      cfg.AttemptTimeout,
		AcquireBudget:       cfg.AcquireBudget,
		TransientRetryLimit: cfg.TransientRetryLimit,
	}, logging.Component("queue"))

	docs, err := docstore.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init document archive")
	}
	handler.Register(q, docs)

	if err := q.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("recover queue")
	}
	go q.Run(ctx)

	sched := scheduler.New(q, schedulerIdentity, cfg.SyncIntervals, clock.Real{}, logging.Component("scheduler"))
	sched.Start()
	defer sched.Stop()

	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(cfg, q, pool, sched, v, hub, limiter, logging.Component("api")).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", metricsSrv.Addr).Msg("metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server")
		}
	}()
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("api server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}
