package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/petalpoint/ordercore/internal/config"
	"github.com/petalpoint/ordercore/internal/events/kafka"
	orderapp "github.com/petalpoint/ordercore/internal/order/application"
	resvapp "github.com/petalpoint/ordercore/internal/reservation/application"
	"github.com/petalpoint/ordercore/internal/storage/postgres"
	transport "github.com/petalpoint/ordercore/internal/transport/http"
	"github.com/petalpoint/ordercore/pkg/idempotency"
	"github.com/petalpoint/ordercore/pkg/logging"
	"github.com/petalpoint/ordercore/pkg/outbox"
	"github.com/petalpoint/ordercore/pkg/shutdown"
	"github.com/petalpoint/ordercore/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, "ordercore", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	// Postgres
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.NewStore(log, pool)
	if err := store.Migrate(ctx); err != nil {
		log.Error("migrate failed", "err", err)
		os.Exit(1)
	}

	// Redis (commit double-submit guard)
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	idem := idempotency.NewStore(rdb, cfg.IdemTTL)

	// Kafka producer + outbox relay
	writer := kafka.NewWriter(cfg.KafkaBrokers)
	defer writer.Close()
	outboxStore := postgres.NewOutboxStore(log, pool)
	dispatch := outbox.NewDispatcher(log, writer, cfg.OutboxTopic)
	relay := outbox.NewRelay(log, outboxStore, dispatch, "ordercore-relay")

	// Services
	hold := time.Duration(cfg.HoldMinutes) * time.Minute
	reservations := resvapp.NewService(log, store, hold)
	orders := orderapp.NewService(log, store)
	sweeper := resvapp.NewSweeper(log, store, cfg.SweepEvery)

	handler := transport.NewHandler(log, reservations, orders, store, idem, transport.Options{
		AdminToken:     cfg.AdminToken,
		HoldMinutes:    cfg.HoldMinutes,
		EtransferName:  cfg.EtransferName,
		EtransferEmail: cfg.EtransferEmail,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := relay.Run(ctx); err != nil {
			log.Error("relay stopped with error", "err", err)
		}
	}()
	go func() {
		if err := sweeper.Run(ctx); err != nil {
			log.Error("sweeper stopped with error", "err", err)
		}
	}()
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("ordercore shutdown complete")
}
