// Command bulk-verify runs a single bulk verification pass over pending
// reports and exits. It is meant for cron jobs when the server runs without
// its own scheduler.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"

	"github.com/mr1hm/report-verification/internal/claims"
	"github.com/mr1hm/report-verification/internal/config"
	"github.com/mr1hm/report-verification/internal/events"
	"github.com/mr1hm/report-verification/internal/logging"
	"github.com/mr1hm/report-verification/internal/observability"
	"github.com/mr1hm/report-verification/internal/repository"
	"github.com/mr1hm/report-verification/internal/signals"
	"github.com/mr1hm/report-verification/internal/trust"
	"github.com/mr1hm/report-verification/internal/verification"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("bulk verification starting", "limit", cfg.Verification.BulkLimit, "db", cfg.DB.Path)

	db, err := repository.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		logging.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	metrics := observability.NewMetrics()

	// Claims must be shared with a running server, so prefer redis when set.
	var claimer claims.Claimer
	if cfg.Redis.Addr != "" {
		rdb, err := claims.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logging.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		claimer = claims.NewRedisClaimer(rdb, cfg.Verification.ClaimTTL)
	} else {
		claimer = claims.NewStoreClaimer(db, "bulk-"+uuid.NewString(), cfg.Verification.ClaimTTL, clock)
	}

	var publisher events.Publisher = events.Discard{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka := events.NewKafkaPublisher(cfg.Kafka)
		defer kafka.Close()
		publisher = kafka
	}

	trustUpdater := trust.NewUpdater(db, cfg.Trust, cfg.Worker, clock, metrics)
	trustUpdater.Start(context.Background())
	defer trustUpdater.Stop()

	engine := verification.NewEngine(verification.Deps{
		Store:     db,
		Claimer:   claimer,
		Gatherer:  signals.NewGatherer(signals.FromConfig(cfg.Signals, metrics), cfg.Signals.Timeout, clock, metrics),
		Trust:     trustUpdater,
		Publisher: publisher,
		Clock:     clock,
		Metrics:   metrics,
	}, cfg.Verification, cfg.Signals.LookbackWindow)

	res, err := engine.RunBulk(ctx, cfg.Verification.BulkLimit)
	if err != nil {
		// Deferred cleanup is skipped by os.Exit, so drain trust updates first.
		trustUpdater.Stop()
		logging.Fatalf("bulk verification failed: %v", err)
	}

	if err := json.NewEncoder(os.Stdout).Encode(res); err != nil {
		slog.Error("failed to write result", "error", err)
	}
}
