package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mr1hm/report-verification/internal/api"
	"github.com/mr1hm/report-verification/internal/auth"
	"github.com/mr1hm/report-verification/internal/claims"
	"github.com/mr1hm/report-verification/internal/config"
	"github.com/mr1hm/report-verification/internal/events"
	"github.com/mr1hm/report-verification/internal/logging"
	"github.com/mr1hm/report-verification/internal/moderation"
	"github.com/mr1hm/report-verification/internal/observability"
	"github.com/mr1hm/report-verification/internal/repository"
	"github.com/mr1hm/report-verification/internal/signals"
	"github.com/mr1hm/report-verification/internal/trust"
	"github.com/mr1hm/report-verification/internal/verification"
	"github.com/mr1hm/report-verification/internal/votes"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("Server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)

	db, err := repository.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		logging.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	metrics := observability.NewMetrics()

	var claimer claims.Claimer
	if cfg.Redis.Addr != "" {
		rdb, err := claims.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logging.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		claimer = claims.NewRedisClaimer(rdb, cfg.Verification.ClaimTTL)
		slog.Info("using redis report claims", "addr", cfg.Redis.Addr)
	} else {
		claimer = claims.NewStoreClaimer(db, uuid.NewString(), cfg.Verification.ClaimTTL, clock)
	}

	// Broadcaster feeds the SSE stream; kafka is optional
	broadcaster := events.NewBroadcaster()
	publisher := events.NewMulti(metrics)
	publisher.Add("stream", broadcaster)

	var kafka *events.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafka = events.NewKafkaPublisher(cfg.Kafka)
		publisher.Add("kafka", kafka)
		slog.Info("publishing report events to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	trustUpdater := trust.NewUpdater(db, cfg.Trust, cfg.Worker, clock, metrics)
	// Not tied to ctx: Stop drains whatever is still queued at shutdown.
	trustUpdater.Start(context.Background())

	adapters := signals.FromConfig(cfg.Signals, metrics)
	gatherer := signals.NewGatherer(adapters, cfg.Signals.Timeout, clock, metrics)

	engine := verification.NewEngine(verification.Deps{
		Store:     db,
		Claimer:   claimer,
		Gatherer:  gatherer,
		Trust:     trustUpdater,
		Publisher: publisher,
		Clock:     clock,
		Metrics:   metrics,
	}, cfg.Verification, cfg.Signals.LookbackWindow)

	schedulerDone := make(chan struct{})
	if cfg.Verification.BulkInterval > 0 {
		go func() {
			defer close(schedulerDone)
			engine.RunScheduler(ctx, cfg.Verification.BulkInterval, cfg.Verification.BulkLimit)
		}()
	} else {
		close(schedulerDone)
	}

	// Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", auth.HeaderUserID, auth.HeaderUserRoles},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Set to false when using wildcard origins
	}))
	router.Use(api.RateLimitMiddleware(cfg.Server.RateLimit))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler := api.NewHandler(api.Deps{
		Reports:     db,
		DB:          db,
		Engine:      engine,
		Ledger:      votes.NewLedger(db, trustUpdater, publisher, clock, metrics),
		Moderation:  moderation.NewService(db, trustUpdater, publisher, clock, metrics),
		Trust:       trustUpdater,
		Publisher:   publisher,
		Broadcaster: broadcaster,
		Auth:        auth.New(cfg.Auth),
		Clock:       clock,
	})
	handler.RegisterRoutes(router)

	if cfg.Auth.Disabled {
		slog.Warn("authentication disabled, trusting identity headers", "user_header", auth.HeaderUserID)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	cancel()
	<-schedulerDone
	broadcaster.Close() // Close all streams gracefully

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Drain trust adjustments queued by the last requests before closing sinks.
	trustUpdater.Stop()
	if kafka != nil {
		if err := kafka.Close(); err != nil {
			slog.Error("kafka writer close error", "error", err)
		}
	}

	slog.Info("shutdown complete")
}
