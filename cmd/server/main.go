package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eu-flight/monitor/internal/api"
	"eu-flight/monitor/internal/config"
	"eu-flight/monitor/internal/db"
	"eu-flight/monitor/internal/db/repositories"
	"eu-flight/monitor/internal/gateway"
	"eu-flight/monitor/internal/ingest"
	"eu-flight/monitor/internal/jobs"
	"eu-flight/monitor/internal/ledger"
	"eu-flight/monitor/internal/logging"
	"eu-flight/monitor/internal/metrics"
	"eu-flight/monitor/internal/outbound"
	"eu-flight/monitor/internal/pipeline"
	"eu-flight/monitor/internal/refdata"
	"eu-flight/monitor/internal/report"
	"eu-flight/monitor/internal/routes"
)

func main() {
	cfg := config.FromEnv()

	if err := logging.Init(cfg.AppEnv); err != nil {
		os.Exit(1)
	}
	defer logging.Close()

	logging.Info("Delay engine starting up",
		"environment", cfg.AppEnv,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reconciliation rules: explicit, immutable snapshots, hot-reloaded
	// from disk.
	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		logging.Warn("Rules file not loaded, using defaults", "path", cfg.RulesPath, "error", err.Error())
		rules = config.DefaultRules()
	}
	holder := config.NewRulesHolder(rules)
	go func() {
		if err := holder.Watch(ctx, cfg.RulesPath); err != nil {
			logging.Warn("Rules watcher unavailable", "error", err.Error())
		}
	}()

	// Persistence: sqlx for the engine's tables, GORM for reference data.
	sqlxDB, err := db.InitPostgres(cfg.PostgresDSN())
	if err != nil {
		logging.Fatal("Failed to connect to Postgres (sqlx)", "error", err.Error())
	}
	stateRepo := repositories.NewFlightStateRepository(sqlxDB)
	if err := stateRepo.EnsureSchema(ctx); err != nil {
		logging.Fatal("Failed to ensure schema", "error", err.Error())
	}
	logging.Info("Connected to Postgres (sqlx)")

	ormDB, err := db.InitPostgresORM(cfg.PostgresDSN())
	if err != nil {
		logging.Fatal("Failed to connect to Postgres (GORM)", "error", err.Error())
	}
	logging.Info("Connected to Postgres (GORM)")

	refSvc := refdata.NewService(
		repositories.NewAirportRepository(ormDB),
		repositories.NewAirlineRepository(ormDB),
	)
	if cfg.AirportsJSON != "" {
		f, err := os.Open(cfg.AirportsJSON)
		if err != nil {
			logging.Warn("Airports JSON not readable", "path", cfg.AirportsJSON, "error", err.Error())
		} else {
			if _, err := refSvc.LoadAirportsJSON(ctx, f); err != nil {
				logging.Warn("Airport import failed", "error", err.Error())
			}
			f.Close()
		}
	}

	redisClient := db.NewRedisClient(cfg.RedisHost, cfg.RedisPassword)

	var led ledger.Ledger
	if cfg.LedgerBackend == "memory" {
		led = ledger.NewMemoryLedger(holder)
	} else {
		led = ledger.NewRedisLedger(redisClient, holder)
	}
	defer led.Close()

	reg := metrics.NewRegistry()

	var gw gateway.Gateway = stateRepo

	publisher := outbound.NewPublisher(redisClient, gw, cfg.EligibilityStream, cfg.AnalyticsStream)
	pipe := pipeline.New(holder, gw, led, publisher, reg, pipeline.Options{
		NumShards:     cfg.NumShards,
		ShardBuffer:   cfg.ShardBuffer,
		CommitTimeout: cfg.CommitTimeout,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBackoff:  cfg.RetryBackoff,
	})

	queue := ingest.NewObservationQueue(redisClient)
	consumer := ingest.NewConsumer(queue, pipe, holder, reg,
		cfg.ObservationStream, cfg.DeadLetterStream, cfg.ConsumerGroup)

	reports := report.NewService(gw, holder, cfg.ReportsDir)
	reportJob := jobs.NewDailyReportJob(reports)

	// The publisher outlives the pipeline so events enqueued during the
	// drain still get delivered; it is closed after the pipeline stops.
	var pubWG sync.WaitGroup
	pubWG.Add(1)
	go func() {
		defer pubWG.Done()
		publisher.Run(context.Background())
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipe.Run(ctx); err != nil {
			logging.Error("Pipeline stopped with error", "error", err.Error())
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Start(ctx, cfg.NumConsumers); err != nil {
			logging.Error("Ingest consumer stopped with error", "error", err.Error())
		}
	}()
	go reportJob.RunScheduled(ctx, 24*time.Hour)

	// Query layer, with /metrics outside the Chi router.
	handlers := api.NewHandlers(gw, refSvc, reports, cfg.AppEnv, time.Now())
	router := routes.RegisterRoutes(handlers, reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", router)

	server := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: mux}
	go func() {
		logging.Info("Server starting", "port", cfg.HTTPPort, "environment", cfg.AppEnv)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("HTTP server stopped", "error", err.Error())
			stop()
		}
	}()

	<-ctx.Done()
	logging.Info("Shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Warn("HTTP shutdown incomplete", "error", err.Error())
	}

	// Consumers stop submitting, the pipeline drains its shards, then the
	// publisher flushes buffered events.
	wg.Wait()
	publisher.Close()
	pubWG.Wait()
	logging.Info("Delay engine stopped cleanly")
}
