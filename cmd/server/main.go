package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"signalbeam.sh/internal/alerting"
	"signalbeam.sh/internal/api"
	"signalbeam.sh/internal/config"
	"signalbeam.sh/internal/database"
	"signalbeam.sh/internal/desiredstate"
	"signalbeam.sh/internal/events"
	"signalbeam.sh/internal/health"
	"signalbeam.sh/internal/migrations"
	"signalbeam.sh/internal/observability"
	"signalbeam.sh/internal/resolver"
	"signalbeam.sh/internal/rollout"
	"signalbeam.sh/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "json", "log format (json, text)")
	flag.Parse()

	observability.SetupLogging(*logLevel, *logFormat)
	slog.Info("Starting signalbeam", "version", version.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	dbCfg := database.DefaultConfig(cfg.Database.Driver)
	dbCfg.DSN = cfg.Database.DSN
	db, err := database.New(dbCfg)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	schemaVersion, dirty, err := migrations.MigrateUp(db.DB, cfg.Database.Driver)
	if err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations complete", "version", schemaVersion, "dirty", dirty)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	metrics := observability.NewMetricsCollector()

	store := rollout.NewStore(db)
	index := desiredstate.NewIndex(db)
	alerts := alerting.NewEngine(db)
	res := resolver.New(db)
	planner := rollout.NewPlanner(db, res, store, cfg.Engine)
	executor := rollout.NewExecutor(store, index, alerts, cfg.Engine, metrics)

	publisher := events.NewRedisPublisher(redisClient)
	relay := events.NewRelay(db, publisher, cfg.Engine.OutboxRelayInterval)

	checker := health.NewChecker(version.String())
	checker.Register("database", health.DatabaseCheck(db))
	checker.Register("redis", health.RedisCheck(redisClient))
	checker.Register("outbox", health.OutboxCheck(relay, 1000))

	server := api.NewServer(cfg.ListenAddr, db, planner, executor, store, index, alerts, metrics, checker)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go executor.Run(ctx)
	go relay.Run(ctx)

	if err := server.Start(ctx); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
