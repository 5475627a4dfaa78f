package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Simplici0/bomcost/internal/config"
	"github.com/Simplici0/bomcost/internal/costing"
	"github.com/Simplici0/bomcost/internal/db"
	"github.com/Simplici0/bomcost/internal/lock"
	"github.com/Simplici0/bomcost/internal/metrics"
	"github.com/Simplici0/bomcost/internal/migrations"
	"github.com/Simplici0/bomcost/internal/rollup"
	"github.com/Simplici0/bomcost/internal/seed"
	"github.com/Simplici0/bomcost/internal/store"
	"github.com/Simplici0/bomcost/internal/store/memory"
	"github.com/Simplici0/bomcost/internal/store/sqlstore"
)

// defaultRates prices logistics records that name a packaging type or
// transport mode instead of a per-unit cost.
var defaultRates = costing.RateTable{
	Packaging: map[string]float64{
		"carton": 0.8,
		"crate":  3,
		"pallet": 12,
		"bulk":   0,
	},
	Transport: map[string]float64{
		"road":  0.0012,
		"rail":  0.0006,
		"sea":   0.0002,
		"air":   0.006,
		"truck": 0.0012,
	},
}

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel)

	st, closeStore, err := openStore(cfg)
	if err != nil {
		logger.WithError(err).Fatal("failed to open store")
	}
	defer closeStore()

	locks, closeLocks, err := openLocks(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to redis")
	}
	defer closeLocks()

	m := metrics.New()
	svc := rollup.NewService(rollup.Options{
		Store:      st,
		Calculator: costing.Calculator{Rates: defaultRates},
		Locks:      locks,
		Metrics:    m,
		Logger:     logger,
		MaxDepth:   cfg.MaxDepth,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SeedDemo {
		stats, err := seed.Run(ctx, svc, st)
		if err != nil {
			logger.WithError(err).Fatal("failed to seed demo bom")
		}
		logger.WithFields(logrus.Fields{"inserts": stats.Inserts}).Info("demo bom seeded")
	}

	go rollup.NewSweeper(svc, cfg.SweepConcurrency).Run(ctx, cfg.SweepInterval)

	srv := &server{svc: svc, logger: logger}
	r := chi.NewRouter()
	srv.routes(r)
	r.Handle("/metrics", m.Handler())

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			config.LogError(logger, "main", "main", "http shutdown failed", nil, err)
		}
	}()

	logger.WithFields(logrus.Fields{"addr": httpServer.Addr, "db_driver": cfg.DBDriver}).Info("listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("server stopped")
	}
}

func openStore(cfg config.Config) (store.Store, func(), error) {
	var (
		database *sql.DB
		dialect  string
		err      error
	)
	switch cfg.DBDriver {
	case "memory":
		return memory.New(), func() {}, nil
	case db.DriverPostgres:
		database, err = db.Open(db.DriverPostgres, cfg.DatabaseURL)
		dialect = migrations.DialectPostgres
	default:
		database, err = db.Open(db.DriverSQLite, cfg.DBPath)
		dialect = migrations.DialectSQLite
	}
	if err != nil {
		return nil, nil, err
	}

	if err := migrations.Up(database, dialect); err != nil {
		database.Close()
		return nil, nil, err
	}
	driver := db.DriverSQLite
	if dialect == migrations.DialectPostgres {
		driver = db.DriverPostgres
	}
	return sqlstore.New(database, driver), func() { database.Close() }, nil
}

func openLocks(cfg config.Config, logger logrus.FieldLogger) (lock.Locker, func(), error) {
	if cfg.RedisAddress == "" {
		return lock.NewLocal(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, err
	}
	return lock.NewRedis(rdb, lock.RedisOptions{}, logger), func() { rdb.Close() }, nil
}
