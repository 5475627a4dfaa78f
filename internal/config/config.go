package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	defaultDBDriver         = "sqlite"
	defaultDBPath           = "./dev.db"
	defaultPort             = "8080"
	defaultLogLevel         = "info"
	defaultMaxDepth         = 64
	defaultSweepInterval    = time.Minute
	defaultSweepConcurrency = 4
)

// Config holds application configuration sourced from environment variables.
type Config struct {
	AppEnv           string
	Port             string
	DBDriver         string
	DBPath           string
	DatabaseURL      string
	RedisAddress     string
	LogLevel         string
	MaxDepth         int
	SweepInterval    time.Duration
	SweepConcurrency int
	SeedDemo         bool
}

// Load reads environment variables and returns a populated Config. Malformed
// values are reported and replaced by their defaults.
func Load() Config {
	// Best-effort: load local dev environment variables.
	// We don't fail if the file is missing; production should use real env injection.
	_ = godotenv.Load(".env")

	cfg := Config{
		AppEnv:       os.Getenv("APP_ENV"),
		Port:         os.Getenv("PORT"),
		DBDriver:     strings.ToLower(os.Getenv("DB_DRIVER")),
		DBPath:       os.Getenv("DB_PATH"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisAddress: os.Getenv("REDIS_ADDRESS"),
		LogLevel:     os.Getenv("LOG_LEVEL"),
	}

	if cfg.DBDriver == "" {
		cfg.DBDriver = defaultDBDriver
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}

	cfg.MaxDepth = positiveInt("BOM_MAX_DEPTH", defaultMaxDepth)
	cfg.SweepConcurrency = positiveInt("SWEEP_CONCURRENCY", defaultSweepConcurrency)
	cfg.SweepInterval = duration("SWEEP_INTERVAL", defaultSweepInterval)
	cfg.SeedDemo = boolean("SEED_DEMO", cfg.IsDev())

	switch cfg.DBDriver {
	case "sqlite", "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			logrus.Warn("DB_DRIVER is postgres but DATABASE_URL is not set")
		}
	default:
		logrus.Warnf("unknown DB_DRIVER %q", cfg.DBDriver)
	}

	return cfg
}

// IsDev reports whether the service runs in a local development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "", "dev", "development", "local":
		return true
	}
	return false
}

func positiveInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		logrus.Warnf("invalid %s=%q, using %d", key, raw, def)
		return def
	}
	return v
}

func duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v < 0 {
		logrus.Warnf("invalid %s=%q, using %s", key, raw, def)
		return def
	}
	return v
}

func boolean(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using %t", key, raw, def)
		return def
	}
	return v
}
