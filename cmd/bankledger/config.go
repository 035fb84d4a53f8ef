package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

const (
	backendMemory    = "memory"
	backendSQLite    = "sqlite"
	backendKurrentDB = "kurrentdb"
	backendNATS      = "nats"
)

// Config is read from ESCORE_* environment variables.
type Config struct {
	Backend      string        `env:"BACKEND" envDefault:"memory"`
	SQLitePath   string        `env:"SQLITE_PATH" envDefault:"bankledger.db"`
	KurrentDBURL string        `env:"KURRENTDB_URL" envDefault:"kurrentdb://localhost:2113?tls=false"`
	NATSURL      string        `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	BusQueue     int           `env:"BUS_QUEUE" envDefault:"256"`
	IOTimeout    time.Duration `env:"IO_TIMEOUT" envDefault:"5s"`
	RetryMax     uint64        `env:"RETRY_MAX" envDefault:"3"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`
	MetricsAddr  string        `env:"METRICS_ADDR"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "ESCORE_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Backend {
	case backendMemory, backendSQLite, backendKurrentDB, backendNATS:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.BusQueue <= 0 {
		return fmt.Errorf("bus queue must be positive, got %d", c.BusQueue)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}
