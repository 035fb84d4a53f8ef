// Command bankledger runs a scripted bank account session against one of the
// escore event store backends and reports the resulting balances.
//
// Configuration comes from ESCORE_* environment variables:
//
//	ESCORE_BACKEND=sqlite ESCORE_SQLITE_PATH=ledger.db bankledger
//
// With ESCORE_METRICS_ADDR set, Prometheus metrics are served on /metrics
// until the process is interrupted.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)

	slogLevel := slog.LevelInfo
	if level >= logrus.DebugLevel {
		slogLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})))

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	balances, err := run(ctx, cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		log.WithError(err).Error("Session failed")
		os.Exit(1)
	}
	for _, b := range balances {
		log.WithFields(logrus.Fields{
			"account":     b.ID,
			"balance":     b.Balance,
			"deposits":    b.Deposits,
			"withdrawals": b.Withdrawals,
		}).Info("Balance")
	}

	if cfg.MetricsAddr != "" {
		log.Info("Session done, serving metrics until interrupted")
		<-ctx.Done()
	}
}

func serveMetrics(addr string, log *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.WithField("addr", addr).Info("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics server failed")
		}
	}()
	return srv
}
