package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/terraskye/escore"
	"github.com/terraskye/escore/eventbus/memory"
	"github.com/terraskye/escore/eventstore/kurrentdb"
	"github.com/terraskye/escore/examples/bankaccount"
	"github.com/terraskye/escore/logging"
	prommetrics "github.com/terraskye/escore/metrics/prometheus"
	"github.com/terraskye/escore/otel"
)

var accounts = []string{"A", "B"}

var script = []escore.Command{
	bankaccount.OpenAccount{ID: "A", Balance: 100},
	bankaccount.DepositFunds{ID: "A", Amount: 50},
	bankaccount.OpenAccount{ID: "B", Balance: 20},
	bankaccount.WithdrawFunds{ID: "A", Amount: 30},
	bankaccount.WithdrawFunds{ID: "B", Amount: 500},
	bankaccount.DepositFunds{ID: "B", Amount: 5},
}

// run wires the configured backend to the bus, the balance projection and
// the account handlers, dispatches the script and returns the balance of
// every scripted account.
func run(ctx context.Context, cfg Config, log *logrus.Logger, promReg prometheus.Registerer) ([]bankaccount.Balance, error) {
	slogger := slog.Default()
	reg := escore.NewRegistry()
	bankaccount.RegisterEvents(reg)

	be, err := openBackend(ctx, cfg, reg, slogger)
	if err != nil {
		return nil, err
	}
	store := otel.WithEventStoreTelemetry(be.store)
	defer store.Close()

	// The otel decorators below record command, append and drop counts
	// themselves, so only Prometheus is fed from the core. Projections have
	// no decorator and report to both.
	metrics := prommetrics.NewMetrics(promReg)
	membus := memory.NewEventBus(
		memory.WithQueueSize(cfg.BusQueue),
		memory.WithLogger(slogger),
		memory.WithMetrics(metrics),
	)
	go func() {
		for err := range membus.Errors() {
			log.WithError(err).Warn("Event delivery failed")
		}
	}()
	bus := otel.WithEventBusTelemetry(membus)
	defer bus.Close()

	balances := bankaccount.NewBalanceProjection(store, be.views,
		escore.WithProjectionLogger(slogger),
		escore.WithProjectionMetrics(escore.MultiMetrics(metrics, otel.Metrics{})),
	)
	err = bus.Subscribe(ctx, balances.Name(), logging.WithLoggingMiddleware(slogger, balances),
		escore.WithAggregateTypes(bankaccount.AggregateType))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", balances.Name(), err)
	}

	streams, err := be.knownStreams(ctx)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	for _, stream := range streams {
		if _, err := balances.CatchUp(ctx, stream); err != nil {
			return nil, err
		}
	}

	opts := []escore.CommandHandlerOption{
		escore.WithIOTimeout(cfg.IOTimeout),
		escore.WithLogger(slogger),
		escore.WithMetrics(metrics),
		escore.WithRetryPolicy(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.RetryMax)
		}),
		escore.WithMetadataExtractor(func(context.Context) map[string]any {
			return map[string]any{"source": "bankledger"}
		}),
	}

	if be.kurrent != nil {
		// The balance views live in memory for this backend, so the relay
		// replays $all and the projection checkpoint skips what it has.
		relay, err := kurrentdb.NewRelay(be.kurrent, bus, []string{bankaccount.AggregateType}, kurrentdb.WithFromStart())
		if err != nil {
			return nil, err
		}
		relayCtx, stopRelay := context.WithCancel(ctx)
		defer stopRelay()
		go func() {
			if err := relay.Run(relayCtx); err != nil {
				log.WithError(err).Error("Relay stopped")
			}
		}()
	} else {
		opts = append(opts, escore.WithEventBus(bus))
	}

	entry := log.WithField("component", "bankledger")
	h := bankaccount.NewHandlers(store, opts...)
	h.Open = logging.WithCommandLogging(entry, otel.WithCommandTelemetry(h.Open))
	h.Deposit = logging.WithCommandLogging(entry, otel.WithCommandTelemetry(h.Deposit))
	h.Withdraw = logging.WithCommandLogging(entry, otel.WithCommandTelemetry(h.Withdraw))

	commands := escore.NewCommandBus(64, 4)
	defer commands.Stop()
	h.Register(commands)

	queries := escore.NewQueryBus()
	escore.RegisterQueryHandler(queries, logging.WithQueryLogging(entry,
		otel.WithQueryTelemetry[bankaccount.GetBalance, bankaccount.Balance](bankaccount.NewBalanceQuery(balances))))
	gateway := escore.NewQueryGateway[bankaccount.GetBalance, bankaccount.Balance](queries)

	for _, cmd := range script {
		if _, err := commands.Dispatch(ctx, cmd); err != nil && !rejected(err) {
			return nil, err
		}
	}

	result := make([]bankaccount.Balance, 0, len(accounts))
	for _, id := range accounts {
		if _, err := balances.CatchUp(ctx, bankaccount.StreamID(id)); err != nil {
			return nil, err
		}
		b, err := gateway.HandleQuery(ctx, bankaccount.GetBalance{Account: id})
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, nil
}

// rejected reports whether err is a refusal of the command itself rather
// than a failure of the system.
func rejected(err error) bool {
	return errors.Is(err, escore.ErrValidation) ||
		errors.Is(err, escore.ErrConflict) ||
		errors.Is(err, escore.ErrNotFound)
}
