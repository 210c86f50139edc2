// Command relay drains an outbox table and publishes its events to a broker.
//
// Everything is configured through environment variables, see internal/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/hiran-hiran/outbox"
	"github.com/hiran-hiran/outbox/internal/config"
	"github.com/hiran-hiran/outbox/internal/logging"
	"github.com/hiran-hiran/outbox/internal/otelx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, problems := config.Load()

	logger, err := logging.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if len(problems) > 0 {
		for _, p := range problems {
			logger.Error("config_problem", zap.String("field", p.Field), zap.String("message", p.Message))
		}
		return errors.New("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otelx.Setup(ctx, otelx.Config{
		Enabled:      cfg.OtelEnabled,
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.OtelEndpoint,
		SampleRatio:  cfg.OtelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	var cleanup closers
	defer cleanup.closeAll(logger)
	cleanup.add("tracing", shutdownTracing)

	store, err := openStore(ctx, cfg, &cleanup)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	publisher, err := openSink(ctx, cfg, logger, &cleanup)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}

	metrics, err := outbox.NewMetrics(prometheus.DefaultRegisterer, cfg.MetricsNamespace)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	opts := []outbox.RelayOption{
		outbox.WithInterval(cfg.Interval),
		outbox.WithReadTimeout(cfg.ReadTimeout),
		outbox.WithPublishTimeout(cfg.PublishTimeout),
		outbox.WithMarkTimeout(cfg.MarkTimeout),
		outbox.WithLogger(logger),
		outbox.WithMetrics(metrics),
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, outbox.WithMaxAttempts(int32(cfg.MaxAttempts)))
	}
	if cfg.BackoffMax > 0 {
		opts = append(opts, outbox.WithExponentialBackoff(cfg.Interval, cfg.BackoffMax))
	}
	if cfg.LockKey != "" {
		locker, err := openLocker(cfg, &cleanup)
		if err != nil {
			return fmt.Errorf("open lock: %w", err)
		}
		opts = append(opts, outbox.WithLocker(locker))
	}

	relay := outbox.NewRelay(store.EventStore, publisher, opts...)
	go logRelayErrors(relay.Errors(), logger)
	go logDiscardedEvents(relay.DiscardedEvents(), logger)

	mux := newBaseMux(
		readyCheck{Name: "store", Check: store.ping},
		readyCheck{Name: "relay", Check: func(context.Context) error {
			if relay.State() == outbox.StateStopped {
				return errors.New("relay stopped")
			}
			return nil
		}},
	)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           otelhttp.NewHandler(mux, "relay_http"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http_server_start", zap.String("addr", server.Addr))
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_error", zap.Error(err))
		}
	}()

	relay.Start()
	logger.Info("relay_running",
		zap.String("store", cfg.Store),
		zap.String("sink", cfg.Sink),
		zap.Duration("interval", cfg.Interval),
	)

	<-ctx.Done()
	logger.Info("relay_shutdown_requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := relay.Close(shutdownCtx); err != nil {
		logger.Error("relay_close_error", zap.Error(err))
	} else {
		logger.Info("relay_closed")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_server_shutdown_error", zap.Error(err))
	}
	return nil
}

// logRelayErrors drains the relay's error channel. The relay has already
// logged each failure, so entries here are debug-level context only.
func logRelayErrors(errs <-chan error, logger *zap.Logger) {
	for err := range errs {
		var publishErr *outbox.PublishError
		switch {
		case errors.As(err, &publishErr):
			logger.Debug("relay_error_reported",
				zap.String("event_id", publishErr.Event.ID().String()),
				zap.String("event_type", publishErr.Event.EventType()),
				zap.Error(err),
			)
		default:
			logger.Debug("relay_error_reported", zap.Error(err))
		}
	}
}

// logDiscardedEvents drains the discarded events channel, see logRelayErrors.
func logDiscardedEvents(events <-chan outbox.Event, logger *zap.Logger) {
	for event := range events {
		logger.Debug("relay_discard_reported",
			zap.String("event_id", event.ID().String()),
			zap.String("event_type", event.EventType()),
			zap.String("aggregate_id", event.AggregateID()),
		)
	}
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// closers runs cleanup functions in reverse registration order.
type closers []closer

func (c *closers) add(name string, fn func(context.Context) error) {
	*c = append(*c, closer{name: name, fn: fn})
}

func (c closers) closeAll(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].fn(ctx); err != nil {
			logger.Warn("close_failed", zap.String("resource", c[i].name), zap.Error(err))
		}
	}
}
