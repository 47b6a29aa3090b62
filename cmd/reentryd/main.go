package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"

	"github.com/rendis/reentry/internal/broker"
	"github.com/rendis/reentry/internal/coordinator"
	"github.com/rendis/reentry/internal/engine"
	"github.com/rendis/reentry/internal/fallback"
	"github.com/rendis/reentry/internal/logging"
	"github.com/rendis/reentry/internal/maintenance"
	"github.com/rendis/reentry/internal/metrics"
	"github.com/rendis/reentry/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "reentry.yaml", "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "reentryd:", err)
		os.Exit(1)
	}
	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("reentryd stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	lvl, _ := parseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: lvl, AddSource: cfg.development()}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logging.NewCorrelationHandler(h)).With(slog.String("version", version))
}

// drainer is the part of *nats.Conn shutdown needs.
type drainer interface {
	Drain() error
	Close()
}

// drainAndWait drains the connection and blocks until it reports closed,
// forcing it closed after timeout.
func drainAndWait(d drainer, closed <-chan struct{}, timeout time.Duration) error {
	if err := d.Drain(); err != nil {
		d.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	select {
	case <-closed:
		return nil
	case <-time.After(timeout):
		d.Close()
		return fmt.Errorf("drain nats: not closed after %s", timeout)
	}
}

// run wires the engine and serves until ctx is done.
func run(ctx context.Context, cfg Config, logger *slog.Logger) (err error) {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	closers = append(closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return tp.Shutdown(sctx)
	})

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	closers = append(closers, st.Close)
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	var blobs fallback.BlobStore
	if cfg.FallbackPath != "" {
		bolt, err := fallback.OpenBoltStore(cfg.FallbackPath)
		if err != nil {
			return fmt.Errorf("open fallback store: %w", err)
		}
		closers = append(closers, bolt.Close)
		blobs = bolt
	}

	m, err := metrics.New()
	if err != nil {
		return err
	}

	copts := cfg.coordinatorOptions()
	copts.Logger = logger
	copts.Metrics = m
	coord := coordinator.New(st, copts)

	closed := make(chan struct{})
	var closeOnce sync.Once
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("reentryd"),
		nats.MaxReconnects(-1),
		nats.DrainTimeout(shutdownTimeout),
		nats.ClosedHandler(func(*nats.Conn) { closeOnce.Do(func() { close(closed) }) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	// In-flight reentries finish and reply before the stores close.
	closers = append(closers, func() error { return drainAndWait(nc, closed, shutdownTimeout+time.Second) })

	b, err := broker.NewNATSBroker(ctx, nc, cfg.NATS.NATSConfig)
	if err != nil {
		return err
	}

	reg := engine.NewRegistry()
	if err := registerWorkflows(reg); err != nil {
		return fmt.Errorf("register workflows: %w", err)
	}
	exec, err := engine.NewExecutor(st, blobs, reg, coord, b, cfg.engineConfig(), engine.Options{
		Logger:  logger,
		Metrics: m,
		Alert: func(ctx context.Context, a engine.Alert) error {
			logger.WarnContext(ctx, "activity failure alert",
				slog.String("activity_instance_id", a.ActivityInstanceID),
				slog.String("position", a.Position),
				slog.String("category", a.Category),
				slog.String("message", a.TechnicalMessage))
			return nil
		},
	})
	if err != nil {
		return err
	}

	maint := maintenance.New(st, coord, b, cfg.maintenanceConfig(), logger)
	if err := maint.Start(ctx); err != nil {
		return err
	}
	closers = append(closers, func() error { maint.Stop(); return nil })

	srv := &triggerServer{exec: exec, logger: logger}
	if _, err := srv.subscribe(context.WithoutCancel(ctx), nc, cfg.NATS.TriggerSubject, cfg.NATS.TriggerQueue); err != nil {
		return err
	}

	httpErr := make(chan error, 1)
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			if !nc.IsConnected() {
				http.Error(w, "nats disconnected", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
	}

	logger.Info("reentryd started",
		slog.String("mode", cfg.Mode),
		slog.String("trigger_subject", cfg.NATS.TriggerSubject),
		slog.Any("capabilities", reg.Capabilities()))

	select {
	case <-ctx.Done():
	case err = <-httpErr:
		err = fmt.Errorf("metrics server: %w", err)
	}
	logger.Info("shutting down")

	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, metricsSrv.Shutdown(sctx))
	}
	return err
}
