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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/bunny_bridge/internal/api"
	"github.com/austindbirch/bunny_bridge/internal/bridge"
	"github.com/austindbirch/bunny_bridge/internal/broker"
	"github.com/austindbirch/bunny_bridge/internal/config"
	"github.com/austindbirch/bunny_bridge/internal/consumer"
	"github.com/austindbirch/bunny_bridge/internal/health"
	"github.com/austindbirch/bunny_bridge/internal/journal"
	"github.com/austindbirch/bunny_bridge/internal/logging"
	"github.com/austindbirch/bunny_bridge/internal/metrics"
	"github.com/austindbirch/bunny_bridge/internal/publisher"
	"github.com/austindbirch/bunny_bridge/internal/push"
	"github.com/austindbirch/bunny_bridge/internal/tracing"
)

const serviceName = "bunnyd"

// deadLetterJournal is the optional Postgres record of dead lettered messages.
type deadLetterJournal interface {
	push.Journal
	health.Journal
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(serviceName, logging.WithLevel(cfg.LogLevel), logging.WithPretty(cfg.LogPretty))
	logger.Plain().WithField("config", cfg.String()).Debug("configuration loaded")

	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	conn, err := broker.Dial(ctx, cfg.ConnectionString, logger)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	var jr deadLetterJournal
	if cfg.JournalDSN != "" {
		pool, err := journal.Connect(ctx, cfg.JournalDSN)
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("connect to journal: %w", err)
		}
		defer pool.Close()

		store := journal.NewStore(pool)
		if err := store.Migrate(ctx); err != nil {
			_ = conn.Close()
			return fmt.Errorf("migrate journal: %w", err)
		}
		jr = store
	}

	app := bridge.New(conn, logger, bridge.Options{
		DrainRetries:  cfg.DrainRetries,
		DrainInterval: cfg.DrainInterval,
	})
	if err := register(app, cfg, logger, jr); err != nil {
		_ = conn.Close()
		return err
	}

	done := make(chan struct{})
	defer close(done)
	app.Watch(done)

	if err := app.StartSubscribers(); err != nil {
		_ = app.Shutdown(context.Background())
		return fmt.Errorf("start subscribers: %w", err)
	}

	backlogCtx, stopBacklog := context.WithCancel(ctx)
	defer stopBacklog()
	go app.MonitorBacklog(backlogCtx, cfg.BacklogInterval, metrics.UpdateQueueBacklog)

	apiSrv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: api.NewServer(app, cfg.AuthIdentities(),
			api.WithLogger(logger),
			api.WithMetrics(metrics.Collector{}),
			api.WithHealth(health.HTTPHandler(conn, jr)),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := newMetricsServer(cfg.MetricsPort, app.InFlight)

	serveErr := make(chan error, 2)
	serve(apiSrv, "API", logger, serveErr)
	if metricsSrv != nil {
		serve(metricsSrv, "metrics", logger, serveErr)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(stop)

	var exitErr error
	select {
	case sig := <-stop:
		logger.Plain().WithField("signal", sig.String()).Info("Received shutdown signal")
	case err := <-app.Fatal():
		exitErr = err
	case err := <-serveErr:
		exitErr = err
	case <-ctx.Done():
	}

	stopBacklog()
	shutdown(app, apiSrv, metricsSrv, cfg, logger)
	return exitErr
}

// register builds every configured resource on top of the app's transport.
// A nil journal disables dead letter recording.
func register(app *bridge.App, cfg *config.Config, logger *logging.Logger, jr push.Journal) error {
	for _, pc := range cfg.Publishers {
		p, err := publisher.New(pc.PublisherConfig(), app.Conn(), logger)
		if err != nil {
			return fmt.Errorf("publisher %s: %w", pc.QueueName, err)
		}
		if err := app.AddPublisher(p); err != nil {
			return fmt.Errorf("publisher %s: %w", pc.QueueName, err)
		}
	}

	for _, cc := range cfg.Consumers {
		app.AddConsumer(consumer.New(consumer.Config{
			QueueName:  cc.QueueName,
			Identities: cc.Identities,
		}, app.Conn(), logger))
	}

	for _, sc := range cfg.Subscribers {
		opts := []push.Option{
			push.WithLogger(logger),
			push.WithMetrics(metrics.Collector{}),
			push.WithTransportErrorHandler(app.HandleTransportError),
		}
		if jr != nil {
			opts = append(opts, push.WithJournal(jr))
		}
		s, err := push.New(sc.PushConfig(), app.Conn(), opts...)
		if err != nil {
			return fmt.Errorf("subscriber %s: %w", sc.QueueName, err)
		}
		app.AddSubscriber(s)
	}
	return nil
}

func newMetricsServer(port int, inFlight func() int) *http.Server {
	if port == 0 {
		return nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewInFlightGauge(inFlight),
	)
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

func serve(srv *http.Server, name string, logger *logging.Logger, errs chan<- error) {
	go func() {
		logger.Plain().WithField("addr", srv.Addr).Infof("%s server starting", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
}

// shutdown stops accepting requests, lets the HTTP handlers finish, then
// drains the subscribers and closes the broker connection.
func shutdown(app *bridge.App, apiSrv, metricsSrv *http.Server, cfg *config.Config, logger *logging.Logger) {
	app.MarkPending()

	budget := time.Duration(cfg.DrainRetries+1)*cfg.DrainInterval + 10*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	if err := apiSrv.Shutdown(ctx); err != nil {
		logger.Plain().WithError(err).Warn("API server did not stop cleanly")
	}
	if err := app.Shutdown(ctx); err != nil {
		logger.Plain().WithError(err).Error("closing broker connection failed")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	logger.Plain().Info("bunnyd stopped")
}
