package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cryptopulse/internal/applog"
	"cryptopulse/internal/broker"
	"cryptopulse/internal/cache"
	"cryptopulse/internal/config"
	"cryptopulse/internal/httpapi"
	"cryptopulse/internal/metrics"
	"cryptopulse/internal/publisher"
	"cryptopulse/internal/requesthandler"
	"cryptopulse/internal/supervisor"
	"cryptopulse/internal/sweeper"
	"cryptopulse/internal/upstream"
	"cryptopulse/pkg/broadcaster"
)

// App wires together the embedded broker, the upstream poller, the
// request handler, the retention sweeper, and the HTTP API.
type App struct {
	config *config.ServiceConfig
	logger *zap.Logger

	broker      *broker.Broker
	supervisor  *supervisor.Supervisor
	metrics     *metrics.Metrics
	httpServer  *httpapi.Server
	reqHandler  *requesthandler.Handler
	broadcaster *broadcaster.Broadcaster

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	fmt.Println("cryptopulse starting")

	app := &App{}

	if err := app.initialize(); err != nil {
		fmt.Printf("failed to initialize: %v\n", err)
		os.Exit(1)
	}

	if err := app.start(); err != nil {
		fmt.Printf("failed to start: %v\n", err)
		os.Exit(1)
	}

	app.waitForShutdown()

	if err := app.shutdown(); err != nil {
		fmt.Printf("error during shutdown: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("cryptopulse stopped gracefully")
}

func (app *App) initialize() error {
	var err error
	app.ctx, app.cancel = context.WithCancel(context.Background())

	app.logger, err = app.setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}

	app.config, err = config.LoadServiceConfig(app.logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if leveled, err := applog.New(app.config.LogLevel); err != nil {
		app.logger.Warn("failed to rebuild logger at configured level, keeping bootstrap logger", zap.Error(err))
	} else {
		app.logger = leveled
	}

	app.logger.Info("configuration loaded",
		zap.String("broker_address", app.config.BrokerAddress()),
		zap.Int("listings_interval_secs", app.config.ListingsIntervalSecs),
	)

	app.metrics = metrics.New(app.logger)
	app.supervisor = supervisor.NewSupervisor(app.logger)
	app.broadcaster = broadcaster.NewBroadcaster(app.logger)

	return nil
}

func (app *App) setupLogger() (*zap.Logger, error) {
	return applog.New("INFO")
}

func (app *App) start() error {
	app.logger.Info("starting cryptopulse")

	brokerCfg, err := config.LoadBrokerConfig(app.config.BrokerConfigPath)
	var pubSession publisher.Session
	if err != nil {
		app.logger.Error("failed to load broker config, running HTTP-only", zap.Error(err))
		pubSession = publisher.NewDisconnectedStub(app.logger)
	} else {
		b, err := broker.New(brokerCfg, app.logger)
		if err != nil {
			app.logger.Error("embedded broker failed to start, running HTTP-only", zap.Error(err))
			pubSession = publisher.NewDisconnectedStub(app.logger)
		} else {
			app.broker = b
			b.Run()
			time.Sleep(200 * time.Millisecond)

			session, err := publisher.Connect(app.config.BrokerAddress(), "cryptopulse-publisher", app.logger)
			if err != nil {
				app.logger.Error("publisher session failed to connect, running HTTP-only", zap.Error(err))
				pubSession = publisher.NewDisconnectedStub(app.logger)
			} else {
				pubSession = session
			}
		}
	}

	pub := publisher.New(pubSession, app.logger)
	fetcher := upstream.NewFetcher(app.config.UpstreamAPIKey, app.logger)
	fetcher.SetMetrics(app.metrics)
	snapshotCache := &cache.SnapshotCache{}
	snapshotCache.SetMetrics(app.metrics)
	historicalCache := cache.NewHistoricalCache()
	historicalCache.SetMetrics(app.metrics)
	logoCache := cache.NewLogoCache()
	logoCache.SetMetrics(app.metrics)

	app.reqHandler = requesthandler.New(fetcher, historicalCache, pub, app.logger)
	app.reqHandler.SetMetrics(app.metrics)
	if err := app.reqHandler.Start(app.ctx, app.config.BrokerAddress(), "cryptopulse-requesthandler"); err != nil {
		app.logger.Error("request handler failed to connect, historical requests will go unanswered", zap.Error(err))
	}

	if err := app.supervisor.AddWorker(supervisor.WorkerConfig{
		Name:           "upstream-poller",
		Component:      "upstream",
		Detail:         "listings",
		MaxRetries:     0,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     60 * time.Second,
		BackoffFactor:  2.0,
	}, app.pollUpstreamWorker(fetcher, snapshotCache, pub)); err != nil {
		return fmt.Errorf("failed to register upstream poller: %w", err)
	}

	sw := sweeper.New(pub, app.logger)
	sw.SetMetrics(app.metrics)
	if err := app.supervisor.AddWorker(supervisor.WorkerConfig{
		Name:           "retention-sweeper",
		Component:      "sweeper",
		Detail:         "historical-retention",
		MaxRetries:     0,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     60 * time.Second,
		BackoffFactor:  2.0,
	}, func(ctx context.Context) error {
		sw.Run(ctx)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to register retention sweeper: %w", err)
	}

	if err := app.supervisor.Start(); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	go app.broadcaster.Run()

	app.httpServer = httpapi.New(snapshotCache, historicalCache, logoCache, fetcher, app.broadcaster, app.logger)
	app.httpServer.Start(":8899")

	app.metrics.Start(":9090")

	app.logger.Info("cryptopulse operational",
		zap.String("http_addr", ":8899"),
		zap.String("metrics_addr", ":9090"),
		zap.String("broker_addr", app.config.BrokerAddress()),
	)
	return nil
}

// pollUpstreamWorker fetches the listings snapshot on the configured
// interval, publishing each successful fetch and leaving the cache (and
// the retained bus topics) untouched on failure.
func (app *App) pollUpstreamWorker(fetcher *upstream.Fetcher, snapshotCache *cache.SnapshotCache, pub *publisher.Publisher) supervisor.WorkerFunc {
	return func(ctx context.Context) error {
		interval := time.Duration(app.config.ListingsIntervalSecs) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		app.fetchAndPublish(ctx, fetcher, snapshotCache, pub)

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				app.fetchAndPublish(ctx, fetcher, snapshotCache, pub)
			}
		}
	}
}

func (app *App) fetchAndPublish(ctx context.Context, fetcher *upstream.Fetcher, snapshotCache *cache.SnapshotCache, pub *publisher.Publisher) {
	snapshot, err := fetcher.PollListings(ctx)
	if err != nil {
		level := zap.WarnLevel
		if upErr, ok := err.(*upstream.Error); ok && (upErr.Kind == upstream.KindAuthFailed || upErr.Kind == upstream.KindParseError) {
			level = zap.ErrorLevel
		}
		app.logger.Log(level, "upstream poll failed, retaining last-good snapshot", zap.Error(err))
		return
	}
	snapshotCache.Set(snapshot, time.Now())
	pub.PublishSnapshot(snapshot)

	if payload, err := json.Marshal(snapshot); err != nil {
		app.logger.Warn("failed to marshal snapshot for websocket broadcast", zap.Error(err))
	} else {
		app.broadcaster.Broadcast(payload)
	}
}

func (app *App) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	app.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
}

func (app *App) shutdown() error {
	app.logger.Info("shutting down cryptopulse")
	app.cancel()

	if app.reqHandler != nil {
		app.reqHandler.Stop()
	}
	if app.httpServer != nil {
		if err := app.httpServer.Stop(); err != nil {
			app.logger.Error("error stopping http api", zap.Error(err))
		}
	}
	if app.metrics != nil {
		if err := app.metrics.Stop(); err != nil {
			app.logger.Error("error stopping metrics server", zap.Error(err))
		}
	}
	if err := app.supervisor.Stop(); err != nil {
		app.logger.Error("error stopping supervisor", zap.Error(err))
	}
	if app.broker != nil {
		if err := app.broker.Close(); err != nil {
			app.logger.Error("error closing embedded broker", zap.Error(err))
		}
	}

	app.logger.Info("cryptopulse shutdown complete")
	return nil
}
