// Command settled runs the competition settlement daemon: it sweeps closed
// competitions on a schedule, resolves winners, distributes rewards through
// the ledger contract, and serves the operator API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/time/rate"

	"arenasettle/config"
	"arenasettle/distribution"
	"arenasettle/ledger"
	"arenasettle/notify"
	"arenasettle/observability/logging"
	"arenasettle/pricefeed"
	"arenasettle/server"
	"arenasettle/settlement"
	"arenasettle/storage"
	"arenasettle/txqueue"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("settled: %v", err)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/settled.yaml", "path to settled configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("ARENA_ENV"))
	logger := logging.Setup("settled", env, logging.Config{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	logger.Info("configuration loaded",
		"path", cfgPath,
		"listen", cfg.ListenAddress,
		"signer_key", logging.MaskValue(cfg.Ledger.SignerKey),
		"admin_token", logging.MaskValue(cfg.Admin.BearerToken),
		"webhook_secret", logging.MaskValue(cfg.Notify.Secret),
	)

	store, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	gateway, err := ledger.New(ledger.Config{
		Endpoints:      cfg.Ledger.Endpoints,
		Contract:       cfg.Ledger.Contract,
		ChainID:        cfg.Ledger.ChainID,
		SignerKey:      cfg.Ledger.SignerKey,
		GasLimit:       cfg.Ledger.GasLimit,
		PollInterval:   cfg.Ledger.PollInterval.Duration,
		ConfirmTimeout: cfg.Ledger.ConfirmTimeout.Duration,
		TotalsCacheTTL: cfg.Ledger.TotalsCacheTTL.Duration,
	}, logger)
	if err != nil {
		return fmt.Errorf("init ledger gateway: %w", err)
	}
	defer gateway.Close()
	logger.Info("ledger gateway ready", "admin", gateway.From().Hex(), "endpoints", len(cfg.Ledger.Endpoints))

	queueOpts := []txqueue.Option{
		txqueue.WithMaxRetries(cfg.Queue.MaxRetries),
		txqueue.WithSequenceDelay(cfg.Queue.SequenceDelay.Duration),
		txqueue.WithRetryBaseDelay(cfg.Queue.RetryBaseDelay.Duration),
		txqueue.WithRefreshInterval(cfg.Queue.RefreshInterval.Duration),
		txqueue.WithCapacity(cfg.Queue.Capacity),
		txqueue.WithLogger(logger),
	}
	if cfg.Queue.RatePerSecond > 0 {
		queueOpts = append(queueOpts, txqueue.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.Queue.RatePerSecond), 1)))
	}
	queue := txqueue.New(gateway, queueOpts...)

	feed, err := pricefeed.New(cfg.PriceFeed.Endpoint, cfg.PriceFeed.Timeout.Duration)
	if err != nil {
		return fmt.Errorf("init pricefeed: %w", err)
	}
	hook := notify.New(cfg.Notify.WebhookURL, cfg.Notify.Secret, cfg.Notify.Timeout.Duration, logger)

	pipeline := distribution.New(store, queue, gateway,
		distribution.WithBatchSize(cfg.Settlement.BatchSize),
		distribution.WithBatchDelay(cfg.Settlement.BatchDelay.Duration),
		distribution.WithMaxAttempts(cfg.Settlement.MaxAttempts),
		distribution.WithLogger(logger),
	)
	orchestrator := settlement.New(store, feed, pipeline,
		settlement.WithLedger(queue, gateway),
		settlement.WithAnnouncer(hook),
		settlement.WithLogger(logger),
	)

	api, err := server.New(server.Config{
		Store:        store,
		Orchestrator: orchestrator,
		Totals:       gateway,
		BearerToken:  cfg.Admin.BearerToken,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("init api server: %w", err)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue.Start(stopCtx)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.Settlement.SweepInterval.Duration),
		gocron.NewTask(func() {
			if err := orchestrator.Sweep(stopCtx); err != nil && stopCtx.Err() == nil {
				logger.Error("sweep failed", "err", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	scheduler.Start()
	defer func() { _ = scheduler.Shutdown() }()

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("settled listening", "addr", cfg.ListenAddress, "sweep_interval", cfg.Settlement.SweepInterval.Duration)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		// Let the in-flight queue item finish before closing connections.
		select {
		case <-queue.Done():
		case <-shutdownCtx.Done():
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
