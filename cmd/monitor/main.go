// Package main provides the background worker entry point: the transaction
// monitor reconciling pending settlements and the outbox dispatcher
// delivering notifications.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/estate-ledger/internal/adapter"
	"github.com/estate-ledger/internal/config"
	"github.com/estate-ledger/internal/logging"
	"github.com/estate-ledger/internal/storage"
	"github.com/estate-ledger/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)
	logger := logging.GetGlobalLogger()

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	settlement, err := adapter.NewEthereumSettlement(&adapter.EthereumSettlementConfig{
		RPCURL:        cfg.Settlement.RPCURL,
		PrivateKey:    cfg.Settlement.PrivateKey,
		AnchorAddress: cfg.Settlement.AnchorAddress,
		Timeout:       cfg.Settlement.Timeout,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize settlement client")
	}

	outboxRepo := storage.NewOutboxRepository(postgres)
	ledgerRepo := storage.NewLedgerRepository(postgres, outboxRepo)
	depthCache := storage.NewDepthCache(redis, cfg.Cache.DepthTTL, logger)

	// The archive is optional; without ClickHouse terminal transactions are
	// only kept in Postgres.
	var archive worker.TransactionArchiver
	if cfg.Database.ClickHouse.Enabled() {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()
		archive = storage.NewArchiveRepository(clickhouse)
	} else {
		logger.Warn("ClickHouse not configured, settlement archive disabled")
	}

	monitor, err := worker.NewTxMonitor(&worker.TxMonitorConfig{
		Ledger:       ledgerRepo,
		Settlement:   settlement,
		Archive:      archive,
		Depth:        depthCache,
		Outbox:       outboxRepo,
		PollInterval: cfg.Monitor.PollInterval,
		BatchSize:    cfg.Monitor.BatchSize,
		BackoffBase:  cfg.Monitor.BackoffBase,
		BackoffMax:   cfg.Monitor.BackoffMax,
		Logger:       logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create transaction monitor")
	}

	notifier := adapter.NewHTTPNotifierClient(cfg.Notifier.BaseURL, cfg.Notifier.Timeout, logger)
	dispatcher := worker.NewOutboxDispatcher(outboxRepo, notifier, 10*time.Second, 50, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := monitor.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start transaction monitor")
	}
	if err := dispatcher.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start outbox dispatcher")
	}

	logger.Info("Monitor worker running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down workers...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := monitor.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Transaction monitor did not stop cleanly")
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Outbox dispatcher did not stop cleanly")
	}

	logger.Info("Workers exited")
}
