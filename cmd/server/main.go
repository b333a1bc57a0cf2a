// Package main provides the API server entry point for the estate ledger service.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/estate-ledger/internal/adapter"
	"github.com/estate-ledger/internal/api"
	"github.com/estate-ledger/internal/config"
	"github.com/estate-ledger/internal/logging"
	"github.com/estate-ledger/internal/service"
	"github.com/estate-ledger/internal/storage"
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
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	logger.Info("Connecting to databases...")

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

	logger.Info("Database connections established")

	// Settlement is optional for local development; without it transactions
	// stay pending until the monitor's settlement backend is configured.
	var settlement adapter.SettlementClient
	if cfg.Settlement.RPCURL != "" {
		settlement, err = adapter.NewEthereumSettlement(&adapter.EthereumSettlementConfig{
			RPCURL:        cfg.Settlement.RPCURL,
			PrivateKey:    cfg.Settlement.PrivateKey,
			AnchorAddress: cfg.Settlement.AnchorAddress,
			Timeout:       cfg.Settlement.Timeout,
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize settlement client")
		}
	} else {
		logger.Warn("Settlement RPC not configured, transactions will remain pending")
	}

	payout := adapter.NewHTTPPayoutClient(&adapter.HTTPPayoutConfig{
		BaseURL: cfg.Payout.BaseURL,
		APIKey:  cfg.Payout.APIKey,
		Timeout: cfg.Payout.Timeout,
	}, logger)

	// Analytics endpoints read from the settlement archive; without
	// ClickHouse they are simply not registered.
	var analytics api.AnalyticsInterface
	if cfg.Database.ClickHouse.Enabled() {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()
		analytics = storage.NewArchiveRepository(clickhouse)
	}

	assetRepo := storage.NewAssetRepository(postgres)
	outboxRepo := storage.NewOutboxRepository(postgres)
	ledgerRepo := storage.NewLedgerRepository(postgres, outboxRepo)
	listingRepo := storage.NewListingRepository(postgres)
	distributionRepo := storage.NewDistributionRepository(postgres)
	governanceRepo := storage.NewGovernanceRepository(postgres)
	depthCache := storage.NewDepthCache(redis, cfg.Cache.DepthTTL, logger)

	ledgerService := service.NewLedgerService(assetRepo, ledgerRepo, settlement, logger)
	orderBookService := service.NewOrderBookService(listingRepo, ledgerRepo, depthCache, logger)
	dividendService := service.NewDividendService(distributionRepo, ledgerRepo, assetRepo,
		payout, outboxRepo, cfg.Ledger.WithholdingRateBps, cfg.Dividend.Workers, logger)
	governanceService := service.NewGovernanceService(governanceRepo, ledgerRepo, assetRepo, logger)

	server := api.NewServer(&api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}, ledgerService, orderBookService, dividendService, governanceService, analytics, logger)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("API server failed")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
