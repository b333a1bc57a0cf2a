// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/estate-ledger/internal/logging"
	"github.com/estate-ledger/internal/models"
	"github.com/estate-ledger/internal/service"
	"github.com/estate-ledger/internal/types"
	"github.com/gorilla/mux"
)

// Service interfaces for dependency injection and testing

// LedgerServiceInterface defines the ledger operations exposed over HTTP
type LedgerServiceInterface interface {
	CreateAsset(ctx context.Context, p service.CreateAssetParams) (*models.Asset, error)
	GetAsset(ctx context.Context, id string) (*models.Asset, error)
	ListAssets(ctx context.Context) ([]*models.Asset, error)
	Mint(ctx context.Context, assetID, actorID, to string, amount int64) (*models.Transaction, error)
	Transfer(ctx context.Context, assetID, from, to string, amount, pricePerToken int64) (*models.Transaction, error)
	Burn(ctx context.Context, assetID, from string, amount int64) (*models.Transaction, error)
	GetHolding(ctx context.Context, assetID, holderID string) (*models.Holding, error)
	ListHoldings(ctx context.Context, assetID string) ([]*models.Holding, error)
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	RetryTransaction(ctx context.Context, txID string) (*models.Transaction, error)
}

// OrderBookServiceInterface defines the market operations exposed over HTTP
type OrderBookServiceInterface interface {
	CreateListing(ctx context.Context, p service.CreateListingParams) (*models.Listing, error)
	CancelListing(ctx context.Context, id, sellerID string) (*models.Listing, error)
	GetListing(ctx context.Context, id string) (*models.Listing, error)
	Depth(ctx context.Context, assetID string) (*types.DepthSnapshot, error)
	SimulateExecution(ctx context.Context, assetID string, side types.ListingSide, quantity int64) (*types.ExecutionEstimate, error)
}

// DividendServiceInterface defines the distribution operations exposed over HTTP
type DividendServiceInterface interface {
	Distribute(ctx context.Context, assetID string, totalRevenue int64) (*models.RevenueDistribution, error)
	GetDistribution(ctx context.Context, id string) (*models.RevenueDistribution, []*models.DividendPayment, error)
	RetryPayment(ctx context.Context, paymentID string) (*models.DividendPayment, error)
}

// GovernanceServiceInterface defines the poll operations exposed over HTTP
type GovernanceServiceInterface interface {
	CreatePoll(ctx context.Context, p service.CreatePollParams) (*models.Poll, error)
	GetPoll(ctx context.Context, id string) (*models.Poll, error)
	CastVote(ctx context.Context, pollID, voterID, optionID string) (*models.Vote, error)
	Tally(ctx context.Context, pollID string) (*types.TallyResult, error)
	ClosePoll(ctx context.Context, pollID, actorID string) (*models.Poll, error)
}

// AnalyticsInterface exposes settlement-archive queries. Optional; when the
// archive is not configured the analytics routes are not registered.
type AnalyticsInterface interface {
	SettledVolume(ctx context.Context, assetID string, since time.Time) (int64, error)
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	ledger     LedgerServiceInterface
	orderBook  OrderBookServiceInterface
	dividends  DividendServiceInterface
	governance GovernanceServiceInterface
	analytics  AnalyticsInterface
	config     *ServerConfig
	logger     *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	RequestsPerSecond int
	Burst             int
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	ledger LedgerServiceInterface,
	orderBook OrderBookServiceInterface,
	dividends DividendServiceInterface,
	governance GovernanceServiceInterface,
	analytics AnalyticsInterface,
	logger *logging.Logger,
) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		ledger:     ledger,
		orderBook:  orderBook,
		dividends:  dividends,
		governance: governance,
		analytics:  analytics,
		config:     config,
		logger:     logger.WithField("component", "api"),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// Middleware order matters: log everything, recover before handlers run.
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	readTimeout := s.config.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := s.config.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}
	idleTimeout := s.config.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 60 * time.Second
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Asset and ledger endpoints
	api.HandleFunc("/assets", s.handleCreateAsset).Methods("POST")
	api.HandleFunc("/assets", s.handleListAssets).Methods("GET")
	api.HandleFunc("/assets/{id}", s.handleGetAsset).Methods("GET")
	api.HandleFunc("/assets/{id}/mint", s.handleMint).Methods("POST")
	api.HandleFunc("/assets/{id}/transfer", s.handleTransfer).Methods("POST")
	api.HandleFunc("/assets/{id}/burn", s.handleBurn).Methods("POST")
	api.HandleFunc("/assets/{id}/holdings", s.handleListHoldings).Methods("GET")
	api.HandleFunc("/assets/{id}/holdings/{holderId}", s.handleGetHolding).Methods("GET")
	api.HandleFunc("/transactions/{id}", s.handleGetTransaction).Methods("GET")
	api.HandleFunc("/transactions/{id}/retry", s.handleRetryTransaction).Methods("POST")

	if s.analytics != nil {
		api.HandleFunc("/assets/{id}/settled-volume", s.handleSettledVolume).Methods("GET")
	}

	// Market endpoints
	api.HandleFunc("/listings", s.handleCreateListing).Methods("POST")
	api.HandleFunc("/listings/{id}", s.handleGetListing).Methods("GET")
	api.HandleFunc("/listings/{id}", s.handleCancelListing).Methods("DELETE")
	api.HandleFunc("/assets/{id}/orderbook", s.handleOrderBook).Methods("GET")
	api.HandleFunc("/assets/{id}/simulate", s.handleSimulate).Methods("POST")

	// Dividend endpoints
	api.HandleFunc("/distributions", s.handleCreateDistribution).Methods("POST")
	api.HandleFunc("/distributions/{id}", s.handleGetDistribution).Methods("GET")
	api.HandleFunc("/payments/{id}/retry", s.handleRetryPayment).Methods("POST")

	// Governance endpoints
	api.HandleFunc("/polls", s.handleCreatePoll).Methods("POST")
	api.HandleFunc("/polls/{id}", s.handleGetPoll).Methods("GET")
	api.HandleFunc("/polls/{id}/votes", s.handleCastVote).Methods("POST")
	api.HandleFunc("/polls/{id}/tally", s.handleTally).Methods("GET")
	api.HandleFunc("/polls/{id}/close", s.handleClosePoll).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "estate-ledger",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
