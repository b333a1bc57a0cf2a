package service

import (
	"context"
	"math"
	"sort"
	"time"

	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/logging"
	"github.com/estate-ledger/internal/models"
	"github.com/estate-ledger/internal/types"
)

// ListingStore is the listing persistence surface.
type ListingStore interface {
	Create(ctx context.Context, listing *models.Listing) error
	GetByID(ctx context.Context, id string) (*models.Listing, error)
	ListActiveByAsset(ctx context.Context, assetID string) ([]*models.Listing, error)
	Cancel(ctx context.Context, id, sellerID string) (*models.Listing, error)
}

// DepthCacheStore caches aggregated depth snapshots.
type DepthCacheStore interface {
	Get(ctx context.Context, assetID string) (*types.DepthSnapshot, error)
	Set(ctx context.Context, snapshot *types.DepthSnapshot) error
	Invalidate(ctx context.Context, assetID string)
}

// HoldingReader is the slice of the ledger the order book needs: enough to
// check that a seller actually owns what they list.
type HoldingReader interface {
	GetHolding(ctx context.Context, assetID, holderID string) (*models.Holding, error)
}

// OrderBookService aggregates active listings into depth snapshots and
// simulates executions against them. The book is a read model; it never
// matches or mutates listings.
type OrderBookService struct {
	listings ListingStore
	holdings HoldingReader
	cache    DepthCacheStore
	logger   *logging.Logger
}

// NewOrderBookService creates a new order book service
func NewOrderBookService(listings ListingStore, holdings HoldingReader, cache DepthCacheStore, logger *logging.Logger) *OrderBookService {
	return &OrderBookService{
		listings: listings,
		holdings: holdings,
		cache:    cache,
		logger:   logger.WithField("component", "orderbook_service"),
	}
}

// CreateListingParams describes a new listing.
type CreateListingParams struct {
	AssetID       string
	SellerID      string
	Side          types.ListingSide
	Amount        int64
	PricePerToken int64
}

// CreateListing places a resting order. Sell listings require the seller to
// hold at least the listed amount at placement time; the check is advisory
// since balances can move before the listing trades.
func (s *OrderBookService) CreateListing(ctx context.Context, p CreateListingParams) (*models.Listing, error) {
	if p.Amount <= 0 {
		return nil, apperrors.NewValidationError("amount", "must be positive")
	}
	if p.PricePerToken <= 0 {
		return nil, apperrors.NewValidationError("pricePerToken", "must be positive")
	}
	if p.Side == "" {
		p.Side = types.SideSell
	}
	if p.Side != types.SideSell && p.Side != types.SideBuy {
		return nil, apperrors.NewValidationError("side", "must be sell or buy")
	}

	if p.Side == types.SideSell {
		holding, err := s.holdings.GetHolding(ctx, p.AssetID, p.SellerID)
		if err != nil {
			if apperrors.IsCode(err, apperrors.CodeNotFound) {
				return nil, apperrors.NewInsufficientBalanceError(p.SellerID, 0, p.Amount)
			}
			return nil, err
		}
		if holding.Tokens < p.Amount {
			return nil, apperrors.NewInsufficientBalanceError(p.SellerID, holding.Tokens, p.Amount)
		}
	}

	listing := &models.Listing{
		AssetID:       p.AssetID,
		SellerID:      p.SellerID,
		Side:          p.Side,
		Amount:        p.Amount,
		PricePerToken: p.PricePerToken,
		Status:        types.ListingActive,
	}
	if err := s.listings.Create(ctx, listing); err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, p.AssetID)
	return listing, nil
}

// CancelListing withdraws a listing. Only the owner may cancel.
func (s *OrderBookService) CancelListing(ctx context.Context, id, sellerID string) (*models.Listing, error) {
	listing, err := s.listings.Cancel(ctx, id, sellerID)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, listing.AssetID)
	return listing, nil
}

// GetListing returns one listing
func (s *OrderBookService) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	return s.listings.GetByID(ctx, id)
}

// Depth returns the aggregated book for an asset, from cache when fresh.
func (s *OrderBookService) Depth(ctx context.Context, assetID string) (*types.DepthSnapshot, error) {
	if cached, err := s.cache.Get(ctx, assetID); err == nil && cached != nil {
		return cached, nil
	}

	listings, err := s.listings.ListActiveByAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}

	snapshot := Aggregate(assetID, listings)
	if err := s.cache.Set(ctx, snapshot); err != nil {
		s.logger.WithError(err).WithField("assetId", assetID).Debug("Depth snapshot not cached")
	}

	return snapshot, nil
}

// SimulateExecution estimates the outcome of a hypothetical market order of
// the given size against the current book, without touching any listing.
func (s *OrderBookService) SimulateExecution(ctx context.Context, assetID string, side types.ListingSide, quantity int64) (*types.ExecutionEstimate, error) {
	if quantity <= 0 {
		return nil, apperrors.NewValidationError("quantity", "must be positive")
	}
	if side != types.SideSell && side != types.SideBuy {
		return nil, apperrors.NewValidationError("side", "must be sell or buy")
	}

	snapshot, err := s.Depth(ctx, assetID)
	if err != nil {
		return nil, err
	}

	return Simulate(snapshot, side, quantity)
}

// Aggregate groups active listings into exact-price levels. Asks sort
// ascending and bids descending, so index zero is always the best level.
// Prices are never bucketed; two listings share a level only at the exact
// same price.
func Aggregate(assetID string, listings []*models.Listing) *types.DepthSnapshot {
	askLevels := make(map[int64]*types.PriceLevel)
	bidLevels := make(map[int64]*types.PriceLevel)

	for _, l := range listings {
		if l.Status != types.ListingActive || l.Amount <= 0 {
			continue
		}
		levels := askLevels
		if l.Side == types.SideBuy {
			levels = bidLevels
		}
		lvl, ok := levels[l.PricePerToken]
		if !ok {
			lvl = &types.PriceLevel{Price: l.PricePerToken}
			levels[l.PricePerToken] = lvl
		}
		lvl.Quantity += l.Amount
		lvl.OrderCount++
	}

	asks := flatten(askLevels)
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	bids := flatten(bidLevels)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })

	snapshot := &types.DepthSnapshot{
		AssetID:     assetID,
		Asks:        asks,
		Bids:        bids,
		GeneratedAt: time.Now().UTC(),
	}
	if len(asks) > 0 {
		snapshot.BestAsk = asks[0].Price
	}
	if len(bids) > 0 {
		snapshot.BestBid = bids[0].Price
	}
	if len(asks) > 0 && len(bids) > 0 {
		snapshot.Spread = snapshot.BestAsk - snapshot.BestBid
		snapshot.MidPrice = float64(snapshot.BestAsk+snapshot.BestBid) / 2
	}

	return snapshot
}

func flatten(levels map[int64]*types.PriceLevel) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, *lvl)
	}
	return out
}

// Simulate walks the opposing side of the book best-price-first until the
// requested quantity is filled. Insufficient liquidity is an error carrying
// the total available quantity.
func Simulate(snapshot *types.DepthSnapshot, side types.ListingSide, quantity int64) (*types.ExecutionEstimate, error) {
	// A buy consumes asks, a sell consumes bids.
	book := snapshot.Asks
	if side == types.SideSell {
		book = snapshot.Bids
	}

	var available int64
	for _, lvl := range book {
		available += lvl.Quantity
	}
	if available < quantity {
		return nil, apperrors.NewNotEnoughLiquidityError(snapshot.AssetID, quantity, available)
	}

	var (
		remaining = quantity
		totalCost int64
		levels    int
	)
	for _, lvl := range book {
		if remaining == 0 {
			break
		}
		take := lvl.Quantity
		if take > remaining {
			take = remaining
		}
		totalCost += take * lvl.Price
		remaining -= take
		levels++
	}

	avgPrice := float64(totalCost) / float64(quantity)

	// Impact is measured against the mid price when both sides exist,
	// otherwise against the best level on the consumed side.
	reference := snapshot.MidPrice
	if reference == 0 && len(book) > 0 {
		reference = float64(book[0].Price)
	}
	var impact float64
	if reference > 0 {
		impact = math.Abs(avgPrice-reference) / reference * 100
	}

	return &types.ExecutionEstimate{
		Side:           side,
		Quantity:       quantity,
		AvgPrice:       avgPrice,
		TotalCost:      totalCost,
		PriceImpactPct: impact,
		LevelsConsumed: levels,
	}, nil
}
