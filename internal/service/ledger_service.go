// Package service implements the business logic of the estate ledger: token
// issuance and movement, order book aggregation, dividend distribution and
// governance polling. Services depend on narrow repository interfaces so
// tests can substitute in-memory fakes.
package service

import (
	"context"
	"fmt"

	"github.com/estate-ledger/internal/adapter"
	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/logging"
	"github.com/estate-ledger/internal/models"
	"github.com/estate-ledger/internal/storage"
	"github.com/estate-ledger/internal/types"
)

// AssetStore is the asset persistence surface used by the ledger service.
type AssetStore interface {
	Create(ctx context.Context, asset *models.Asset) error
	GetByID(ctx context.Context, id string) (*models.Asset, error)
	UpdateStatus(ctx context.Context, id string, status types.AssetStatus) error
	List(ctx context.Context) ([]*models.Asset, error)
}

// LedgerStore is the balance and transaction persistence surface. All
// balance mutations run under the asset row lock inside the store.
type LedgerStore interface {
	Mint(ctx context.Context, p storage.MintParams) (*models.Transaction, error)
	Transfer(ctx context.Context, p storage.TransferParams) (*models.Transaction, error)
	Burn(ctx context.Context, p storage.BurnParams) (*models.Transaction, error)
	GetHolding(ctx context.Context, assetID, holderID string) (*models.Holding, error)
	ListHoldings(ctx context.Context, assetID string) ([]*models.Holding, error)
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	ListPendingTransactions(ctx context.Context, limit int) ([]*models.Transaction, error)
	MarkSubmitted(ctx context.Context, txID, externalRef string) error
	ConfirmTransaction(ctx context.Context, txID string) (bool, error)
	FailTransaction(ctx context.Context, txID, reason string) (bool, error)
	ReopenTransaction(ctx context.Context, txID string) (*models.Transaction, error)
}

// LedgerService coordinates asset issuance and token movements. Writes are
// committed locally first; settlement submission happens after commit and
// may fail without affecting the ledger, since the transaction monitor
// resubmits anything still pending.
type LedgerService struct {
	assets     AssetStore
	ledger     LedgerStore
	settlement adapter.SettlementClient
	logger     *logging.Logger
}

// NewLedgerService creates a new ledger service
func NewLedgerService(assets AssetStore, ledger LedgerStore, settlement adapter.SettlementClient, logger *logging.Logger) *LedgerService {
	return &LedgerService{
		assets:     assets,
		ledger:     ledger,
		settlement: settlement,
		logger:     logger.WithField("component", "ledger_service"),
	}
}

// CreateAssetParams describes a new asset registration.
type CreateAssetParams struct {
	Name          string
	IssuerID      string
	TotalSupply   int64
	PricePerToken int64
}

// CreateAsset registers a new asset in draft status.
func (s *LedgerService) CreateAsset(ctx context.Context, p CreateAssetParams) (*models.Asset, error) {
	if p.Name == "" {
		return nil, apperrors.NewValidationError("name", "must not be empty")
	}
	if p.IssuerID == "" {
		return nil, apperrors.NewValidationError("issuerId", "must not be empty")
	}
	if p.TotalSupply <= 0 {
		return nil, apperrors.NewValidationError("totalSupply", "must be positive")
	}
	if p.PricePerToken <= 0 {
		return nil, apperrors.NewValidationError("pricePerToken", "must be positive")
	}

	asset := &models.Asset{
		Name:          p.Name,
		IssuerID:      p.IssuerID,
		TotalSupply:   p.TotalSupply,
		PricePerToken: p.PricePerToken,
		Status:        types.AssetDraft,
	}
	if err := s.assets.Create(ctx, asset); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"assetId":  asset.ID,
		"issuerId": asset.IssuerID,
	}).Info("Asset created")

	return asset, nil
}

// GetAsset returns one asset
func (s *LedgerService) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	return s.assets.GetByID(ctx, id)
}

// ListAssets returns all registered assets
func (s *LedgerService) ListAssets(ctx context.Context) ([]*models.Asset, error) {
	return s.assets.List(ctx)
}

// Mint issues new tokens to a holder. Only the asset's issuer may mint, and
// lifetime issuance never exceeds the declared total supply.
func (s *LedgerService) Mint(ctx context.Context, assetID, actorID, to string, amount int64) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, apperrors.NewValidationError("amount", "must be positive")
	}
	if to == "" {
		return nil, apperrors.NewValidationError("to", "must not be empty")
	}

	asset, err := s.assets.GetByID(ctx, assetID)
	if err != nil {
		return nil, err
	}

	txn, err := s.ledger.Mint(ctx, storage.MintParams{
		AssetID:       assetID,
		ActorID:       actorID,
		To:            to,
		Amount:        amount,
		PricePerToken: asset.PricePerToken,
	})
	if err != nil {
		return nil, err
	}

	s.submitForSettlement(ctx, txn)
	return txn, nil
}

// Transfer moves tokens between holders.
func (s *LedgerService) Transfer(ctx context.Context, assetID, from, to string, amount, pricePerToken int64) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, apperrors.NewValidationError("amount", "must be positive")
	}
	if from == "" || to == "" {
		return nil, apperrors.NewValidationError("from/to", "must not be empty")
	}
	if from == to {
		return nil, apperrors.NewValidationError("to", "cannot transfer to self")
	}

	txn, err := s.ledger.Transfer(ctx, storage.TransferParams{
		AssetID:       assetID,
		From:          from,
		To:            to,
		Amount:        amount,
		PricePerToken: pricePerToken,
	})
	if err != nil {
		return nil, err
	}

	s.submitForSettlement(ctx, txn)
	return txn, nil
}

// Burn retires tokens from a holder's balance and shrinks minted supply.
func (s *LedgerService) Burn(ctx context.Context, assetID, from string, amount int64) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, apperrors.NewValidationError("amount", "must be positive")
	}
	if from == "" {
		return nil, apperrors.NewValidationError("from", "must not be empty")
	}

	txn, err := s.ledger.Burn(ctx, storage.BurnParams{
		AssetID: assetID,
		From:    from,
		Amount:  amount,
	})
	if err != nil {
		return nil, err
	}

	s.submitForSettlement(ctx, txn)
	return txn, nil
}

// GetHolding returns one holder's position in an asset.
func (s *LedgerService) GetHolding(ctx context.Context, assetID, holderID string) (*models.Holding, error) {
	return s.ledger.GetHolding(ctx, assetID, holderID)
}

// ListHoldings returns all positions in an asset, including emptied ones.
func (s *LedgerService) ListHoldings(ctx context.Context, assetID string) ([]*models.Holding, error) {
	return s.ledger.ListHoldings(ctx, assetID)
}

// GetTransaction returns one ledger transaction
func (s *LedgerService) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return s.ledger.GetTransaction(ctx, id)
}

// RetryTransaction reopens a failed transaction for another settlement
// attempt. Balances were already applied when the transaction was recorded,
// so only the settlement state resets.
func (s *LedgerService) RetryTransaction(ctx context.Context, txID string) (*models.Transaction, error) {
	txn, err := s.ledger.ReopenTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"txId":       txn.ID,
		"retryCount": txn.RetryCount,
	}).Info("Transaction reopened for settlement retry")

	s.submitForSettlement(ctx, txn)
	return txn, nil
}

// submitForSettlement hands a freshly committed transaction to the external
// collaborator. Failures are logged and left for the monitor to retry; the
// local write already succeeded and must not be rolled back.
func (s *LedgerService) submitForSettlement(ctx context.Context, txn *models.Transaction) {
	if s.settlement == nil {
		return
	}

	ref, err := s.settlement.Submit(ctx, txn)
	if err != nil {
		s.logger.WithError(err).WithField("txId", txn.ID).Warn("Settlement submission failed, monitor will retry")
		return
	}

	if err := s.ledger.MarkSubmitted(ctx, txn.ID, ref); err != nil {
		s.logger.WithError(err).WithField("txId", txn.ID).Warn(
			fmt.Sprintf("Failed to record settlement ref %s", ref))
		return
	}
	txn.ExternalRef = &ref
}
