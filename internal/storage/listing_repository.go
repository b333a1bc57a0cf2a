package storage

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/models"
	"github.com/estate-ledger/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ListingRepository handles resting order persistence. Listings are plain
// CRUD rows; the order book aggregator reads them and the create/cancel path
// only has to invalidate the depth read model.
type ListingRepository struct {
	db *PostgresDB
}

// NewListingRepository creates a new listing repository
func NewListingRepository(db *PostgresDB) *ListingRepository {
	return &ListingRepository{db: db}
}

// Create persists a new active listing
func (r *ListingRepository) Create(ctx context.Context, listing *models.Listing) error {
	if listing.ID == "" {
		listing.ID = uuid.New().String()
	}
	if listing.Side == "" {
		listing.Side = types.SideSell
	}
	listing.Status = types.ListingActive

	now := time.Now().UTC()
	listing.CreatedAt = now
	listing.UpdatedAt = now

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO listings (id, asset_id, seller_id, side, amount, price_per_token, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		listing.ID,
		listing.AssetID,
		listing.SellerID,
		listing.Side,
		listing.Amount,
		listing.PricePerToken,
		listing.Status,
		listing.CreatedAt,
		listing.UpdatedAt,
	)
	if err != nil {
		return apperrors.NewDatabaseError("create listing", err)
	}

	return nil
}

// GetByID retrieves a listing by id
func (r *ListingRepository) GetByID(ctx context.Context, id string) (*models.Listing, error) {
	var l models.Listing
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, asset_id, seller_id, side, amount, price_per_token, status, created_at, updated_at
		FROM listings WHERE id = $1
	`, id).Scan(
		&l.ID, &l.AssetID, &l.SellerID, &l.Side, &l.Amount,
		&l.PricePerToken, &l.Status, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("listing", id)
		}
		return nil, apperrors.NewDatabaseError("get listing", err)
	}
	return &l, nil
}

// ListActiveByAsset returns all active listings for an asset
func (r *ListingRepository) ListActiveByAsset(ctx context.Context, assetID string) ([]*models.Listing, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, asset_id, seller_id, side, amount, price_per_token, status, created_at, updated_at
		FROM listings WHERE asset_id = $1 AND status = 'active'
		ORDER BY created_at ASC
	`, assetID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list active listings", err)
	}
	defer rows.Close()

	var listings []*models.Listing
	for rows.Next() {
		var l models.Listing
		if err := rows.Scan(
			&l.ID, &l.AssetID, &l.SellerID, &l.Side, &l.Amount,
			&l.PricePerToken, &l.Status, &l.CreatedAt, &l.UpdatedAt,
		); err != nil {
			return nil, apperrors.NewDatabaseError("scan listing", err)
		}
		listings = append(listings, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate listings", err)
	}

	return listings, nil
}

// Cancel withdraws an active listing. Only the seller who created the
// listing may cancel it.
func (r *ListingRepository) Cancel(ctx context.Context, id, sellerID string) (*models.Listing, error) {
	var l models.Listing
	err := r.db.Pool().QueryRow(ctx, `
		UPDATE listings SET status = 'cancelled', updated_at = $3
		WHERE id = $1 AND seller_id = $2 AND status = 'active'
		RETURNING id, asset_id, seller_id, side, amount, price_per_token, status, created_at, updated_at
	`, id, sellerID, time.Now().UTC()).Scan(
		&l.ID, &l.AssetID, &l.SellerID, &l.Side, &l.Amount,
		&l.PricePerToken, &l.Status, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewConflictError("listing is not active or not owned by caller: " + id)
		}
		return nil, apperrors.NewDatabaseError("cancel listing", err)
	}
	return &l, nil
}
