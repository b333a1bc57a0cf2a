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

// AssetRepository handles tokenized asset persistence
type AssetRepository struct {
	db *PostgresDB
}

// NewAssetRepository creates a new asset repository
func NewAssetRepository(db *PostgresDB) *AssetRepository {
	return &AssetRepository{db: db}
}

// Create persists a new asset in draft status
func (r *AssetRepository) Create(ctx context.Context, asset *models.Asset) error {
	if asset.ID == "" {
		asset.ID = uuid.New().String()
	}
	if asset.Status == "" {
		asset.Status = types.AssetDraft
	}

	now := time.Now().UTC()
	asset.CreatedAt = now
	asset.UpdatedAt = now

	query := `
		INSERT INTO assets (id, name, issuer_id, total_supply, minted, price_per_token, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		asset.ID,
		asset.Name,
		asset.IssuerID,
		asset.TotalSupply,
		asset.PricePerToken,
		asset.Status,
		asset.CreatedAt,
		asset.UpdatedAt,
	)
	if err != nil {
		return apperrors.NewDatabaseError("create asset", err)
	}

	return nil
}

// GetByID retrieves an asset by id
func (r *AssetRepository) GetByID(ctx context.Context, id string) (*models.Asset, error) {
	query := `
		SELECT id, name, issuer_id, total_supply, minted, price_per_token, status, created_at, updated_at
		FROM assets
		WHERE id = $1
	`

	var asset models.Asset
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&asset.ID,
		&asset.Name,
		&asset.IssuerID,
		&asset.TotalSupply,
		&asset.Minted,
		&asset.PricePerToken,
		&asset.Status,
		&asset.CreatedAt,
		&asset.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("asset", id)
		}
		return nil, apperrors.NewDatabaseError("get asset", err)
	}

	return &asset, nil
}

// UpdateStatus transitions an asset's lifecycle status. Assets are never
// deleted; retirement is the final transition.
func (r *AssetRepository) UpdateStatus(ctx context.Context, id string, status types.AssetStatus) error {
	tag, err := r.db.Pool().Exec(ctx,
		`UPDATE assets SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC(),
	)
	if err != nil {
		return apperrors.NewDatabaseError("update asset status", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("asset", id)
	}
	return nil
}

// List returns all assets, newest first
func (r *AssetRepository) List(ctx context.Context) ([]*models.Asset, error) {
	query := `
		SELECT id, name, issuer_id, total_supply, minted, price_per_token, status, created_at, updated_at
		FROM assets
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list assets", err)
	}
	defer rows.Close()

	var assets []*models.Asset
	for rows.Next() {
		var asset models.Asset
		if err := rows.Scan(
			&asset.ID,
			&asset.Name,
			&asset.IssuerID,
			&asset.TotalSupply,
			&asset.Minted,
			&asset.PricePerToken,
			&asset.Status,
			&asset.CreatedAt,
			&asset.UpdatedAt,
		); err != nil {
			return nil, apperrors.NewDatabaseError("scan asset", err)
		}
		assets = append(assets, &asset)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate assets", err)
	}

	return assets, nil
}
