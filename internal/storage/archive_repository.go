package storage

import (
	"context"
	"time"

	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/models"
)

// ArchiveRepository appends settled transactions to ClickHouse for audit and
// analytics queries. The archive is append-only; the Postgres ledger stays
// the source of truth and archive writes are best-effort from the monitor.
type ArchiveRepository struct {
	db *ClickHouseDB
}

// NewArchiveRepository creates a new settlement archive repository
func NewArchiveRepository(db *ClickHouseDB) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

// ArchiveTransaction records a terminal transaction in the archive.
func (r *ArchiveRepository) ArchiveTransaction(ctx context.Context, txn *models.Transaction) error {
	from := ""
	if txn.From != nil {
		from = *txn.From
	}
	to := ""
	if txn.To != nil {
		to = *txn.To
	}
	ref := ""
	if txn.ExternalRef != nil {
		ref = *txn.ExternalRef
	}
	reason := ""
	if txn.FailureReason != nil {
		reason = *txn.FailureReason
	}

	err := r.db.Conn().Exec(ctx, `
		INSERT INTO settlement_archive
			(tx_id, asset_id, tx_type, from_holder, to_holder, amount,
			 price_per_token, status, external_ref, retry_count, failure_reason,
			 created_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		txn.ID, txn.AssetID, string(txn.Type), from, to, txn.Amount,
		txn.PricePerToken, string(txn.Status), ref, uint32(txn.RetryCount), reason,
		txn.CreatedAt, time.Now().UTC(),
	)
	if err != nil {
		return apperrors.NewDatabaseError("archive transaction", err)
	}
	return nil
}

// SettledVolume sums confirmed transfer volume for an asset over a window.
func (r *ArchiveRepository) SettledVolume(ctx context.Context, assetID string, since time.Time) (int64, error) {
	var volume int64
	err := r.db.Conn().QueryRow(ctx, `
		SELECT toInt64(sum(amount)) FROM settlement_archive
		WHERE asset_id = ? AND tx_type = 'transfer' AND status = 'confirmed' AND settled_at >= ?
	`, assetID, since).Scan(&volume)
	if err != nil {
		return 0, apperrors.NewDatabaseError("query settled volume", err)
	}
	return volume, nil
}
