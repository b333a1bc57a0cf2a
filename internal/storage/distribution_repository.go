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

// DistributionRepository handles revenue distributions and their payments.
type DistributionRepository struct {
	db *PostgresDB
}

// NewDistributionRepository creates a new distribution repository
func NewDistributionRepository(db *PostgresDB) *DistributionRepository {
	return &DistributionRepository{db: db}
}

// stampDistribution fills the server-assigned fields of a run and its
// payments before insert: ids, the processing/pending statuses and the
// creation timestamps. Payment rows are linked to the run id here.
func stampDistribution(dist *models.RevenueDistribution, payments []*models.DividendPayment) {
	now := time.Now().UTC()
	if dist.ID == "" {
		dist.ID = uuid.New().String()
	}
	dist.Status = types.DistributionProcessing
	dist.CreatedAt = now

	for _, p := range payments {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		p.DistributionID = dist.ID
		p.Status = types.PaymentPending
		p.CreatedAt = now
		p.UpdatedAt = now
	}
}

// CreateWithPayments persists one distribution run and all of its payments in
// a single transaction. Ids, statuses and timestamps are assigned here; every
// payment row exists, in pending status, before the first payout attempt is
// made.
func (r *DistributionRepository) CreateWithPayments(ctx context.Context, dist *models.RevenueDistribution, payments []*models.DividendPayment) error {
	stampDistribution(dist, payments)

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return apperrors.NewDatabaseError("begin create distribution", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck // no-op after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO revenue_distributions
			(id, asset_id, total_revenue, withholding_rate_bps, status, success_count, failure_count, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, $6)
	`,
		dist.ID,
		dist.AssetID,
		dist.TotalRevenue,
		dist.WithholdingRateBps,
		dist.Status,
		dist.CreatedAt,
	)
	if err != nil {
		return apperrors.NewDatabaseError("insert distribution", err)
	}

	for _, p := range payments {
		_, err = tx.Exec(ctx, `
			INSERT INTO dividend_payments
				(id, distribution_id, recipient_id, gross, withholding, net, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			p.ID,
			p.DistributionID,
			p.RecipientID,
			p.Gross,
			p.Withholding,
			p.Net,
			p.Status,
			p.CreatedAt,
			p.UpdatedAt,
		)
		if err != nil {
			return apperrors.NewDatabaseError("insert dividend payment", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewDatabaseError("commit create distribution", err)
	}

	return nil
}

// GetByID retrieves a distribution by id
func (r *DistributionRepository) GetByID(ctx context.Context, id string) (*models.RevenueDistribution, error) {
	var d models.RevenueDistribution
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, asset_id, total_revenue, withholding_rate_bps, status, success_count, failure_count, created_at, completed_at
		FROM revenue_distributions WHERE id = $1
	`, id).Scan(
		&d.ID, &d.AssetID, &d.TotalRevenue, &d.WithholdingRateBps,
		&d.Status, &d.SuccessCount, &d.FailureCount, &d.CreatedAt, &d.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("distribution", id)
		}
		return nil, apperrors.NewDatabaseError("get distribution", err)
	}
	return &d, nil
}

// Finalize records the terminal status and outcome counts of a run.
func (r *DistributionRepository) Finalize(ctx context.Context, id string, status types.DistributionStatus, successCount, failureCount int) error {
	now := time.Now().UTC()
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE revenue_distributions
		SET status = $2, success_count = $3, failure_count = $4, completed_at = $5
		WHERE id = $1 AND status = 'processing'
	`, id, status, successCount, failureCount, now)
	if err != nil {
		return apperrors.NewDatabaseError("finalize distribution", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewConflictError("distribution is not processing: " + id)
	}
	return nil
}

// RecordRecoveredPayment moves one payment from the failure column to the
// success column after a retry lands. A run that ended failed becomes
// completed, since it now has at least one paid payment.
func (r *DistributionRepository) RecordRecoveredPayment(ctx context.Context, id string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE revenue_distributions
		SET status = 'completed',
		    success_count = success_count + 1,
		    failure_count = GREATEST(failure_count - 1, 0)
		WHERE id = $1 AND status IN ('completed', 'failed')
	`, id)
	if err != nil {
		return apperrors.NewDatabaseError("record recovered payment", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("distribution", id)
	}
	return nil
}

const paymentColumns = `id, distribution_id, recipient_id, gross, withholding, net, status, external_ref, failure_reason, created_at, updated_at`

func scanPayment(row pgx.Row) (*models.DividendPayment, error) {
	var p models.DividendPayment
	err := row.Scan(
		&p.ID, &p.DistributionID, &p.RecipientID, &p.Gross, &p.Withholding, &p.Net,
		&p.Status, &p.ExternalRef, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPayment retrieves a payment by id
func (r *DistributionRepository) GetPayment(ctx context.Context, id string) (*models.DividendPayment, error) {
	p, err := scanPayment(r.db.Pool().QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM dividend_payments WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("payment", id)
		}
		return nil, apperrors.NewDatabaseError("get payment", err)
	}
	return p, nil
}

// ListPayments returns all payments of a distribution
func (r *DistributionRepository) ListPayments(ctx context.Context, distributionID string) ([]*models.DividendPayment, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+paymentColumns+` FROM dividend_payments WHERE distribution_id = $1 ORDER BY recipient_id`,
		distributionID,
	)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list payments", err)
	}
	defer rows.Close()

	var payments []*models.DividendPayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan payment", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate payments", err)
	}

	return payments, nil
}

// MarkPaymentPaid transitions a payment to paid with its payout reference.
func (r *DistributionRepository) MarkPaymentPaid(ctx context.Context, id, externalRef string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE dividend_payments SET status = 'paid', external_ref = $2, failure_reason = NULL, updated_at = $3
		WHERE id = $1
	`, id, externalRef, time.Now().UTC())
	if err != nil {
		return apperrors.NewDatabaseError("mark payment paid", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("payment", id)
	}
	return nil
}

// MarkPaymentFailed records a failed payout attempt with its reason.
func (r *DistributionRepository) MarkPaymentFailed(ctx context.Context, id, reason string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE dividend_payments SET status = 'failed', failure_reason = $2, updated_at = $3
		WHERE id = $1
	`, id, reason, time.Now().UTC())
	if err != nil {
		return apperrors.NewDatabaseError("mark payment failed", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("payment", id)
	}
	return nil
}
