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

// LedgerRepository implements the balance-mutating operations of the ledger.
//
// Every mutation (mint, transfer, burn) runs in a single Postgres transaction
// that first locks the asset row with SELECT ... FOR UPDATE. The asset row
// lock serializes concurrent mutations per asset, so the supply and balance
// invariants can never be observed violated, even transiently, while
// unrelated assets proceed in parallel. There is deliberately no process-wide
// mutex anywhere in this path.
// Transfers enqueue the recipient's notification through the outbox inside
// the same transaction, so the notification exists iff the balance change
// committed. A nil outbox disables the notification.
type LedgerRepository struct {
	db     *PostgresDB
	outbox *OutboxRepository
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *PostgresDB, outbox *OutboxRepository) *LedgerRepository {
	return &LedgerRepository{db: db, outbox: outbox}
}

// MintParams describes a mint request
type MintParams struct {
	AssetID       string
	ActorID       string // must be the asset's issuer
	To            string
	Amount        int64
	PricePerToken int64
}

// TransferParams describes a transfer request
type TransferParams struct {
	AssetID       string
	From          string
	To            string
	Amount        int64
	PricePerToken int64
}

// BurnParams describes a burn request
type BurnParams struct {
	AssetID string
	From    string
	Amount  int64
}

// lockedAsset is the asset state read under the row lock.
type lockedAsset struct {
	IssuerID      string
	TotalSupply   int64
	Minted        int64
	PricePerToken int64
	Status        types.AssetStatus
}

func lockAsset(ctx context.Context, tx pgx.Tx, assetID string) (*lockedAsset, error) {
	var a lockedAsset
	err := tx.QueryRow(ctx,
		`SELECT issuer_id, total_supply, minted, price_per_token, status
		 FROM assets WHERE id = $1 FOR UPDATE`,
		assetID,
	).Scan(&a.IssuerID, &a.TotalSupply, &a.Minted, &a.PricePerToken, &a.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("asset", assetID)
		}
		return nil, apperrors.NewDatabaseError("lock asset", err)
	}
	return &a, nil
}

func mutable(status types.AssetStatus) bool {
	switch status {
	case types.AssetDraft, types.AssetMinted, types.AssetActive:
		return true
	default:
		return false
	}
}

// creditHolding increments (or creates) a holding's balance and cost basis.
func creditHolding(ctx context.Context, tx pgx.Tx, assetID, holderID string, tokens, costDelta int64, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO holdings (asset_id, holder_id, tokens, cost_basis, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (asset_id, holder_id) DO UPDATE
		SET tokens = holdings.tokens + EXCLUDED.tokens,
		    cost_basis = holdings.cost_basis + EXCLUDED.cost_basis,
		    updated_at = EXCLUDED.updated_at
	`, assetID, holderID, tokens, costDelta, now)
	if err != nil {
		return apperrors.NewDatabaseError("credit holding", err)
	}
	return nil
}

// debitHolding checks and decrements a holding. The caller holds the asset
// row lock, so the read-check-write sequence cannot race another mutation of
// the same asset. Rows are kept at zero balance rather than deleted.
func debitHolding(ctx context.Context, tx pgx.Tx, assetID, holderID string, tokens int64, now time.Time) (costReduction int64, err error) {
	var have, costBasis int64
	err = tx.QueryRow(ctx,
		`SELECT tokens, cost_basis FROM holdings WHERE asset_id = $1 AND holder_id = $2`,
		assetID, holderID,
	).Scan(&have, &costBasis)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.NewNotFoundError("holding", holderID)
		}
		return 0, apperrors.NewDatabaseError("read holding", err)
	}

	if have < tokens {
		return 0, apperrors.NewInsufficientBalanceError(holderID, have, tokens)
	}

	// Cost basis unwinds at the holder's average cost.
	costReduction = costBasis * tokens / have

	_, err = tx.Exec(ctx, `
		UPDATE holdings
		SET tokens = tokens - $3, cost_basis = cost_basis - $4, updated_at = $5
		WHERE asset_id = $1 AND holder_id = $2
	`, assetID, holderID, tokens, costReduction, now)
	if err != nil {
		return 0, apperrors.NewDatabaseError("debit holding", err)
	}

	return costReduction, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, record *models.Transaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions
			(id, asset_id, type, from_holder, to_holder, amount, price_per_token, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)
	`,
		record.ID,
		record.AssetID,
		record.Type,
		record.From,
		record.To,
		record.Amount,
		record.PricePerToken,
		record.Status,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return apperrors.NewDatabaseError("insert transaction", err)
	}
	return nil
}

// Mint issues new tokens to a holder. Only the asset's issuer may mint, and
// net minted can never exceed the asset's total supply. The holding credit,
// the minted counter and the pending transaction record commit atomically.
func (r *LedgerRepository) Mint(ctx context.Context, p MintParams) (*models.Transaction, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("begin mint", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck // no-op after commit

	asset, err := lockAsset(ctx, tx, p.AssetID)
	if err != nil {
		return nil, err
	}

	if asset.IssuerID != p.ActorID {
		return nil, apperrors.NewUnauthorizedError("only the asset issuer can mint tokens")
	}
	if !mutable(asset.Status) {
		return nil, apperrors.NewConflictError("asset is not open for ledger operations: " + string(asset.Status))
	}
	if asset.Minted+p.Amount > asset.TotalSupply {
		return nil, apperrors.NewSupplyExceededError(p.AssetID, asset.Minted, p.Amount, asset.TotalSupply)
	}

	now := time.Now().UTC()

	if err := creditHolding(ctx, tx, p.AssetID, p.To, p.Amount, p.Amount*p.PricePerToken, now); err != nil {
		return nil, err
	}

	// A first mint moves the asset out of draft.
	_, err = tx.Exec(ctx, `
		UPDATE assets SET minted = minted + $2,
		       status = CASE WHEN status = 'draft' THEN 'minted' ELSE status END,
		       updated_at = $3
		WHERE id = $1
	`, p.AssetID, p.Amount, now)
	if err != nil {
		return nil, apperrors.NewDatabaseError("update minted supply", err)
	}

	record := &models.Transaction{
		ID:            uuid.New().String(),
		AssetID:       p.AssetID,
		Type:          types.TxMint,
		To:            &p.To,
		Amount:        p.Amount,
		PricePerToken: p.PricePerToken,
		Status:        types.TxPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := insertTransaction(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.NewDatabaseError("commit mint", err)
	}

	return record, nil
}

// Transfer moves tokens between two holders. Both balance changes and the
// pending transaction record commit together or not at all.
func (r *LedgerRepository) Transfer(ctx context.Context, p TransferParams) (*models.Transaction, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("begin transfer", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck // no-op after commit

	asset, err := lockAsset(ctx, tx, p.AssetID)
	if err != nil {
		return nil, err
	}
	if !mutable(asset.Status) {
		return nil, apperrors.NewConflictError("asset is not open for ledger operations: " + string(asset.Status))
	}

	now := time.Now().UTC()

	if _, err := debitHolding(ctx, tx, p.AssetID, p.From, p.Amount, now); err != nil {
		return nil, err
	}
	if err := creditHolding(ctx, tx, p.AssetID, p.To, p.Amount, p.Amount*p.PricePerToken, now); err != nil {
		return nil, err
	}

	record := &models.Transaction{
		ID:            uuid.New().String(),
		AssetID:       p.AssetID,
		Type:          types.TxTransfer,
		From:          &p.From,
		To:            &p.To,
		Amount:        p.Amount,
		PricePerToken: p.PricePerToken,
		Status:        types.TxPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := insertTransaction(ctx, tx, record); err != nil {
		return nil, err
	}

	if r.outbox != nil {
		err := r.outbox.EnqueueTx(ctx, tx, &models.Notification{
			DedupeKey: "transfer_received:" + record.ID,
			UserID:    p.To,
			Type:      "transfer_received",
			Title:     "Incoming transfer",
			Message:   "A token transfer to your account has been recorded and is awaiting settlement.",
		})
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.NewDatabaseError("commit transfer", err)
	}

	return record, nil
}

// Burn removes tokens from a holder and reduces net minted supply.
func (r *LedgerRepository) Burn(ctx context.Context, p BurnParams) (*models.Transaction, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("begin burn", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck // no-op after commit

	asset, err := lockAsset(ctx, tx, p.AssetID)
	if err != nil {
		return nil, err
	}
	if !mutable(asset.Status) {
		return nil, apperrors.NewConflictError("asset is not open for ledger operations: " + string(asset.Status))
	}

	now := time.Now().UTC()

	if _, err := debitHolding(ctx, tx, p.AssetID, p.From, p.Amount, now); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE assets SET minted = minted - $2, updated_at = $3 WHERE id = $1`,
		p.AssetID, p.Amount, now,
	)
	if err != nil {
		return nil, apperrors.NewDatabaseError("update minted supply", err)
	}

	record := &models.Transaction{
		ID:            uuid.New().String(),
		AssetID:       p.AssetID,
		Type:          types.TxBurn,
		From:          &p.From,
		Amount:        p.Amount,
		PricePerToken: asset.PricePerToken,
		Status:        types.TxPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := insertTransaction(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.NewDatabaseError("commit burn", err)
	}

	return record, nil
}

// GetHolding retrieves one holder's balance in one asset
func (r *LedgerRepository) GetHolding(ctx context.Context, assetID, holderID string) (*models.Holding, error) {
	var h models.Holding
	err := r.db.Pool().QueryRow(ctx,
		`SELECT asset_id, holder_id, tokens, cost_basis, updated_at
		 FROM holdings WHERE asset_id = $1 AND holder_id = $2`,
		assetID, holderID,
	).Scan(&h.AssetID, &h.HolderID, &h.Tokens, &h.CostBasis, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("holding", holderID)
		}
		return nil, apperrors.NewDatabaseError("get holding", err)
	}
	return &h, nil
}

// ListHoldings returns all holdings for an asset, including zero rows.
func (r *LedgerRepository) ListHoldings(ctx context.Context, assetID string) ([]*models.Holding, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT asset_id, holder_id, tokens, cost_basis, updated_at
		 FROM holdings WHERE asset_id = $1 ORDER BY holder_id`,
		assetID,
	)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list holdings", err)
	}
	defer rows.Close()

	var holdings []*models.Holding
	for rows.Next() {
		var h models.Holding
		if err := rows.Scan(&h.AssetID, &h.HolderID, &h.Tokens, &h.CostBasis, &h.UpdatedAt); err != nil {
			return nil, apperrors.NewDatabaseError("scan holding", err)
		}
		holdings = append(holdings, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate holdings", err)
	}

	return holdings, nil
}

const transactionColumns = `id, asset_id, type, from_holder, to_holder, amount, price_per_token, status, external_ref, retry_count, failure_reason, created_at, updated_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(
		&t.ID,
		&t.AssetID,
		&t.Type,
		&t.From,
		&t.To,
		&t.Amount,
		&t.PricePerToken,
		&t.Status,
		&t.ExternalRef,
		&t.RetryCount,
		&t.FailureReason,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTransaction retrieves a ledger transaction by id
func (r *LedgerRepository) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	t, err := scanTransaction(r.db.Pool().QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("transaction", id)
		}
		return nil, apperrors.NewDatabaseError("get transaction", err)
	}
	return t, nil
}

// ListPendingTransactions returns pending transactions, oldest first, for the
// transaction monitor.
func (r *LedgerRepository) ListPendingTransactions(ctx context.Context, limit int) ([]*models.Transaction, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list pending transactions", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan transaction", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate transactions", err)
	}

	return out, nil
}

// MarkSubmitted records the settlement network reference after submission.
func (r *LedgerRepository) MarkSubmitted(ctx context.Context, txID, externalRef string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE transactions SET external_ref = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'
	`, txID, externalRef, time.Now().UTC())
	if err != nil {
		return apperrors.NewDatabaseError("mark transaction submitted", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewConflictError("transaction is not pending: " + txID)
	}
	return nil
}

// ConfirmTransaction transitions pending -> confirmed. Returns false when the
// record was already terminal, which makes repeated confirmations harmless:
// the balance effects were applied exactly once, at creation time.
func (r *LedgerRepository) ConfirmTransaction(ctx context.Context, txID string) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE transactions SET status = 'confirmed', updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, txID, time.Now().UTC())
	if err != nil {
		return false, apperrors.NewDatabaseError("confirm transaction", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailTransaction transitions pending -> failed with a reason. Returns false
// when the record was already terminal.
func (r *LedgerRepository) FailTransaction(ctx context.Context, txID, reason string) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE transactions SET status = 'failed', failure_reason = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'
	`, txID, reason, time.Now().UTC())
	if err != nil {
		return false, apperrors.NewDatabaseError("fail transaction", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReopenTransaction implements explicit retry: failed -> pending with
// retry_count incremented and the stale external ref cleared. The recorded
// balance effects are untouched; only the settlement attempt restarts.
func (r *LedgerRepository) ReopenTransaction(ctx context.Context, txID string) (*models.Transaction, error) {
	t, err := scanTransaction(r.db.Pool().QueryRow(ctx, `
		UPDATE transactions
		SET status = 'pending', external_ref = NULL, failure_reason = NULL,
		    retry_count = retry_count + 1, updated_at = $2
		WHERE id = $1 AND status = 'failed'
		RETURNING `+transactionColumns,
		txID, time.Now().UTC(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewConflictError("transaction is not failed, nothing to retry: " + txID)
		}
		return nil, apperrors.NewDatabaseError("reopen transaction", err)
	}
	return t, nil
}
