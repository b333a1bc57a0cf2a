// Package worker holds the background loops: the transaction monitor that
// drives pending ledger transactions to a terminal settlement state, and the
// outbox dispatcher that delivers queued notifications.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/estate-ledger/internal/adapter"
	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/logging"
	"github.com/estate-ledger/internal/models"
	"github.com/estate-ledger/internal/retry"
	"github.com/estate-ledger/internal/types"
)

// MonitorLedgerStore is the slice of the ledger the monitor drives.
type MonitorLedgerStore interface {
	ListPendingTransactions(ctx context.Context, limit int) ([]*models.Transaction, error)
	MarkSubmitted(ctx context.Context, txID, externalRef string) error
	ConfirmTransaction(ctx context.Context, txID string) (bool, error)
	FailTransaction(ctx context.Context, txID, reason string) (bool, error)
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
}

// TransactionArchiver records terminal transactions for analytics. Optional;
// a nil archiver disables archiving.
type TransactionArchiver interface {
	ArchiveTransaction(ctx context.Context, txn *models.Transaction) error
}

// DepthInvalidator drops cached depth snapshots when settled transfers
// change the book's backing state.
type DepthInvalidator interface {
	Invalidate(ctx context.Context, assetID string)
}

// NotificationQueue enqueues user notifications.
type NotificationQueue interface {
	Enqueue(ctx context.Context, n *models.Notification) error
}

// TxMonitor polls pending ledger transactions and reconciles them against
// the external settlement network. Unsubmitted transactions are (re)submitted
// on an exponential backoff schedule; submitted ones are checked for a
// terminal status. A poll cycle never crashes the loop; failures are logged
// and retried next tick.
type TxMonitor struct {
	ledger       MonitorLedgerStore
	settlement   adapter.SettlementClient
	archive      TransactionArchiver
	depth        DepthInvalidator
	outbox       NotificationQueue
	pollInterval time.Duration
	batchSize    int
	backoffBase  time.Duration
	backoffMax   time.Duration
	logger       *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// TxMonitorConfig holds configuration for the transaction monitor.
type TxMonitorConfig struct {
	Ledger       MonitorLedgerStore
	Settlement   adapter.SettlementClient
	Archive      TransactionArchiver // optional
	Depth        DepthInvalidator    // optional
	Outbox       NotificationQueue   // optional
	PollInterval time.Duration
	BatchSize    int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Logger       *logging.Logger
}

// NewTxMonitor creates a new transaction monitor
func NewTxMonitor(cfg *TxMonitorConfig) (*TxMonitor, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger store cannot be nil")
	}
	if cfg.Settlement == nil {
		return nil, fmt.Errorf("settlement client cannot be nil")
	}

	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 30 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	backoffBase := cfg.BackoffBase
	if backoffBase == 0 {
		backoffBase = 30 * time.Second
	}
	backoffMax := cfg.BackoffMax
	if backoffMax == 0 {
		backoffMax = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &TxMonitor{
		ledger:       cfg.Ledger,
		settlement:   cfg.Settlement,
		archive:      cfg.Archive,
		depth:        cfg.Depth,
		outbox:       cfg.Outbox,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		backoffBase:  backoffBase,
		backoffMax:   backoffMax,
		logger:       logger.WithField("component", "tx_monitor"),
	}, nil
}

// Start launches the polling loop. The monitor can be restarted after a
// completed Stop; the lifecycle channels belong to one run of the loop.
func (m *TxMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("transaction monitor is already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	m.logger.WithField("pollInterval", m.pollInterval.String()).Info("Transaction monitor starting")

	go m.pollLoop(ctx, stopCh, doneCh)
	return nil
}

// Stop signals the loop and waits for it to drain.
func (m *TxMonitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("transaction monitor is not running")
	}
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		m.logger.Info("Transaction monitor stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	return nil
}

// stopping returns the current run's stop channel; nil before the first
// Start, which never fires in a select.
func (m *TxMonitor) stopping() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCh
}

func (m *TxMonitor) pollLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Transaction monitor context cancelled")
			return
		case <-stopCh:
			return
		case <-ticker.C:
			processed, err := m.Poll(ctx)
			if err != nil {
				m.logger.WithError(err).Warn("Poll cycle failed")
				continue
			}
			if processed > 0 {
				m.logger.WithField("processed", processed).Debug("Poll cycle finished")
			}
		}
	}
}

// Poll runs one reconciliation cycle over the pending batch and returns how
// many transactions changed state.
func (m *TxMonitor) Poll(ctx context.Context) (int, error) {
	pending, err := m.ledger.ListPendingTransactions(ctx, m.batchSize)
	if err != nil {
		return 0, err
	}

	var changed int
	for _, txn := range pending {
		select {
		case <-ctx.Done():
			return changed, ctx.Err()
		case <-m.stopping():
			return changed, nil
		default:
		}

		if txn.ExternalRef == nil {
			if m.resubmit(ctx, txn) {
				changed++
			}
			continue
		}
		if m.checkStatus(ctx, txn) {
			changed++
		}
	}

	return changed, nil
}

// resubmit hands an unsubmitted transaction to the settlement network once
// its backoff window has elapsed.
func (m *TxMonitor) resubmit(ctx context.Context, txn *models.Transaction) bool {
	wait := retry.Backoff(m.backoffBase, m.backoffMax, 2.0, txn.RetryCount+1)
	if time.Since(txn.UpdatedAt) < wait {
		return false
	}

	ref, err := m.settlement.Submit(ctx, txn)
	if err != nil {
		m.logger.WithError(err).WithField("txId", txn.ID).Warn("Settlement resubmission failed")
		return false
	}

	if err := m.ledger.MarkSubmitted(ctx, txn.ID, ref); err != nil {
		// A racing submit already attached a reference; the next status
		// check resolves it.
		if apperrors.IsCode(err, apperrors.CodeConflict) {
			return false
		}
		m.logger.WithError(err).WithField("txId", txn.ID).Error("Failed to record settlement reference")
		return false
	}

	m.logger.WithFields(map[string]interface{}{
		"txId":        txn.ID,
		"externalRef": ref,
	}).Info("Transaction resubmitted for settlement")
	return true
}

// checkStatus queries the settlement network and applies a terminal outcome.
func (m *TxMonitor) checkStatus(ctx context.Context, txn *models.Transaction) bool {
	status, err := m.settlement.QueryStatus(ctx, *txn.ExternalRef)
	if err != nil {
		m.logger.WithError(err).WithField("txId", txn.ID).Warn("Settlement status query failed")
		return false
	}

	switch status {
	case types.SettlementConfirmed:
		applied, err := m.ledger.ConfirmTransaction(ctx, txn.ID)
		if err != nil {
			m.logger.WithError(err).WithField("txId", txn.ID).Error("Failed to confirm transaction")
			return false
		}
		if !applied {
			return false
		}
		txn.Status = types.TxConfirmed
		m.onTerminal(ctx, txn, "transaction_confirmed", "Transaction confirmed",
			"Your transaction has been confirmed by the settlement network.")
		m.logger.WithField("txId", txn.ID).Info("Transaction confirmed")
		return true

	case types.SettlementRejected:
		applied, err := m.ledger.FailTransaction(ctx, txn.ID, "rejected by settlement network")
		if err != nil {
			m.logger.WithError(err).WithField("txId", txn.ID).Error("Failed to mark transaction failed")
			return false
		}
		if !applied {
			return false
		}
		txn.Status = types.TxFailed
		reason := "rejected by settlement network"
		txn.FailureReason = &reason
		m.onTerminal(ctx, txn, "transaction_failed", "Transaction failed",
			"Your transaction was rejected by the settlement network.")
		m.logger.WithField("txId", txn.ID).Warn("Transaction rejected by settlement network")
		return true

	default:
		return false
	}
}

// onTerminal archives the transaction, invalidates the depth read model and
// queues notifications for the counterparties. All best-effort.
func (m *TxMonitor) onTerminal(ctx context.Context, txn *models.Transaction, msgType, title, message string) {
	if m.archive != nil {
		if err := m.archive.ArchiveTransaction(ctx, txn); err != nil {
			m.logger.WithError(err).WithField("txId", txn.ID).Warn("Failed to archive transaction")
		}
	}
	if m.depth != nil {
		m.depth.Invalidate(ctx, txn.AssetID)
	}
	if m.outbox != nil {
		for _, userID := range txn.Counterparties() {
			n := &models.Notification{
				DedupeKey: fmt.Sprintf("%s:%s:%s", msgType, txn.ID, userID),
				UserID:    userID,
				Type:      msgType,
				Title:     title,
				Message:   message,
			}
			if err := m.outbox.Enqueue(ctx, n); err != nil {
				m.logger.WithError(err).WithField("txId", txn.ID).Warn("Failed to enqueue notification")
			}
		}
	}
}
