package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/logging"
	"github.com/estate-ledger/internal/models"
	"github.com/estate-ledger/internal/types"
)

type monitorLedger struct {
	mu  sync.Mutex
	txs map[string]*models.Transaction
}

func newMonitorLedger() *monitorLedger {
	return &monitorLedger{txs: make(map[string]*models.Transaction)}
}

func (m *monitorLedger) add(txn *models.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txn.Status == "" {
		txn.Status = types.TxPending
	}
	m.txs[txn.ID] = txn
}

func (m *monitorLedger) ListPendingTransactions(ctx context.Context, limit int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, t := range m.txs {
		if t.Status == types.TxPending {
			out = append(out, t)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *monitorLedger) MarkSubmitted(ctx context.Context, txID, externalRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txID]
	if !ok {
		return apperrors.NewNotFoundError("transaction", txID)
	}
	if t.Status != types.TxPending {
		return apperrors.NewConflictError("transaction is not pending: " + txID)
	}
	t.ExternalRef = &externalRef
	t.UpdatedAt = time.Now()
	return nil
}

func (m *monitorLedger) ConfirmTransaction(ctx context.Context, txID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txID]
	if !ok {
		return false, apperrors.NewNotFoundError("transaction", txID)
	}
	if t.Status != types.TxPending {
		return false, nil
	}
	t.Status = types.TxConfirmed
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *monitorLedger) FailTransaction(ctx context.Context, txID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txID]
	if !ok {
		return false, apperrors.NewNotFoundError("transaction", txID)
	}
	if t.Status != types.TxPending {
		return false, nil
	}
	t.Status = types.TxFailed
	t.FailureReason = &reason
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *monitorLedger) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txs[id]; ok {
		return t, nil
	}
	return nil, apperrors.NewNotFoundError("transaction", id)
}

type scriptedSettlement struct {
	mu       sync.Mutex
	submits  int
	failNext bool
	statuses map[string]types.SettlementStatus
	queryErr error
}

func newScriptedSettlement() *scriptedSettlement {
	return &scriptedSettlement{statuses: make(map[string]types.SettlementStatus)}
}

func (f *scriptedSettlement) Submit(ctx context.Context, txn *models.Transaction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", apperrors.NewExternalServiceError("settlement", fmt.Errorf("rpc unavailable"))
	}
	f.submits++
	ref := fmt.Sprintf("0xref%d", f.submits)
	f.statuses[ref] = types.SettlementPending
	return ref, nil
}

func (f *scriptedSettlement) QueryStatus(ctx context.Context, externalRef string) (types.SettlementStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return types.SettlementPending, f.queryErr
	}
	if status, ok := f.statuses[externalRef]; ok {
		return status, nil
	}
	return types.SettlementPending, nil
}

func (f *scriptedSettlement) setStatus(ref string, status types.SettlementStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = status
}

type recordingArchive struct {
	mu       sync.Mutex
	archived []string
}

func (a *recordingArchive) ArchiveTransaction(ctx context.Context, txn *models.Transaction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, txn.ID)
	return nil
}

type recordingDepth struct {
	mu     sync.Mutex
	assets []string
}

func (d *recordingDepth) Invalidate(ctx context.Context, assetID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assets = append(d.assets, assetID)
}

type recordingOutbox struct {
	mu    sync.Mutex
	notes []*models.Notification
}

func (o *recordingOutbox) Enqueue(ctx context.Context, n *models.Notification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notes = append(o.notes, n)
	return nil
}

func strptr(s string) *string { return &s }

func workerLogger() *logging.Logger {
	return logging.NewLogger(logging.LevelError, logging.FormatText)
}

func newTestMonitor(t *testing.T, ledger *monitorLedger, settlement *scriptedSettlement) (*TxMonitor, *recordingArchive, *recordingDepth, *recordingOutbox) {
	t.Helper()
	archive := &recordingArchive{}
	depth := &recordingDepth{}
	outbox := &recordingOutbox{}
	monitor, err := NewTxMonitor(&TxMonitorConfig{
		Ledger:      ledger,
		Settlement:  settlement,
		Archive:     archive,
		Depth:       depth,
		Outbox:      outbox,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  time.Second,
		Logger:      workerLogger(),
	})
	if err != nil {
		t.Fatalf("NewTxMonitor failed: %v", err)
	}
	return monitor, archive, depth, outbox
}

func TestTxMonitor_RequiresLedgerAndSettlement(t *testing.T) {
	if _, err := NewTxMonitor(&TxMonitorConfig{Settlement: newScriptedSettlement()}); err == nil {
		t.Error("expected error without ledger store")
	}
	if _, err := NewTxMonitor(&TxMonitorConfig{Ledger: newMonitorLedger()}); err == nil {
		t.Error("expected error without settlement client")
	}
}

func TestTxMonitor_ResubmitsAfterBackoff(t *testing.T) {
	ledger := newMonitorLedger()
	settlement := newScriptedSettlement()
	monitor, _, _, _ := newTestMonitor(t, ledger, settlement)

	ledger.add(&models.Transaction{
		ID:        "tx-1",
		AssetID:   "a1",
		Type:      types.TxMint,
		To:        strptr("A"),
		Amount:    100,
		UpdatedAt: time.Now().Add(-time.Minute),
	})

	changed, err := monitor.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if changed != 1 {
		t.Fatalf("expected 1 change, got %d", changed)
	}

	txn, _ := ledger.GetTransaction(context.Background(), "tx-1")
	if txn.ExternalRef == nil {
		t.Fatal("expected external reference after resubmission")
	}
	if txn.Status != types.TxPending {
		t.Errorf("submission alone must not change status, got %s", txn.Status)
	}
}

func TestTxMonitor_BackoffGatesResubmission(t *testing.T) {
	ledger := newMonitorLedger()
	settlement := newScriptedSettlement()
	monitor, _, _, _ := newTestMonitor(t, ledger, settlement)

	// Updated just now with two prior attempts: the backoff window is open.
	ledger.add(&models.Transaction{
		ID:         "tx-1",
		AssetID:    "a1",
		Type:       types.TxMint,
		To:         strptr("A"),
		Amount:     100,
		RetryCount: 2,
		UpdatedAt:  time.Now(),
	})

	changed, err := monitor.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if changed != 0 {
		t.Errorf("expected no change inside backoff window, got %d", changed)
	}
	if settlement.submits != 0 {
		t.Errorf("expected no submission inside backoff window, got %d", settlement.submits)
	}
}

func TestTxMonitor_ConfirmsSettledTransaction(t *testing.T) {
	ledger := newMonitorLedger()
	settlement := newScriptedSettlement()
	monitor, archive, depth, outbox := newTestMonitor(t, ledger, settlement)

	ledger.add(&models.Transaction{
		ID:          "tx-1",
		AssetID:     "a1",
		Type:        types.TxTransfer,
		From:        strptr("A"),
		To:          strptr("B"),
		Amount:      50,
		ExternalRef: strptr("0xabc"),
		UpdatedAt:   time.Now(),
	})
	settlement.setStatus("0xabc", types.SettlementConfirmed)

	changed, err := monitor.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if changed != 1 {
		t.Fatalf("expected 1 change, got %d", changed)
	}

	txn, _ := ledger.GetTransaction(context.Background(), "tx-1")
	if txn.Status != types.TxConfirmed {
		t.Errorf("expected confirmed, got %s", txn.Status)
	}
	if len(archive.archived) != 1 || archive.archived[0] != "tx-1" {
		t.Errorf("expected transaction archived, got %v", archive.archived)
	}
	if len(depth.assets) != 1 || depth.assets[0] != "a1" {
		t.Errorf("expected depth invalidated for a1, got %v", depth.assets)
	}
	// One notification per counterparty, dedupe-keyed.
	if len(outbox.notes) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(outbox.notes))
	}
	for _, n := range outbox.notes {
		if n.Type != "transaction_confirmed" {
			t.Errorf("unexpected notification type %s", n.Type)
		}
		if n.DedupeKey != fmt.Sprintf("transaction_confirmed:tx-1:%s", n.UserID) {
			t.Errorf("unexpected dedupe key %s", n.DedupeKey)
		}
	}
}

func TestTxMonitor_FailsRejectedTransaction(t *testing.T) {
	ledger := newMonitorLedger()
	settlement := newScriptedSettlement()
	monitor, _, _, outbox := newTestMonitor(t, ledger, settlement)

	ledger.add(&models.Transaction{
		ID:          "tx-1",
		AssetID:     "a1",
		Type:        types.TxBurn,
		From:        strptr("A"),
		Amount:      10,
		ExternalRef: strptr("0xdead"),
		UpdatedAt:   time.Now(),
	})
	settlement.setStatus("0xdead", types.SettlementRejected)

	changed, err := monitor.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if changed != 1 {
		t.Fatalf("expected 1 change, got %d", changed)
	}

	txn, _ := ledger.GetTransaction(context.Background(), "tx-1")
	if txn.Status != types.TxFailed {
		t.Errorf("expected failed, got %s", txn.Status)
	}
	if txn.FailureReason == nil || *txn.FailureReason != "rejected by settlement network" {
		t.Errorf("unexpected failure reason %v", txn.FailureReason)
	}
	if len(outbox.notes) != 1 || outbox.notes[0].Type != "transaction_failed" {
		t.Errorf("expected one failure notification, got %v", outbox.notes)
	}
}

func TestTxMonitor_PendingStatusIsNoOp(t *testing.T) {
	ledger := newMonitorLedger()
	settlement := newScriptedSettlement()
	monitor, archive, _, _ := newTestMonitor(t, ledger, settlement)

	ledger.add(&models.Transaction{
		ID:          "tx-1",
		AssetID:     "a1",
		Type:        types.TxMint,
		To:          strptr("A"),
		Amount:      100,
		ExternalRef: strptr("0xwait"),
		UpdatedAt:   time.Now(),
	})

	changed, err := monitor.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if changed != 0 {
		t.Errorf("expected no change while settlement is pending, got %d", changed)
	}
	txn, _ := ledger.GetTransaction(context.Background(), "tx-1")
	if txn.Status != types.TxPending {
		t.Errorf("expected still pending, got %s", txn.Status)
	}
	if len(archive.archived) != 0 {
		t.Errorf("pending transactions must not be archived, got %v", archive.archived)
	}
}

func TestTxMonitor_QueryErrorDoesNotCrashCycle(t *testing.T) {
	ledger := newMonitorLedger()
	settlement := newScriptedSettlement()
	settlement.queryErr = fmt.Errorf("rpc timeout")
	monitor, _, _, _ := newTestMonitor(t, ledger, settlement)

	ledger.add(&models.Transaction{
		ID:          "tx-1",
		AssetID:     "a1",
		Type:        types.TxMint,
		To:          strptr("A"),
		Amount:      100,
		ExternalRef: strptr("0xabc"),
		UpdatedAt:   time.Now(),
	})
	ledger.add(&models.Transaction{
		ID:        "tx-2",
		AssetID:   "a1",
		Type:      types.TxMint,
		To:        strptr("B"),
		Amount:    100,
		UpdatedAt: time.Now().Add(-time.Minute),
	})

	changed, err := monitor.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll must survive a failing status query: %v", err)
	}
	// The unsubmitted transaction is still handled.
	if changed != 1 {
		t.Errorf("expected 1 change, got %d", changed)
	}
}

func TestTxMonitor_SubmitFailureLeavesPending(t *testing.T) {
	ledger := newMonitorLedger()
	settlement := newScriptedSettlement()
	settlement.failNext = true
	monitor, _, _, _ := newTestMonitor(t, ledger, settlement)

	ledger.add(&models.Transaction{
		ID:        "tx-1",
		AssetID:   "a1",
		Type:      types.TxMint,
		To:        strptr("A"),
		Amount:    100,
		UpdatedAt: time.Now().Add(-time.Minute),
	})

	changed, err := monitor.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if changed != 0 {
		t.Errorf("expected no change after failed submit, got %d", changed)
	}
	txn, _ := ledger.GetTransaction(context.Background(), "tx-1")
	if txn.ExternalRef != nil {
		t.Error("failed submit must not attach a reference")
	}
}

func TestTxMonitor_StartStop(t *testing.T) {
	ledger := newMonitorLedger()
	settlement := newScriptedSettlement()
	monitor, err := NewTxMonitor(&TxMonitorConfig{
		Ledger:       ledger,
		Settlement:   settlement,
		PollInterval: 10 * time.Millisecond,
		Logger:       workerLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := monitor.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := monitor.Start(ctx); err == nil {
		t.Error("second Start must fail")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := monitor.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := monitor.Stop(stopCtx); err == nil {
		t.Error("second Stop must fail")
	}
}

func TestTxMonitor_Restart(t *testing.T) {
	monitor, err := NewTxMonitor(&TxMonitorConfig{
		Ledger:       newMonitorLedger(),
		Settlement:   newScriptedSettlement(),
		PollInterval: 10 * time.Millisecond,
		Logger:       workerLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := monitor.Start(ctx); err != nil {
			t.Fatalf("Start %d failed: %v", i+1, err)
		}
		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		if err := monitor.Stop(stopCtx); err != nil {
			cancel()
			t.Fatalf("Stop %d failed: %v", i+1, err)
		}
		cancel()
	}
}
