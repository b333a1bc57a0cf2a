package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/logging"
	"github.com/estate-ledger/internal/models"
	"github.com/estate-ledger/internal/storage"
	"github.com/estate-ledger/internal/types"
)

// Mock repositories for testing

type mockAssetStore struct {
	mu     sync.Mutex
	assets map[string]*models.Asset
}

func newMockAssetStore() *mockAssetStore {
	return &mockAssetStore{assets: make(map[string]*models.Asset)}
}

func (m *mockAssetStore) Create(ctx context.Context, asset *models.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if asset.ID == "" {
		asset.ID = fmt.Sprintf("asset-%d", len(m.assets)+1)
	}
	asset.Status = types.AssetDraft
	asset.CreatedAt = time.Now()
	asset.UpdatedAt = asset.CreatedAt
	m.assets[asset.ID] = asset
	return nil
}

func (m *mockAssetStore) GetByID(ctx context.Context, id string) (*models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.assets[id]; ok {
		return a, nil
	}
	return nil, apperrors.NewNotFoundError("asset", id)
}

func (m *mockAssetStore) UpdateStatus(ctx context.Context, id string, status types.AssetStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return apperrors.NewNotFoundError("asset", id)
	}
	a.Status = status
	return nil
}

func (m *mockAssetStore) List(ctx context.Context) ([]*models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Asset
	for _, a := range m.assets {
		out = append(out, a)
	}
	return out, nil
}

// mockLedgerStore replicates the ledger's balance semantics in memory,
// including the supply cap, issuer check and non-negative balances.
type mockLedgerStore struct {
	mu       sync.Mutex
	assets   *mockAssetStore
	holdings map[string]*models.Holding // key assetID/holderID
	txs      map[string]*models.Transaction
	seq      int
}

func newMockLedgerStore(assets *mockAssetStore) *mockLedgerStore {
	return &mockLedgerStore{
		assets:   assets,
		holdings: make(map[string]*models.Holding),
		txs:      make(map[string]*models.Transaction),
	}
}

func holdingKey(assetID, holderID string) string { return assetID + "/" + holderID }

func (m *mockLedgerStore) credit(assetID, holderID string, tokens, cost int64) {
	key := holdingKey(assetID, holderID)
	h, ok := m.holdings[key]
	if !ok {
		h = &models.Holding{AssetID: assetID, HolderID: holderID}
		m.holdings[key] = h
	}
	h.Tokens += tokens
	h.CostBasis += cost
	h.UpdatedAt = time.Now()
}

func (m *mockLedgerStore) debit(assetID, holderID string, tokens int64) error {
	h, ok := m.holdings[holdingKey(assetID, holderID)]
	if !ok {
		return apperrors.NewNotFoundError("holding", holderID)
	}
	if h.Tokens < tokens {
		return apperrors.NewInsufficientBalanceError(holderID, h.Tokens, tokens)
	}
	reduction := h.CostBasis * tokens / h.Tokens
	h.Tokens -= tokens
	h.CostBasis -= reduction
	h.UpdatedAt = time.Now()
	return nil
}

func (m *mockLedgerStore) record(assetID string, txType types.TransactionType, from, to *string, amount, price int64) *models.Transaction {
	m.seq++
	txn := &models.Transaction{
		ID:            fmt.Sprintf("tx-%d", m.seq),
		AssetID:       assetID,
		Type:          txType,
		From:          from,
		To:            to,
		Amount:        amount,
		PricePerToken: price,
		Status:        types.TxPending,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	m.txs[txn.ID] = txn
	return txn
}

func (m *mockLedgerStore) Mint(ctx context.Context, p storage.MintParams) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	asset, err := m.assets.GetByID(ctx, p.AssetID)
	if err != nil {
		return nil, err
	}
	if asset.IssuerID != p.ActorID {
		return nil, apperrors.NewUnauthorizedError("only the issuer can mint")
	}
	if asset.Minted+p.Amount > asset.TotalSupply {
		return nil, apperrors.NewSupplyExceededError(asset.ID, asset.Minted, p.Amount, asset.TotalSupply)
	}
	m.credit(p.AssetID, p.To, p.Amount, p.Amount*p.PricePerToken)
	asset.Minted += p.Amount
	if asset.Status == types.AssetDraft {
		asset.Status = types.AssetMinted
	}
	return m.record(p.AssetID, types.TxMint, nil, &p.To, p.Amount, p.PricePerToken), nil
}

func (m *mockLedgerStore) Transfer(ctx context.Context, p storage.TransferParams) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.debit(p.AssetID, p.From, p.Amount); err != nil {
		return nil, err
	}
	m.credit(p.AssetID, p.To, p.Amount, p.Amount*p.PricePerToken)
	return m.record(p.AssetID, types.TxTransfer, &p.From, &p.To, p.Amount, p.PricePerToken), nil
}

func (m *mockLedgerStore) Burn(ctx context.Context, p storage.BurnParams) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.debit(p.AssetID, p.From, p.Amount); err != nil {
		return nil, err
	}
	asset, err := m.assets.GetByID(ctx, p.AssetID)
	if err != nil {
		return nil, err
	}
	asset.Minted -= p.Amount
	return m.record(p.AssetID, types.TxBurn, &p.From, nil, p.Amount, 0), nil
}

func (m *mockLedgerStore) GetHolding(ctx context.Context, assetID, holderID string) (*models.Holding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.holdings[holdingKey(assetID, holderID)]; ok {
		return h, nil
	}
	return nil, apperrors.NewNotFoundError("holding", holderID)
}

func (m *mockLedgerStore) ListHoldings(ctx context.Context, assetID string) ([]*models.Holding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Holding
	for _, h := range m.holdings {
		if h.AssetID == assetID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *mockLedgerStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txn, ok := m.txs[id]; ok {
		return txn, nil
	}
	return nil, apperrors.NewNotFoundError("transaction", id)
}

func (m *mockLedgerStore) ListPendingTransactions(ctx context.Context, limit int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, txn := range m.txs {
		if txn.Status == types.TxPending {
			out = append(out, txn)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockLedgerStore) MarkSubmitted(ctx context.Context, txID, externalRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txs[txID]
	if !ok {
		return apperrors.NewNotFoundError("transaction", txID)
	}
	if txn.Status != types.TxPending {
		return apperrors.NewConflictError("transaction is not pending")
	}
	txn.ExternalRef = &externalRef
	txn.UpdatedAt = time.Now()
	return nil
}

func (m *mockLedgerStore) ConfirmTransaction(ctx context.Context, txID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txs[txID]
	if !ok {
		return false, apperrors.NewNotFoundError("transaction", txID)
	}
	if txn.Status != types.TxPending {
		return false, nil
	}
	txn.Status = types.TxConfirmed
	txn.UpdatedAt = time.Now()
	return true, nil
}

func (m *mockLedgerStore) FailTransaction(ctx context.Context, txID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txs[txID]
	if !ok {
		return false, apperrors.NewNotFoundError("transaction", txID)
	}
	if txn.Status != types.TxPending {
		return false, nil
	}
	txn.Status = types.TxFailed
	txn.FailureReason = &reason
	txn.UpdatedAt = time.Now()
	return true, nil
}

func (m *mockLedgerStore) ReopenTransaction(ctx context.Context, txID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txs[txID]
	if !ok {
		return nil, apperrors.NewNotFoundError("transaction", txID)
	}
	if txn.Status != types.TxFailed {
		return nil, apperrors.NewNotFoundError("transaction", txID)
	}
	txn.Status = types.TxPending
	txn.ExternalRef = nil
	txn.FailureReason = nil
	txn.RetryCount++
	txn.UpdatedAt = time.Now()
	return txn, nil
}

// fakeSettlement is a controllable settlement client.
type fakeSettlement struct {
	mu       sync.Mutex
	submits  int
	failNext bool
	statuses map[string]types.SettlementStatus
}

func newFakeSettlement() *fakeSettlement {
	return &fakeSettlement{statuses: make(map[string]types.SettlementStatus)}
}

func (f *fakeSettlement) Submit(ctx context.Context, txn *models.Transaction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return "", apperrors.NewExternalServiceError("settlement", fmt.Errorf("rpc unavailable"))
	}
	f.submits++
	ref := fmt.Sprintf("0xref%d", f.submits)
	f.statuses[ref] = types.SettlementPending
	return ref, nil
}

func (f *fakeSettlement) QueryStatus(ctx context.Context, ref string) (types.SettlementStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statuses[ref]; ok {
		return status, nil
	}
	return types.SettlementPending, nil
}

func (f *fakeSettlement) setStatus(ref string, status types.SettlementStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = status
}

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.LevelError, logging.FormatText)
}

func newTestLedger(t *testing.T) (*LedgerService, *mockAssetStore, *mockLedgerStore, *fakeSettlement) {
	t.Helper()
	assets := newMockAssetStore()
	ledger := newMockLedgerStore(assets)
	settlement := newFakeSettlement()
	return NewLedgerService(assets, ledger, settlement, testLogger()), assets, ledger, settlement
}

func TestLedgerService_CreateAsset(t *testing.T) {
	svc, _, _, _ := newTestLedger(t)

	asset, err := svc.CreateAsset(context.Background(), CreateAssetParams{
		Name: "Maple Street Duplex", IssuerID: "issuer-1", TotalSupply: 1000, PricePerToken: 5000,
	})
	if err != nil {
		t.Fatalf("CreateAsset failed: %v", err)
	}
	if asset.Status != types.AssetDraft {
		t.Errorf("expected draft status, got %s", asset.Status)
	}

	_, err = svc.CreateAsset(context.Background(), CreateAssetParams{
		Name: "Bad", IssuerID: "issuer-1", TotalSupply: 0, PricePerToken: 1,
	})
	if !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Errorf("expected validation error for zero supply, got %v", err)
	}
}

func TestLedgerService_Mint(t *testing.T) {
	svc, _, ledger, settlement := newTestLedger(t)
	ctx := context.Background()

	asset, _ := svc.CreateAsset(ctx, CreateAssetParams{
		Name: "Test Asset", IssuerID: "issuer-1", TotalSupply: 1000, PricePerToken: 5000,
	})

	txn, err := svc.Mint(ctx, asset.ID, "issuer-1", "alice", 600)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if txn.Status != types.TxPending {
		t.Errorf("expected pending transaction, got %s", txn.Status)
	}
	if txn.ExternalRef == nil {
		t.Error("expected successful submission to set external ref")
	}
	if settlement.submits != 1 {
		t.Errorf("expected 1 settlement submission, got %d", settlement.submits)
	}

	holding, err := ledger.GetHolding(ctx, asset.ID, "alice")
	if err != nil {
		t.Fatalf("GetHolding failed: %v", err)
	}
	if holding.Tokens != 600 {
		t.Errorf("expected 600 tokens, got %d", holding.Tokens)
	}
	if holding.CostBasis != 600*5000 {
		t.Errorf("expected cost basis %d, got %d", 600*5000, holding.CostBasis)
	}
}

func TestLedgerService_Mint_OnlyIssuer(t *testing.T) {
	svc, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	asset, _ := svc.CreateAsset(ctx, CreateAssetParams{
		Name: "Test Asset", IssuerID: "issuer-1", TotalSupply: 1000, PricePerToken: 5000,
	})

	_, err := svc.Mint(ctx, asset.ID, "mallory", "mallory", 100)
	if !apperrors.IsCode(err, apperrors.CodeUnauthorized) {
		t.Errorf("expected unauthorized error, got %v", err)
	}
}

func TestLedgerService_Mint_SupplyCap(t *testing.T) {
	svc, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	asset, _ := svc.CreateAsset(ctx, CreateAssetParams{
		Name: "Test Asset", IssuerID: "issuer-1", TotalSupply: 1000, PricePerToken: 5000,
	})

	if _, err := svc.Mint(ctx, asset.ID, "issuer-1", "alice", 900); err != nil {
		t.Fatalf("first mint failed: %v", err)
	}
	_, err := svc.Mint(ctx, asset.ID, "issuer-1", "bob", 200)
	if !apperrors.IsCode(err, apperrors.CodeSupplyExceeded) {
		t.Errorf("expected supply exceeded error, got %v", err)
	}
}

func TestLedgerService_Transfer_InsufficientBalance(t *testing.T) {
	svc, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	asset, _ := svc.CreateAsset(ctx, CreateAssetParams{
		Name: "Test Asset", IssuerID: "issuer-1", TotalSupply: 1000, PricePerToken: 5000,
	})
	if _, err := svc.Mint(ctx, asset.ID, "issuer-1", "alice", 100); err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	_, err := svc.Transfer(ctx, asset.ID, "alice", "bob", 200, 5000)
	if !apperrors.IsCode(err, apperrors.CodeInsufficientBalance) {
		t.Errorf("expected insufficient balance error, got %v", err)
	}

	// Balance must be untouched on failure.
	holding, _ := svc.GetHolding(ctx, asset.ID, "alice")
	if holding.Tokens != 100 {
		t.Errorf("failed transfer changed balance: got %d", holding.Tokens)
	}
}

func TestLedgerService_MintTransferBurn_Conservation(t *testing.T) {
	svc, _, ledger, _ := newTestLedger(t)
	ctx := context.Background()

	asset, _ := svc.CreateAsset(ctx, CreateAssetParams{
		Name: "Test Asset", IssuerID: "issuer-1", TotalSupply: 1000, PricePerToken: 5000,
	})

	mustOK := func(_ *models.Transaction, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("operation failed: %v", err)
		}
	}
	mustOK(svc.Mint(ctx, asset.ID, "issuer-1", "alice", 600))
	mustOK(svc.Mint(ctx, asset.ID, "issuer-1", "bob", 400))
	mustOK(svc.Transfer(ctx, asset.ID, "alice", "bob", 250, 5200))
	mustOK(svc.Burn(ctx, asset.ID, "bob", 100))

	holdings, _ := ledger.ListHoldings(ctx, asset.ID)
	var total int64
	for _, h := range holdings {
		if h.Tokens < 0 {
			t.Errorf("negative balance for %s: %d", h.HolderID, h.Tokens)
		}
		total += h.Tokens
	}
	// 1000 minted, 100 burned.
	if total != 900 {
		t.Errorf("expected total holdings 900, got %d", total)
	}

	got, _ := svc.GetAsset(ctx, asset.ID)
	if got.Minted != 900 {
		t.Errorf("expected minted counter 900, got %d", got.Minted)
	}
}

func TestLedgerService_SettlementFailureDoesNotBlockWrite(t *testing.T) {
	svc, _, _, settlement := newTestLedger(t)
	ctx := context.Background()

	asset, _ := svc.CreateAsset(ctx, CreateAssetParams{
		Name: "Test Asset", IssuerID: "issuer-1", TotalSupply: 1000, PricePerToken: 5000,
	})

	settlement.failNext = true
	txn, err := svc.Mint(ctx, asset.ID, "issuer-1", "alice", 100)
	if err != nil {
		t.Fatalf("mint should succeed despite settlement outage: %v", err)
	}
	if txn.ExternalRef != nil {
		t.Error("expected no external ref when submission fails")
	}

	holding, err := svc.GetHolding(ctx, asset.ID, "alice")
	if err != nil || holding.Tokens != 100 {
		t.Errorf("expected balance applied locally, got %v, %v", holding, err)
	}
}

func TestLedgerService_RetryTransaction(t *testing.T) {
	svc, _, ledger, _ := newTestLedger(t)
	ctx := context.Background()

	asset, _ := svc.CreateAsset(ctx, CreateAssetParams{
		Name: "Test Asset", IssuerID: "issuer-1", TotalSupply: 1000, PricePerToken: 5000,
	})
	txn, _ := svc.Mint(ctx, asset.ID, "issuer-1", "alice", 100)

	// Only failed transactions can be reopened.
	if _, err := svc.RetryTransaction(ctx, txn.ID); err == nil {
		t.Error("expected retry of pending transaction to fail")
	}

	if _, err := ledger.FailTransaction(ctx, txn.ID, "rejected"); err != nil {
		t.Fatalf("FailTransaction failed: %v", err)
	}

	reopened, err := svc.RetryTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("RetryTransaction failed: %v", err)
	}
	if reopened.Status != types.TxPending {
		t.Errorf("expected pending after retry, got %s", reopened.Status)
	}
	if reopened.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", reopened.RetryCount)
	}
}

func TestLedgerService_IdempotentConfirmation(t *testing.T) {
	svc, _, ledger, _ := newTestLedger(t)
	ctx := context.Background()

	asset, _ := svc.CreateAsset(ctx, CreateAssetParams{
		Name: "Test Asset", IssuerID: "issuer-1", TotalSupply: 1000, PricePerToken: 5000,
	})
	txn, _ := svc.Mint(ctx, asset.ID, "issuer-1", "alice", 100)

	applied, err := ledger.ConfirmTransaction(ctx, txn.ID)
	if err != nil || !applied {
		t.Fatalf("first confirmation should apply: %v %v", applied, err)
	}
	applied, err = ledger.ConfirmTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("second confirmation errored: %v", err)
	}
	if applied {
		t.Error("second confirmation should be a no-op")
	}
}
