package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/estate-ledger/internal/adapter"
	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/logging"
	"github.com/estate-ledger/internal/models"
	"github.com/estate-ledger/internal/types"
)

// DistributionStore is the distribution persistence surface.
type DistributionStore interface {
	CreateWithPayments(ctx context.Context, dist *models.RevenueDistribution, payments []*models.DividendPayment) error
	GetByID(ctx context.Context, id string) (*models.RevenueDistribution, error)
	Finalize(ctx context.Context, id string, status types.DistributionStatus, successCount, failureCount int) error
	RecordRecoveredPayment(ctx context.Context, id string) error
	GetPayment(ctx context.Context, id string) (*models.DividendPayment, error)
	ListPayments(ctx context.Context, distributionID string) ([]*models.DividendPayment, error)
	MarkPaymentPaid(ctx context.Context, id, externalRef string) error
	MarkPaymentFailed(ctx context.Context, id, reason string) error
}

// DividendService distributes revenue pro rata across an asset's holders.
// The distribution and every payment row are committed before any payout is
// attempted, so a crash mid-run leaves a resumable record rather than money
// in limbo.
type DividendService struct {
	distributions DistributionStore
	ledger        LedgerStore
	assets        AssetStore
	payout        adapter.PayoutClient
	outbox        OutboxStore
	rateBps       int
	workers       int
	logger        *logging.Logger
}

// OutboxStore enqueues user notifications for async delivery.
type OutboxStore interface {
	Enqueue(ctx context.Context, n *models.Notification) error
}

// NewDividendService creates a new dividend service
func NewDividendService(distributions DistributionStore, ledger LedgerStore, assets AssetStore,
	payout adapter.PayoutClient, outbox OutboxStore, rateBps, workers int, logger *logging.Logger) *DividendService {
	if workers <= 0 {
		workers = 8
	}
	return &DividendService{
		distributions: distributions,
		ledger:        ledger,
		assets:        assets,
		payout:        payout,
		outbox:        outbox,
		rateBps:       rateBps,
		workers:       workers,
		logger:        logger.WithField("component", "dividend_service"),
	}
}

// Share is one holder's computed slice of a distribution.
type Share struct {
	HolderID    string
	Gross       int64
	Withholding int64
	Net         int64
}

// ComputeShares splits totalRevenue across holders in proportion to their
// token balances. Allocation uses largest-remainder rounding so the gross
// amounts sum to totalRevenue exactly; ties break by holder id for a
// deterministic result. Holders with zero tokens receive nothing.
func ComputeShares(totalRevenue int64, holdings []*models.Holding, rateBps int) []Share {
	type entry struct {
		holderID  string
		tokens    int64
		gross     int64
		remainder int64 // numerator of the truncated fraction
	}

	var total int64
	for _, h := range holdings {
		if h.Tokens > 0 {
			total += h.Tokens
		}
	}
	if total == 0 || totalRevenue <= 0 {
		return nil
	}

	entries := make([]entry, 0, len(holdings))
	var allocated int64
	for _, h := range holdings {
		if h.Tokens <= 0 {
			continue
		}
		product := totalRevenue * h.Tokens
		e := entry{
			holderID:  h.HolderID,
			tokens:    h.Tokens,
			gross:     product / total,
			remainder: product % total,
		}
		allocated += e.gross
		entries = append(entries, e)
	}

	// Hand the leftover minor units to the largest remainders first.
	leftover := totalRevenue - allocated
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].remainder != entries[j].remainder {
			return entries[i].remainder > entries[j].remainder
		}
		return entries[i].holderID < entries[j].holderID
	})
	for i := int64(0); i < leftover; i++ {
		entries[i%int64(len(entries))].gross++
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].holderID < entries[j].holderID })

	shares := make([]Share, 0, len(entries))
	for _, e := range entries {
		withholding := e.gross * int64(rateBps) / 10000
		shares = append(shares, Share{
			HolderID:    e.holderID,
			Gross:       e.gross,
			Withholding: withholding,
			Net:         e.gross - withholding,
		})
	}
	return shares
}

// Distribute creates a distribution for an asset and fans out the payouts.
// The call returns after all payouts have been attempted once; failed
// payments stay retryable individually.
func (s *DividendService) Distribute(ctx context.Context, assetID string, totalRevenue int64) (*models.RevenueDistribution, error) {
	if totalRevenue <= 0 {
		return nil, apperrors.NewValidationError("totalRevenue", "must be positive")
	}

	if _, err := s.assets.GetByID(ctx, assetID); err != nil {
		return nil, err
	}

	holdings, err := s.ledger.ListHoldings(ctx, assetID)
	if err != nil {
		return nil, err
	}

	shares := ComputeShares(totalRevenue, holdings, s.rateBps)
	if len(shares) == 0 {
		return nil, apperrors.NewValidationError("assetId", "asset has no token holders")
	}

	dist := &models.RevenueDistribution{
		AssetID:            assetID,
		TotalRevenue:       totalRevenue,
		WithholdingRateBps: s.rateBps,
		Status:             types.DistributionProcessing,
	}
	payments := make([]*models.DividendPayment, 0, len(shares))
	for _, share := range shares {
		payments = append(payments, &models.DividendPayment{
			RecipientID: share.HolderID,
			Gross:       share.Gross,
			Withholding: share.Withholding,
			Net:         share.Net,
		})
	}
	if err := s.distributions.CreateWithPayments(ctx, dist, payments); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"distributionId": dist.ID,
		"assetId":        assetID,
		"totalRevenue":   totalRevenue,
		"recipients":     len(payments),
	}).Info("Distribution created, starting payouts")

	success, failure := s.fanOut(ctx, payments)

	status := types.DistributionCompleted
	if success == 0 {
		status = types.DistributionFailed
	}
	if err := s.distributions.Finalize(ctx, dist.ID, status, success, failure); err != nil {
		return nil, err
	}
	dist.Status = status
	dist.SuccessCount = success
	dist.FailureCount = failure
	now := time.Now().UTC()
	dist.CompletedAt = &now

	if failure > 0 {
		s.logger.WithFields(map[string]interface{}{
			"distributionId": dist.ID,
			"succeeded":      success,
			"failed":         failure,
		}).Warn("Distribution finished with failed payouts")
	}

	return dist, nil
}

// fanOut attempts every payment with bounded concurrency and returns the
// success and failure counts.
func (s *DividendService) fanOut(ctx context.Context, payments []*models.DividendPayment) (int, int) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		failure int
	)
	sem := make(chan struct{}, s.workers)

	for _, payment := range payments {
		wg.Add(1)
		sem <- struct{}{}
		go func(p *models.DividendPayment) {
			defer wg.Done()
			defer func() { <-sem }()

			ok := s.attemptPayment(ctx, p)
			mu.Lock()
			if ok {
				success++
			} else {
				failure++
			}
			mu.Unlock()
		}(payment)
	}
	wg.Wait()

	return success, failure
}

// attemptPayment runs one payout and records the outcome. Payout rejections
// and transport failures both mark the payment failed; the distinction is
// kept in the failure reason.
func (s *DividendService) attemptPayment(ctx context.Context, p *models.DividendPayment) bool {
	ref, err := s.payout.Pay(ctx, p.RecipientID, p.Net)
	if err != nil {
		reason := err.Error()
		var rejection *adapter.PayoutError
		if errors.As(err, &rejection) {
			reason = rejection.Reason
		}
		if markErr := s.distributions.MarkPaymentFailed(ctx, p.ID, reason); markErr != nil {
			s.logger.WithError(markErr).WithField("paymentId", p.ID).Error("Failed to record payment failure")
		}
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"paymentId":   p.ID,
			"recipientId": p.RecipientID,
		}).Warn("Dividend payout failed")
		return false
	}

	if err := s.distributions.MarkPaymentPaid(ctx, p.ID, ref); err != nil {
		s.logger.WithError(err).WithField("paymentId", p.ID).Error("Failed to record successful payment")
		return false
	}

	s.notifyPaid(ctx, p)
	return true
}

func (s *DividendService) notifyPaid(ctx context.Context, p *models.DividendPayment) {
	if s.outbox == nil {
		return
	}
	n := &models.Notification{
		DedupeKey: "dividend_paid:" + p.ID,
		UserID:    p.RecipientID,
		Type:      "dividend_paid",
		Title:     "Dividend received",
		Message:   "A dividend payment has been deposited to your account.",
	}
	if err := s.outbox.Enqueue(ctx, n); err != nil {
		s.logger.WithError(err).WithField("paymentId", p.ID).Warn("Failed to enqueue dividend notification")
	}
}

// GetDistribution returns a distribution with its payments.
func (s *DividendService) GetDistribution(ctx context.Context, id string) (*models.RevenueDistribution, []*models.DividendPayment, error) {
	dist, err := s.distributions.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	payments, err := s.distributions.ListPayments(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return dist, payments, nil
}

// RetryPayment re-attempts one failed payment. Success marks the payment
// paid and folds the recovery into the parent run's counters; a run that
// ended failed becomes completed once a payment under it is paid.
func (s *DividendService) RetryPayment(ctx context.Context, paymentID string) (*models.DividendPayment, error) {
	payment, err := s.distributions.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != types.PaymentFailed {
		return nil, apperrors.NewConflictError("payment is not in a retryable state: " + paymentID)
	}

	if !s.attemptPayment(ctx, payment) {
		return nil, apperrors.NewExternalServiceError("payout", errors.New("payout retry failed"))
	}

	if err := s.distributions.RecordRecoveredPayment(ctx, payment.DistributionID); err != nil {
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"paymentId":      paymentID,
			"distributionId": payment.DistributionID,
		}).Error("Failed to record recovered payment on distribution")
	}

	return s.distributions.GetPayment(ctx, paymentID)
}
