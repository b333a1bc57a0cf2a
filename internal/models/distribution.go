package models

import (
	"time"

	"github.com/estate-ledger/internal/types"
)

// RevenueDistribution is one pro-rata revenue-sharing run across an asset's
// holders. The run and all of its payments are created atomically before any
// payout is attempted.
type RevenueDistribution struct {
	ID                 string                   `json:"id"`
	AssetID            string                   `json:"assetId"`
	TotalRevenue       int64                    `json:"totalRevenue"` // minor units
	WithholdingRateBps int                      `json:"withholdingRateBps"`
	Status             types.DistributionStatus `json:"status"`
	SuccessCount       int                      `json:"successCount"`
	FailureCount       int                      `json:"failureCount"`
	CreatedAt          time.Time                `json:"createdAt"`
	CompletedAt        *time.Time               `json:"completedAt,omitempty"`
}

// DividendPayment is a single holder's slice of a distribution.
// Gross == Withholding + Net, exactly; the sum of Gross over a distribution
// equals TotalRevenue exactly (largest-remainder allocation).
type DividendPayment struct {
	ID             string              `json:"id"`
	DistributionID string              `json:"distributionId"`
	RecipientID    string              `json:"recipientId"`
	Gross          int64               `json:"gross"`
	Withholding    int64               `json:"withholding"`
	Net            int64               `json:"net"`
	Status         types.PaymentStatus `json:"status"`
	ExternalRef    *string             `json:"externalRef,omitempty"`
	FailureReason  *string             `json:"failureReason,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}
