// Package types provides common type definitions for the estate ledger system.
package types

import "time"

// AssetStatus represents the lifecycle state of a tokenized asset
type AssetStatus string

const (
	// AssetDraft represents an asset created but not yet minted on the settlement network
	AssetDraft AssetStatus = "draft"
	// AssetMinted represents an asset whose initial supply has been minted
	AssetMinted AssetStatus = "minted"
	// AssetActive represents an asset open for trading and distributions
	AssetActive AssetStatus = "active"
	// AssetPaused represents an asset with trading temporarily suspended
	AssetPaused AssetStatus = "paused"
	// AssetRetired represents a permanently retired asset (assets are never deleted)
	AssetRetired AssetStatus = "retired"
)

// TransactionType represents the kind of ledger mutation a transaction records
type TransactionType string

const (
	// TxMint credits newly issued tokens to a holder
	TxMint TransactionType = "mint"
	// TxTransfer moves tokens between two holders
	TxTransfer TransactionType = "transfer"
	// TxBurn removes tokens from a holder and reduces net minted supply
	TxBurn TransactionType = "burn"
)

// TransactionStatus represents the settlement state of a ledger transaction
type TransactionStatus string

const (
	// TxPending represents a transaction awaiting external settlement
	TxPending TransactionStatus = "pending"
	// TxConfirmed represents a transaction finalized by the settlement network (terminal)
	TxConfirmed TransactionStatus = "confirmed"
	// TxFailed represents a rejected or locally failed transaction (terminal)
	TxFailed TransactionStatus = "failed"
)

// ListingSide represents which side of the book a listing rests on
type ListingSide string

const (
	// SideSell is a resting ask
	SideSell ListingSide = "sell"
	// SideBuy is a resting bid
	SideBuy ListingSide = "buy"
)

// ListingStatus represents the state of a resting order
type ListingStatus string

const (
	// ListingActive is an open listing visible to the order book
	ListingActive ListingStatus = "active"
	// ListingFilled is a fully executed listing
	ListingFilled ListingStatus = "filled"
	// ListingCancelled is a listing withdrawn by its seller
	ListingCancelled ListingStatus = "cancelled"
)

// DistributionStatus represents the state of a revenue distribution run
type DistributionStatus string

const (
	// DistributionProcessing means payouts are still being attempted
	DistributionProcessing DistributionStatus = "processing"
	// DistributionCompleted means at least one payout succeeded (terminal)
	DistributionCompleted DistributionStatus = "completed"
	// DistributionFailed means every payout failed (terminal)
	DistributionFailed DistributionStatus = "failed"
)

// PaymentStatus represents the state of a single dividend payment
type PaymentStatus string

const (
	// PaymentPending is a payment not yet attempted
	PaymentPending PaymentStatus = "pending"
	// PaymentPaid is a successfully delivered payment
	PaymentPaid PaymentStatus = "paid"
	// PaymentFailed is a payment whose payout attempt failed
	PaymentFailed PaymentStatus = "failed"
)

// VotingBasis represents how voting power is derived for a poll
type VotingBasis string

const (
	// BasisTokens weighs votes by token balance snapshotted at poll creation
	BasisTokens VotingBasis = "tokens"
	// BasisEqual gives each distinct voter exactly one unit
	BasisEqual VotingBasis = "equal"
	// BasisInvestment weighs votes by invested capital
	BasisInvestment VotingBasis = "investment_amount"
)

// PollStatus represents the lifecycle state of a governance poll
type PollStatus string

const (
	// PollDraft is a poll not yet open for voting
	PollDraft PollStatus = "draft"
	// PollActive is a poll accepting votes
	PollActive PollStatus = "active"
	// PollClosed is a closed poll (terminal)
	PollClosed PollStatus = "closed"
	// PollCancelled is a cancelled poll (terminal)
	PollCancelled PollStatus = "cancelled"
)

// SettlementStatus represents the answer from the external consensus collaborator
type SettlementStatus string

const (
	// SettlementPending means the network has not finalized the record yet
	SettlementPending SettlementStatus = "pending"
	// SettlementConfirmed means the record reached finality
	SettlementConfirmed SettlementStatus = "confirmed"
	// SettlementRejected means the network definitively rejected the record
	SettlementRejected SettlementStatus = "rejected"
)

// NotificationStatus represents outbox delivery state
type NotificationStatus string

const (
	// NotificationPending is queued for delivery
	NotificationPending NotificationStatus = "pending"
	// NotificationSent was delivered at least once
	NotificationSent NotificationStatus = "sent"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// PriceLevel represents aggregated quantity resting at one exact price
type PriceLevel struct {
	Price      int64 `json:"price"`      // minor units per token
	Quantity   int64 `json:"quantity"`   // tokens available at this price
	OrderCount int   `json:"orderCount"` // number of listings grouped into the level
}

// DepthSnapshot is the rebuilt order-book read model for one asset
type DepthSnapshot struct {
	AssetID     string       `json:"assetId"`
	Asks        []PriceLevel `json:"asks"` // ascending by price
	Bids        []PriceLevel `json:"bids"` // descending by price
	BestAsk     int64        `json:"bestAsk"`
	BestBid     int64        `json:"bestBid"`
	Spread      int64        `json:"spread"`
	MidPrice    float64      `json:"midPrice"`
	GeneratedAt time.Time    `json:"generatedAt"`
}

// ExecutionEstimate is the result of walking the book for a hypothetical order
type ExecutionEstimate struct {
	Side           ListingSide `json:"side"`
	Quantity       int64       `json:"quantity"`
	AvgPrice       float64     `json:"avgPrice"`
	TotalCost      int64       `json:"totalCost"`
	PriceImpactPct float64     `json:"priceImpactPct"`
	LevelsConsumed int         `json:"levelsConsumed"`
}

// TallyOption is one option's aggregate in a poll tally
type TallyOption struct {
	OptionID   string  `json:"optionId"`
	Votes      int     `json:"votes"`
	Power      float64 `json:"power"`
	Percentage float64 `json:"percentage"`
}

// TallyResult is the outcome of tallying a poll
type TallyResult struct {
	PollID           string        `json:"pollId"`
	Options          []TallyOption `json:"options"`
	TotalPower       float64       `json:"totalPower"`
	ParticipationPct float64       `json:"participationPct"`
	Passed           bool          `json:"passed"`
	LeadingOptionID  string        `json:"leadingOptionId"`
}
