package models

import (
	"time"

	"github.com/estate-ledger/internal/types"
)

// Listing is a resting sell (or buy) order for an asset's tokens. Listings
// are plain CRUD rows; the order book aggregator consumes them read-only.
type Listing struct {
	ID            string              `json:"id"`
	AssetID       string              `json:"assetId"`
	SellerID      string              `json:"sellerId"`
	Side          types.ListingSide   `json:"side"`
	Amount        int64               `json:"amount"`
	PricePerToken int64               `json:"pricePerToken"`
	Status        types.ListingStatus `json:"status"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}
