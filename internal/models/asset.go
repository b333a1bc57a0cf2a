package models

import (
	"time"

	"github.com/estate-ledger/internal/types"
)

// Asset represents one tokenized property. Supply and prices are integer
// minor units; Minted tracks net minted (mints minus burns) and is guarded
// by the same row lock as every balance mutation.
type Asset struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	IssuerID      string            `json:"issuerId"`
	TotalSupply   int64             `json:"totalSupply"`
	Minted        int64             `json:"minted"`
	PricePerToken int64             `json:"pricePerToken"`
	Status        types.AssetStatus `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Tradable reports whether ledger mutations are currently allowed for the asset.
func (a *Asset) Tradable() bool {
	switch a.Status {
	case types.AssetMinted, types.AssetActive:
		return true
	default:
		return false
	}
}
