package models

import "time"

// Holding is one holder's balance in one asset. Rows are never deleted;
// a balance that reaches zero is kept as a zero row to preserve the audit
// trail.
type Holding struct {
	AssetID   string    `json:"assetId"`
	HolderID  string    `json:"holderId"`
	Tokens    int64     `json:"tokens"`
	CostBasis int64     `json:"costBasis"` // accumulated investment, minor units
	UpdatedAt time.Time `json:"updatedAt"`
}
