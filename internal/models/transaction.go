package models

import (
	"time"

	"github.com/estate-ledger/internal/types"
)

// Transaction is the append-only record of one ledger mutation. Status moves
// pending -> confirmed or pending -> failed, both terminal; a retry re-opens
// the same record as pending with RetryCount incremented and a fresh
// settlement submission, never a second application of its balance effects.
type Transaction struct {
	ID            string                  `json:"id"`
	AssetID       string                  `json:"assetId"`
	Type          types.TransactionType   `json:"type"`
	From          *string                 `json:"from,omitempty"` // nil for mint
	To            *string                 `json:"to,omitempty"`   // nil for burn
	Amount        int64                   `json:"amount"`
	PricePerToken int64                   `json:"pricePerToken"`
	Status        types.TransactionStatus `json:"status"`
	ExternalRef   *string                 `json:"externalRef,omitempty"`
	RetryCount    int                     `json:"retryCount"`
	FailureReason *string                 `json:"failureReason,omitempty"`
	CreatedAt     time.Time               `json:"createdAt"`
	UpdatedAt     time.Time               `json:"updatedAt"`
}

// Terminal reports whether the transaction has reached a terminal status.
func (t *Transaction) Terminal() bool {
	return t.Status == types.TxConfirmed || t.Status == types.TxFailed
}

// Counterparties returns the holder ids affected by the transaction.
func (t *Transaction) Counterparties() []string {
	var out []string
	if t.From != nil {
		out = append(out, *t.From)
	}
	if t.To != nil {
		out = append(out, *t.To)
	}
	return out
}
