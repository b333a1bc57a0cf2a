package models

import (
	"time"

	"github.com/estate-ledger/internal/types"
)

// Notification is one outbound message queued through the transactional
// outbox. DedupeKey is derived from the originating transaction or payment
// id so re-delivered rows cannot double-apply downstream side effects.
type Notification struct {
	ID        string                   `json:"id"`
	DedupeKey string                   `json:"dedupeKey"`
	UserID    string                   `json:"userId"`
	Type      string                   `json:"type"`
	Title     string                   `json:"title"`
	Message   string                   `json:"message"`
	Status    types.NotificationStatus `json:"status"`
	Attempts  int                      `json:"attempts"`
	CreatedAt time.Time                `json:"createdAt"`
	SentAt    *time.Time               `json:"sentAt,omitempty"`
}
