package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/estate-ledger/internal/models"
	"github.com/estate-ledger/internal/types"
)

type memOutbox struct {
	mu    sync.Mutex
	notes map[string]*models.Notification
	seq   int
}

func newMemOutbox() *memOutbox {
	return &memOutbox{notes: make(map[string]*models.Notification)}
}

func (m *memOutbox) add(userID, msgType string) *models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	n := &models.Notification{
		ID:        fmt.Sprintf("n-%d", m.seq),
		DedupeKey: fmt.Sprintf("%s:%s:%d", msgType, userID, m.seq),
		UserID:    userID,
		Type:      msgType,
		Title:     "t",
		Message:   "m",
		Status:    types.NotificationPending,
		CreatedAt: time.Now(),
	}
	m.notes[n.ID] = n
	return n
}

func (m *memOutbox) ListPending(ctx context.Context, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Notification
	for _, n := range m.notes {
		if n.Status == types.NotificationPending {
			out = append(out, n)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memOutbox) MarkSent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.notes[id]
	n.Status = types.NotificationSent
	n.Attempts++
	now := time.Now()
	n.SentAt = &now
	return nil
}

func (m *memOutbox) RecordAttempt(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[id].Attempts++
	return nil
}

type flakyNotifier struct {
	mu       sync.Mutex
	failFor  map[string]bool
	delivers int
}

func (f *flakyNotifier) Notify(ctx context.Context, userID, msgType, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[userID] {
		return fmt.Errorf("delivery failed for %s", userID)
	}
	f.delivers++
	return nil
}

func TestOutboxDispatcher_DeliversAndMarksSent(t *testing.T) {
	outbox := newMemOutbox()
	notifier := &flakyNotifier{}
	d := NewOutboxDispatcher(outbox, notifier, time.Second, 50, workerLogger())

	a := outbox.add("A", "dividend_paid")
	b := outbox.add("B", "transaction_confirmed")

	if err := d.Dispatch(context.Background()); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if notifier.delivers != 2 {
		t.Errorf("expected 2 deliveries, got %d", notifier.delivers)
	}
	for _, n := range []*models.Notification{a, b} {
		if n.Status != types.NotificationSent {
			t.Errorf("notification %s not marked sent: %s", n.ID, n.Status)
		}
		if n.SentAt == nil {
			t.Errorf("notification %s missing sent timestamp", n.ID)
		}
	}
}

func TestOutboxDispatcher_FailedDeliveryStaysPending(t *testing.T) {
	outbox := newMemOutbox()
	notifier := &flakyNotifier{failFor: map[string]bool{"B": true}}
	d := NewOutboxDispatcher(outbox, notifier, time.Second, 50, workerLogger())

	outbox.add("A", "dividend_paid")
	b := outbox.add("B", "dividend_paid")

	if err := d.Dispatch(context.Background()); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if b.Status != types.NotificationPending {
		t.Errorf("failed delivery must stay pending, got %s", b.Status)
	}
	if b.Attempts != 1 {
		t.Errorf("expected 1 recorded attempt, got %d", b.Attempts)
	}

	// The next pass retries only the failed entry.
	notifier.failFor["B"] = false
	if err := d.Dispatch(context.Background()); err != nil {
		t.Fatalf("second Dispatch failed: %v", err)
	}
	if b.Status != types.NotificationSent {
		t.Errorf("expected sent after retry, got %s", b.Status)
	}
	if notifier.delivers != 2 {
		t.Errorf("expected 2 total deliveries, got %d", notifier.delivers)
	}
}

func TestOutboxDispatcher_Restart(t *testing.T) {
	d := NewOutboxDispatcher(newMemOutbox(), &flakyNotifier{}, 10*time.Millisecond, 50, workerLogger())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := d.Start(ctx); err != nil {
			t.Fatalf("Start %d failed: %v", i+1, err)
		}
		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		if err := d.Stop(stopCtx); err != nil {
			cancel()
			t.Fatalf("Stop %d failed: %v", i+1, err)
		}
		cancel()
	}
}
