package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/estate-ledger/internal/adapter"
	"github.com/estate-ledger/internal/logging"
	"github.com/estate-ledger/internal/models"
)

// OutboxSource is the dispatcher's view of the notification outbox.
type OutboxSource interface {
	ListPending(ctx context.Context, limit int) ([]*models.Notification, error)
	MarkSent(ctx context.Context, id string) error
	RecordAttempt(ctx context.Context, id string) error
}

// OutboxDispatcher drains the notification outbox and delivers each entry
// through the notifier. Delivery is at-least-once; a failed delivery stays
// pending and is retried on a later pass.
type OutboxDispatcher struct {
	outbox       OutboxSource
	notifier     adapter.NotifierClient
	pollInterval time.Duration
	batchSize    int
	logger       *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewOutboxDispatcher creates a new outbox dispatcher
func NewOutboxDispatcher(outbox OutboxSource, notifier adapter.NotifierClient, pollInterval time.Duration, batchSize int, logger *logging.Logger) *OutboxDispatcher {
	if pollInterval == 0 {
		pollInterval = 10 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &OutboxDispatcher{
		outbox:       outbox,
		notifier:     notifier,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logger.WithField("component", "outbox_dispatcher"),
	}
}

// Start launches the dispatch loop. The dispatcher can be restarted after a
// completed Stop; the lifecycle channels belong to one run of the loop.
func (d *OutboxDispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("outbox dispatcher is already running")
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	stopCh, doneCh := d.stopCh, d.doneCh
	d.mu.Unlock()

	go d.loop(ctx, stopCh, doneCh)
	return nil
}

// Stop signals the loop and waits for it to drain.
func (d *OutboxDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("outbox dispatcher is not running")
	}
	stopCh, doneCh := d.stopCh, d.doneCh
	d.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		d.logger.Info("Outbox dispatcher stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

func (d *OutboxDispatcher) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if err := d.Dispatch(ctx); err != nil {
				d.logger.WithError(err).Warn("Outbox dispatch pass failed")
			}
		}
	}
}

// Dispatch delivers one batch of pending notifications.
func (d *OutboxDispatcher) Dispatch(ctx context.Context) error {
	pending, err := d.outbox.ListPending(ctx, d.batchSize)
	if err != nil {
		return err
	}

	for _, n := range pending {
		if err := d.notifier.Notify(ctx, n.UserID, n.Type, n.Title, n.Message); err != nil {
			d.logger.WithError(err).WithField("notificationId", n.ID).Warn("Notification delivery failed")
			if err := d.outbox.RecordAttempt(ctx, n.ID); err != nil {
				d.logger.WithError(err).WithField("notificationId", n.ID).Warn("Failed to record delivery attempt")
			}
			continue
		}
		if err := d.outbox.MarkSent(ctx, n.ID); err != nil {
			d.logger.WithError(err).WithField("notificationId", n.ID).Warn("Failed to mark notification sent")
		}
	}

	return nil
}
