package natsjs

import (
	"context"
	"log/slog"
	"time"

	"github.com/creatorstack/mailrelay/internal/store"
)

const (
	dispatchBatchSize = 100
	dispatchIdleDelay = 500 * time.Millisecond
	dispatchRetryWait = 10 * time.Second
)

// Dispatcher drains the relay outbox into the JetStream escalation stream.
// Batches land in the outbox when inline delivery fails or the handler
// deadline expires; publishing them here hands the gap to out-of-band
// recovery tooling instead of losing it silently.
type Dispatcher struct {
	store store.Store
	pub   *Publisher
	log   *slog.Logger
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(st store.Store, pub *Publisher, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{store: st, pub: pub, log: log}
}

// Run drains the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	if err := d.pub.EnsureStream(ctx); err != nil {
		d.log.Error("failed to ensure relay gap stream", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batches, err := d.store.DequeueRelayOutbox(ctx, dispatchBatchSize)
		if err != nil {
			d.log.Error("failed to dequeue relay outbox", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		if len(batches) == 0 {
			select {
			case <-time.After(dispatchIdleDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, b := range batches {
			if err := d.pub.Publish(b.Subject, b.Payload, b.MsgID); err != nil {
				d.log.Error("failed to publish deferred batch", "id", b.ID, "error", err)
				_ = d.store.MarkRelayRetry(ctx, b.ID, dispatchRetryWait)
				continue
			}
			if err := d.store.MarkRelayPublished(ctx, b.ID); err != nil {
				d.log.Error("failed to mark batch published", "id", b.ID, "error", err)
			}
		}
	}
}
