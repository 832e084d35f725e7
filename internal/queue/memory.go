package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var _ Broker = (*ChannelBroker)(nil)

// ChannelBroker is an in-process broker over a bounded channel. Publish
// blocks while the channel is full.
type ChannelBroker struct {
	ch        chan Delivery
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	inflight map[string]Delivery
}

// NewChannelBroker creates a broker holding at most capacity queued jobs.
func NewChannelBroker(capacity int) *ChannelBroker {
	return &ChannelBroker{
		ch:       make(chan Delivery, capacity),
		done:     make(chan struct{}),
		inflight: make(map[string]Delivery),
	}
}

func (b *ChannelBroker) Publish(ctx context.Context, jobID string) error {
	return b.enqueue(ctx, Delivery{ID: uuid.New().String(), JobID: jobID, Attempt: 1})
}

func (b *ChannelBroker) enqueue(ctx context.Context, d Delivery) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	select {
	case b.ch <- d:
		slog.Debug("job enqueued", "job_id", d.JobID, "attempt", d.Attempt, "queued", len(b.ch))
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *ChannelBroker) Consume(ctx context.Context) (Delivery, error) {
	select {
	case d := <-b.ch:
		b.mu.Lock()
		b.inflight[d.ID] = d
		b.mu.Unlock()
		return d, nil
	case <-b.done:
		return Delivery{}, ErrClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (b *ChannelBroker) Ack(_ context.Context, d Delivery) error {
	b.mu.Lock()
	delete(b.inflight, d.ID)
	b.mu.Unlock()
	return nil
}

func (b *ChannelBroker) Nack(ctx context.Context, d Delivery, reason string) error {
	b.mu.Lock()
	delete(b.inflight, d.ID)
	b.mu.Unlock()

	slog.Info("job requeued", "job_id", d.JobID, "next_attempt", d.Attempt+1, "reason", reason)
	return b.enqueue(ctx, Delivery{ID: uuid.New().String(), JobID: d.JobID, Attempt: d.Attempt + 1})
}

// Len reports queued (not yet consumed) deliveries.
func (b *ChannelBroker) Len() int {
	return len(b.ch)
}

// InFlight reports consumed but unacknowledged deliveries.
func (b *ChannelBroker) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

func (b *ChannelBroker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
