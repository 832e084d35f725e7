// Package queue delivers job ids from the API to the worker pool.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned once a broker has been closed.
var ErrClosed = errors.New("broker closed")

// Delivery is one at-least-once hand-off of a job to a worker.
type Delivery struct {
	ID      string // broker-specific message id
	JobID   string
	Attempt int // 1 on first delivery
}

// Broker dispatches job ids to workers. Deliveries must be acknowledged with
// Ack once the job reached a durable checkpoint, or returned with Nack.
type Broker interface {
	Publish(ctx context.Context, jobID string) error
	// Consume blocks until a delivery is available or ctx is done.
	Consume(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Nack makes the delivery available again with Attempt incremented.
	Nack(ctx context.Context, d Delivery, reason string) error
	Close() error
}

// Reclaimer is implemented by brokers that can recover deliveries held by
// consumers that died before acknowledging them.
type Reclaimer interface {
	Reclaim(ctx context.Context) (int, error)
}
