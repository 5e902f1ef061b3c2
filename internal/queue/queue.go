// Package queue provides the durable FIFO work queue contract between the
// ingestion fan-out and the orchestrator. Delivery is at-least-once: a payload
// handed out with Dequeue is redelivered after a backoff unless acknowledged,
// up to a configured attempt ceiling. The queue's pop is the single
// serialization point that keeps two workers from receiving the same payload.
package queue

import (
	"context"
	"errors"
	"time"

	"meshcast/internal/models"
)

// ErrEmpty is returned by Dequeue when no payload is ready for delivery.
var ErrEmpty = errors.New("queue: no jobs ready")

// Delivery is one handed-out payload. ID is assigned at enqueue time and is
// stable across redeliveries, so ledger records keyed by it survive retries.
type Delivery struct {
	ID      string              `json:"id"`
	Attempt int                 `json:"attempt"`
	Job     models.TranscodeJob `json:"job"`

	// raw is the wire payload as stored by the Redis implementation; Ack and
	// Nack remove it from the processing list by value.
	raw []byte
}

// Queue is the work queue contract.
//
// Implementations must be safe for concurrent use.
type Queue interface {
	// Enqueue appends a payload to the tail of the queue.
	Enqueue(ctx context.Context, job models.TranscodeJob) error

	// Dequeue pops the oldest ready payload, or ErrEmpty when none is due.
	Dequeue(ctx context.Context) (Delivery, error)

	// Ack marks a delivery as done; it will not be redelivered.
	Ack(ctx context.Context, d Delivery) error

	// Nack schedules a delivery for redelivery after the configured backoff,
	// or drops it once the attempt ceiling is reached.
	Nack(ctx context.Context, d Delivery) error

	// Close releases any underlying resources.
	Close() error
}

// Options tune the at-least-once redelivery behaviour shared by all
// implementations.
type Options struct {
	// MaxAttempts caps deliveries per payload. Zero or negative selects the
	// default of 3.
	MaxAttempts int

	// Backoff is the base redelivery delay; attempt n waits Backoff*2^(n-1).
	// Zero or negative selects the default of one second.
	Backoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	return o
}

// retryDelay returns the backoff before redelivering a payload that has
// already been attempted `attempt` times.
func (o Options) retryDelay(attempt int) time.Duration {
	delay := o.Backoff
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
