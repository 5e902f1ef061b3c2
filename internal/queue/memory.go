package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshcast/internal/models"
)

type entryState int

const (
	stateReady entryState = iota
	stateInFlight
	stateDone
)

type memoryEntry struct {
	id       string
	job      models.TranscodeJob
	state    entryState
	attempts int
	due      time.Time
}

// Memory is an in-process Queue used by tests and single-process deployments.
// Entries move through an index-addressed ready -> in-flight -> done state
// machine guarded by one mutex; redelivery due times are checked on Dequeue so
// no background timer is needed.
type Memory struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	entries []*memoryEntry
}

// NewMemory initialises an empty in-memory queue.
func NewMemory(opts Options) *Memory {
	return &Memory{opts: opts.withDefaults(), now: time.Now}
}

func (q *Memory) Enqueue(ctx context.Context, job models.TranscodeJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, &memoryEntry{
		id:  uuid.NewString(),
		job: job,
		due: q.now(),
	})
	return nil
}

func (q *Memory) Dequeue(ctx context.Context) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, entry := range q.entries {
		if entry.state != stateReady || entry.due.After(now) {
			continue
		}
		entry.state = stateInFlight
		entry.attempts++
		job := entry.job
		job.Attempts = entry.attempts - 1
		return Delivery{ID: entry.id, Attempt: entry.attempts, Job: job}, nil
	}
	return Delivery{}, ErrEmpty
}

func (q *Memory) Ack(ctx context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if entry := q.find(d.ID); entry != nil && entry.state == stateInFlight {
		entry.state = stateDone
	}
	return nil
}

func (q *Memory) Nack(ctx context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry := q.find(d.ID)
	if entry == nil || entry.state != stateInFlight {
		return nil
	}
	if entry.attempts >= q.opts.MaxAttempts {
		entry.state = stateDone
		return nil
	}
	entry.state = stateReady
	entry.due = q.now().Add(q.opts.retryDelay(entry.attempts))
	return nil
}

func (q *Memory) Close() error {
	return nil
}

// Len reports the number of payloads still ready or in flight.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, entry := range q.entries {
		if entry.state != stateDone {
			count++
		}
	}
	return count
}

func (q *Memory) find(id string) *memoryEntry {
	for _, entry := range q.entries {
		if entry.id == id {
			return entry
		}
	}
	return nil
}
