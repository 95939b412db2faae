// Package memory provides the in-process job queue implementation.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/media-relay/internal/relay"
)

type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeFailed    outcome = "failed"
)

type finishedJob struct {
	outcome outcome
	at      time.Time
}

// Queue is a bounded in-memory job queue with context-aware operations.
// It tracks waiting/active membership so that at most one live job exists
// per request id, and keeps finished-job bookkeeping until cleaned.
type Queue struct {
	ch    chan relay.Job
	clock relay.Clock

	mu       sync.Mutex
	waiting  map[string]struct{}
	active   map[string]struct{}
	finished map[string]finishedJob
	closed   bool
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int, clock relay.Clock) *Queue {
	return &Queue{
		ch:       make(chan relay.Job, capacity),
		clock:    clock,
		waiting:  map[string]struct{}{},
		active:   map[string]struct{}{},
		finished: map[string]finishedJob{},
	}
}

// Enqueue admits a job unless its request id already has a live job, in
// which case relay.ErrDuplicateJob is returned. The admission check and the
// waiting-set insert are atomic, which closes the reactive/reconciling
// double-enqueue race without coordination between the dispatch paths.
func (q *Queue) Enqueue(ctx context.Context, job relay.Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue closed")
	}
	if _, ok := q.waiting[job.RequestID]; ok {
		q.mu.Unlock()
		return relay.ErrDuplicateJob
	}
	if _, ok := q.active[job.RequestID]; ok {
		q.mu.Unlock()
		return relay.ErrDuplicateJob
	}
	q.waiting[job.RequestID] = struct{}{}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.waiting, job.RequestID)
		q.mu.Unlock()
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next job, parking until one is available or the context
// ends. The job moves from the waiting set to the active set.
func (q *Queue) Dequeue(ctx context.Context) (relay.Job, error) {
	select {
	case <-ctx.Done():
		return relay.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return relay.Job{}, errors.New("queue closed")
		}
		q.mu.Lock()
		delete(q.waiting, job.RequestID)
		q.active[job.RequestID] = struct{}{}
		q.mu.Unlock()
		return job, nil
	}
}

// Ack marks an active job as completed. Queue bookkeeping only; the request
// store is the source of truth for outcomes.
func (q *Queue) Ack(_ context.Context, job relay.Job) error {
	return q.finish(job.RequestID, outcomeCompleted)
}

// Nack discards a failed job. Retry is expressed by the request store
// transitioning back to pending, not by queue-level redelivery.
func (q *Queue) Nack(_ context.Context, job relay.Job) error {
	return q.finish(job.RequestID, outcomeFailed)
}

func (q *Queue) finish(requestID string, out outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.active[requestID]; !ok {
		return fmt.Errorf("job %s is not active", requestID)
	}
	delete(q.active, requestID)
	q.finished[requestID] = finishedJob{outcome: out, at: q.clock.Now()}
	return nil
}

// InFlightIDs returns the request ids with a waiting or active job. The set
// is computed fresh on every call; callers must not cache it.
func (q *Queue) InFlightIDs(_ context.Context) (map[string]struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]struct{}, len(q.waiting)+len(q.active))
	for id := range q.waiting {
		out[id] = struct{}{}
	}
	for id := range q.active {
		out[id] = struct{}{}
	}
	return out, nil
}

// Purge drains waiting jobs and discards finished-job bookkeeping. Active
// jobs stay with their workers. Run at startup before the first
// reconciliation so a crashed process leaves no orphaned queue state behind.
func (q *Queue) Purge(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case job := <-q.ch:
			delete(q.waiting, job.RequestID)
		default:
			q.finished = map[string]finishedJob{}
			return nil
		}
	}
}

// Clean discards finished-job bookkeeping older than the retention window.
// Housekeeping only; never touches request store state.
func (q *Queue) Clean(_ context.Context, olderThan time.Duration) error {
	cutoff := q.clock.Now().Add(-olderThan)
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, fj := range q.finished {
		if fj.at.Before(cutoff) {
			delete(q.finished, id)
		}
	}
	return nil
}

// FinishedCount reports retained bookkeeping entries (for tests and stats).
func (q *Queue) FinishedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.finished)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
