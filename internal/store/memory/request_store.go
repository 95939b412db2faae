// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/media-relay/internal/relay"
)

// RequestStore implements relay.RequestStore and relay.Feed in memory.
// Insert notifications fan out asynchronously so a slow subscriber never
// blocks the inbound path.
type RequestStore struct {
	clock relay.Clock
	idGen relay.IDGenerator

	mu       sync.RWMutex
	requests map[string]relay.Request
	subs     []func(relay.Request)
}

// NewRequestStore constructs a RequestStore.
func NewRequestStore(clock relay.Clock, idGen relay.IDGenerator) *RequestStore {
	return &RequestStore{
		clock:    clock,
		idGen:    idGen,
		requests: make(map[string]relay.Request),
	}
}

// Create inserts a request in pending status and notifies subscribers.
func (s *RequestStore) Create(_ context.Context, r relay.Request) (string, error) {
	if r.ID == "" {
		id, err := s.idGen.NewID()
		if err != nil {
			return "", err
		}
		r.ID = id
	}
	now := s.clock.Now()
	r.Status = relay.StatusPending
	r.CreatedAt = now
	r.UpdatedAt = now

	s.mu.Lock()
	s.requests[r.ID] = r
	subs := make([]func(relay.Request), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, fn := range subs {
		go fn(r)
	}
	return r.ID, nil
}

// Get fetches a request by id.
func (s *RequestStore) Get(_ context.Context, id string) (relay.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return relay.Request{}, relay.ErrNotFound
	}
	return r, nil
}

// MarkProcessing flips a request to processing. A missing record is a no-op:
// the worker that lost a duplicate race must not fail on it.
func (s *RequestStore) MarkProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil
	}
	r.Status = relay.StatusProcessing
	r.UpdatedAt = s.clock.Now()
	s.requests[id] = r
	return nil
}

// Requeue returns a request to pending with an incremented retry count.
func (s *RequestStore) Requeue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil
	}
	r.Status = relay.StatusPending
	r.RetryCount++
	r.UpdatedAt = s.clock.Now()
	s.requests[id] = r
	return nil
}

// Delete removes a request. Deleting a missing record is a no-op.
func (s *RequestStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
	return nil
}

// ListPending returns pending requests with a retry count below the limit,
// oldest created first.
func (s *RequestStore) ListPending(_ context.Context, retryLimit int) ([]relay.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []relay.Request
	for _, r := range s.requests {
		if r.Status == relay.StatusPending && r.RetryCount < retryLimit {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ReleaseStalled demotes processing records not touched since the cutoff
// back to pending, making them eligible for the next reconciliation pass.
func (s *RequestStore) ReleaseStalled(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	now := s.clock.Now()
	for id, r := range s.requests {
		if r.Status == relay.StatusProcessing && r.UpdatedAt.Before(before) {
			r.Status = relay.StatusPending
			r.UpdatedAt = now
			s.requests[id] = r
			released++
		}
	}
	return released, nil
}

// Subscribe registers an insert callback.
func (s *RequestStore) Subscribe(fn func(relay.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Len reports the number of stored requests (for tests and stats).
func (s *RequestStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}
