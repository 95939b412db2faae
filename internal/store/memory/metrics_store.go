package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/media-relay/internal/relay"
)

// MetricsStore implements relay.MetricsSink in memory.
type MetricsStore struct {
	clock relay.Clock

	mu          sync.Mutex
	total       int64
	byKind      map[relay.MediaKind]int64
	lastUpdated time.Time
}

// NewMetricsStore constructs a MetricsStore.
func NewMetricsStore(clock relay.Clock) *MetricsStore {
	return &MetricsStore{
		clock:  clock,
		byKind: make(map[relay.MediaKind]int64),
	}
}

// RecordProcessed increments the total and per-kind counters.
func (m *MetricsStore) RecordProcessed(_ context.Context, kind relay.MediaKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.byKind[kind]++
	m.lastUpdated = m.clock.Now()
	return nil
}

// Snapshot returns the current aggregate values.
func (m *MetricsStore) Snapshot() (total int64, byKind map[relay.MediaKind]int64, lastUpdated time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make(map[relay.MediaKind]int64, len(m.byKind))
	for k, v := range m.byKind {
		kinds[k] = v
	}
	return m.total, kinds, m.lastUpdated
}
