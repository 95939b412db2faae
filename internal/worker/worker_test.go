package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-relay/internal/relay"
)

type fakeQueue struct {
	mu     sync.Mutex
	items  []relay.Job
	acks   []string
	nacks  []string
	empty  chan struct{}
	closed bool
}

func newFakeQueue(items ...relay.Job) *fakeQueue {
	return &fakeQueue{items: items, empty: make(chan struct{})}
}

func (q *fakeQueue) Enqueue(_ context.Context, job relay.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, job)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (relay.Job, error) {
	q.mu.Lock()
	if len(q.items) > 0 {
		job := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return job, nil
	}
	if !q.closed {
		q.closed = true
		close(q.empty)
	}
	q.mu.Unlock()
	<-ctx.Done()
	return relay.Job{}, ctx.Err()
}

func (q *fakeQueue) Ack(_ context.Context, job relay.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acks = append(q.acks, job.RequestID)
	return nil
}

func (q *fakeQueue) Nack(_ context.Context, job relay.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacks = append(q.nacks, job.RequestID)
	return nil
}

func (q *fakeQueue) InFlightIDs(context.Context) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

func (q *fakeQueue) Purge(context.Context) error                { return nil }
func (q *fakeQueue) Clean(context.Context, time.Duration) error { return nil }

func (q *fakeQueue) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acks)
}

func (q *fakeQueue) nackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.nacks)
}

type fakeStore struct {
	mu         sync.Mutex
	processing []string
	requeues   []string
	deletes    []string
}

func (s *fakeStore) Create(context.Context, relay.Request) (string, error) { return "", nil }
func (s *fakeStore) Get(context.Context, string) (relay.Request, error) {
	return relay.Request{}, relay.ErrNotFound
}

func (s *fakeStore) MarkProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = append(s.processing, id)
	return nil
}

func (s *fakeStore) Requeue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeues = append(s.requeues, id)
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, id)
	return nil
}

func (s *fakeStore) ListPending(context.Context, int) ([]relay.Request, error) {
	return nil, nil
}

func (s *fakeStore) ReleaseStalled(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *fakeStore) deleteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deletes)
}

func (s *fakeStore) requeueCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requeues)
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	failing int
	result  relay.FetchResult
}

func (f *fakeFetcher) Fetch(context.Context, string) (relay.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failing {
		return relay.FetchResult{}, errors.New("source unavailable")
	}
	return f.result, nil
}

type fakeNotifier struct {
	mu         sync.Mutex
	deliveries []relay.Delivery
	failures   []int64
	err        error
}

func (n *fakeNotifier) Deliver(_ context.Context, d relay.Delivery) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, d)
	return n.err
}

func (n *fakeNotifier) DeliverFailure(_ context.Context, chatID int64, _ int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, chatID)
	return nil
}

func (n *fakeNotifier) deliveryCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.deliveries)
}

type fakeSink struct {
	mu    sync.Mutex
	kinds []relay.MediaKind
}

func (s *fakeSink) RecordProcessed(_ context.Context, kind relay.MediaKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kinds)
}

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Unix(1000, 0) }

func testConfig() Config {
	return Config{
		Concurrency: 1,
		MaxRetries:  5,
		SettleDelay: time.Millisecond,
	}
}

func TestPoolSuccessPath(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := newFakeQueue(relay.Job{
		RequestID: "r1",
		SourceURL: "https://www.instagram.com/reel/DAbc/",
		ChatID:    42,
		MessageID: 9,
	})
	store := &fakeStore{}
	fetcher := &fakeFetcher{result: relay.FetchResult{
		MediaKind: relay.KindVideo,
		Items:     []relay.MediaItem{{Kind: relay.KindVideo, URL: "https://cdn.example/v.mp4"}},
	}}
	notifier := &fakeNotifier{}
	sink := &fakeSink{}

	pool := New(queue, store, fetcher, notifier, sink, nil, fakeClock{}, testConfig(), zap.NewNop())
	go pool.Run(ctx)

	require.Eventually(t, func() bool { return queue.ackCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, notifier.deliveryCount())
	require.Equal(t, 1, sink.count())
	require.Equal(t, []string{"r1"}, store.deletes)
	require.Zero(t, store.requeueCount())
	require.Equal(t, int64(42), notifier.deliveries[0].ChatID)
	cancel()
}

func TestPoolFailureRequeuesWithinBudget(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := newFakeQueue(relay.Job{RequestID: "r2", RetryCount: 2})
	store := &fakeStore{}
	fetcher := &fakeFetcher{failing: 10}
	notifier := &fakeNotifier{}
	sink := &fakeSink{}

	pool := New(queue, store, fetcher, notifier, sink, nil, fakeClock{}, testConfig(), zap.NewNop())
	go pool.Run(ctx)

	require.Eventually(t, func() bool { return queue.nackCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"r2"}, store.requeues)
	require.Zero(t, store.deleteCount())
	require.Zero(t, notifier.deliveryCount())
	require.Zero(t, sink.count())
	cancel()
}

func TestPoolExhaustedRetriesDeletesRecord(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := newFakeQueue(relay.Job{RequestID: "r3", ChatID: 7, RetryCount: 5})
	store := &fakeStore{}
	fetcher := &fakeFetcher{failing: 10}
	notifier := &fakeNotifier{}
	sink := &fakeSink{}

	cfg := testConfig()
	cfg.NotifyExhausted = true
	pool := New(queue, store, fetcher, notifier, sink, nil, fakeClock{}, cfg, zap.NewNop())
	go pool.Run(ctx)

	require.Eventually(t, func() bool { return store.deleteCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(t, store.requeueCount())
	require.Zero(t, notifier.deliveryCount())
	require.Equal(t, []int64{7}, notifier.failures)
	require.Zero(t, sink.count())
	cancel()
}

func TestPoolNotifierFailureStillDeletesRecord(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := newFakeQueue(relay.Job{RequestID: "r4"})
	store := &fakeStore{}
	fetcher := &fakeFetcher{result: relay.FetchResult{MediaKind: relay.KindImage}}
	notifier := &fakeNotifier{err: errors.New("chat unreachable")}
	sink := &fakeSink{}

	pool := New(queue, store, fetcher, notifier, sink, nil, fakeClock{}, testConfig(), zap.NewNop())
	go pool.Run(ctx)

	require.Eventually(t, func() bool { return queue.ackCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"r4"}, store.deletes)
	require.Equal(t, 1, sink.count())
	cancel()
}

// Three failed attempts followed by a success: the record survives the
// failures with its retry count climbing, then the success removes it with
// exactly one delivery and one metrics increment.
func TestPoolRetryThenSuccessScenario(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := newFakeQueue(
		relay.Job{RequestID: "r5", RetryCount: 0},
		relay.Job{RequestID: "r5", RetryCount: 1},
		relay.Job{RequestID: "r5", RetryCount: 2},
		relay.Job{RequestID: "r5", RetryCount: 3},
	)
	store := &fakeStore{}
	fetcher := &fakeFetcher{
		failing: 3,
		result:  relay.FetchResult{MediaKind: relay.KindVideo},
	}
	notifier := &fakeNotifier{}
	sink := &fakeSink{}

	pool := New(queue, store, fetcher, notifier, sink, nil, fakeClock{}, testConfig(), zap.NewNop())
	go pool.Run(ctx)

	require.Eventually(t, func() bool { return queue.ackCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 3, queue.nackCount())
	require.Equal(t, 3, store.requeueCount())
	require.Equal(t, []string{"r5"}, store.deletes)
	require.Equal(t, 1, notifier.deliveryCount())
	require.Equal(t, 1, sink.count())
	cancel()
}
