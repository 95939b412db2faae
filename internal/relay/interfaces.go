package relay

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by store lookups for missing records. Mutations on
// missing records (update/delete) are no-ops, not errors.
var ErrNotFound = errors.New("request not found")

// ErrDuplicateJob is returned by Queue.Enqueue when the request id already
// has a live job. Both dispatch paths treat it as success.
var ErrDuplicateJob = errors.New("request already has a live job")

// RequestStore persists request records; the system of record.
type RequestStore interface {
	Create(ctx context.Context, r Request) (string, error)
	Get(ctx context.Context, id string) (Request, error)
	MarkProcessing(ctx context.Context, id string) error
	Requeue(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	ListPending(ctx context.Context, retryLimit int) ([]Request, error)
	ReleaseStalled(ctx context.Context, before time.Time) (int, error)
}

// Feed delivers at-least-once, best-effort notifications for request inserts.
// Delivery across a process crash is not guaranteed; the reconciliation sweep
// covers that gap.
type Feed interface {
	Subscribe(fn func(Request))
}

// Queue provides at-least-once job scheduling with in-flight bookkeeping.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
	Ack(ctx context.Context, job Job) error
	Nack(ctx context.Context, job Job) error
	InFlightIDs(ctx context.Context) (map[string]struct{}, error)
	Purge(ctx context.Context) error
	Clean(ctx context.Context, olderThan time.Duration) error
}

// Fetcher retrieves media for a source URL. Any error is a retryable failure;
// the retry policy does not distinguish transient from permanent.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) (FetchResult, error)
}

// Notifier delivers fetched media back to the requester. Best-effort:
// the pipeline logs failures and moves on.
type Notifier interface {
	Deliver(ctx context.Context, d Delivery) error
	DeliverFailure(ctx context.Context, chatID int64, messageID int) error
}

// MetricsSink records processed requests in the aggregate document.
type MetricsSink interface {
	RecordProcessed(ctx context.Context, kind MediaKind) error
}

// Publisher pushes processed-request events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
