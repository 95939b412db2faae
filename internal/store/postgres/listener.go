package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-relay/internal/relay"
)

const listenRetryDelay = 5 * time.Second

// Listener turns pg_notify insert notifications into relay.Feed callbacks.
// Delivery is at-least-once and best-effort: notifications emitted while the
// listener is reconnecting are lost, and the reconciliation sweep picks those
// records up instead.
type Listener struct {
	pool   *pgxpool.Pool
	store  *RequestStore
	logger *zap.Logger

	mu   sync.Mutex
	subs []func(relay.Request)
}

// NewListener constructs a Listener over the store's pool.
func NewListener(store *RequestStore, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		pool:   store.Pool(),
		store:  store,
		logger: logger,
	}
}

// Subscribe registers an insert callback.
func (l *Listener) Subscribe(fn func(relay.Request)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, fn)
}

// Run blocks, dispatching notifications until the context finishes.
// Connection failures are logged and retried; the loop never crashes the
// process.
func (l *Listener) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.listen(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("insert listener disconnected", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(listenRetryDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+NotifyChannel); err != nil {
		return err
	}

	for {
		note, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.dispatch(ctx, note.Payload)
	}
}

func (l *Listener) dispatch(ctx context.Context, id string) {
	r, err := l.store.Get(ctx, id)
	if err != nil {
		// The record may already be gone; the sweep owns anything we miss.
		l.logger.Warn("notified request not loadable", zap.String("request_id", id), zap.Error(err))
		return
	}
	l.mu.Lock()
	subs := make([]func(relay.Request), len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()
	for _, fn := range subs {
		fn(r)
	}
}
