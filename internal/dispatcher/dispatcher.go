// Package dispatcher decides which requests need a job in the queue.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-relay/internal/relay"
)

// Config controls Dispatcher cadence and policy.
type Config struct {
	ReconcileInterval time.Duration
	CleanInterval     time.Duration
	Retention         time.Duration
	// RetryLimit is the exclusive upper bound on retry count for dispatch:
	// the retry ceiling plus one, so the final attempt still gets a job.
	RetryLimit int
	StaleAfter time.Duration
}

// Dispatcher reconciles the request store against the job queue. It is the
// only component that enqueues jobs, fed by two paths that share one dedup
// rule: the reactive insert feed and the periodic reconciliation sweep.
type Dispatcher struct {
	store  relay.RequestStore
	queue  relay.Queue
	feed   relay.Feed
	clock  relay.Clock
	cfg    Config
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(
	store relay.RequestStore,
	queue relay.Queue,
	feed relay.Feed,
	clock relay.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = time.Minute
	}
	if cfg.CleanInterval <= 0 {
		cfg.CleanInterval = time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 6
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	return &Dispatcher{
		store:  store,
		queue:  queue,
		feed:   feed,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Run purges the queue, reconciles once, subscribes the insert feed, and
// then keeps the reconcile and clean timers running until the context
// finishes. Timer failures are logged; the loop never stops on them.
func (d *Dispatcher) Run(ctx context.Context) {
	// Clean slate after a crash: the store, not the queue, is the source of
	// truth for what needs processing.
	if err := d.queue.Purge(ctx); err != nil {
		d.logger.Error("startup queue purge failed", zap.Error(err))
	}
	d.reconcile(ctx)

	if d.feed != nil {
		d.feed.Subscribe(func(r relay.Request) {
			d.enqueue(ctx, r)
		})
	}

	reconcile := time.NewTicker(d.cfg.ReconcileInterval)
	defer reconcile.Stop()
	clean := time.NewTicker(d.cfg.CleanInterval)
	defer clean.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcile.C:
			d.reconcile(ctx)
		case <-clean.C:
			if err := d.queue.Clean(ctx, d.cfg.Retention); err != nil {
				d.logger.Warn("queue clean failed", zap.Error(err))
			}
		}
	}
}

// Reconcile runs one reconciliation pass: release stalled processing
// records, then enqueue every dispatchable pending record that has no live
// job. Exported for startup wiring and tests; Run calls it on its ticker.
func (d *Dispatcher) Reconcile(ctx context.Context) {
	d.reconcile(ctx)
}

func (d *Dispatcher) reconcile(ctx context.Context) {
	released, err := d.store.ReleaseStalled(ctx, d.clock.Now().Add(-d.cfg.StaleAfter))
	if err != nil {
		d.logger.Error("release stalled failed", zap.Error(err))
	} else if released > 0 {
		d.logger.Info("released stalled requests", zap.Int("count", released))
	}

	inflight, err := d.queue.InFlightIDs(ctx)
	if err != nil {
		d.logger.Error("in-flight lookup failed", zap.Error(err))
		return
	}
	pending, err := d.store.ListPending(ctx, d.cfg.RetryLimit)
	if err != nil {
		d.logger.Error("list pending failed", zap.Error(err))
		return
	}

	toEnqueue := selectEnqueueable(pending, inflight)
	for _, r := range toEnqueue {
		d.enqueue(ctx, r)
	}
	if len(toEnqueue) > 0 {
		d.logger.Info("reconciled pending requests",
			zap.Int("pending", len(pending)),
			zap.Int("enqueued", len(toEnqueue)),
		)
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, r relay.Request) {
	err := d.queue.Enqueue(ctx, relay.NewJob(r))
	switch {
	case err == nil:
		d.logger.Debug("job enqueued",
			zap.String("request_id", r.ID),
			zap.Int("retry_count", r.RetryCount),
		)
	case errors.Is(err, relay.ErrDuplicateJob):
		// The other dispatch path won the race; nothing to do.
		d.logger.Debug("duplicate job skipped", zap.String("request_id", r.ID))
	default:
		d.logger.Error("enqueue failed", zap.String("request_id", r.ID), zap.Error(err))
	}
}

// selectEnqueueable is the dedup gate: the pending records whose id has no
// live job. Pending order is preserved (oldest created first).
func selectEnqueueable(pending []relay.Request, inflight map[string]struct{}) []relay.Request {
	var out []relay.Request
	for _, r := range pending {
		if _, ok := inflight[r.ID]; ok {
			continue
		}
		out = append(out, r)
	}
	return out
}
