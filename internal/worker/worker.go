// Package worker implements the fetch-and-deliver execution loop.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-relay/internal/metrics"
	"github.com/JakeFAU/media-relay/internal/relay"
)

// Config controls Pool behavior.
type Config struct {
	Concurrency     int
	MaxRetries      int
	SettleDelay     time.Duration
	NotifyExhausted bool
	Topic           string
}

// Pool runs a fixed number of workers over the job queue. Every failure
// inside a job handler is translated into a state transition; none
// propagate out of the worker loop.
type Pool struct {
	queue     relay.Queue
	store     relay.RequestStore
	fetcher   relay.Fetcher
	notifier  relay.Notifier
	sink      relay.MetricsSink
	publisher relay.Publisher
	clock     relay.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Pool.
func New(
	queue relay.Queue,
	store relay.RequestStore,
	fetcher relay.Fetcher,
	notifier relay.Notifier,
	sink relay.MetricsSink,
	publisher relay.Publisher,
	clock relay.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	return &Pool{
		queue:     queue,
		store:     store,
		fetcher:   fetcher,
		notifier:  notifier,
		sink:      sink,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run starts all workers and blocks until the context finishes.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			p.runWorker(ctx, p.logger.With(zap.Int("worker", index)))
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, logger *zap.Logger) {
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		p.processJob(ctx, job, logger)
	}
}

func (p *Pool) processJob(ctx context.Context, job relay.Job, logger *zap.Logger) {
	logger.Debug("processing job",
		zap.String("request_id", job.RequestID),
		zap.Int("retry_count", job.RetryCount),
	)
	metrics.WorkerStarted()
	defer metrics.WorkerFinished()

	// Optimistic: no lock is held past this point. If the record is already
	// gone the update is a no-op and the fetch outcome settles it.
	if err := p.store.MarkProcessing(ctx, job.RequestID); err != nil {
		logger.Error("mark processing failed", zap.String("request_id", job.RequestID), zap.Error(err))
	}

	start := p.clock.Now()
	result, err := p.fetcher.Fetch(ctx, job.SourceURL)
	metrics.ObserveFetchDuration(p.clock.Now().Sub(start))

	if err != nil {
		p.handleFailure(ctx, job, err, logger)
		if nackErr := p.queue.Nack(ctx, job); nackErr != nil {
			logger.Warn("job nack failed", zap.String("request_id", job.RequestID), zap.Error(nackErr))
		}
		return
	}

	p.handleSuccess(ctx, job, result, logger)
	if ackErr := p.queue.Ack(ctx, job); ackErr != nil {
		logger.Warn("job ack failed", zap.String("request_id", job.RequestID), zap.Error(ackErr))
	}
}

func (p *Pool) handleSuccess(ctx context.Context, job relay.Job, result relay.FetchResult, logger *zap.Logger) {
	// Let notifier-side rate limits clear before delivering.
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.SettleDelay):
	}

	delivery := relay.Delivery{
		ChatID:      job.ChatID,
		MessageID:   job.MessageID,
		RequestedBy: job.RequestedBy,
		SourceURL:   job.SourceURL,
		Result:      result,
	}
	if err := p.notifier.Deliver(ctx, delivery); err != nil {
		// The fetch succeeded; redelivery is not this pipeline's concern.
		logger.Error("delivery failed",
			zap.String("request_id", job.RequestID),
			zap.String("media_kind", string(result.MediaKind)),
			zap.Error(err),
		)
	}

	if err := p.store.Delete(ctx, job.RequestID); err != nil {
		logger.Error("request delete failed", zap.String("request_id", job.RequestID), zap.Error(err))
	}
	if err := p.sink.RecordProcessed(ctx, result.MediaKind); err != nil {
		logger.Error("metrics record failed", zap.String("request_id", job.RequestID), zap.Error(err))
	}
	metrics.ObserveProcessed(string(result.MediaKind), "succeeded")
	p.publishProcessed(ctx, job, result, logger)

	logger.Info("request processed",
		zap.String("request_id", job.RequestID),
		zap.String("media_kind", string(result.MediaKind)),
		zap.Int("items", len(result.Items)),
	)
}

func (p *Pool) handleFailure(ctx context.Context, job relay.Job, fetchErr error, logger *zap.Logger) {
	newRetry := job.RetryCount + 1
	if newRetry <= p.cfg.MaxRetries {
		if err := p.store.Requeue(ctx, job.RequestID); err != nil {
			logger.Error("requeue failed", zap.String("request_id", job.RequestID), zap.Error(err))
		}
		metrics.ObserveProcessed("", "retried")
		logger.Warn("fetch failed, request requeued",
			zap.String("request_id", job.RequestID),
			zap.Int("retry_count", newRetry),
			zap.Error(fetchErr),
		)
		return
	}

	// Retry budget exhausted: abandon the request.
	if p.cfg.NotifyExhausted {
		if err := p.notifier.DeliverFailure(ctx, job.ChatID, job.MessageID); err != nil {
			logger.Warn("exhaustion notice failed", zap.String("request_id", job.RequestID), zap.Error(err))
		}
	}
	if err := p.store.Delete(ctx, job.RequestID); err != nil {
		logger.Error("request delete failed", zap.String("request_id", job.RequestID), zap.Error(err))
	}
	metrics.ObserveProcessed("", "abandoned")
	logger.Error("retry budget exhausted, request abandoned",
		zap.String("request_id", job.RequestID),
		zap.Int("retry_count", newRetry),
		zap.Error(fetchErr),
	)
}

func (p *Pool) publishProcessed(ctx context.Context, job relay.Job, result relay.FetchResult, logger *zap.Logger) {
	if p.cfg.Topic == "" || p.publisher == nil {
		return
	}
	payload := map[string]any{
		"request_id": job.RequestID,
		"short_code": job.ShortCode,
		"media_kind": string(result.MediaKind),
		"items":      len(result.Items),
		"timestamp":  p.clock.Now().Format(time.RFC3339),
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.Topic, payload); err != nil {
		logger.Warn("processed event publish failed", zap.String("request_id", job.RequestID), zap.Error(err))
	}
}
