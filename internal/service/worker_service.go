package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/courierhq/email-courier/internal/domain"
	"github.com/courierhq/email-courier/internal/observability"
	"github.com/courierhq/email-courier/internal/queue"
	"github.com/courierhq/email-courier/internal/ratelimit"
)

// PayloadProcessor runs one payload through the delivery pipeline.
type PayloadProcessor interface {
	Process(ctx context.Context, payload domain.Payload) (domain.Outcome, error)
}

// WorkerScheduler runs a pool of queue consumers feeding the delivery
// pipeline. Each consumed payload is rate-limited, processed, and counted;
// only persistence failures propagate back to the broker for redelivery.
type WorkerScheduler struct {
	consumer    queue.Consumer
	processor   PayloadProcessor
	limiter     ratelimit.RateLimiter
	metrics     *observability.Metrics
	logger      *zap.Logger
	concurrency int
}

func NewWorkerScheduler(
	consumer queue.Consumer,
	processor PayloadProcessor,
	limiter ratelimit.RateLimiter,
	metrics *observability.Metrics,
	logger *zap.Logger,
	concurrency int,
) *WorkerScheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &WorkerScheduler{
		consumer:    consumer,
		processor:   processor,
		limiter:     limiter,
		metrics:     metrics,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Run blocks until ctx is cancelled, consuming the email work queue with
// the configured number of parallel consumers.
func (w *WorkerScheduler) Run(ctx context.Context) error {
	queueName := queue.QueueName(domain.TypeEmail)
	w.logger.Info("starting delivery workers",
		zap.String("queue", queueName),
		zap.Int("concurrency", w.concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			return w.consumer.Consume(ctx, queueName, w.Handle)
		})
	}
	return g.Wait()
}

// Handle processes one consumed payload. A non-nil return requeues the
// message, so it is reserved for persistence failures where record state
// is unknown.
func (w *WorkerScheduler) Handle(ctx context.Context, payload domain.Payload) error {
	notificationType := payload.NotificationType.String()

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, notificationType); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	w.metrics.IncWorkerInFlight(notificationType)
	defer w.metrics.DecWorkerInFlight(notificationType)

	started := time.Now()
	outcome, err := w.processor.Process(ctx, payload)
	if err != nil {
		w.logger.Error("processing failed, requeueing payload",
			zap.String("request_id", payload.RequestID),
			zap.Error(err))
		return err
	}

	w.metrics.ObserveDeliveryDuration(notificationType, time.Since(started))
	w.metrics.IncDeliveryOutcome(notificationType, outcome.Kind.String())
	if outcome.Kind == domain.OutcomePermanentlyFailed {
		w.metrics.IncDeadLetter(notificationType)
	}

	return nil
}
