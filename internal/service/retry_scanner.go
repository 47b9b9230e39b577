package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/email-courier/internal/domain"
	"github.com/courierhq/email-courier/internal/queue"
	"github.com/courierhq/email-courier/internal/repository"
)

const (
	defaultScanInterval = 5 * time.Second
	defaultScanLimit    = 100
)

// RetryScanner periodically re-enqueues pending records whose retry time
// has arrived. Clearing next_retry_at after a successful publish keeps the
// same record from being re-enqueued on the next scan while it waits in
// the queue.
type RetryScanner struct {
	records   repository.RecordRepository
	publisher queue.Publisher
	logger    *zap.Logger

	interval time.Duration
	limit    int
}

func NewRetryScanner(records repository.RecordRepository, publisher queue.Publisher, logger *zap.Logger) *RetryScanner {
	return &RetryScanner{
		records:   records,
		publisher: publisher,
		logger:    logger,
		interval:  defaultScanInterval,
		limit:     defaultScanLimit,
	}
}

// Run blocks until ctx is cancelled, scanning on a fixed interval. The
// first scan happens immediately so retries queued before a restart are
// picked up without waiting a full interval.
func (s *RetryScanner) Run(ctx context.Context) error {
	s.logger.Info("starting retry scanner",
		zap.Duration("interval", s.interval),
		zap.Int("limit", s.limit))

	if err := s.Scan(ctx); err != nil {
		s.logger.Error("retry scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Scan(ctx); err != nil {
				s.logger.Error("retry scan failed", zap.Error(err))
			}
		}
	}
}

// Scan re-enqueues one batch of due records. Publish failures skip the
// record and leave next_retry_at set so a later scan retries it.
func (s *RetryScanner) Scan(ctx context.Context) error {
	due, err := s.records.GetDueForRetry(ctx, s.limit)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	s.logger.Debug("re-enqueueing due retries", zap.Int("count", len(due)))

	for _, record := range due {
		payload := domain.PayloadFromRecord(record)
		queueName := queue.QueueName(payload.NotificationType)

		if err := s.publisher.Publish(ctx, queueName, payload); err != nil {
			s.logger.Error("failed to re-enqueue retry",
				zap.String("request_id", record.RequestID),
				zap.Error(err))
			continue
		}

		if err := s.records.ClearNextRetryAt(ctx, record.RequestID); err != nil {
			s.logger.Error("failed to clear retry time",
				zap.String("request_id", record.RequestID),
				zap.Error(err))
		}
	}

	return nil
}
