package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/email-courier/internal/domain"
	"github.com/courierhq/email-courier/internal/queue"
	"github.com/courierhq/email-courier/internal/repository"
)

// EnqueueResult describes how an inbound payload was handled.
type EnqueueResult string

const (
	// EnqueueQueued means the payload was published to its work queue.
	EnqueueQueued EnqueueResult = "queued"
	// EnqueueInFlight means a non-terminal record for the same request id
	// already exists; the payload was not re-published.
	EnqueueInFlight EnqueueResult = "in_flight"
	// EnqueueAlreadyDelivered means the request id was already delivered.
	EnqueueAlreadyDelivered EnqueueResult = "already_delivered"
)

// IngestService accepts inbound notification requests, deduplicates them
// against the delivery log, and publishes new work to the queue.
type IngestService struct {
	records   repository.RecordRepository
	publisher queue.Publisher
	logger    *zap.Logger
}

func NewIngestService(records repository.RecordRepository, publisher queue.Publisher, logger *zap.Logger) *IngestService {
	return &IngestService{
		records:   records,
		publisher: publisher,
		logger:    logger,
	}
}

// Enqueue validates the payload and publishes it unless the request id is
// already delivered or currently moving through the pipeline. A payload
// without a request id gets a generated one, trading idempotence for
// convenience on callers that do not track their own ids.
func (s *IngestService) Enqueue(ctx context.Context, payload *domain.Payload) (EnqueueResult, error) {
	payload.Normalize()
	if payload.RequestID == "" {
		payload.RequestID = uuid.NewString()
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}

	record, err := s.records.GetByRequestID(ctx, payload.RequestID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("failed to look up record %q: %w", payload.RequestID, err)
	}
	if record != nil {
		switch record.Status {
		case domain.StatusDelivered:
			return EnqueueAlreadyDelivered, nil
		case domain.StatusPending, domain.StatusProcessing:
			return EnqueueInFlight, nil
		}
	}

	queueName := queue.QueueName(payload.NotificationType)
	if err := s.publisher.Publish(ctx, queueName, *payload); err != nil {
		return "", fmt.Errorf("failed to publish notification %q: %w", payload.RequestID, err)
	}

	s.logger.Info("notification queued",
		zap.String("request_id", payload.RequestID),
		zap.String("queue", queueName))
	return EnqueueQueued, nil
}

// GetByRequestID returns the delivery record for a request id.
func (s *IngestService) GetByRequestID(ctx context.Context, requestID string) (*domain.Record, error) {
	if requestID == "" {
		return nil, fmt.Errorf("%w: request_id is required", domain.ErrValidation)
	}
	return s.records.GetByRequestID(ctx, requestID)
}

// List returns a page of delivery records with the total match count.
func (s *IngestService) List(ctx context.Context, params repository.ListParams) ([]domain.Record, int64, error) {
	return s.records.List(ctx, params)
}
