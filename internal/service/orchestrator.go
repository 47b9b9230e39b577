package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/email-courier/internal/breaker"
	"github.com/courierhq/email-courier/internal/domain"
	"github.com/courierhq/email-courier/internal/mailer"
	"github.com/courierhq/email-courier/internal/observability"
	"github.com/courierhq/email-courier/internal/queue"
	"github.com/courierhq/email-courier/internal/report"
	"github.com/courierhq/email-courier/internal/repository"
	"github.com/courierhq/email-courier/internal/template"
)

const (
	maxDeliveryAttempts = 5
	maxRetryBackoff     = 600 * time.Second
)

// RetryDelay returns the exponential backoff before the given attempt
// number is retried, capped at ten minutes.
func RetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	if attemptNumber > 10 {
		return maxRetryBackoff
	}
	delay := time.Duration(1<<uint(attemptNumber)) * time.Second
	if delay > maxRetryBackoff {
		return maxRetryBackoff
	}
	return delay
}

// Orchestrator drives a single notification payload through the delivery
// state machine: idempotency check, record creation, template resolution,
// transport send, and retry or dead-letter escalation.
//
// Process returns a non-nil error only when the durable record state is
// unknown (persistence failure); every delivery-level failure is expressed
// as an Outcome so the queue message can be acknowledged.
type Orchestrator struct {
	records          repository.RecordRepository
	templates        template.Fetcher
	templateBreaker  *breaker.Breaker
	transportBreaker *breaker.Breaker
	sender           mailer.Sender
	deadLetters      queue.DeadLetterPublisher
	reporter         report.Reporter
	logger           *zap.Logger

	now func() time.Time
}

func NewOrchestrator(
	records repository.RecordRepository,
	templates template.Fetcher,
	templateBreaker *breaker.Breaker,
	transportBreaker *breaker.Breaker,
	sender mailer.Sender,
	deadLetters queue.DeadLetterPublisher,
	reporter report.Reporter,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		records:          records,
		templates:        templates,
		templateBreaker:  templateBreaker,
		transportBreaker: transportBreaker,
		sender:           sender,
		deadLetters:      deadLetters,
		reporter:         reporter,
		logger:           logger,
		now:              time.Now,
	}
}

// Process delivers one payload and returns the outcome. It is safe to call
// repeatedly with the same request id: terminal records short-circuit
// before any side effect.
func (o *Orchestrator) Process(ctx context.Context, payload domain.Payload) (domain.Outcome, error) {
	ctx = observability.WithCorrelationID(ctx, payload.CorrelationID())
	logger := observability.WithContextLogger(o.logger, ctx).With(
		zap.String("request_id", payload.RequestID),
		zap.String("template_code", payload.TemplateCode),
	)

	existing, err := o.records.GetByRequestID(ctx, payload.RequestID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Outcome{}, fmt.Errorf("failed to look up record %q: %w", payload.RequestID, err)
	}
	if existing != nil && existing.Status.IsTerminal() {
		logger.Debug("record already terminal, skipping",
			zap.String("status", existing.Status.String()))
		return terminalOutcome(existing), nil
	}

	record, created, err := o.records.CreateOrGet(ctx, domain.NewRecord(payload))
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("failed to create record %q: %w", payload.RequestID, err)
	}
	if !created && record.Status.IsTerminal() {
		return terminalOutcome(record), nil
	}

	body := o.resolveTemplate(ctx, logger, payload.TemplateCode)
	rendered := template.Render(body, payload.Variables)

	toAddress := record.ToAddress
	if toAddress == "" {
		toAddress = payload.ToAddress()
	}
	if toAddress == "" {
		logger.Warn("payload has no destination address, failing permanently")
		return o.failPermanently(ctx, logger, payload, "missing destination address")
	}

	sendErr := o.transportBreaker.Do(ctx, func(ctx context.Context) error {
		return o.sender.Send(ctx, mailer.Message{
			To:      toAddress,
			Subject: payload.Subject(),
			Body:    rendered,
		})
	})
	if sendErr == nil {
		return o.completeDelivery(ctx, logger, payload)
	}

	if breaker.IsOpen(sendErr) {
		logger.Warn("transport breaker open, scheduling retry")
	} else {
		logger.Warn("send failed", zap.Error(sendErr))
	}

	attemptNumber := record.Attempts + 1
	if attemptNumber >= maxDeliveryAttempts {
		return o.failPermanently(ctx, logger, payload, sendErr.Error())
	}

	delay := RetryDelay(attemptNumber)
	err = o.records.MarkRetry(ctx, payload.RequestID, sendErr.Error(), o.now().Add(delay))
	if errors.Is(err, domain.ErrConflict) {
		return o.reconcileTerminal(ctx, payload.RequestID)
	}
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("failed to schedule retry for %q: %w", payload.RequestID, err)
	}

	logger.Info("retry scheduled",
		zap.Int("attempt", attemptNumber),
		zap.Duration("delay", delay))
	return domain.RetryScheduled(delay), nil
}

// resolveTemplate fetches the template through its breaker, degrading to
// the built-in fallback body on any failure.
func (o *Orchestrator) resolveTemplate(ctx context.Context, logger *zap.Logger, code string) string {
	body, err := breaker.Run(ctx, o.templateBreaker, func(ctx context.Context) (string, error) {
		return o.templates.Fetch(ctx, code)
	})
	if err != nil {
		logger.Warn("template fetch failed, using fallback", zap.Error(err))
		return template.DefaultTemplate
	}
	return body
}

func (o *Orchestrator) completeDelivery(ctx context.Context, logger *zap.Logger, payload domain.Payload) (domain.Outcome, error) {
	err := o.records.MarkDelivered(ctx, payload.RequestID)
	if errors.Is(err, domain.ErrConflict) {
		return o.reconcileTerminal(ctx, payload.RequestID)
	}
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("failed to mark %q delivered: %w", payload.RequestID, err)
	}

	o.report(ctx, logger, payload.RequestID, domain.StatusDelivered, "")
	logger.Info("notification delivered")
	return domain.Delivered(), nil
}

// failPermanently terminalizes the record and escalates the payload to the
// dead-letter queue. The dead-letter publish happens only after this
// process wins the terminal update, so escalation is not duplicated by
// concurrent redeliveries.
func (o *Orchestrator) failPermanently(ctx context.Context, logger *zap.Logger, payload domain.Payload, reason string) (domain.Outcome, error) {
	err := o.records.MarkFailed(ctx, payload.RequestID, reason)
	if errors.Is(err, domain.ErrConflict) {
		return o.reconcileTerminal(ctx, payload.RequestID)
	}
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("failed to mark %q failed: %w", payload.RequestID, err)
	}

	if o.deadLetters != nil {
		if dlErr := o.deadLetters.Publish(ctx, payload); dlErr != nil {
			logger.Error("failed to publish dead letter", zap.Error(dlErr))
		}
	}

	o.report(ctx, logger, payload.RequestID, domain.StatusFailed, reason)
	logger.Warn("notification permanently failed", zap.String("reason", reason))
	return domain.PermanentlyFailed(reason), nil
}

// reconcileTerminal maps a lost terminal-update race to the outcome the
// winning process produced.
func (o *Orchestrator) reconcileTerminal(ctx context.Context, requestID string) (domain.Outcome, error) {
	record, err := o.records.GetByRequestID(ctx, requestID)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("failed to reconcile record %q: %w", requestID, err)
	}
	return terminalOutcome(record), nil
}

func (o *Orchestrator) report(ctx context.Context, logger *zap.Logger, requestID string, status domain.Status, errMsg string) {
	if o.reporter == nil {
		return
	}
	if err := o.reporter.Report(ctx, requestID, status, errMsg); err != nil {
		logger.Warn("status callback failed", zap.Error(err))
	}
}

func terminalOutcome(record *domain.Record) domain.Outcome {
	if record.Status == domain.StatusFailed {
		return domain.PermanentlyFailed(record.Error)
	}
	return domain.AlreadyDelivered()
}
