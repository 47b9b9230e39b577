package queue

import (
	"context"
	"fmt"

	"github.com/courierhq/email-courier/internal/domain"
)

// Publisher publishes notification payloads to a work queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload domain.Payload) error
	Close() error
}

// PayloadHandler handles a consumed queue payload. A non-nil error causes
// the delivery to be requeued for another attempt.
type PayloadHandler func(ctx context.Context, payload domain.Payload) error

// Consumer consumes notification payloads from a work queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler PayloadHandler) error
	Close() error
}

// DeadLetterPublisher forwards a permanently-failed payload to the durable
// inspection destination. Best-effort: publish failures must never re-enter
// delivery control flow.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, payload domain.Payload) error
}

var supportedTypes = []domain.Type{
	domain.TypeEmail,
	domain.TypePush,
}

// Dead-letter destination topology, shared with the operational tooling
// that drains failed payloads for manual recovery.
const (
	DeadLetterExchange   = "notifications.direct"
	DeadLetterQueue      = "failed.queue"
	DeadLetterRoutingKey = "failed"
)

// QueueName returns the work queue name for a notification type,
// e.g. notify.email.
func QueueName(t domain.Type) string {
	return fmt.Sprintf("notify.%s", t.String())
}

// WorkQueueNames returns all per-type work queues.
func WorkQueueNames() []string {
	queues := make([]string, 0, len(supportedTypes))
	for _, t := range supportedTypes {
		queues = append(queues, QueueName(t))
	}
	return queues
}

// PriorityValue maps payload priority (1-100) to an AMQP message priority
// (0-9 band).
func PriorityValue(priority int) uint8 {
	if priority < domain.MinPriority {
		priority = domain.MinPriority
	}
	if priority > domain.MaxPriority {
		priority = domain.MaxPriority
	}
	return uint8((priority - 1) / 10)
}
