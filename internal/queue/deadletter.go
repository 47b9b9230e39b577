package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/courierhq/email-courier/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ DeadLetterPublisher = (*RabbitMQDeadLetterPublisher)(nil)

// RabbitMQDeadLetterPublisher forwards permanently-failed payloads to the
// durable inspection queue. The destination is declared on every channel
// acquisition; declaration is idempotent.
type RabbitMQDeadLetterPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQDeadLetterPublisher(client *RabbitMQ) *RabbitMQDeadLetterPublisher {
	return &RabbitMQDeadLetterPublisher{client: client}
}

func (p *RabbitMQDeadLetterPublisher) Publish(ctx context.Context, payload domain.Payload) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("dead-letter publisher is not initialized")
	}

	// The original payload goes out verbatim so operators can replay it.
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter payload: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     payload.RequestID,
		CorrelationId: payload.CorrelationID(),
		Body:          body,
	}

	if err := ch.PublishWithContext(ctx, DeadLetterExchange, DeadLetterRoutingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish dead letter for %q: %w", payload.RequestID, err)
	}

	return nil
}
