package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/usinatech/vigia/internal/model"
)

// Publisher publishes versioned envelopes to the main exchange with
// persistent delivery. With a confirm-mode channel it waits for the broker
// ack before reporting success.
type Publisher struct {
	sup      *Supervisor
	exchange string
	confirm  bool
	logger   *slog.Logger
}

// NewPublisher creates a publisher bound to the main exchange. confirm must
// match the supervisor's channel mode.
func NewPublisher(sup *Supervisor, exchange string, confirm bool, logger *slog.Logger) *Publisher {
	return &Publisher{sup: sup, exchange: exchange, confirm: confirm, logger: logger}
}

// Publish serializes env and publishes it under routingKey. The returned
// bool reports whether the broker accepted the message without pushback
// (always true in non-confirm mode once the write succeeds); callers may
// throttle on false. Connection loss surfaces as an error — retry semantics
// belong to the caller, in practice the next sampling cycle.
func (p *Publisher) Publish(ctx context.Context, routingKey string, env model.Envelope) (bool, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("broker: marshal envelope: %w", err)
	}

	ch, err := p.sup.Channel(ctx)
	if err != nil {
		return false, err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}

	if !p.confirm {
		if err := ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
			return false, fmt.Errorf("broker: publish %s: %w", routingKey, err)
		}
		return true, nil
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err != nil {
		return false, fmt.Errorf("broker: publish %s: %w", routingKey, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return false, fmt.Errorf("broker: confirm %s: %w", routingKey, err)
	}
	if !acked {
		p.logger.Warn("broker: publish nacked by broker", "routing_key", routingKey)
	}
	return acked, nil
}
