package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/usinatech/vigia/internal/area"
)

// Topology describes the exchange and the per-area queue graph for both the
// telemetry and the alert stream.
type Topology struct {
	Exchange     string
	ExchangeType string
	RetryTTL     time.Duration
	Bases        area.Bases
}

// DeclareTopology idempotently declares the whole graph for every area:
// the main topic exchange, per-area main/retry/DLQ queues, the per-area
// direct DLX, and all bindings. Declaration failures are fatal to boot, so
// everything is surfaced, nothing is retried here.
//
// Retry flow is broker-native: the retry queue carries x-message-ttl and
// dead-letters expired messages back into the main exchange under the
// area's retry routing key, which the main queue is bound to.
func DeclareTopology(ch *amqp.Channel, t Topology, areas []area.Area) error {
	if err := ch.ExchangeDeclare(t.Exchange, t.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange %s: %w", t.Exchange, err)
	}

	ttlMs := t.RetryTTL.Milliseconds()
	for _, a := range areas {
		n := area.Derive(a.Site, t.Bases)

		if err := declareStream(ch, t.Exchange, streamNames{
			queue:      n.Queue,
			retryQueue: n.RetryQueue,
			dlq:        n.DLQ,
			dlx:        n.DLX,
			binding:    n.BindingKey,
			retryKey:   n.RetryRoutingKey,
			dlqKey:     n.DLQRoutingKey,
		}, ttlMs); err != nil {
			return fmt.Errorf("broker: area %s telemetry: %w", a.Slug, err)
		}

		if err := declareStream(ch, t.Exchange, streamNames{
			queue:      n.AlertQueue,
			retryQueue: n.AlertRetryQueue,
			dlq:        n.AlertDLQ,
			dlx:        n.AlertDLX,
			binding:    n.AlertBindingKey,
			retryKey:   n.AlertRetryRoutingKey,
			dlqKey:     n.AlertDLQRoutingKey,
		}, ttlMs); err != nil {
			return fmt.Errorf("broker: area %s alerts: %w", a.Slug, err)
		}
	}
	return nil
}

type streamNames struct {
	queue      string
	retryQueue string
	dlq        string
	dlx        string
	binding    string
	retryKey   string
	dlqKey     string
}

// declareStream declares one stream's queue graph for one area.
func declareStream(ch *amqp.Channel, exchange string, n streamNames, ttlMs int64) error {
	// Dead-letter side first so the main queue's DLX target exists.
	if err := ch.ExchangeDeclare(n.dlx, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx %s: %w", n.dlx, err)
	}
	if _, err := ch.QueueDeclare(n.dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq %s: %w", n.dlq, err)
	}
	if err := ch.QueueBind(n.dlq, n.dlqKey, n.dlx, false, nil); err != nil {
		return fmt.Errorf("bind dlq %s: %w", n.dlq, err)
	}

	// Main queue: fatal nacks route through the area DLX into the DLQ.
	mainArgs := amqp.Table{
		"x-dead-letter-exchange":    n.dlx,
		"x-dead-letter-routing-key": n.dlqKey,
	}
	if _, err := ch.QueueDeclare(n.queue, true, false, false, false, mainArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", n.queue, err)
	}
	if err := ch.QueueBind(n.queue, n.binding, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", n.queue, n.binding, err)
	}
	// Return path: expired retry messages come back under the retry key.
	if err := ch.QueueBind(n.queue, n.retryKey, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", n.queue, n.retryKey, err)
	}

	// Retry queue: TTL-bounded, dead-letters back into the main exchange.
	retryArgs := amqp.Table{
		"x-message-ttl":             ttlMs,
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": n.retryKey,
	}
	if _, err := ch.QueueDeclare(n.retryQueue, true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare retry queue %s: %w", n.retryQueue, err)
	}
	return nil
}
