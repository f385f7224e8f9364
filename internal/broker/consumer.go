package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/usinatech/vigia/internal/fault"
	"github.com/usinatech/vigia/internal/model"
)

// Handler processes one decoded envelope payload. Returned errors are
// classified through the fault package to pick the ack/retry/DLQ action.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// action is the per-message outcome of the retry/DLQ state machine.
type action int

const (
	actAck        action = iota // processed (or poison we refuse to recycle)
	actDiscard                  // validation failure: ack and log as discarded
	actRetry                    // republish to the retry queue, ack original
	actDeadLetter               // nack without requeue: DLX routes to the DLQ
)

// decide maps a handler error and the delivery's retry count to an action.
// Retryable failures go back through the retry queue until the cap, then
// dead-letter; validation failures never retry; anything unclassified
// dead-letters immediately.
func decide(err error, retries, maxRetries int) action {
	switch {
	case err == nil:
		return actAck
	case fault.KindOf(err) == fault.Validation:
		return actDiscard
	case fault.IsRetryable(err) && retries < maxRetries:
		return actRetry
	default:
		return actDeadLetter
	}
}

// WorkerConfig configures one per-area consume loop.
type WorkerConfig struct {
	Queue      string // main queue to consume
	RetryQueue string // TTL retry queue for this stream
	Prefetch   int
	MaxRetries int
	Tag        string // consumer tag, also used in logs
}

// Worker is one per-area, per-stream consume loop. Envelopes are dispatched
// by (type, version) through a handler table; unrecognized pairs fail as
// validation errors and are discarded.
type Worker struct {
	sup      *Supervisor
	cfg      WorkerConfig
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewWorker creates a worker. handlers is keyed by model.EnvelopeKey.
func NewWorker(sup *Supervisor, cfg WorkerConfig, handlers map[string]Handler, logger *slog.Logger) *Worker {
	return &Worker{
		sup:      sup,
		cfg:      cfg,
		handlers: handlers,
		logger:   logger.With("queue", cfg.Queue),
	}
}

// Run consumes until ctx is cancelled, transparently re-subscribing through
// the supervisor whenever the channel dies. In-flight deliveries finish
// before the loop observes cancellation; unacked ones are redelivered by
// the broker after the connection drops.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		ch, err := w.sup.Channel(ctx)
		if err != nil {
			return // only fails on ctx cancellation
		}
		if err := ch.Qos(w.cfg.Prefetch, 0, false); err != nil {
			w.logger.Warn("consumer: qos failed", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}

		deliveries, err := ch.Consume(w.cfg.Queue, w.cfg.Tag, false, false, false, false, nil)
		if err != nil {
			w.logger.Warn("consumer: subscribe failed", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		w.logger.Info("consumer: subscribed", "prefetch", w.cfg.Prefetch)

		w.consume(ctx, ch, deliveries)

		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("consumer: deliveries closed, resubscribing")
	}
}

func (w *Worker) consume(ctx context.Context, ch *amqp.Channel, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			w.handleDelivery(ctx, ch, d)
		}
	}
}

func (w *Worker) handleDelivery(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) {
	var env model.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		// Poison payload: acked, never retried, or it recycles forever.
		w.logger.Error("consumer: undecodable message dropped",
			"error", err, "routing_key", d.RoutingKey)
		_ = d.Ack(false)
		return
	}

	var err error
	if h, ok := w.handlers[env.Key()]; ok {
		err = h.Handle(ctx, env.Payload)
	} else {
		err = fault.Newf(fault.Validation, "unrecognized envelope %s", env.Key())
	}

	retries := retryCount(d.Headers)
	switch decide(err, retries, w.cfg.MaxRetries) {
	case actAck:
		_ = d.Ack(false)

	case actDiscard:
		w.logger.Warn("consumer: message discarded",
			"error", err, "routing_key", d.RoutingKey)
		_ = d.Ack(false)

	case actRetry:
		if pubErr := w.republishRetry(ctx, ch, d); pubErr != nil {
			// Could not reach the retry queue: leave redelivery to the broker.
			w.logger.Error("consumer: retry republish failed",
				"error", pubErr, "routing_key", d.RoutingKey)
			_ = d.Nack(false, true)
			return
		}
		w.logger.Warn("consumer: message sent to retry queue",
			"error", err, "retry", retries+1, "routing_key", d.RoutingKey)
		_ = d.Ack(false)

	case actDeadLetter:
		w.logger.Error("consumer: message dead-lettered",
			"error", err, "retry", retries, "routing_key", d.RoutingKey)
		_ = d.Nack(false, false)
	}
}

// republishRetry pushes the raw body into the retry queue via the default
// exchange with x-retry incremented. The original is acked afterwards.
func (w *Worker) republishRetry(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) error {
	return ch.PublishWithContext(ctx, "", w.cfg.RetryQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      incrementRetry(d.Headers),
		Body:         d.Body,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
