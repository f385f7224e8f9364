package opcua

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the sampling-loop instruments. A nil *Metrics disables
// observation, which keeps tests and the no-OTEL path free of setup.
type Metrics struct {
	reads    metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewMetrics registers the sampling instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	reads, err := meter.Int64Counter("opcua.reads",
		metric.WithDescription("Node reads by status quality"))
	if err != nil {
		return nil, fmt.Errorf("opcua: create reads counter: %w", err)
	}
	failures, err := meter.Int64Counter("opcua.read_failures",
		metric.WithDescription("Node reads that returned an error"))
	if err != nil {
		return nil, fmt.Errorf("opcua: create failures counter: %w", err)
	}
	latency, err := meter.Float64Histogram("opcua.read_latency",
		metric.WithDescription("Per-node read latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("opcua: create latency histogram: %w", err)
	}
	return &Metrics{reads: reads, failures: failures, latency: latency}, nil
}

func (m *Metrics) observeRead(ctx context.Context, clientID string, q Quality, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("quality", string(q)),
	)
	m.reads.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(d.Milliseconds()), attrs)
}

func (m *Metrics) observeFailure(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}
