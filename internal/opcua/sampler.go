package opcua

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/usinatech/vigia/internal/area"
	"github.com/usinatech/vigia/internal/model"
)

// EnvelopePublisher is the slice of the broker publisher the sampler needs.
type EnvelopePublisher interface {
	Publish(ctx context.Context, routingKey string, env model.Envelope) (bool, error)
}

// SamplerConfig configures one per-client sampling loop.
type SamplerConfig struct {
	Client        ClientSetup
	AreaSlug      string
	RoutingPrefix string
	// AlertWindow suppresses repeat alert publishes for the same
	// (tag, desvio) pair. Zero disables the alert path entirely.
	AlertWindow time.Duration
}

// Sampler polls one client's nodes at a fixed interval, publishes telemetry
// envelopes, and raises setpoint alerts. Read failures are localized to the
// failing node; publish failures are logged and retried implicitly on the
// next cycle.
type Sampler struct {
	reader  Reader
	pub     EnvelopePublisher
	cfg     SamplerConfig
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	published map[string]time.Time // (tag, desvio) -> last alert publish
}

// NewSampler creates a sampler. metrics may be nil.
func NewSampler(reader Reader, pub EnvelopePublisher, cfg SamplerConfig, metrics *Metrics, logger *slog.Logger) *Sampler {
	return &Sampler{
		reader:    reader,
		pub:       pub,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With("client_id", cfg.Client.ClientID),
		now:       time.Now,
		published: map[string]time.Time{},
	}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Client.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle performs one full sampling pass: read every node, publish one
// telemetry envelope, then evaluate the alert setpoints.
func (s *Sampler) Cycle(ctx context.Context) {
	c := s.cfg.Client
	tags := make(map[string]model.EnrichedTag, len(c.NodeIDs))

	for i, nodeID := range c.NodeIDs {
		name := c.TagName(i)
		start := s.now()
		attrs, err := s.reader.Read(ctx, nodeID)
		if err != nil {
			s.metrics.observeFailure(ctx, c.ClientID)
			s.logger.Warn("sampler: node read failed", "node_id", nodeID, "tag", name, "error", err)
			tags[name] = model.EnrichedTag{Value: nil, DisplayName: name}
			continue
		}
		s.metrics.observeRead(ctx, c.ClientID, attrs.Quality, s.now().Sub(start))

		setup := c.TagSetupAt(i)
		tags[name] = model.EnrichedTag{
			Value:           attrs.Value,
			BrowseName:      attrs.BrowseName,
			DisplayName:     attrs.DisplayName,
			Description:     attrs.Description,
			DataType:        attrs.DataType,
			StatusCode:      attrs.StatusCode,
			SourceTimestamp: attrs.SourceTimestamp,
			ServerTimestamp: attrs.ServerTimestamp,
			MinValue:        setup.MinValue,
			MaxValue:        setup.MaxValue,
		}
	}

	s.publishTelemetry(ctx, tags)
	if s.cfg.AlertWindow > 0 {
		s.evaluateAlerts(ctx, tags)
	}
}

func (s *Sampler) publishTelemetry(ctx context.Context, tags map[string]model.EnrichedTag) {
	c := s.cfg.Client
	msg := model.TelemetryMessage{
		MsgID:    uuid.NewString(),
		TS:       s.now().UTC(),
		Site:     c.Site,
		Line:     c.Line,
		HostID:   c.HostID,
		ClientID: c.ClientID,
		Tags:     tags,
	}

	env, err := model.NewEnvelope(model.TypeTelemetry, model.TelemetryVersion, msg)
	if err != nil {
		s.logger.Error("sampler: build telemetry envelope failed", "error", err)
		return
	}

	key := area.TelemetryRoutingKey(s.cfg.RoutingPrefix, s.cfg.AreaSlug, c.ClientID)
	if _, err := s.pub.Publish(ctx, key, env); err != nil {
		// Skip this cycle's publish; the connection supervisor recovers.
		s.logger.Error("sampler: telemetry publish failed", "routing_key", key, "error", err)
	}
}

func (s *Sampler) evaluateAlerts(ctx context.Context, tags map[string]model.EnrichedTag) {
	c := s.cfg.Client
	for i := range c.NodeIDs {
		name := c.TagName(i)
		setup := c.TagSetupAt(i)

		value, ok := numericValue(tags[name].Value)
		if !ok {
			continue
		}
		desvio, triggered := classifyDeviation(value, setup)
		if !triggered || !s.shouldPublishAlert(name, desvio) {
			continue
		}

		recipients := c.Recipients
		if recipients == nil {
			recipients = []string{}
		}
		payload := model.AlertPayload{
			MsgID:       uuid.NewString(),
			TS:          s.now().UTC(),
			Site:        c.Site,
			ClientID:    c.ClientID,
			TagName:     name,
			Value:       value,
			Desvio:      desvio,
			AlertsCount: 1,
			Unidade:     setup.Unidade,
			Recipients:  recipients,
		}
		env, err := model.NewEnvelope(model.TypeAlert, model.AlertVersion, payload)
		if err != nil {
			s.logger.Error("sampler: build alert envelope failed", "error", err)
			continue
		}

		key := area.AlertRoutingKey(s.cfg.AreaSlug, c.ClientID)
		if _, err := s.pub.Publish(ctx, key, env); err != nil {
			s.logger.Error("sampler: alert publish failed", "routing_key", key, "error", err)
			continue
		}
		s.logger.Info("sampler: alert published",
			"tag", name, "desvio", desvio, "value", value, "routing_key", key)
	}
}

// shouldPublishAlert suppresses repeats of the same (tag, desvio) condition
// inside the alert window, and records the publish time when allowed.
func (s *Sampler) shouldPublishAlert(tag string, desvio model.Deviation) bool {
	key := tag + "-" + string(desvio)

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.published[key]; ok && s.now().Sub(last) < s.cfg.AlertWindow {
		return false
	}
	s.published[key] = s.now()
	return true
}

// classifyDeviation compares a value against the tag's alarm setpoints.
// Critical levels win over warnings when both are crossed.
func classifyDeviation(value float64, t TagSetup) (model.Deviation, bool) {
	switch {
	case t.SPAlarmLL != nil && value <= *t.SPAlarmLL:
		return model.DeviationLL, true
	case t.SPAlarmHH != nil && value >= *t.SPAlarmHH:
		return model.DeviationHH, true
	case t.SPAlarmL != nil && value <= *t.SPAlarmL:
		return model.DeviationL, true
	case t.SPAlarmH != nil && value >= *t.SPAlarmH:
		return model.DeviationH, true
	default:
		return "", false
	}
}

// numericValue coerces the OPC-UA variant shapes that carry numbers.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
