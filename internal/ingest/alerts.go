// Package ingest holds the message use cases behind the broker consumers:
// alert persistence with dedup and telemetry sample persistence. The broker
// worker decodes the envelope; this package validates the payload, talks to
// storage, and classifies failures for the retry state machine.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/usinatech/vigia/internal/fault"
	"github.com/usinatech/vigia/internal/model"
)

// defaultDedupWindow applies when neither the payload nor the environment
// carries a window.
const defaultDedupWindow = 5 * time.Minute

// AlertStore is the slice of the storage layer the alert use case needs.
type AlertStore interface {
	InsertAlertIfNotRecent(ctx context.Context, p model.AlertPayload, window time.Duration) (*model.AlertSample, error)
}

// AlertResult reports what happened to one alert payload. Saved is false
// when the dedup window suppressed the insert.
type AlertResult struct {
	Saved bool
	Alert *model.AlertSample
}

// AlertIngestor validates alert payloads and persists them with dedup.
type AlertIngestor struct {
	store  AlertStore
	window time.Duration
	logger *slog.Logger
}

// NewAlertIngestor creates the alert use case. window is the environment
// dedup default; payloads may override it per message.
func NewAlertIngestor(store AlertStore, window time.Duration, logger *slog.Logger) *AlertIngestor {
	if window <= 0 {
		window = defaultDedupWindow
	}
	return &AlertIngestor{store: store, window: window, logger: logger}
}

// Process validates p and inserts it unless a duplicate exists inside the
// dedup window. Validation problems are accumulated and reported together
// as one non-retryable error; storage failures come back retryable.
func (s *AlertIngestor) Process(ctx context.Context, p model.AlertPayload) (AlertResult, error) {
	if problems := model.ValidateAlertPayload(p); len(problems) > 0 {
		return AlertResult{}, fault.New(fault.Validation, "alert payload invalid").WithDetails(problems)
	}

	window := s.window
	if p.DedupWindowMs != nil && *p.DedupWindowMs > 0 {
		window = time.Duration(*p.DedupWindowMs) * time.Millisecond
	}

	sample, err := s.store.InsertAlertIfNotRecent(ctx, p, window)
	if err != nil {
		return AlertResult{}, fault.Wrap(fault.Database, "insert alert", err)
	}
	if sample == nil {
		s.logger.Info("ingest: duplicate alert suppressed",
			"client_id", p.ClientID, "tag", p.TagName, "desvio", p.Desvio)
		return AlertResult{Saved: false}, nil
	}

	s.logger.Info("ingest: alert stored",
		"client_id", p.ClientID, "tag", p.TagName, "desvio", p.Desvio, "id", sample.ID)
	return AlertResult{Saved: true, Alert: sample}, nil
}

// Handle adapts the use case to the broker handler contract. Undecodable
// payloads fail as validation errors and are discarded, never retried.
func (s *AlertIngestor) Handle(ctx context.Context, payload json.RawMessage) error {
	var p model.AlertPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fault.Wrap(fault.Validation, "decode alert payload", err)
	}
	_, err := s.Process(ctx, p)
	return err
}
