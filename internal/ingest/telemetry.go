package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/usinatech/vigia/internal/fault"
	"github.com/usinatech/vigia/internal/model"
)

// TelemetryStore is the slice of the storage layer the telemetry use case needs.
type TelemetryStore interface {
	InsertTelemetry(ctx context.Context, msg model.TelemetryMessage) (bool, error)
}

// InsertRecorder feeds the per-client insert-rate meter.
type InsertRecorder interface {
	RecordInserts(clientID string, n int)
}

// TelemetryIngestor validates telemetry messages and persists them
// idempotently, ticking the insert-rate meter on every new row.
type TelemetryIngestor struct {
	store  TelemetryStore
	meter  InsertRecorder
	logger *slog.Logger
}

// NewTelemetryIngestor creates the telemetry use case. meter may be nil.
func NewTelemetryIngestor(store TelemetryStore, meter InsertRecorder, logger *slog.Logger) *TelemetryIngestor {
	return &TelemetryIngestor{store: store, meter: meter, logger: logger}
}

// Process validates msg and appends it to the telemetry store. Replayed
// message IDs are no-ops, so broker redeliveries never duplicate rows.
func (s *TelemetryIngestor) Process(ctx context.Context, msg model.TelemetryMessage) error {
	var problems []string
	if strings.TrimSpace(msg.MsgID) == "" {
		problems = append(problems, "msgId is required")
	}
	if strings.TrimSpace(msg.ClientID) == "" {
		problems = append(problems, "clientId is required")
	}
	if msg.TS.IsZero() {
		problems = append(problems, "ts must be a valid timestamp")
	}
	if len(problems) > 0 {
		return fault.New(fault.Validation, "telemetry message invalid").WithDetails(problems)
	}

	inserted, err := s.store.InsertTelemetry(ctx, msg)
	if err != nil {
		return fault.Wrap(fault.Database, "insert telemetry", err)
	}
	if !inserted {
		s.logger.Debug("ingest: telemetry replay ignored", "msg_id", msg.MsgID)
		return nil
	}

	if s.meter != nil {
		s.meter.RecordInserts(msg.ClientID, 1)
	}
	return nil
}

// Handle adapts the use case to the broker handler contract.
func (s *TelemetryIngestor) Handle(ctx context.Context, payload json.RawMessage) error {
	var msg model.TelemetryMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fault.Wrap(fault.Validation, "decode telemetry message", err)
	}
	return s.Process(ctx, msg)
}
