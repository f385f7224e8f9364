package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/usinatech/vigia/internal/model"
)

const telemetrySchema = `
CREATE TABLE IF NOT EXISTS telemetry_samples (
	msg_id TEXT PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	site TEXT NOT NULL DEFAULT '',
	line TEXT NOT NULL DEFAULT '',
	host_id TEXT NOT NULL DEFAULT '',
	client_id TEXT NOT NULL,
	tags JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS telemetry_samples_client_ts_idx
	ON telemetry_samples (client_id, ts DESC);
`

// EnsureTelemetrySchema creates the telemetry table and index if missing.
func (db *DB) EnsureTelemetrySchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, telemetrySchema); err != nil {
		return fmt.Errorf("storage: ensure telemetry schema: %w", err)
	}
	return nil
}

// InsertTelemetry appends one telemetry message keyed by its msgId. Replays
// of an already-stored message are no-ops, so retried deliveries stay
// idempotent. Returns whether a new row was written.
func (db *DB) InsertTelemetry(ctx context.Context, msg model.TelemetryMessage) (bool, error) {
	tags := msg.Tags
	if tags == nil {
		tags = map[string]model.EnrichedTag{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return false, fmt.Errorf("storage: marshal tags: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO telemetry_samples (msg_id, ts, site, line, host_id, client_id, tags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		 ON CONFLICT (msg_id) DO NOTHING`,
		msg.MsgID, msg.TS.UTC(), msg.Site, msg.Line, msg.HostID, msg.ClientID, tagsJSON,
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert telemetry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
