package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/usinatech/vigia/internal/model"
)

const alertsSchema = `
CREATE TABLE IF NOT EXISTS alerts_samples (
	id UUID PRIMARY KEY,
	client_id TEXT NOT NULL,
	site TEXT NOT NULL DEFAULT '',
	"timestamp" TIMESTAMPTZ NOT NULL,
	tag_name TEXT NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	desvio TEXT NOT NULL,
	alerts_count INTEGER NOT NULL,
	unidade TEXT NOT NULL DEFAULT '',
	recipients JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS alerts_samples_client_ts_idx
	ON alerts_samples (client_id, "timestamp" DESC);
CREATE INDEX IF NOT EXISTS alerts_samples_dedup_idx
	ON alerts_samples (client_id, site, tag_name, desvio, "timestamp" DESC);
`

// EnsureAlertSchema creates the alerts table and its indexes if missing.
// The result is cached, so the statement runs once per process per database.
func (db *DB) EnsureAlertSchema(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.ensured {
		return nil
	}
	if _, err := db.pool.Exec(ctx, alertsSchema); err != nil {
		return fmt.Errorf("storage: ensure alerts schema: %w", err)
	}
	db.ensured = true
	return nil
}

const insertIfNotRecentSQL = `
INSERT INTO alerts_samples
	(id, client_id, site, "timestamp", tag_name, value, desvio, alerts_count, unidade, recipients, created_at)
SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, now()
WHERE NOT EXISTS (
	SELECT 1 FROM alerts_samples
	WHERE client_id = $2
	  AND site = $3
	  AND tag_name = $5
	  AND desvio = $7
	  AND "timestamp" > $4::timestamptz - make_interval(secs => $11)
	  AND "timestamp" <= $4::timestamptz
)
RETURNING id, client_id, site, "timestamp", tag_name, value, desvio, alerts_count, unidade, recipients, created_at`

// InsertAlertIfNotRecent persists p unless an equivalent alert (same client,
// site, tag and deviation level) already exists inside the dedup window
// ending at p.TS. Existence check and insert run as one statement, so
// concurrent consumers of the same alert produce exactly one row.
//
// Returns the stored row, or (nil, nil) when the insert was suppressed as a
// duplicate.
func (db *DB) InsertAlertIfNotRecent(ctx context.Context, p model.AlertPayload, window time.Duration) (*model.AlertSample, error) {
	if err := db.EnsureAlertSchema(ctx); err != nil {
		return nil, err
	}

	recipients := p.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	recipientsJSON, err := json.Marshal(recipients)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal recipients: %w", err)
	}

	var sample model.AlertSample
	insert := func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		// Serialize concurrent inserts of the same dedup tuple so the
		// existence check and the insert observe each other.
		lockKey := p.ClientID + "|" + p.Site + "|" + p.TagName + "|" + string(p.Desvio)
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
			return err
		}

		var raw []byte
		err = tx.QueryRow(ctx, insertIfNotRecentSQL,
			uuid.New(), p.ClientID, p.Site, p.TS.UTC(), p.TagName,
			p.Value, string(p.Desvio), p.AlertsCount, p.Unidade,
			recipientsJSON, window.Seconds(),
		).Scan(
			&sample.ID, &sample.ClientID, &sample.Site, &sample.Timestamp,
			&sample.TagName, &sample.Value, &sample.Desvio, &sample.AlertsCount,
			&sample.Unidade, &raw, &sample.CreatedAt,
		)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &sample.Recipients); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	err = WithRetry(ctx, 3, 50*time.Millisecond, insert)
	if errors.Is(err, pgx.ErrNoRows) {
		// Duplicate inside the window: suppressed, not an error.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: insert alert: %w", err)
	}
	return &sample, nil
}

// AlertFilters selects persisted alerts for the read surface. ClientID is
// required; everything else narrows the result.
type AlertFilters struct {
	ClientID string
	TagName  string
	Site     string
	Start    *time.Time
	End      *time.Time
	Limit    int
}

// clampLimit maps a requested page size into [1, 500], defaulting to 100
// when unset.
func clampLimit(n int) int {
	switch {
	case n == 0:
		return 100
	case n < 1:
		return 1
	case n > 500:
		return 500
	default:
		return n
	}
}

// buildAlertWhereClause renders f into a WHERE clause with numbered
// placeholders starting at startIdx.
func buildAlertWhereClause(f AlertFilters, startIdx int) (string, []any) {
	where := fmt.Sprintf(" WHERE client_id = $%d", startIdx)
	args := []any{f.ClientID}
	idx := startIdx + 1

	if f.TagName != "" {
		where += fmt.Sprintf(" AND tag_name = $%d", idx)
		args = append(args, f.TagName)
		idx++
	}
	if f.Site != "" {
		where += fmt.Sprintf(" AND site = $%d", idx)
		args = append(args, f.Site)
		idx++
	}
	if f.Start != nil {
		where += fmt.Sprintf(` AND "timestamp" >= $%d`, idx)
		args = append(args, f.Start.UTC())
		idx++
	}
	if f.End != nil {
		where += fmt.Sprintf(` AND "timestamp" <= $%d`, idx)
		args = append(args, f.End.UTC())
	}
	return where, args
}

const alertColumns = `id, client_id, site, "timestamp", tag_name, value, desvio, alerts_count, unidade, recipients, created_at`

// FindAlerts returns alerts matching f, newest first. A missing alerts table
// reads as an empty result.
func (db *DB) FindAlerts(ctx context.Context, f AlertFilters) ([]model.AlertSample, error) {
	where, args := buildAlertWhereClause(f, 1)
	query := fmt.Sprintf(`SELECT %s FROM alerts_samples%s ORDER BY "timestamp" DESC LIMIT %d`,
		alertColumns, where, clampLimit(f.Limit))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		if isMissingTable(err) {
			return []model.AlertSample{}, nil
		}
		return nil, fmt.Errorf("storage: find alerts: %w", err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

func scanAlerts(rows pgx.Rows) ([]model.AlertSample, error) {
	samples := []model.AlertSample{}
	for rows.Next() {
		var s model.AlertSample
		var raw []byte
		if err := rows.Scan(
			&s.ID, &s.ClientID, &s.Site, &s.Timestamp, &s.TagName,
			&s.Value, &s.Desvio, &s.AlertsCount, &s.Unidade, &raw, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan alert: %w", err)
		}
		if err := json.Unmarshal(raw, &s.Recipients); err != nil {
			return nil, fmt.Errorf("storage: decode recipients: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// isoMillis renders timestamps the way the read surface exposes them.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// SummarizeAlerts aggregates a client's alerts into totals by deviation
// level and by tag. Level labels are uppercased; blank levels count under
// UNKNOWN and blank tags under the untagged bucket. A missing alerts table
// summarizes as zero.
func (db *DB) SummarizeAlerts(ctx context.Context, clientID string) (model.AlertSummary, error) {
	summary := model.AlertSummary{
		ClientID: clientID,
		ByLevel:  map[string]int{},
		ByTag:    map[string]int{},
	}

	var last *time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*), MAX("timestamp") FROM alerts_samples WHERE client_id = $1`, clientID,
	).Scan(&summary.Total, &last)
	if err != nil {
		if isMissingTable(err) {
			return summary, nil
		}
		return model.AlertSummary{}, fmt.Errorf("storage: summarize total: %w", err)
	}
	if last != nil {
		ts := last.UTC().Format(isoMillis)
		summary.LastTimestamp = &ts
	}

	if err := db.countGrouped(ctx,
		`SELECT UPPER(COALESCE(NULLIF(TRIM(desvio), ''), 'UNKNOWN')), COUNT(*)
		 FROM alerts_samples WHERE client_id = $1 GROUP BY 1`,
		clientID, summary.ByLevel,
	); err != nil {
		return model.AlertSummary{}, fmt.Errorf("storage: summarize by level: %w", err)
	}

	if err := db.countGrouped(ctx,
		fmt.Sprintf(`SELECT COALESCE(NULLIF(TRIM(tag_name), ''), '%s'), COUNT(*)
		 FROM alerts_samples WHERE client_id = $1 GROUP BY 1`, model.UntaggedLabel),
		clientID, summary.ByTag,
	); err != nil {
		return model.AlertSummary{}, fmt.Errorf("storage: summarize by tag: %w", err)
	}

	return summary, nil
}

// ListAlertClients returns the distinct clients with at least one alert
// since the given instant. Feeds the notification scheduler's client walk.
// A missing alerts table lists as empty.
func (db *DB) ListAlertClients(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT client_id FROM alerts_samples WHERE "timestamp" >= $1 ORDER BY client_id`,
		since.UTC(),
	)
	if err != nil {
		if isMissingTable(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("storage: list alert clients: %w", err)
	}
	defer rows.Close()

	clients := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("storage: scan client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (db *DB) countGrouped(ctx context.Context, query, clientID string, into map[string]int) error {
	rows, err := db.pool.Query(ctx, query, clientID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}
