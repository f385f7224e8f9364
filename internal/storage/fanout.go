package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/usinatech/vigia/internal/model"
)

// AreaTarget is one per-area database resolved for fan-out reads.
// Connections are opened per query and closed on every exit path.
type AreaTarget struct {
	Slug     string
	Host     string
	Port     int
	Database string
	DSN      string
}

// FanOut queries every configured area database in parallel and merges the
// results. One broken or slow area never aborts the whole read: missing
// tables read as empty, other per-target failures are logged and contribute
// nothing.
type FanOut struct {
	targets []AreaTarget
	logger  *slog.Logger
}

// NewFanOut creates a fan-out over the given area targets.
func NewFanOut(targets []AreaTarget, logger *slog.Logger) *FanOut {
	return &FanOut{targets: targets, logger: logger}
}

// Targets returns the configured area targets.
func (f *FanOut) Targets() []AreaTarget {
	return f.targets
}

// FindAlerts runs the filtered alert query against every area database, or
// only the area named by areaSlug when non-empty. Results are merged, sorted
// by timestamp descending and truncated to the filter's limit.
func (f *FanOut) FindAlerts(ctx context.Context, areaSlug string, filters AlertFilters) ([]model.AlertSample, error) {
	targets := f.targets
	if areaSlug != "" {
		targets = nil
		for _, t := range f.targets {
			if t.Slug == areaSlug {
				targets = append(targets, t)
			}
		}
	}
	targets = dedupeByDSN(targets)

	results := make([][]model.AlertSample, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = f.queryTarget(gctx, t, filters)
			return nil
		})
	}
	_ = g.Wait() // per-target failures are absorbed, never returned

	return mergeByTimestampDesc(results, clampLimit(filters.Limit)), nil
}

// queryTarget opens a dedicated connection to one area database, runs the
// filtered query and closes the connection. Failures degrade to an empty
// contribution.
func (f *FanOut) queryTarget(ctx context.Context, t AreaTarget, filters AlertFilters) []model.AlertSample {
	conn, err := pgx.Connect(ctx, t.DSN)
	if err != nil {
		f.logTargetFailure(t, "connect", err)
		return nil
	}
	defer func() { _ = conn.Close(ctx) }()

	where, args := buildAlertWhereClause(filters, 1)
	query := fmt.Sprintf(`SELECT %s FROM alerts_samples%s ORDER BY "timestamp" DESC LIMIT %d`,
		alertColumns, where, clampLimit(filters.Limit))

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		if isMissingTable(err) {
			f.logger.Info("storage: area has no alerts table yet", "area", t.Slug, "database", t.Database)
			return nil
		}
		f.logTargetFailure(t, "query", err)
		return nil
	}
	defer rows.Close()

	samples, err := scanAlerts(rows)
	if err != nil {
		f.logTargetFailure(t, "scan", err)
		return nil
	}
	return samples
}

// dedupeByDSN drops targets pointing at a database already in the list.
// Areas without their own profile fall back to the shared primary DSN, and
// querying that database once per such area would repeat every row in the
// merge. Runs after the slug filter so a filtered read still reaches the
// area's database even when an earlier area shares it.
func dedupeByDSN(targets []AreaTarget) []AreaTarget {
	seen := make(map[string]struct{}, len(targets))
	out := make([]AreaTarget, 0, len(targets))
	for _, t := range targets {
		if _, ok := seen[t.DSN]; ok {
			continue
		}
		seen[t.DSN] = struct{}{}
		out = append(out, t)
	}
	return out
}

func (f *FanOut) logTargetFailure(t AreaTarget, op string, err error) {
	f.logger.Error("storage: area fan-out target failed",
		"op", op, "area", t.Slug, "host", t.Host, "port", t.Port,
		"database", t.Database, "error", err)
}

// mergeByTimestampDesc flattens per-target result sets into one slice sorted
// by timestamp descending and truncated to limit. Equal timestamps keep
// their relative order.
func mergeByTimestampDesc(results [][]model.AlertSample, limit int) []model.AlertSample {
	merged := []model.AlertSample{}
	for _, r := range results {
		merged = append(merged, r...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
