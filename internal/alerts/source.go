package alerts

import (
	"context"
	"time"

	"github.com/usinatech/vigia/internal/model"
	"github.com/usinatech/vigia/internal/storage"
)

// AlertReader is the slice of the storage layer the DB-backed source needs.
type AlertReader interface {
	ListAlertClients(ctx context.Context, since time.Time) ([]string, error)
	FindAlerts(ctx context.Context, f storage.AlertFilters) ([]model.AlertSample, error)
}

// DBSource implements Source over the alert database: active clients are
// those with an alert inside the lookback window, and recent alerts are the
// same window filtered per client.
type DBSource struct {
	db       AlertReader
	lookback time.Duration
	now      func() time.Time
}

// NewDBSource creates a database-backed scheduler source.
func NewDBSource(db AlertReader, lookback time.Duration) *DBSource {
	return &DBSource{db: db, lookback: lookback, now: time.Now}
}

// ActiveClients implements Source.
func (s *DBSource) ActiveClients(ctx context.Context) ([]string, error) {
	return s.db.ListAlertClients(ctx, s.now().Add(-s.lookback))
}

// RecentAlerts implements Source.
func (s *DBSource) RecentAlerts(ctx context.Context, clientID string) ([]model.AlertSample, error) {
	start := s.now().Add(-s.lookback)
	return s.db.FindAlerts(ctx, storage.AlertFilters{
		ClientID: clientID,
		Start:    &start,
	})
}
