package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/usinatech/vigia/internal/model"
)

// Source feeds the scheduler with the clients to walk and their recent
// alerts. In production it reads the alert database.
type Source interface {
	ActiveClients(ctx context.Context) ([]string, error)
	RecentAlerts(ctx context.Context, clientID string) ([]model.AlertSample, error)
}

// Notifier delivers one alert notification to a client's recipients.
// Implementations wrap the external email/WhatsApp collaborators.
type Notifier interface {
	Notify(ctx context.Context, clientID string, alert model.AlertSample) error
}

// Scheduler periodically walks active clients and notifies each distinct
// (tag, deviation) alert at most once per interval. Delivery failures are
// logged and retried naturally on the next cycle; they never update the
// dedup memory and never stop the walk.
type Scheduler struct {
	source      Source
	notifier    Notifier
	interval    time.Duration
	observeOnly bool
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	lastSent map[string]map[string]time.Time
	rates    map[string]ratePoint
}

// ratePoint is the single retained observation per rate key.
type ratePoint struct {
	value float64
	t     time.Time
}

// NewScheduler creates a scheduler. With observeOnly set, due notifications
// are logged instead of delivered, but the dedup memory still advances.
func NewScheduler(source Source, notifier Notifier, interval time.Duration, observeOnly bool, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		source:      source,
		notifier:    notifier,
		interval:    interval,
		observeOnly: observeOnly,
		logger:      logger,
		now:         time.Now,
		lastSent:    map[string]map[string]time.Time{},
		rates:       map[string]ratePoint{},
	}
}

// Run ticks every interval until ctx is cancelled. Cycles never overlap:
// the next tick waits for the previous walk to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick walks every active client once. Failures are per-client: one broken
// client read never stops the others.
func (s *Scheduler) Tick(ctx context.Context) {
	clients, err := s.source.ActiveClients(ctx)
	if err != nil {
		s.logger.Error("scheduler: list active clients failed", "error", err)
		return
	}

	for _, clientID := range clients {
		if ctx.Err() != nil {
			return
		}
		s.walkClient(ctx, clientID)
	}
}

func (s *Scheduler) walkClient(ctx context.Context, clientID string) {
	recent, err := s.source.RecentAlerts(ctx, clientID)
	if err != nil {
		s.logger.Error("scheduler: read recent alerts failed", "client_id", clientID, "error", err)
		return
	}

	for _, alert := range recent {
		key := dedupKey(alert)
		if !s.due(clientID, key) {
			continue
		}

		if s.observeOnly {
			s.logger.Info("scheduler: notification due (observe-only)",
				"client_id", clientID, "key", key, "value", alert.Value)
			s.markSent(clientID, key)
			continue
		}

		if err := s.notifier.Notify(ctx, clientID, alert); err != nil {
			// Not recorded: the next cycle retries this key.
			s.logger.Error("scheduler: notification delivery failed",
				"client_id", clientID, "key", key, "error", err)
			continue
		}
		s.logger.Info("scheduler: notification sent", "client_id", clientID, "key", key)
		s.markSent(clientID, key)
	}
}

// dedupKey identifies one alert condition within a client.
func dedupKey(alert model.AlertSample) string {
	return fmt.Sprintf("%s-%s", alert.TagName, alert.Desvio)
}

// due reports whether the key was never notified or last notified at least
// one interval ago.
func (s *Scheduler) due(clientID, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.lastSent[clientID][key]
	return !ok || s.now().Sub(last) >= s.interval
}

func (s *Scheduler) markSent(clientID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastSent[clientID] == nil {
		s.lastSent[clientID] = map[string]time.Time{}
	}
	s.lastSent[clientID][key] = s.now()
}

// RatePerSec derives the per-second growth of a monotonic counter keyed by
// key. The first observation, negative deltas and non-advancing clocks all
// read as zero. One (value, t) pair is retained per key.
func (s *Scheduler) RatePerSec(key string, current float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	prev, ok := s.rates[key]
	s.rates[key] = ratePoint{value: current, t: now}
	if !ok {
		return 0
	}

	dv := current - prev.value
	dt := now.Sub(prev.t).Seconds()
	if dv < 0 || dt <= 0 {
		return 0
	}
	return dv / dt
}
