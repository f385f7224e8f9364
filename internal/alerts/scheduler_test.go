package alerts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usinatech/vigia/internal/model"
	"github.com/usinatech/vigia/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	clients []string
	alerts  map[string][]model.AlertSample
	err     error
}

func (f *fakeSource) ActiveClients(context.Context) ([]string, error) {
	return f.clients, f.err
}

func (f *fakeSource) RecentAlerts(_ context.Context, clientID string) ([]model.AlertSample, error) {
	return f.alerts[clientID], nil
}

type fakeNotifier struct {
	sent []string // "<client>/<tag>-<desvio>"
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, clientID string, alert model.AlertSample) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, clientID+"/"+dedupKey(alert))
	return nil
}

func alert(tag string, d model.Deviation) model.AlertSample {
	return model.AlertSample{TagName: tag, Desvio: d, Value: 42}
}

func newTestScheduler(src Source, n Notifier, observeOnly bool) (*Scheduler, *fakeClock) {
	clock := newFakeClock()
	s := NewScheduler(src, n, 5*time.Minute, observeOnly, discardLogger())
	s.now = clock.now
	return s, clock
}

func TestSchedulerNotifiesDistinctKeysOnce(t *testing.T) {
	src := &fakeSource{
		clients: []string{"cli-1"},
		alerts: map[string][]model.AlertSample{
			"cli-1": {
				alert("TempVat01", model.DeviationH),
				alert("TempVat01", model.DeviationH), // same key, deduped
				alert("TempVat01", model.DeviationHH),
				alert("Pressure02", model.DeviationL),
			},
		},
	}
	notifier := &fakeNotifier{}
	s, _ := newTestScheduler(src, notifier, false)

	s.Tick(context.Background())
	assert.Equal(t, []string{
		"cli-1/TempVat01-H",
		"cli-1/TempVat01-HH",
		"cli-1/Pressure02-L",
	}, notifier.sent)
}

func TestSchedulerSuppressesWithinInterval(t *testing.T) {
	src := &fakeSource{
		clients: []string{"cli-1"},
		alerts:  map[string][]model.AlertSample{"cli-1": {alert("TempVat01", model.DeviationH)}},
	}
	notifier := &fakeNotifier{}
	s, clock := newTestScheduler(src, notifier, false)

	s.Tick(context.Background())
	clock.advance(4 * time.Minute)
	s.Tick(context.Background())
	require.Len(t, notifier.sent, 1)

	clock.advance(time.Minute) // exactly one interval since the send
	s.Tick(context.Background())
	assert.Len(t, notifier.sent, 2)
}

func TestSchedulerRetriesAfterDeliveryFailure(t *testing.T) {
	src := &fakeSource{
		clients: []string{"cli-1"},
		alerts:  map[string][]model.AlertSample{"cli-1": {alert("TempVat01", model.DeviationH)}},
	}
	notifier := &fakeNotifier{err: errors.New("smtp down")}
	s, _ := newTestScheduler(src, notifier, false)

	s.Tick(context.Background())
	assert.Empty(t, notifier.sent)

	// Delivery recovers; the key is still due because the failure was
	// never recorded.
	notifier.err = nil
	s.Tick(context.Background())
	assert.Len(t, notifier.sent, 1)
}

func TestSchedulerObserveOnlyAdvancesDedup(t *testing.T) {
	src := &fakeSource{
		clients: []string{"cli-1"},
		alerts:  map[string][]model.AlertSample{"cli-1": {alert("TempVat01", model.DeviationH)}},
	}
	notifier := &fakeNotifier{}
	s, _ := newTestScheduler(src, notifier, true)

	s.Tick(context.Background())
	s.Tick(context.Background())
	assert.Empty(t, notifier.sent, "observe-only never delivers")
	assert.False(t, s.due("cli-1", "TempVat01-H"), "dedup memory still advances")
}

func TestSchedulerSourceFailureIsSilent(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	s, _ := newTestScheduler(src, &fakeNotifier{}, false)

	s.Tick(context.Background()) // must not panic or notify
}

func TestRatePerSec(t *testing.T) {
	s, clock := newTestScheduler(&fakeSource{}, &fakeNotifier{}, false)

	assert.Zero(t, s.RatePerSec("k", 100), "first observation")

	clock.advance(10 * time.Second)
	assert.InDelta(t, 5.0, s.RatePerSec("k", 150), 1e-9)

	clock.advance(10 * time.Second)
	assert.Zero(t, s.RatePerSec("k", 100), "negative delta")

	// Non-advancing clock.
	assert.Zero(t, s.RatePerSec("k", 200))
}

func TestDBSourceWindows(t *testing.T) {
	clock := newFakeClock()
	reader := &fakeReader{}
	src := NewDBSource(reader, 30*time.Minute)
	src.now = clock.now

	_, err := src.ActiveClients(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.now().Add(-30*time.Minute), reader.since)

	_, err = src.RecentAlerts(context.Background(), "cli-1")
	require.NoError(t, err)
	assert.Equal(t, "cli-1", reader.filters.ClientID)
	require.NotNil(t, reader.filters.Start)
	assert.Equal(t, clock.now().Add(-30*time.Minute), *reader.filters.Start)
}

type fakeReader struct {
	since   time.Time
	filters storage.AlertFilters
}

func (f *fakeReader) ListAlertClients(_ context.Context, since time.Time) ([]string, error) {
	f.since = since
	return nil, nil
}

func (f *fakeReader) FindAlerts(_ context.Context, filters storage.AlertFilters) ([]model.AlertSample, error) {
	f.filters = filters
	return nil, nil
}
