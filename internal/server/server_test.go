package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
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

type fakeAlertReader struct {
	filters storage.AlertFilters
	samples []model.AlertSample
	err     error
}

func (f *fakeAlertReader) FindAlerts(_ context.Context, filters storage.AlertFilters) ([]model.AlertSample, error) {
	f.filters = filters
	return f.samples, f.err
}

type fakeSummaryReader struct {
	summary model.AlertSummary
	err     error
}

func (f *fakeSummaryReader) SummarizeAlerts(_ context.Context, clientID string) (model.AlertSummary, error) {
	f.summary.ClientID = clientID
	return f.summary, f.err
}

type fakeRateReader struct{}

func (fakeRateReader) InsertsPerMin(string) int        { return 45 }
func (fakeRateReader) InsertsSeries(string, int) []int { return []int{0, 120, 180, 240} }

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func newTestServer(alerts *fakeAlertReader, summaries *fakeSummaryReader, pinger Pinger) *Server {
	return New(ServerConfig{
		Alerts:    alerts,
		Summaries: summaries,
		Rates:     fakeRateReader{},
		Pinger:    pinger,
		Logger:    discardLogger(),
		Version:   "test",
	})
}

func doGet(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestAlertsSummary(t *testing.T) {
	last := "2025-01-15T11:00:00.000Z"
	summaries := &fakeSummaryReader{summary: model.AlertSummary{
		Total:         5,
		ByLevel:       map[string]int{"HH": 3, "L": 1, "UNKNOWN": 1},
		ByTag:         map[string]int{"TEMP_01": 3, "PRESS_02": 1, "FLOW_03": 1},
		LastTimestamp: &last,
	}}
	srv := newTestServer(&fakeAlertReader{}, summaries, nil)

	rec := doGet(t, srv, "/plant-A/alerts-summary")
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.AlertSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "plant-A", got.ClientID)
	assert.Equal(t, 5, got.Total)
	assert.Equal(t, 3, got.ByLevel["HH"])
	require.NotNil(t, got.LastTimestamp)
	assert.Equal(t, last, *got.LastTimestamp)
}

func TestAlertsSummaryBlankClientID(t *testing.T) {
	srv := newTestServer(&fakeAlertReader{}, &fakeSummaryReader{}, nil)

	rec := doGet(t, srv, "/%20%20/alerts-summary")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	detail := decodeErrorBody(t, rec)
	assert.Equal(t, "ValidationError", detail.Name)
	assert.Equal(t, "VALIDATION", detail.Category)
	assert.False(t, detail.Retryable)
	assert.True(t, detail.IsOperational)
}

func TestAlertsSummaryStorageFailure(t *testing.T) {
	summaries := &fakeSummaryReader{err: errors.New("connection refused")}
	srv := newTestServer(&fakeAlertReader{}, summaries, nil)

	rec := doGet(t, srv, "/plant-A/alerts-summary")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "DatabaseError", decodeErrorBody(t, rec).Name)
}

func TestAlertsSentDefaultWindow(t *testing.T) {
	alerts := &fakeAlertReader{samples: []model.AlertSample{}}
	srv := newTestServer(alerts, &fakeSummaryReader{}, nil)

	before := time.Now().UTC()
	rec := doGet(t, srv, "/plant-A/alerts-sent")
	after := time.Now().UTC()
	require.Equal(t, http.StatusOK, rec.Code)

	f := alerts.filters
	assert.Equal(t, "plant-A", f.ClientID)
	require.NotNil(t, f.Start)
	require.NotNil(t, f.End)
	assert.WithinRange(t, *f.End, before, after)
	assert.WithinRange(t, *f.Start, before.Add(-time.Hour), after.Add(-time.Hour))
}

func TestAlertsSentFilters(t *testing.T) {
	alerts := &fakeAlertReader{}
	srv := newTestServer(alerts, &fakeSummaryReader{}, nil)

	rec := doGet(t, srv, "/plant-A/alerts-sent?tagName=TEMP_01&site=Recep%C3%A7%C3%A3o&limit=50")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "TEMP_01", alerts.filters.TagName)
	assert.Equal(t, "Recepção", alerts.filters.Site)
	assert.Equal(t, 50, alerts.filters.Limit)
}

func TestAlertsSentDateParts(t *testing.T) {
	alerts := &fakeAlertReader{}
	srv := newTestServer(alerts, &fakeSummaryReader{}, nil)

	// 2025-01-15 08:00 at UTC-3 is 11:00 UTC.
	rec := doGet(t, srv, "/plant-A/alerts-sent?"+
		"startYear=2025&startMonth=1&startDay=15&startHour=8&"+
		"endYear=2025&endMonth=1&endDay=15&endHour=9&tzOffsetMinutes=-180")
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, alerts.filters.Start)
	assert.True(t, alerts.filters.Start.Equal(time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC)),
		"got %v", alerts.filters.Start)
	assert.True(t, alerts.filters.End.Equal(time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)))
}

func TestAlertsSentValidation(t *testing.T) {
	cases := []struct {
		name  string
		query string
	}{
		{"tz offset too large", "tzOffsetMinutes=900"},
		{"tz offset too small", "tzOffsetMinutes=-900"},
		{"tz offset not a number", "tzOffsetMinutes=abc"},
		{"impossible calendar day", "startYear=2025&startMonth=2&startDay=30"},
		{"start after end", "startYear=2025&startMonth=3&endYear=2025&endMonth=2"},
		{"month without year", "startMonth=5"},
		{"limit not a number", "limit=ten"},
	}
	srv := newTestServer(&fakeAlertReader{}, &fakeSummaryReader{}, nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doGet(t, srv, "/plant-A/alerts-sent?"+tc.query)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "VALIDATION", decodeErrorBody(t, rec).Category)
		})
	}
}

func TestInsertsRate(t *testing.T) {
	srv := newTestServer(&fakeAlertReader{}, &fakeSummaryReader{}, nil)

	rec := doGet(t, srv, "/plant-A/inserts-rate")
	require.Equal(t, http.StatusOK, rec.Code)

	var got insertsRateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "plant-A", got.ClientID)
	assert.Equal(t, 45, got.InsertsPerMin)
	assert.Equal(t, []int{0, 120, 180, 240}, got.Series)
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := newTestServer(&fakeAlertReader{}, &fakeSummaryReader{}, fakePinger{})
		rec := doGet(t, srv, "/health")
		require.Equal(t, http.StatusOK, rec.Code)

		var got healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "healthy", got.Status)
		assert.Equal(t, "connected", got.Postgres)
	})

	t.Run("database down", func(t *testing.T) {
		srv := newTestServer(&fakeAlertReader{}, &fakeSummaryReader{}, fakePinger{err: errors.New("down")})
		rec := doGet(t, srv, "/health")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestRequestIDPropagation(t *testing.T) {
	srv := newTestServer(&fakeAlertReader{}, &fakeSummaryReader{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = doGet(t, srv, "/health")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"), "generated when absent")
}

func TestParseQueryWindowPartial(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("open end completes with now", func(t *testing.T) {
		q := url.Values{"startYear": {"2025"}, "startMonth": {"5"}}
		w, err := parseQueryWindow(q, now)
		require.NoError(t, err)
		assert.True(t, w.Start.Equal(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)))
		assert.True(t, w.End.Equal(now))
	})

	t.Run("open start completes with one hour", func(t *testing.T) {
		q := url.Values{"endYear": {"2025"}, "endMonth": {"5"}, "endDay": {"10"}}
		w, err := parseQueryWindow(q, now)
		require.NoError(t, err)
		assert.True(t, w.End.Equal(time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)))
		assert.True(t, w.Start.Equal(w.End.Add(-time.Hour)))
	})
}
