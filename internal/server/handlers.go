package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/usinatech/vigia/internal/fault"
	"github.com/usinatech/vigia/internal/model"
	"github.com/usinatech/vigia/internal/storage"
)

// AlertReader serves the filtered alert query. In multi-DB mode the
// implementation fans out across area databases; in single-DB mode it reads
// one store directly.
type AlertReader interface {
	FindAlerts(ctx context.Context, f storage.AlertFilters) ([]model.AlertSample, error)
}

// SummaryReader serves the per-client aggregate.
type SummaryReader interface {
	SummarizeAlerts(ctx context.Context, clientID string) (model.AlertSummary, error)
}

// RateReader serves the insert-rate meter.
type RateReader interface {
	InsertsPerMin(clientID string) int
	InsertsSeries(clientID string, points int) []int
}

// Pinger reports datastore connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	alerts    AlertReader
	summaries SummaryReader
	rates     RateReader
	pinger    Pinger
	logger    *slog.Logger
	version   string
	startedAt time.Time
	now       func() time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Rates, Pinger.
type HandlersDeps struct {
	Alerts    AlertReader
	Summaries SummaryReader
	Rates     RateReader
	Pinger    Pinger
	Logger    *slog.Logger
	Version   string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		alerts:    d.Alerts,
		summaries: d.Summaries,
		rates:     d.Rates,
		pinger:    d.Pinger,
		logger:    d.Logger,
		version:   d.Version,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

func clientIDFromPath(r *http.Request) (string, error) {
	clientID := strings.TrimSpace(r.PathValue("clientId"))
	if clientID == "" {
		return "", fault.New(fault.Validation, "clientId is required")
	}
	return clientID, nil
}

// HandleAlertsSummary handles GET /{clientId}/alerts-summary.
func (h *Handlers) HandleAlertsSummary(w http.ResponseWriter, r *http.Request) {
	clientID, err := clientIDFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	summary, err := h.summaries.SummarizeAlerts(r.Context(), clientID)
	if err != nil {
		writeError(w, fault.Wrap(fault.Database, "summarize alerts", err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleAlertsSent handles GET /{clientId}/alerts-sent. The time window
// comes in as integer date parts plus an optional tzOffsetMinutes; absent
// parts default to the last hour.
func (h *Handlers) HandleAlertsSent(w http.ResponseWriter, r *http.Request) {
	clientID, err := clientIDFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	window, err := parseQueryWindow(q, h.now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}

	samples, err := h.alerts.FindAlerts(r.Context(), storage.AlertFilters{
		ClientID: clientID,
		TagName:  strings.TrimSpace(q.Get("tagName")),
		Site:     strings.TrimSpace(q.Get("site")),
		Start:    &window.Start,
		End:      &window.End,
		Limit:    limit,
	})
	if err != nil {
		writeError(w, fault.Wrap(fault.Database, "find alerts", err))
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

// insertsRateResponse is the wire shape of the insert-rate endpoint.
type insertsRateResponse struct {
	ClientID      string `json:"clientId"`
	InsertsPerMin int    `json:"insertsPerMin"`
	Series        []int  `json:"series"`
}

// HandleInsertsRate handles GET /{clientId}/inserts-rate.
func (h *Handlers) HandleInsertsRate(w http.ResponseWriter, r *http.Request) {
	clientID, err := clientIDFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.rates == nil {
		writeError(w, fault.New(fault.NotFound, "insert-rate meter is not enabled"))
		return
	}

	points, err := queryInt(r, "points", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, insertsRateResponse{
		ClientID:      clientID,
		InsertsPerMin: h.rates.InsertsPerMin(clientID),
		Series:        h.rates.InsertsSeries(clientID, points),
	})
}

// healthResponse is the wire shape of the health endpoint.
type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime"`
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: "connected",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK

	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Postgres = "disconnected"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fault.Newf(fault.Validation, "%s %q is not an integer", key, raw)
	}
	return n, nil
}
