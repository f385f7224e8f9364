package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Deviation is the closed set of setpoint deviation levels.
type Deviation string

const (
	DeviationLL      Deviation = "LL"
	DeviationL       Deviation = "L"
	DeviationH       Deviation = "H"
	DeviationHH      Deviation = "HH"
	DeviationUnknown Deviation = "UNKNOWN"
)

// ParseDeviation normalizes a raw desvio string into the closed set.
// Anything outside the set maps to UNKNOWN.
func ParseDeviation(s string) Deviation {
	switch Deviation(strings.ToUpper(strings.TrimSpace(s))) {
	case DeviationLL:
		return DeviationLL
	case DeviationL:
		return DeviationL
	case DeviationH:
		return DeviationH
	case DeviationHH:
		return DeviationHH
	default:
		return DeviationUnknown
	}
}

// Known reports whether s is a member of the closed set (UNKNOWN included).
func (d Deviation) Known() bool {
	switch d {
	case DeviationLL, DeviationL, DeviationH, DeviationHH, DeviationUnknown:
		return true
	default:
		return false
	}
}

// Critical reports whether the deviation is a critical level (LL or HH);
// L and H are warnings.
func (d Deviation) Critical() bool {
	return d == DeviationLL || d == DeviationHH
}

// AlertPayload is the alert message as it travels on the broker.
type AlertPayload struct {
	MsgID         string    `json:"msgId"`
	TS            time.Time `json:"ts"`
	Site          string    `json:"site,omitempty"`
	ClientID      string    `json:"clientId"`
	TagName       string    `json:"tagName"`
	Value         float64   `json:"value"`
	Desvio        Deviation `json:"desvio"`
	AlertsCount   int       `json:"alertsCount"`
	Unidade       string    `json:"unidade"`
	Recipients    []string  `json:"recipients"`
	DedupWindowMs *int64    `json:"dedupWindowMs,omitempty"`
}

// AlertSample is a persisted alert row. Immutable after insert.
type AlertSample struct {
	ID          uuid.UUID `json:"id"`
	ClientID    string    `json:"clientId"`
	Site        string    `json:"site"`
	Timestamp   time.Time `json:"timestamp"`
	TagName     string    `json:"tagName"`
	Value       float64   `json:"value"`
	Desvio      Deviation `json:"desvio"`
	AlertsCount int       `json:"alertsCount"`
	Unidade     string    `json:"unidade"`
	Recipients  []string  `json:"recipients"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AlertSummary is the per-client aggregate served by the read surface.
type AlertSummary struct {
	ClientID      string         `json:"clientId"`
	Total         int            `json:"total"`
	ByLevel       map[string]int `json:"byLevel"`
	ByTag         map[string]int `json:"byTag"`
	LastTimestamp *string        `json:"lastTimestamp"` // ISO-8601, null when no rows
}

// UntaggedLabel is the byTag bucket for rows persisted without a tag name.
const UntaggedLabel = "(sem tag)"
