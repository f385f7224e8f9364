package model

import "time"

// EnrichedTag is one polled value with the OPC-UA metadata captured in the
// same read round-trip. Value is whatever the node carried: number, string,
// bool, or nil when the read failed.
type EnrichedTag struct {
	Value           any        `json:"value"`
	BrowseName      string     `json:"browseName"`
	DisplayName     string     `json:"displayName"`
	Description     string     `json:"description"`
	DataType        string     `json:"dataType"`
	StatusCode      string     `json:"statusCode"`
	SourceTimestamp *time.Time `json:"sourceTimestamp"`
	ServerTimestamp *time.Time `json:"serverTimestamp"`
	MinValue        *float64   `json:"minValue"`
	MaxValue        *float64   `json:"maxValue"`
}

// TelemetryMessage is one sampling cycle for one client. MsgID is globally
// unique and doubles as the idempotency key on persistence.
type TelemetryMessage struct {
	MsgID    string                 `json:"msgId"`
	TS       time.Time              `json:"ts"`
	Site     string                 `json:"site"`
	Line     string                 `json:"line"`
	HostID   string                 `json:"hostId"`
	ClientID string                 `json:"clientId"`
	Tags     map[string]EnrichedTag `json:"tags"`
}
