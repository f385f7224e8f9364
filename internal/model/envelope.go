// Package model defines the wire and persistence types shared by the
// collector, the broker consumers, the alert store and the HTTP surface.
package model

import (
	"encoding/json"
	"fmt"
)

// Message types carried on the broker.
const (
	TypeTelemetry = "telemetry"
	TypeAlert     = "alert"
)

// Current envelope versions per type.
const (
	TelemetryVersion = 1
	AlertVersion     = 1
)

// Envelope is the versioned wrapper around every broker message. Type and
// Version together identify the payload schema; a consumer that does not
// recognize the pair fails the message as non-retryable.
type Envelope struct {
	Type    string          `json:"type"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload, marshaling it in place.
func NewEnvelope(msgType string, version int, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("model: marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Version: version, Payload: body}, nil
}

// Key returns the dispatch key for handler lookup, e.g. "telemetry/1".
func (e Envelope) Key() string {
	return fmt.Sprintf("%s/%d", e.Type, e.Version)
}

// EnvelopeKey composes a dispatch key without an Envelope value.
func EnvelopeKey(msgType string, version int) string {
	return fmt.Sprintf("%s/%d", msgType, version)
}
