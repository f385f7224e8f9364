package model

import (
	"fmt"
	"math"
	"strings"
)

// ValidateAlertPayload checks every field rule and returns the accumulated
// problems, so a malformed payload is reported once with everything wrong
// about it instead of failing one field at a time.
func ValidateAlertPayload(p AlertPayload) []string {
	var problems []string

	if strings.TrimSpace(p.ClientID) == "" {
		problems = append(problems, "clientId is required")
	}
	if strings.TrimSpace(p.TagName) == "" {
		problems = append(problems, "tagName is required")
	}
	if strings.TrimSpace(string(p.Desvio)) == "" {
		problems = append(problems, "desvio is required")
	} else if !p.Desvio.Known() {
		problems = append(problems, fmt.Sprintf("desvio %q is not a known deviation level", p.Desvio))
	}
	if p.Recipients == nil {
		problems = append(problems, "recipients must be a list (possibly empty)")
	}
	if p.TS.IsZero() {
		problems = append(problems, "ts must be a valid timestamp")
	}
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		problems = append(problems, "value must be a finite number")
	}
	if p.AlertsCount < 1 {
		problems = append(problems, "alertsCount must be >= 1")
	}

	return problems
}
