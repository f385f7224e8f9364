// Package opcua implements the collector side: per-client OPC-UA sampling
// driven by a setup file, telemetry envelope publishing, and the legacy
// setpoint alert path.
package opcua

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// TagSetup describes one monitored node, positionally aligned with the
// client's nodeIds list. Nil setpoints disable that alarm level.
type TagSetup struct {
	Name      string   `json:"name"`
	Unidade   string   `json:"unidade"`
	MinValue  *float64 `json:"minValue"`
	MaxValue  *float64 `json:"maxValue"`
	SPAlarmLL *float64 `json:"spAlarmLL"`
	SPAlarmL  *float64 `json:"spAlarmL"`
	SPAlarmH  *float64 `json:"spAlarmH"`
	SPAlarmHH *float64 `json:"spAlarmHH"`
}

// ClientSetup is one sampled PLC client.
type ClientSetup struct {
	ClientID   string     `json:"clientId"`
	Site       string     `json:"site"`
	Line       string     `json:"line"`
	HostID     string     `json:"hostId"`
	Endpoint   string     `json:"endpoint"`
	IntervalMs int        `json:"intervalMs"`
	NodeIDs    []string   `json:"nodeIds"`
	Recipients []string   `json:"recipients"`
	Tags       []TagSetup `json:"tags"`
}

// Interval returns the sampling period, defaulting to 2 seconds.
func (c ClientSetup) Interval() time.Duration {
	if c.IntervalMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// TagName resolves the display name for the node at position i (0-based):
// the setup entry's friendly name when present, otherwise "Tag_NN" with the
// 1-based position zero-padded to two digits.
func (c ClientSetup) TagName(i int) string {
	if i < len(c.Tags) && strings.TrimSpace(c.Tags[i].Name) != "" {
		return c.Tags[i].Name
	}
	return fmt.Sprintf("Tag_%02d", i+1)
}

// TagSetupAt returns the setup entry for position i, or a zero value when
// the setup file is shorter than the node list.
func (c ClientSetup) TagSetupAt(i int) TagSetup {
	if i < len(c.Tags) {
		return c.Tags[i]
	}
	return TagSetup{}
}

// Setup is the collector's configuration file.
type Setup struct {
	Clients []ClientSetup `json:"clients"`
}

// LoadSetup reads and validates the setup file.
func LoadSetup(path string) (Setup, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Setup{}, fmt.Errorf("opcua: read setup file: %w", err)
	}

	var s Setup
	if err := json.Unmarshal(raw, &s); err != nil {
		return Setup{}, fmt.Errorf("opcua: parse setup file: %w", err)
	}

	for i, c := range s.Clients {
		if strings.TrimSpace(c.ClientID) == "" {
			return Setup{}, fmt.Errorf("opcua: setup client %d: clientId is required", i)
		}
		if strings.TrimSpace(c.Endpoint) == "" {
			return Setup{}, fmt.Errorf("opcua: setup client %q: endpoint is required", c.ClientID)
		}
		if len(c.NodeIDs) == 0 {
			return Setup{}, fmt.Errorf("opcua: setup client %q: nodeIds is empty", c.ClientID)
		}
	}
	return s, nil
}
