package opcua

import (
	"context"
	"fmt"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

// Attributes is one node's sampled value plus its OPC-UA metadata.
type Attributes struct {
	Value           any
	BrowseName      string
	DisplayName     string
	Description     string
	DataType        string
	StatusCode      string
	Quality         Quality
	SourceTimestamp *time.Time
	ServerTimestamp *time.Time
}

// Quality is the OPC-UA status severity class of a read.
type Quality string

const (
	QualityGood      Quality = "good"
	QualityUncertain Quality = "uncertain"
	QualityBad       Quality = "bad"
)

// Reader reads one node's value and metadata in a single round-trip.
type Reader interface {
	Read(ctx context.Context, nodeID string) (Attributes, error)
}

// ClientReader implements Reader over a connected gopcua client.
type ClientReader struct {
	client *opcua.Client
}

// Connect dials the endpoint and returns a reader over the live session.
func Connect(ctx context.Context, endpoint string, opts ...opcua.Option) (*ClientReader, error) {
	client, err := opcua.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("opcua: create client %s: %w", endpoint, err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opcua: connect %s: %w", endpoint, err)
	}
	return &ClientReader{client: client}, nil
}

// Close tears down the session.
func (r *ClientReader) Close(ctx context.Context) error {
	return r.client.Close(ctx)
}

// readAttributes is the fixed per-node attribute set, value first.
var readAttributes = []ua.AttributeID{
	ua.AttributeIDValue,
	ua.AttributeIDBrowseName,
	ua.AttributeIDDisplayName,
	ua.AttributeIDDescription,
	ua.AttributeIDDataType,
}

// Read fetches value, browse name, display name, description and data type
// for one node in a single request.
func (r *ClientReader) Read(ctx context.Context, nodeID string) (Attributes, error) {
	id, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return Attributes{}, fmt.Errorf("opcua: parse node id %q: %w", nodeID, err)
	}

	nodes := make([]*ua.ReadValueID, len(readAttributes))
	for i, attr := range readAttributes {
		nodes[i] = &ua.ReadValueID{NodeID: id, AttributeID: attr}
	}

	resp, err := r.client.Read(ctx, &ua.ReadRequest{
		NodesToRead:        nodes,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return Attributes{}, fmt.Errorf("opcua: read %s: %w", nodeID, err)
	}
	if len(resp.Results) != len(readAttributes) {
		return Attributes{}, fmt.Errorf("opcua: read %s: got %d results, want %d",
			nodeID, len(resp.Results), len(readAttributes))
	}

	return decodeAttributes(resp.Results), nil
}

func decodeAttributes(results []*ua.DataValue) Attributes {
	value := results[0]

	attrs := Attributes{
		StatusCode: fmt.Sprintf("0x%08X", uint32(value.Status)),
		Quality:    classifyStatus(value.Status),
	}
	if value.Value != nil {
		attrs.Value = value.Value.Value()
	}
	if !value.SourceTimestamp.IsZero() {
		ts := value.SourceTimestamp.UTC()
		attrs.SourceTimestamp = &ts
	}
	if !value.ServerTimestamp.IsZero() {
		ts := value.ServerTimestamp.UTC()
		attrs.ServerTimestamp = &ts
	}

	if v, ok := variantValue(results[1]).(*ua.QualifiedName); ok && v != nil {
		attrs.BrowseName = v.Name
	}
	if v, ok := variantValue(results[2]).(*ua.LocalizedText); ok && v != nil {
		attrs.DisplayName = v.Text
	}
	if v, ok := variantValue(results[3]).(*ua.LocalizedText); ok && v != nil {
		attrs.Description = v.Text
	}
	if v, ok := variantValue(results[4]).(*ua.NodeID); ok && v != nil {
		attrs.DataType = v.String()
	}
	return attrs
}

func variantValue(dv *ua.DataValue) any {
	if dv == nil || dv.Value == nil {
		return nil
	}
	return dv.Value.Value()
}

// classifyStatus maps a status code to its severity class using the two
// top bits defined by OPC-UA part 4.
func classifyStatus(s ua.StatusCode) Quality {
	switch uint32(s) >> 30 {
	case 0:
		return QualityGood
	case 1:
		return QualityUncertain
	default:
		return QualityBad
	}
}
