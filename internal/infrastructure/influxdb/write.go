package influxdb

import (
	"encoding/json"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// PropertyStateMeasurement is the measurement property state samples are written to.
const PropertyStateMeasurement = "property_state"

// PropertyPoint is one sample of a property's state.
type PropertyPoint struct {
	PropertyID string
	Identifier string
	Scope      string
	OwnerID    string

	// Event is the state change that produced the sample (created, updated).
	Event string

	Value   any
	Valid   bool
	Pending bool
	At      time.Time
}

// WritePropertyState queues a property state sample. The write is
// non-blocking and batched; failures arrive on the SetOnError callback.
func (c *Client) WritePropertyState(p PropertyPoint) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(propertyPoint(p))
}

// propertyPoint renders p. Numbers land in "value" so they can be
// aggregated; other values are kept in "value_bool" or "value_text".
func propertyPoint(p PropertyPoint) *write.Point {
	tags := map[string]string{
		"property_id": p.PropertyID,
		"identifier":  p.Identifier,
		"scope":       p.Scope,
		"owner_id":    p.OwnerID,
	}
	if p.Event != "" {
		tags["event"] = p.Event
	}

	fields := map[string]any{
		"valid":   p.Valid,
		"pending": p.Pending,
	}
	if key, v, ok := valueField(p.Value); ok {
		fields[key] = v
	}

	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(PropertyStateMeasurement, tags, fields, at)
}

func valueField(v any) (string, any, bool) {
	switch val := v.(type) {
	case nil:
		return "", nil, false
	case float64:
		return "value", val, true
	case float32:
		return "value", float64(val), true
	case int:
		return "value", float64(val), true
	case int64:
		return "value", float64(val), true
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return "value", f, true
		}
		return "value_text", val.String(), true
	case bool:
		return "value_bool", val, true
	case string:
		return "value_text", val, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", nil, false
	}
	return "value_text", string(raw), true
}
