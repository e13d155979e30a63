package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kinds used for Resource and Consumer, and the label Kwollect uses to name
// the wattmeter port a reading came from.
const (
	ResourceKindDevice       = "device_id"
	ConsumerKindDeviceOrigin = "device_origin"
	LabelDeviceOrigin        = "_device_orig"
)

// Resource identifies the physical subject of a measurement, e.g. a node.
type Resource struct {
	Kind string
	ID   string
}

// Consumer identifies the sub-component that produced a reading,
// e.g. a wattmeter port.
type Consumer struct {
	Kind string
	ID   string
}

// Point is one normalized measurement.
type Point struct {
	Timestamp time.Time
	MetricID  string
	Value     float64
	Resource  Resource
	// Consumer is nil when the API did not say which port produced the value.
	Consumer *Consumer
	Labels   Labels
}

// SeriesKey identifies the series a point belongs to: metric, resource and
// consumer. Two points with the same key differ only by time and value.
func (p Point) SeriesKey() string {
	var b strings.Builder
	b.WriteString(p.MetricID)
	b.WriteByte('|')
	b.WriteString(p.Resource.Kind)
	b.WriteByte('=')
	b.WriteString(p.Resource.ID)
	if p.Consumer != nil {
		b.WriteByte('|')
		b.WriteString(p.Consumer.Kind)
		b.WriteByte('=')
		b.WriteString(p.Consumer.ID)
	}
	return b.String()
}

// record mirrors one element of the Kwollect metrics response.
type record struct {
	Timestamp string  `json:"timestamp"`
	DeviceID  string  `json:"device_id"`
	MetricID  string  `json:"metric_id"`
	Value     float64 `json:"value"`
	Labels    Labels  `json:"labels"`
}

// MarshalJSON encodes p in the Kwollect record shape.
func (p Point) MarshalJSON() ([]byte, error) {
	labels := p.Labels
	if labels == nil {
		labels = Labels{}
	}
	return json.Marshal(record{
		Timestamp: p.Timestamp.Format(time.RFC3339Nano),
		DeviceID:  p.Resource.ID,
		MetricID:  p.MetricID,
		Value:     p.Value,
		Labels:    labels,
	})
}

// Label is one key of a label set with its values.
type Label struct {
	Key    string
	Values []string
}

// Labels is an ordered label set. Keys keep the order they had in the JSON
// object they were decoded from and are not required to be unique.
type Labels []Label

// Get returns the values of the first label named key.
func (l Labels) Get(key string) ([]string, bool) {
	for _, lb := range l {
		if lb.Key == key {
			return lb.Values, true
		}
	}
	return nil, false
}

// First returns the first value of the first label named key.
func (l Labels) First(key string) (string, bool) {
	vals, ok := l.Get(key)
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// MarshalJSON writes the labels as a JSON object of string arrays, in order.
func (l Labels) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, lb := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(lb.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		vals := lb.Values
		if vals == nil {
			vals = []string{}
		}
		v, err := json.Marshal(vals)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object into ordered labels. Each value may be
// an array or a single scalar; strings, numbers and booleans are kept as
// their text, other values are skipped.
func (l *Labels) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("labels: %w", err)
	}
	if tok == nil {
		*l = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("labels: expected object, got %v", tok)
	}

	out := Labels{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("labels: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("labels: unexpected key %v", tok)
		}
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("labels: value of %q: %w", key, err)
		}
		vals, ok := labelValues(raw)
		if !ok {
			continue
		}
		out = append(out, Label{Key: key, Values: vals})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("labels: %w", err)
	}
	*l = out
	return nil
}

func labelValues(raw any) ([]string, bool) {
	if arr, ok := raw.([]any); ok {
		vals := make([]string, 0, len(arr))
		for _, v := range arr {
			if s, ok := scalarText(v); ok {
				vals = append(vals, s)
			}
		}
		return vals, true
	}
	s, ok := scalarText(raw)
	if !ok {
		return nil, false
	}
	return []string{s}, true
}

func scalarText(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}
