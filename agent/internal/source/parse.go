package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/millillitre/alumet/pkg/types"
)

// parser converts raw Kwollect records into Points.
type parser struct {
	// hostname is the resource id used when a record has no device_id.
	hostname string
	// allowed is the metric id allow-list; nil accepts any id.
	allowed map[string]struct{}
}

func newParser(hostname string, allowed []string) parser {
	p := parser{hostname: hostname}
	if len(allowed) > 0 {
		p.allowed = make(map[string]struct{}, len(allowed))
		for _, m := range allowed {
			p.allowed[m] = struct{}{}
		}
	}
	return p
}

// parse converts one record. Only timestamp, metric_id and value are
// mandatory; a missing device_id falls back to the polled hostname and
// malformed labels are dropped.
func (p parser) parse(raw json.RawMessage) (types.Point, *RecordRejected) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return types.Point{}, &RecordRejected{Field: "record", Reason: "not a JSON object"}
	}

	ts, rej := parseTimestamp(fields["timestamp"])
	if rej != nil {
		return types.Point{}, rej
	}

	var metricID string
	if err := json.Unmarshal(fields["metric_id"], &metricID); err != nil || metricID == "" {
		return types.Point{}, &RecordRejected{Field: "metric_id", Reason: "missing or not a string"}
	}
	if p.allowed != nil {
		if _, ok := p.allowed[metricID]; !ok {
			return types.Point{}, &RecordRejected{Field: "metric_id", Reason: fmt.Sprintf("%q not allowed", metricID)}
		}
	}

	value, rej := parseValue(fields["value"])
	if rej != nil {
		return types.Point{}, rej
	}

	deviceID := p.hostname
	var dev string
	if err := json.Unmarshal(fields["device_id"], &dev); err == nil && dev != "" {
		deviceID = dev
	}

	var labels types.Labels
	if raw, ok := fields["labels"]; ok {
		if err := json.Unmarshal(raw, &labels); err != nil {
			labels = nil
		}
	}

	pt := types.Point{
		Timestamp: ts,
		MetricID:  metricID,
		Value:     value,
		Resource:  types.Resource{Kind: types.ResourceKindDevice, ID: deviceID},
		Labels:    labels,
	}
	if origin, ok := labels.First(types.LabelDeviceOrigin); ok && origin != "" {
		pt.Consumer = &types.Consumer{Kind: types.ConsumerKindDeviceOrigin, ID: origin}
	}
	return pt, nil
}

// parseTimestamp accepts an RFC 3339 string with offset or Z, or a number of
// seconds since the epoch with an optional fractional part.
func parseTimestamp(raw json.RawMessage) (time.Time, *RecordRejected) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, &RecordRejected{Field: "timestamp", Reason: "missing"}
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, &RecordRejected{Field: "timestamp", Reason: "invalid string"}
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, &RecordRejected{Field: "timestamp", Reason: fmt.Sprintf("not ISO-8601 with offset: %q", s)}
		}
		return ts, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, &RecordRejected{Field: "timestamp", Reason: "not a string or number"}
	}
	ts, err := parseEpoch(n.String())
	if err != nil {
		return time.Time{}, &RecordRejected{Field: "timestamp", Reason: err.Error()}
	}
	return ts, nil
}

// Epoch seconds whose year falls outside 0000..9999 cannot be written back
// as RFC 3339 and are rejected.
var (
	minEpoch = time.Date(0, time.January, 1, 0, 0, 0, 0, time.UTC).Unix()
	maxEpoch = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC).Unix()
)

// parseEpoch converts decimal epoch seconds to a UTC time without going
// through float64, so microsecond fractions survive exactly.
func parseEpoch(s string) (time.Time, error) {
	if strings.ContainsAny(s, "eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return time.Time{}, fmt.Errorf("invalid epoch %q", s)
		}
		if f < float64(minEpoch) || f >= float64(maxEpoch+1) {
			return time.Time{}, fmt.Errorf("epoch %q out of range", s)
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), nil
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch %q", s)
	}
	if sec < minEpoch || sec > maxEpoch {
		return time.Time{}, fmt.Errorf("epoch %q out of range", s)
	}
	var nsec int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		nsec, err = strconv.ParseInt(fracPart+strings.Repeat("0", 9-len(fracPart)), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid epoch %q", s)
		}
		if strings.HasPrefix(intPart, "-") {
			nsec = -nsec
		}
	}
	return time.Unix(sec, nsec).UTC(), nil
}

// parseValue accepts any JSON number.
func parseValue(raw json.RawMessage) (float64, *RecordRejected) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, &RecordRejected{Field: "value", Reason: "missing"}
	}
	if raw[0] == '"' {
		// json.Number would accept a quoted number.
		return 0, &RecordRejected{Field: "value", Reason: "not a number"}
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, &RecordRejected{Field: "value", Reason: "not a number"}
	}
	v, err := n.Float64()
	if err != nil {
		return 0, &RecordRejected{Field: "value", Reason: "out of range"}
	}
	return v, nil
}
