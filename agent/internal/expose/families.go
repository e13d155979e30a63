package expose

import (
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"google.golang.org/protobuf/proto"

	"github.com/millillitre/alumet/agent/internal/source"
	"github.com/millillitre/alumet/pkg/types"
)

const namespace = "kwollect"

// Labels every point gauge carries. Point labels are renamed if they
// collide with these.
var fixedLabels = []string{"resource_kind", "resource_id", "consumer_kind", "consumer_id", "metric_id"}

// PointFamilies builds one gauge family per metric id from the live entries.
// Metric ids that sanitize to the same family name share the family and are
// told apart by a metric_id label. Family and metric order is deterministic.
func PointFamilies(entries []Entry) []*dto.MetricFamily {
	ids := make(map[string]map[string]struct{})
	for _, e := range entries {
		name := familyName(e.Point.MetricID)
		if ids[name] == nil {
			ids[name] = make(map[string]struct{})
		}
		ids[name][e.Point.MetricID] = struct{}{}
	}

	byName := make(map[string]*dto.MetricFamily)
	for _, e := range entries {
		name := familyName(e.Point.MetricID)
		shared := len(ids[name]) > 1
		mf, ok := byName[name]
		if !ok {
			help := "Latest Kwollect value of " + e.Point.MetricID + "."
			if shared {
				help = "Latest Kwollect value of " + strings.Join(sortedKeys(ids[name]), ", ") + "."
			}
			mf = &dto.MetricFamily{
				Name: proto.String(name),
				Help: proto.String(help),
				Type: dto.MetricType_GAUGE.Enum(),
			}
			byName[name] = mf
		}
		labels := pointLabels(e.Point)
		if shared {
			labels = append(labels, labelPair("metric_id", e.Point.MetricID))
			sort.Slice(labels, func(i, j int) bool { return labels[i].GetName() < labels[j].GetName() })
		}
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:       labels,
			Gauge:       &dto.Gauge{Value: proto.Float64(e.Point.Value)},
			TimestampMs: proto.Int64(e.Point.Timestamp.UnixMilli()),
		})
	}

	out := make([]*dto.MetricFamily, 0, len(byName))
	for _, mf := range byName {
		out = append(out, mf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out
}

func familyName(metricID string) string {
	return namespace + "_" + sanitizeName(metricID)
}

// pointLabels returns the label pairs of p. Values of multi-valued labels
// are joined with ",". The device origin label is already carried by
// consumer_id and is skipped.
func pointLabels(p types.Point) []*dto.LabelPair {
	pairs := []*dto.LabelPair{
		labelPair("resource_kind", p.Resource.Kind),
		labelPair("resource_id", p.Resource.ID),
	}
	if p.Consumer != nil {
		pairs = append(pairs,
			labelPair("consumer_kind", p.Consumer.Kind),
			labelPair("consumer_id", p.Consumer.ID))
	}

	used := make(map[string]bool, len(fixedLabels)+len(p.Labels))
	for _, l := range fixedLabels {
		used[l] = true
	}
	for _, l := range p.Labels {
		if l.Key == types.LabelDeviceOrigin {
			continue
		}
		name := sanitizeName(l.Key)
		if strings.HasPrefix(name, "__") {
			name = "label" + name
		}
		if used[name] {
			name = "label_" + name
		}
		if used[name] {
			continue
		}
		used[name] = true
		pairs = append(pairs, labelPair(name, strings.Join(l.Values, ",")))
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].GetName() < pairs[j].GetName() })
	return pairs
}

// StatsFamilies renders a Source's counters.
func StatsFamilies(st source.Stats) []*dto.MetricFamily {
	failures := &dto.MetricFamily{
		Name: proto.String(namespace + "_poll_failures_total"),
		Help: proto.String("Failed polls by kind."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, kind := range sortedKeys(st.Failures) {
		failures.Metric = append(failures.Metric, &dto.Metric{
			Label:   []*dto.LabelPair{labelPair("kind", string(kind))},
			Counter: &dto.Counter{Value: proto.Float64(float64(st.Failures[kind]))},
		})
	}

	rejected := &dto.MetricFamily{
		Name: proto.String(namespace + "_records_rejected_total"),
		Help: proto.String("Records skipped because a field failed validation."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, field := range sortedKeys(st.Rejected) {
		rejected.Metric = append(rejected.Metric, &dto.Metric{
			Label:   []*dto.LabelPair{labelPair("field", field)},
			Counter: &dto.Counter{Value: proto.Float64(float64(st.Rejected[field]))},
		})
	}

	var watermark float64
	if !st.Watermark.IsZero() {
		watermark = float64(st.Watermark.UnixMilli()) / 1000
	}

	out := []*dto.MetricFamily{
		counter("polls_total", "Polls run, successful or not.", st.Polls),
		counter("polls_succeeded_total", "Polls whose batch was accepted downstream.", st.Succeeded),
		counter("points_emitted_total", "Points handed to the pipeline.", st.Emitted),
		counter("points_duplicate_total", "Records skipped because they were already emitted.", st.Duplicates),
		gauge("consecutive_failures", "Failed polls since the last success.", float64(st.ConsecutiveFailures)),
		gauge("uptime_percent", "Share of successful polls among the most recent ones.", st.UptimePct),
		gauge("watermark_seconds", "Upper bound of the last emitted window, as a Unix time.", watermark),
	}
	if len(failures.Metric) > 0 {
		out = append(out, failures)
	}
	if len(rejected.Metric) > 0 {
		out = append(out, rejected)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out
}

func counter(name, help string, v uint64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(namespace + "_" + name),
		Help:   proto.String(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(float64(v))}}},
	}
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(namespace + "_" + name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}},
	}
}

func labelPair(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: proto.String(name), Value: proto.String(value)}
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// sanitizeName maps s onto [a-zA-Z0-9_], replacing anything else with '_'
// and prefixing a leading digit.
func sanitizeName(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s) + 1)
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
