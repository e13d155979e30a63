package expose

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/millillitre/alumet/agent/internal/source"
	"github.com/millillitre/alumet/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st := NewStore(5 * time.Minute)
	st.now = fixedClock(base)
	p := point("wattmetre1-port6", base.Add(time.Second), 129.69)
	p.Labels = append(p.Labels, types.Label{Key: "job-id", Values: []string{"42", "43"}})
	other := types.Point{
		Timestamp: base,
		MetricID:  "bmc_node_power_watt",
		Value:     120,
		Resource:  types.Resource{Kind: types.ResourceKindDevice, ID: "taurus-7"},
	}
	if err := st.Emit(context.Background(), []types.Point{p, other}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	return st
}

func sampleStats() source.Stats {
	return source.Stats{
		Polls:     5,
		Succeeded: 4,
		Failures:  map[source.Kind]uint64{source.KindAuth: 1},
		Emitted:   12,
		Rejected:  map[string]uint64{"value": 2},
		UptimePct: 80,
		Watermark: base,
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMetrics_TextExposition(t *testing.T) {
	h := NewRouter(newTestStore(t), sampleStats, nil)
	rec := get(t, h, "/metrics")

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type: got %q", ct)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(rec.Body)
	if err != nil {
		t.Fatalf("parse exposition: %v", err)
	}

	power, ok := families["kwollect_wattmetre_power_watt"]
	if !ok {
		t.Fatalf("missing power family; got %v", keys(families))
	}
	if power.GetType() != dto.MetricType_GAUGE || len(power.Metric) != 1 {
		t.Fatalf("power family: %v", power)
	}
	m := power.Metric[0]
	if m.GetGauge().GetValue() != 129.69 {
		t.Errorf("value: got %v, want 129.69", m.GetGauge().GetValue())
	}
	labels := map[string]string{}
	for _, lp := range m.Label {
		labels[lp.GetName()] = lp.GetValue()
	}
	want := map[string]string{
		"resource_kind": "device_id",
		"resource_id":   "taurus-7",
		"consumer_kind": "device_origin",
		"consumer_id":   "wattmetre1-port6",
		"job_id":        "42,43",
	}
	for k, v := range want {
		if labels[k] != v {
			t.Errorf("label %s: got %q, want %q", k, labels[k], v)
		}
	}
	if _, ok := labels[types.LabelDeviceOrigin]; ok {
		t.Error("device origin label should only appear as consumer_id")
	}

	if _, ok := families["kwollect_bmc_node_power_watt"]; !ok {
		t.Error("missing bmc family")
	}
	if got := families["kwollect_polls_total"].GetMetric()[0].GetCounter().GetValue(); got != 5 {
		t.Errorf("polls_total: got %v, want 5", got)
	}
	fails := families["kwollect_poll_failures_total"]
	if fails == nil || fails.Metric[0].Label[0].GetValue() != "auth" {
		t.Errorf("poll_failures_total: %v", fails)
	}
	if got := families["kwollect_watermark_seconds"].GetMetric()[0].GetGauge().GetValue(); got != float64(base.Unix()) {
		t.Errorf("watermark_seconds: got %v, want %d", got, base.Unix())
	}
}

func keys(m map[string]*dto.MetricFamily) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestMetrics_WithoutStats(t *testing.T) {
	rec := get(t, NewRouter(NewStore(time.Minute), nil, nil), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "polls_total") {
		t.Error("stats families should be absent without a stats func")
	}
}

func TestPoints_JSON(t *testing.T) {
	h := NewRouter(newTestStore(t), nil, nil)

	rec := get(t, h, "/api/v1/points")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var all []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("points: got %d, want 2", len(all))
	}

	rec = get(t, h, "/api/v1/points?metric_id=wattmetre_power_watt")
	var filtered []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&filtered); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("filtered points: got %d, want 1", len(filtered))
	}
	p := filtered[0]
	if p["device_id"] != "taurus-7" || p["value"] != 129.69 || p["timestamp"] != "2024-06-20T12:00:01Z" {
		t.Errorf("record: got %v", p)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		stats    StatsFunc
		wantCode int
		want     string
	}{
		{"no source", nil, http.StatusOK, "starting"},
		{"healthy", func() source.Stats { return source.Stats{UptimePct: 100} }, http.StatusOK, "ok"},
		{"degraded", func() source.Stats { return source.Stats{ConsecutiveFailures: 1} }, http.StatusOK, "degraded"},
		{"failing", func() source.Stats {
			return source.Stats{ConsecutiveFailures: 3, LastKind: source.KindAuth, LastError: "401"}
		}, http.StatusServiceUnavailable, "failing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, NewRouter(NewStore(time.Minute), tt.stats, nil), "/healthz")
			if rec.Code != tt.wantCode {
				t.Errorf("status: got %d, want %d", rec.Code, tt.wantCode)
			}
			var resp HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.want {
				t.Errorf("Status: got %q, want %q", resp.Status, tt.want)
			}
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	rec := get(t, NewRouter(NewStore(time.Minute), nil, nil), "/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rec.Code)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"wattmetre_power_watt": "wattmetre_power_watt",
		"job-id":               "job_id",
		"1st":                  "_1st",
		"a.b/c":                "a_b_c",
		"":                     "_",
	}
	for in, want := range tests {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMetrics_CollidingMetricIDsStayDistinct(t *testing.T) {
	st := NewStore(5 * time.Minute)
	st.now = fixedClock(base)
	res := types.Resource{Kind: types.ResourceKindDevice, ID: "n"}
	_ = st.Emit(context.Background(), []types.Point{
		{Timestamp: base, MetricID: "power.watt", Value: 1, Resource: res},
		{Timestamp: base, MetricID: "power_watt", Value: 2, Resource: res},
		{Timestamp: base, MetricID: "energy", Value: 3, Resource: res},
	})

	rec := get(t, NewRouter(st, nil, nil), "/metrics")
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(rec.Body)
	if err != nil {
		t.Fatalf("parse exposition: %v", err)
	}

	mf := families["kwollect_power_watt"]
	if mf == nil || len(mf.Metric) != 2 {
		t.Fatalf("power family: got %v, want 2 series", mf)
	}
	values := map[string]float64{}
	for _, m := range mf.Metric {
		for _, lp := range m.Label {
			if lp.GetName() == "metric_id" {
				values[lp.GetValue()] = m.GetGauge().GetValue()
			}
		}
	}
	if values["power.watt"] != 1 || values["power_watt"] != 2 {
		t.Errorf("series by metric_id: got %v", values)
	}
	if !strings.Contains(mf.GetHelp(), "power.watt") || !strings.Contains(mf.GetHelp(), "power_watt") {
		t.Errorf("HELP should name both ids: %q", mf.GetHelp())
	}

	for _, lp := range families["kwollect_energy"].GetMetric()[0].GetLabel() {
		if lp.GetName() == "metric_id" {
			t.Error("non-colliding family should not carry metric_id")
		}
	}
}
