package expose

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/common/expfmt"

	"github.com/millillitre/alumet/agent/internal/source"
	"github.com/millillitre/alumet/pkg/types"
)

// failingAfter is the number of consecutive failed polls after which
// /healthz reports 503.
const failingAfter = 3

// StatsFunc returns the current Source counters. It may be nil when no
// Source is running yet.
type StatsFunc func() source.Stats

type handler struct {
	store  *Store
	stats  StatsFunc
	stream *Stream
}

// NewRouter returns the agent's HTTP surface:
//
//	GET /metrics         Prometheus text exposition
//	GET /api/v1/points   live points as Kwollect JSON records
//	GET /healthz         poll health summary
//	GET /api/v1/stream   WebSocket feed of emitted batches (when stream is set)
func NewRouter(st *Store, stats StatsFunc, stream *Stream) http.Handler {
	h := &handler{store: st, stats: stats, stream: stream}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/metrics", h.metrics)
	r.Get("/healthz", h.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/points", h.points)
		if h.stream != nil {
			r.Get("/stream", h.stream.ServeHTTP)
		}
	})
	return r
}

func (h *handler) currentStats() (source.Stats, bool) {
	if h.stats == nil {
		return source.Stats{}, false
	}
	return h.stats(), true
}

// metrics serves GET /metrics.
func (h *handler) metrics(w http.ResponseWriter, _ *http.Request) {
	families := PointFamilies(h.store.List())
	if st, ok := h.currentStats(); ok {
		families = append(families, StatsFamilies(st)...)
	}

	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	w.WriteHeader(http.StatusOK)
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			slog.Warn("expose: writing metrics", "family", mf.GetName(), "err", err)
			return
		}
	}
}

// points serves GET /api/v1/points, optionally filtered by ?metric_id=.
func (h *handler) points(w http.ResponseWriter, r *http.Request) {
	metricID := r.URL.Query().Get("metric_id")
	out := make([]types.Point, 0)
	for _, e := range h.store.List() {
		if metricID != "" && e.Point.MetricID != metricID {
			continue
		}
		out = append(out, e.Point)
	}
	jsonResp(w, http.StatusOK, out)
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status              string  `json:"status"`
	Series              int     `json:"series"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	UptimePct           float64 `json:"uptime_pct"`
	LastKind            string  `json:"last_error_kind,omitempty"`
	LastError           string  `json:"last_error,omitempty"`
	LastSuccess         string  `json:"last_success,omitempty"`
	Watermark           string  `json:"watermark,omitempty"`
}

// health serves GET /healthz.
func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Series: len(h.store.List()), UptimePct: 100}
	st, ok := h.currentStats()
	if !ok {
		resp.Status = "starting"
		jsonResp(w, http.StatusOK, resp)
		return
	}

	resp.ConsecutiveFailures = st.ConsecutiveFailures
	resp.UptimePct = st.UptimePct
	resp.LastKind = string(st.LastKind)
	resp.LastError = st.LastError
	resp.LastSuccess = formatTime(st.LastSuccess)
	resp.Watermark = formatTime(st.Watermark)

	code := http.StatusOK
	if st.ConsecutiveFailures >= failingAfter {
		resp.Status = "failing"
		code = http.StatusServiceUnavailable
	} else if st.ConsecutiveFailures > 0 {
		resp.Status = "degraded"
	}
	jsonResp(w, code, resp)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
