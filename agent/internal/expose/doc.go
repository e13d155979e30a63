// Package expose keeps the latest point per series and serves it over HTTP.
//
// Store is a source.Sink. Its contents are rendered in the Prometheus text
// exposition format on /metrics, together with the Source's counters, and
// as Kwollect-shaped JSON records on /api/v1/points.
package expose
