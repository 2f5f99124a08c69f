// Package mirror – Prometheus metrics for the polling client.
//
// # Overview
//
// Metrics tracks operational counters and gauges for the mirror client.
// All fields are updated atomically so they can be read concurrently from an
// HTTP handler without holding any additional lock.
//
// # Prometheus text format
//
// Handler returns an [net/http.Handler] that serves the registered metrics in
// the standard Prometheus text exposition format on every GET request.  Wire it
// into your HTTP mux at /metrics (or any other path you prefer):
//
//	m := mirror.NewMetrics()
//	http.Handle("/metrics", m.Handler())
//
// # Metric catalogue
//
//	mirror_polls_total              – counter: status polls attempted
//	mirror_poll_errors_total        – counter: polls that failed with a transport or server error
//	mirror_conflicts_total          – counter: polls rejected because another client holds the key
//	mirror_downloads_total          – counter: image files fetched after a detected change
//	mirror_downloaded_bytes_total   – counter: total image bytes written to the output path
//	mirror_reconnect_attempts_total – counter: back-off cycles after a transient error
//	mirror_connected                – gauge:   1 while the last poll succeeded, 0 otherwise
package mirror

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds all Prometheus counters and gauges for the mirror client.
// The zero value is ready to use; all counters start at zero.
type Metrics struct {
	// Counters
	Polls             atomic.Int64
	PollErrors        atomic.Int64
	Conflicts         atomic.Int64
	Downloads         atomic.Int64
	DownloadedBytes   atomic.Int64
	ReconnectAttempts atomic.Int64

	// Gauge (0 or 1)
	Connected atomic.Int64
}

// NewMetrics allocates a new [Metrics] value with all counters at zero.
// The returned pointer can be passed to [WithMetrics] when constructing a
// [Client] and its [Metrics.Handler] can be served on any HTTP mux.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// metricLine is a single Prometheus metric family descriptor plus its current value.
type metricLine struct {
	help  string
	kind  string // "counter" or "gauge"
	name  string
	value int64
}

// snapshot captures the current values of all metrics in a consistent order.
func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{
			help:  "Total number of status polls attempted against the server.",
			kind:  "counter",
			name:  "mirror_polls_total",
			value: m.Polls.Load(),
		},
		{
			help:  "Total number of status polls that failed with a transport or server error.",
			kind:  "counter",
			name:  "mirror_poll_errors_total",
			value: m.PollErrors.Load(),
		},
		{
			help:  "Total number of polls rejected because another client holds the API key.",
			kind:  "counter",
			name:  "mirror_conflicts_total",
			value: m.Conflicts.Load(),
		},
		{
			help:  "Total number of image files fetched after a detected content change.",
			kind:  "counter",
			name:  "mirror_downloads_total",
			value: m.Downloads.Load(),
		},
		{
			help:  "Total number of image bytes written to the output path.",
			kind:  "counter",
			name:  "mirror_downloaded_bytes_total",
			value: m.DownloadedBytes.Load(),
		},
		{
			help:  "Total number of back-off cycles initiated after a transient error.",
			kind:  "counter",
			name:  "mirror_reconnect_attempts_total",
			value: m.ReconnectAttempts.Load(),
		},
		{
			help:  "1 while the most recent poll succeeded, 0 otherwise.",
			kind:  "gauge",
			name:  "mirror_connected",
			value: m.Connected.Load(),
		},
	}
}

// Handler returns an [http.Handler] that writes all mirror metrics in the
// Prometheus text exposition format on every GET request.
//
// The content type is set to "text/plain; version=0.0.4" as required by
// the Prometheus specification so that a vanilla Prometheus scraper will
// parse the output correctly.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

// writeMetrics serialises lines into Prometheus text exposition format.
func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
