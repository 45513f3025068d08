package metrics

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// Gauge is a point-in-time value sampled on every scrape.
type Gauge struct {
	Name  string
	Help  string
	Value func() int64
}

// PrometheusHandler exposes the counters in Prometheus' text exposition
// format as a single metric with an `event` label, followed by any gauges.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP calls_signaling_events_total Signaling server event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE calls_signaling_events_total counter")
		escaper := strings.NewReplacer("\\", "\\\\", "\"", "\\\"")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "calls_signaling_events_total{event=\"%s\"} %d\n", escaper.Replace(k), snap[k])
		}

		for _, g := range gauges {
			_, _ = fmt.Fprintf(w, "# HELP %s %s\n", g.Name, g.Help)
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", g.Name)
			_, _ = fmt.Fprintf(w, "%s %d\n", g.Name, g.Value())
		}
	})
}
