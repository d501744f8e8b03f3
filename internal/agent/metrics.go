package agent

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds the dispatcher's counters and the in-flight gauge. Every
// field is updated atomically so the /metrics handler can read them without
// a lock. The zero value is ready to use.
//
//	scanrelay_events_observed_total       counter  raw events read from the watcher
//	scanrelay_candidates_total            counter  events classified as a completed file
//	scanrelay_events_discarded_total      counter  events dropped by a pipeline error
//	scanrelay_unmapped_total              counter  candidates in a directory with no mapping
//	scanrelay_deliveries_started_total    counter  delivery attempts that acquired a slot
//	scanrelay_deliveries_succeeded_total  counter  deliveries that completed
//	scanrelay_deliveries_failed_total     counter  deliveries that failed or were abandoned
//	scanrelay_watch_errors_total          counter  errors reported by the watcher
//	scanrelay_deliveries_in_flight        gauge    deliveries currently running
type Metrics struct {
	EventsObserved      atomic.Int64
	Candidates          atomic.Int64
	EventsDiscarded     atomic.Int64
	Unmapped            atomic.Int64
	DeliveriesStarted   atomic.Int64
	DeliveriesSucceeded atomic.Int64
	DeliveriesFailed    atomic.Int64
	WatchErrors         atomic.Int64

	InFlight atomic.Int64
}

// NewMetrics allocates a Metrics value with every counter at zero.
func NewMetrics() *Metrics {
	return &Metrics{}
}

type metricLine struct {
	help  string
	kind  string
	name  string
	value int64
}

func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{help: "Raw filesystem events read from the watcher.", kind: "counter",
			name: "scanrelay_events_observed_total", value: m.EventsObserved.Load()},
		{help: "Events classified as a completed file.", kind: "counter",
			name: "scanrelay_candidates_total", value: m.Candidates.Load()},
		{help: "Events dropped because of a classification or path error.", kind: "counter",
			name: "scanrelay_events_discarded_total", value: m.EventsDiscarded.Load()},
		{help: "Completed files in a directory without a destination mapping.", kind: "counter",
			name: "scanrelay_unmapped_total", value: m.Unmapped.Load()},
		{help: "Delivery attempts that acquired an in-flight slot.", kind: "counter",
			name: "scanrelay_deliveries_started_total", value: m.DeliveriesStarted.Load()},
		{help: "Deliveries that completed successfully.", kind: "counter",
			name: "scanrelay_deliveries_succeeded_total", value: m.DeliveriesSucceeded.Load()},
		{help: "Deliveries that failed or were abandoned before starting.", kind: "counter",
			name: "scanrelay_deliveries_failed_total", value: m.DeliveriesFailed.Load()},
		{help: "Errors reported by the filesystem watcher.", kind: "counter",
			name: "scanrelay_watch_errors_total", value: m.WatchErrors.Load()},
		{help: "Deliveries currently running.", kind: "gauge",
			name: "scanrelay_deliveries_in_flight", value: m.InFlight.Load()},
	}
}

// Handler serves every metric in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
