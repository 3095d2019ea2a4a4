// Package metrics holds the Prometheus collectors exported by the daemon.
//
// Collectors live in a dedicated registry rather than the global default so
// tests and embedders can create engines without registration conflicts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clipkeep"

// Record results.
const (
	ResultCreated  = "created"
	ResultPromoted = "promoted"
)

// Watch event results.
const (
	WatchQueued    = "queued"
	WatchDuplicate = "duplicate"
	WatchNotText   = "not_text"
	WatchError     = "error"
)

var (
	Registry = prometheus.NewRegistry()

	HistoryRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "history",
		Name:      "records_total",
		Help:      "Clipboard texts recorded into history, by result.",
	}, []string{"result"})

	HistoryEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "history",
		Name:      "evictions_total",
		Help:      "Unpinned history entries evicted by the cap.",
	})

	HistoryEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "history",
		Name:      "entries",
		Help:      "Live history entries, pinned included.",
	})

	WatchEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watch",
		Name:      "events_total",
		Help:      "Clipboard change signals seen by the watcher, by result.",
	}, []string{"result"})

	StorageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "errors_total",
		Help:      "Failed storage commits, by component.",
	}, []string{"component"})

	SearchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "duration_seconds",
		Help:      "Time to drain a search over history and snippets.",
		Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .016, .025, .05, .1},
	})
)

func init() {
	Registry.MustRegister(
		HistoryRecords,
		HistoryEvictions,
		HistoryEntries,
		WatchEvents,
		StorageErrors,
		SearchDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
