// Package telemetry exposes prometheus instrumentation for the pipeline and
// the work queue.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ItemsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "tiller_items_claimed_total", Help: "Work items claimed by workers"})
	ItemsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "tiller_items_completed_total", Help: "Work items completed successfully"})
	ItemsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "tiller_items_failed_total", Help: "Work items terminally failed"})
	ItemsRequeued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "tiller_items_requeued_total", Help: "Work items requeued for retry"})
	ItemsRecovered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "tiller_items_recovered_total", Help: "Orphaned in-progress items reset at startup"})
	SignalsDetected   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tiller_signals_detected_total", Help: "Continuation signals emitted by detectors"})
	DecisionsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{Name: "tiller_decisions_enqueued_total", Help: "Dispatches that decided to enqueue a follow-up"})
	TicksRequested    = prometheus.NewCounter(prometheus.CounterOpts{Name: "tiller_ticks_requested_total", Help: "Out-of-band scheduling ticks requested by the overseer bridge"})
	ItemsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tiller_items_inflight", Help: "Work items currently claimed"})
)

// Handler returns the /metrics HTTP handler, registering the collectors once.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ItemsClaimed,
			ItemsCompleted,
			ItemsFailed,
			ItemsRequeued,
			ItemsRecovered,
			SignalsDetected,
			DecisionsEnqueued,
			TicksRequested,
			ItemsInFlight,
		)
	})
	return promhttp.Handler()
}
