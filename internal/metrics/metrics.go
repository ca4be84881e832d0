// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector exported by neurochat.
type Metrics struct {
	Dispatches       *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	Retries          *prometheus.CounterVec
	AccountRotations prometheus.Counter
	OCRExtractions   *prometheus.CounterVec
	HistoryEvicted   prometheus.Counter
	HistoryWriteErrs prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

// Global returns the registered collectors, creating them on first use.
func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "neurochat",
				Name:      "dispatch_total",
				Help:      "Total dispatches by provider and final status",
			}, []string{"provider", "status"}),
			DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "neurochat",
				Name:      "dispatch_duration_seconds",
				Help:      "Wall time of a dispatch including retries",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			}, []string{"provider"}),
			Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "neurochat",
				Name:      "web_retries_total",
				Help:      "Web client retries by failure class",
			}, []string{"class"}),
			AccountRotations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "neurochat",
				Name:      "web_account_rotations_total",
				Help:      "Total web client account rotations",
			}),
			OCRExtractions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "neurochat",
				Name:      "ocr_extractions_total",
				Help:      "Attachment text extractions by result",
			}, []string{"result"}),
			HistoryEvicted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "neurochat",
				Name:      "history_evicted_conversations_total",
				Help:      "Conversations dropped by the eviction policy",
			}),
			HistoryWriteErrs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "neurochat",
				Name:      "history_write_failures_total",
				Help:      "History writes rejected by the backing store",
			}),
		}
		prometheus.MustRegister(
			global.Dispatches,
			global.DispatchDuration,
			global.Retries,
			global.AccountRotations,
			global.OCRExtractions,
			global.HistoryEvicted,
			global.HistoryWriteErrs,
		)
	})
	return global
}
