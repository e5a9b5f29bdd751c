// Package metrics declares the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ns = "nfcstats"

	LabelResult = "result"
	LabelCache  = "cache"

	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultConflict = "conflict"
	ResultHit      = "hit"
	ResultMiss     = "miss"
)

type Metrics struct {
	EventsReceived  prometheus.Counter
	EventsSampled   prometheus.Counter
	EventsPersisted prometheus.Counter

	DeltaWrites *prometheus.CounterVec
	Scans       *prometheus.CounterVec

	CacheLookups *prometheus.CounterVec

	IngestSeconds prometheus.Histogram
}

// New registers the collectors on reg. Pass a fresh prometheus.NewRegistry()
// in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "events_received_total", Namespace: ns, Subsystem: "ingest",
			Help: "Events accepted in validated batches, before sampling.",
		}),
		EventsSampled: f.NewCounter(prometheus.CounterOpts{
			Name: "events_sampled_total", Namespace: ns, Subsystem: "ingest",
			Help: "Events kept by the sampler.",
		}),
		EventsPersisted: f.NewCounter(prometheus.CounterOpts{
			Name: "events_persisted_total", Namespace: ns, Subsystem: "ingest",
			Help: "Events newly written to the event log. Replays of known ids are not counted.",
		}),
		DeltaWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "delta_writes_total", Namespace: ns, Subsystem: "ingest",
			Help: "Per-entity aggregate updates by result.",
		}, []string{LabelResult}),
		Scans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scans_total", Namespace: ns, Subsystem: "tags",
			Help: "Tag scan recordings by result.",
		}, []string{LabelResult}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lookups_total", Namespace: ns, Subsystem: "cache",
			Help: "Read cache lookups by cache name and result.",
		}, []string{LabelCache, LabelResult}),
		IngestSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name: "batch_seconds", Namespace: ns, Subsystem: "ingest",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			Help:    "Time taken to ingest one batch, including aggregate fan-out.",
		}),
	}
}
