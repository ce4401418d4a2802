package progress

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics mirror the teacher's datastore/postgres/gc.go style
// (promauto-registered vectors keyed by a label naming what happened),
// applied here to the update pipeline's event stream rather than
// database queries.
var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coretree",
			Subsystem: "progress",
			Name:      "events_total",
			Help:      "Total number of events published on the progress bus, by kind.",
		},
		[]string{"kind"},
	)
	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coretree",
			Subsystem: "progress",
			Name:      "download_bytes_total",
			Help:      "Total payload bytes accounted for by published download progress events.",
		},
	)

	// ApplyDuration times one Executor.Execute call end to end (plan
	// download+apply+commit), observed by the updater package directly
	// since it isn't tied to any one Event.
	ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coretree",
		Subsystem: "updater",
		Name:      "apply_duration_seconds",
		Help:      "Wall-clock time for Executor.Execute to apply a full plan.",
		Buckets:   prometheus.DefBuckets,
	})
)

// observe updates the package's counters; called from Publish before an
// event is queued so every delivered-or-coalesced event is still
// counted.
func observe(e Event) {
	eventsTotal.WithLabelValues(string(e.Kind)).Inc()
	if e.Kind == KindDownload && e.Download != nil {
		n := e.Download.BytesEnd - e.Download.BytesStart
		if n > 0 {
			downloadBytesTotal.Add(float64(n))
		}
	}
}
