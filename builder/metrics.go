package builder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// buildDuration times one Build call end to end, grounded on the
// teacher's datastore/postgres/gc.go promauto idiom of pairing a
// long-running operation with its own histogram rather than a shared
// one.
var buildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "coretree",
	Subsystem: "builder",
	Name:      "build_duration_seconds",
	Help:      "Wall-clock time to build one package, from enumeration through finalize.",
	Buckets:   prometheus.DefBuckets,
})
