// Package progress implements the single-producer, single-consumer
// event channel from the updater's executor to its caller (spec §4.6,
// §4.7): "Producer never blocks on a full channel — events are
// coalesced by kind (latest progress wins; errors are never
// coalesced)."
//
// Every publish also updates a small set of prometheus counters
// (metrics.go), grounded on the teacher's datastore/postgres/gc.go
// promauto idiom, so a host process can export update-pipeline health
// without consuming the event channel itself.
package progress

// Kind discriminates the event payloads enumerated in spec §4.6.
type Kind string

const (
	KindDownload         Kind = "download_progress"
	KindApply            Kind = "apply_progress"
	KindPackageCompleted Kind = "package_completed"
	KindRetry            Kind = "retry"
	KindPlanReady        Kind = "plan_ready"
)

// DownloadProgress reports bytes received for the in-flight package
// download.
type DownloadProgress struct {
	BytesStart int64
	BytesEnd   int64
	Total      int64
}

// ApplyProgress reports operation-level progress within one package.
type ApplyProgress struct {
	OpIndex int
	Total   int
}

// PackageCompleted fires once a package's every operation has verified.
type PackageCompleted struct {
	ID string
}

// Retry fires on every retried network attempt; never coalesced, so no
// retry reason is silently dropped.
type Retry struct {
	Reason string
}

// PlanReady fires once when the executor begins, describing the whole
// plan before any package starts downloading.
type PlanReady struct {
	Packages   []string
	TotalBytes int64
}

// Event is one envelope carrying exactly the payload matching its Kind.
type Event struct {
	Kind             Kind
	Download         *DownloadProgress
	Apply            *ApplyProgress
	PackageCompleted *PackageCompleted
	Retry            *Retry
	PlanReady        *PlanReady
}

// coalescable reports whether events of this kind may be collapsed,
// keeping only the most recent, when the consumer falls behind.
// PackageCompleted, Retry, and PlanReady are each significant on their
// own and are always queued individually.
func coalescable(k Kind) bool {
	switch k {
	case KindDownload, KindApply:
		return true
	default:
		return false
	}
}
