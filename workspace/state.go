// Package workspace implements the client-side on-disk layout described
// in spec §4.4: an installed tree, a crash-safe state file, a staging
// area for verified blobs, and an in-progress directory for partial
// downloads.
//
// The workspace is exclusively owned by one caller at a time (spec §3:
// "concurrent updates against the same workspace are rejected"),
// enforced the same way repo enforces its repository-wide lock: a
// gofrs/flock advisory file lock, following the teacher's
// locksource.ContextLock shape.
package workspace

import (
	"time"

	"github.com/deltatree/coretree/digest"
)

// FileStatus is a per-file journal status (spec §3).
type FileStatus string

// Defined statuses, in their expected progression order.
const (
	StatusQueued      FileStatus = "queued"
	StatusDownloading FileStatus = "downloading"
	StatusDownloaded  FileStatus = "downloaded"
	StatusApplying    FileStatus = "applying"
	StatusApplied     FileStatus = "applied"
	StatusVerified    FileStatus = "verified"
	StatusFailed      FileStatus = "failed"
)

// Goal is the target revision plus the ordered package plan chosen by
// the updater's planner to reach it (spec §3).
type Goal struct {
	TargetRevision string   `json:"target_revision"`
	Packages       []string `json:"packages"`
}

// State is the workspace's `.update/state` document (spec §4.4).
type State struct {
	Revision string                   `json:"revision"`
	Files    map[string]digest.Digest `json:"files"`
	Goal     *Goal                    `json:"goal,omitempty"`
	Journal  []JournalEntry           `json:"journal,omitempty"`
	Updated  time.Time                `json:"updated"`
}
