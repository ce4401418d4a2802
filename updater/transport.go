// Package updater implements the client-side update pipeline described
// in spec §4.6: a planner that finds the cheapest package sequence
// from the workspace's current revision to a target, and an executor
// that downloads and applies that sequence with resumable, retried
// transfers.
//
// Grounded on the teacher's update-orchestration idioms —
// libvuln/updates/manager.go's semaphore-bounded batch run and
// pkg/ctxlock/v2's doubling backoff — generalised from running
// vulnerability-database updaters to applying file-tree packages.
package updater

import (
	"context"
	"io"
)

// Transport is the external collaborator the updater drives to fetch
// package metadata and payload bytes (spec §6). Implementations must
// honour HTTP Range semantics, surface transient failures so the
// executor's retry policy can act on them, and treat 4xx/permanent 5xx
// as fatal.
type Transport interface {
	// Metadata fetches the full contents at url.
	Metadata(ctx context.Context, url string) ([]byte, error)
	// Range streams bytes [start, end) at url; end == nil means to EOF.
	Range(ctx context.Context, url string, start int64, end *int64) (io.ReadCloser, error)
	// Head reports the resource's total size and optional etag.
	Head(ctx context.Context, url string) (Head, error)
}

// Head is the result of a HEAD-style probe (spec §6).
type Head struct {
	TotalSize int64
	ETag      string
}
