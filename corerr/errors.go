// Package corerr defines the error domain shared by every component of
// the core: codec, metadata, repo, workspace, builder and updater.
//
// Errors coming from core components should be inspectable as
// ([errors.As]) an *Error at some point in the error chain. Components
// should create an Error at the system boundary (disk I/O, network
// transport, codec decode) and intermediate layers should wrap with
// [fmt.Errorf] and "%w" rather than construct another Error, except to
// narrow the Kind.
package corerr

import (
	"errors"
	"strings"
)

// Kind classifies an Error per spec §7.
type Kind string

// Defined kinds: the nine of spec §7's taxonomy, plus KindInUse.
const (
	KindIO               = Kind("io")                // local disk errors
	KindNetwork          = Kind("network")            // transport failure, retryable by updater
	KindCorruptData      = Kind("corrupt_data")       // hash mismatch, codec/patcher abort
	KindUnsupportedFormat = Kind("unsupported_format") // unknown metadata keys, op, or codec
	KindDuplicate        = Kind("duplicate")
	KindUnknownRevision  = Kind("unknown_revision")
	KindUnreachable      = Kind("unreachable")
	KindLocked           = Kind("locked")
	KindCancelled        = Kind("cancelled")

	// KindInUse covers repository maintenance operations refused because
	// the target is still reachable from recorded history (spec §4.3:
	// "unregister forbidden if any reachable path in versions graph
	// depends on it").
	KindInUse = Kind("in_use")
)

// Error implements error.
func (k Kind) Error() string { return string(k) }

// Error is the core error domain type.
//
// Op names the operation that failed (e.g. "repo.RegisterVersion"). Path
// and Revision are filled in when relevant, so that callers can recover
// "enough context to identify the failing path, revision, or byte range"
// (spec §7) without parsing the message.
type Error struct {
	Op       string
	Kind     Kind
	Path     string
	Revision string
	Offset   int64
	Message  string
	Inner    error
}

var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]")
	if e.Path != "" {
		b.WriteString(" path=")
		b.WriteString(e.Path)
	}
	if e.Revision != "" {
		b.WriteString(" revision=")
		b.WriteString(e.Revision)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Inner != nil {
		b.WriteString(": ")
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is] against a bare Kind value.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	if !ok {
		return false
	}
	return e.Kind == k
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error { return e.Inner }

// New constructs an *Error. Any of path, revision, message or err may be
// zero-valued.
func New(op string, kind Kind, path, revision string, err error) *Error {
	return &Error{Op: op, Kind: kind, Path: path, Revision: revision, Inner: err}
}

// WithOffset returns a copy of e with Offset set, used by codec.CorruptData.
func (e *Error) WithOffset(off int64) *Error {
	c := *e
	c.Offset = off
	return &c
}

// As is a small helper mirroring [errors.As] for the common case of
// checking for a specific Kind anywhere in the chain.
func As(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
