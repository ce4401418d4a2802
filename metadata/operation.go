package metadata

import (
	"encoding/json"
	"fmt"

	"github.com/deltatree/coretree/corerr"
	"github.com/deltatree/coretree/digest"
)

// OpKind is the discriminator of the operation record schema (spec §6).
type OpKind string

// Defined operation kinds.
const (
	OpAdd    OpKind = "add"
	OpPatch  OpKind = "patch"
	OpRemove OpKind = "remove"
	OpMkDir  OpKind = "mkdir"
	OpRmDir  OpKind = "rmdir"
)

// Operation is implemented by every operation record kind. Concrete
// types are value types so operation slices can be compared with
// reflect.DeepEqual / testify in tests.
type Operation interface {
	Kind() OpKind
	OpPath() string
}

// AddOp creates a new file (spec §3, §6).
type AddOp struct {
	Op            OpKind            `json:"op"`
	Path          string            `json:"path"`
	Size          int64             `json:"size"`
	SHA1          digest.Digest     `json:"sha1"`
	Codec         string            `json:"codec"`
	Params        map[string]any    `json:"params,omitempty"`
	Offset        int64             `json:"offset"`
	PackedSize    int64             `json:"packed_size"`
	ExecutableBit bool              `json:"executable,omitempty"`
}

func (a AddOp) Kind() OpKind   { return OpAdd }
func (a AddOp) OpPath() string { return a.Path }

// PatchOp transforms an existing file's content (spec §3, §6).
type PatchOp struct {
	Op            OpKind         `json:"op"`
	Path          string         `json:"path"`
	BeforeSHA1    digest.Digest  `json:"before_sha1"`
	AfterSHA1     digest.Digest  `json:"after_sha1"`
	BeforeSize    int64          `json:"before_size"`
	AfterSize     int64          `json:"after_size"`
	Patcher       string         `json:"patcher"`
	Codec         string         `json:"codec"`
	Params        map[string]any `json:"params,omitempty"`
	Offset        int64          `json:"offset"`
	PackedSize    int64          `json:"packed_size"`
	ExecutableBit bool           `json:"executable,omitempty"`
}

func (p PatchOp) Kind() OpKind   { return OpPatch }
func (p PatchOp) OpPath() string { return p.Path }

// RemoveOp deletes a file, after confirming its prior content hash.
type RemoveOp struct {
	Op         OpKind        `json:"op"`
	Path       string        `json:"path"`
	PriorSHA1  digest.Digest `json:"prior_sha1,omitempty"`
}

func (r RemoveOp) Kind() OpKind   { return OpRemove }
func (r RemoveOp) OpPath() string { return r.Path }

// MkDirOp creates an empty directory.
type MkDirOp struct {
	Op   OpKind `json:"op"`
	Path string `json:"path"`
}

func (m MkDirOp) Kind() OpKind   { return OpMkDir }
func (m MkDirOp) OpPath() string { return m.Path }

// RmDirOp removes an empty directory.
type RmDirOp struct {
	Op   OpKind `json:"op"`
	Path string `json:"path"`
}

func (r RmDirOp) Kind() OpKind   { return OpRmDir }
func (r RmDirOp) OpPath() string { return r.Path }

// NewAdd, NewPatch, etc. set the Op discriminator for the caller so
// builder code never has to remember the string literal.
func NewAdd(path string, size int64, sha1 digest.Digest, codec string, params map[string]any, offset, packedSize int64, exe bool) AddOp {
	return AddOp{Op: OpAdd, Path: path, Size: size, SHA1: sha1, Codec: codec, Params: params, Offset: offset, PackedSize: packedSize, ExecutableBit: exe}
}

func NewPatch(path string, beforeSHA1, afterSHA1 digest.Digest, beforeSize, afterSize int64, patcher, codec string, params map[string]any, offset, packedSize int64, exe bool) PatchOp {
	return PatchOp{Op: OpPatch, Path: path, BeforeSHA1: beforeSHA1, AfterSHA1: afterSHA1, BeforeSize: beforeSize, AfterSize: afterSize, Patcher: patcher, Codec: codec, Params: params, Offset: offset, PackedSize: packedSize, ExecutableBit: exe}
}

func NewRemove(path string, priorSHA1 digest.Digest) RemoveOp {
	return RemoveOp{Op: OpRemove, Path: path, PriorSHA1: priorSHA1}
}

func NewMkDir(path string) MkDirOp { return MkDirOp{Op: OpMkDir, Path: path} }
func NewRmDir(path string) RmDirOp { return RmDirOp{Op: OpRmDir, Path: path} }

// probeOp is used to read just the discriminator before dispatching.
type probeOp struct {
	Op OpKind `json:"op"`
}

// UnmarshalOperation decodes a single JSON operation record, dispatching
// on its "op" field. An unrecognized kind is UnsupportedFormat, per spec
// §4.2 ("unknown operation kinds cause UnsupportedFormat rather than
// silent drop").
func UnmarshalOperation(raw json.RawMessage) (Operation, error) {
	var p probeOp
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("metadata: probing operation kind: %w", err)
	}
	switch p.Op {
	case OpAdd:
		var v AddOp
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case OpPatch:
		var v PatchOp
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case OpRemove:
		var v RemoveOp
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case OpMkDir:
		var v MkDirOp
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case OpRmDir:
		var v RmDirOp
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, corerr.New("metadata.UnmarshalOperation", corerr.KindUnsupportedFormat, "", "", fmt.Errorf("unknown op %q", p.Op))
	}
}

// MarshalOperations encodes an ordered operation list preserving order.
func MarshalOperations(ops []Operation) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(ops))
	for i, op := range ops {
		b, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("metadata: marshal operation %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// UnmarshalOperations decodes an ordered operation list.
func UnmarshalOperations(raws []json.RawMessage) ([]Operation, error) {
	out := make([]Operation, len(raws))
	for i, raw := range raws {
		op, err := UnmarshalOperation(raw)
		if err != nil {
			return nil, fmt.Errorf("metadata: operation %d: %w", i, err)
		}
		out[i] = op
	}
	return out, nil
}
