// Package builder implements the package-construction pipeline
// described in spec §4.5: given a source tree (or the sentinel empty
// tree) and a destination tree, it produces the smallest correct
// package blob and its metadata, parallelising codec work across a
// worker pool.
//
// The pipeline is grounded on the teacher's fan-out idioms —
// errgroup.SetLimit bounding concurrent work
// (indexer/layerscanner.go), TeeReader-style hashing-while-copying
// (internal/indexer/fetcher/fetcher.go) — generalised from scanning
// container layers to diffing file trees.
package builder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/deltatree/coretree/codec"
	"github.com/deltatree/coretree/corerr"
	"github.com/deltatree/coretree/digest"
	"github.com/deltatree/coretree/metadata"
)

// Options configures one Build call (spec §4.5 inputs).
type Options struct {
	// SourceRoot is the previous revision's tree, or "" to build a
	// fresh-install package from the sentinel "empty" revision.
	SourceRoot string
	DestRoot   string

	// Compressors and Patchers are ordered preference lists of
	// registered codec names (spec §4.5 step 3). Empty means every
	// name registered, in sorted name order (as returned by Names).
	Compressors []string
	Patchers    []string

	// Workers bounds the codec worker pool size (spec §4.5 step 4).
	// Zero means 1.
	Workers int

	CompressorRegistry *codec.CompressorRegistry
	PatcherRegistry    *codec.PatcherRegistry
	CompressorParams   codec.Params
}

func (o *Options) setDefaults() {
	if o.CompressorRegistry == nil {
		o.CompressorRegistry = codec.DefaultCompressors()
	}
	if o.PatcherRegistry == nil {
		o.PatcherRegistry = codec.DefaultPatchers()
	}
	if len(o.Compressors) == 0 {
		o.Compressors = o.CompressorRegistry.Names()
	}
	if len(o.Patchers) == 0 {
		o.Patchers = o.PatcherRegistry.Names()
	}
}

// Result is everything Build produced for one package.
type Result struct {
	Operations   []metadata.Operation
	Blob         []byte
	Size         int64
	PayloadSHA1  digest.Digest
	CodecSummary []string
}

// Build implements spec §4.5: enumerate both trees, classify the union
// into operations, select a codec per operation under the size budget,
// and schedule codec work across a worker pool while serialising
// payload bytes into the blob in operation order.
func Build(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	defer func() { buildDuration.Observe(time.Since(start).Seconds()) }()

	opts.setDefaults()

	src, err := enumerate(opts.SourceRoot)
	if err != nil {
		return nil, err
	}
	dst, err := enumerate(opts.DestRoot)
	if err != nil {
		return nil, err
	}
	changes, err := classify(src, dst)
	if err != nil {
		return nil, err
	}

	build := func(ctx context.Context, c change) (metadata.Operation, []byte, error) {
		return buildOne(opts, c)
	}
	ops, payloads, err := schedule(ctx, changes, build, opts.Workers)
	if err != nil {
		return nil, err
	}

	var blob bytes.Buffer
	hasher := digest.Hasher()
	w := io.MultiWriter(&blob, hasher)

	var offset int64
	finalOps := make([]metadata.Operation, len(ops))
	codecSet := map[string]struct{}{}
	for i, op := range ops {
		payload := payloads[i]
		n, err := w.Write(payload)
		if err != nil {
			return nil, corerr.New("builder.Build", corerr.KindIO, "", "", err)
		}
		finalOps[i] = withOffset(op, offset, int64(n))
		offset += int64(n)
		collectCodecNames(op, codecSet)
	}

	sum, err := digest.New(hasher.Sum(nil))
	if err != nil {
		return nil, err
	}
	summary := make([]string, 0, len(codecSet))
	for name := range codecSet {
		summary = append(summary, name)
	}
	sort.Strings(summary)

	return &Result{
		Operations:   finalOps,
		Blob:         blob.Bytes(),
		Size:         offset,
		PayloadSHA1:  sum,
		CodecSummary: summary,
	}, nil
}

func buildOne(opts Options, c change) (metadata.Operation, []byte, error) {
	switch c.kind {
	case metadata.OpMkDir:
		return metadata.NewMkDir(c.path), nil, nil
	case metadata.OpRmDir:
		return metadata.NewRmDir(c.path), nil, nil
	case metadata.OpRemove:
		return metadata.NewRemove(c.path, c.src.SHA1), nil, nil
	case metadata.OpAdd:
		return buildAdd(opts, c.path, c.dst)
	case metadata.OpPatch:
		return buildPatch(opts, c)
	default:
		return nil, nil, corerr.New("builder.buildOne", corerr.KindUnsupportedFormat, c.path, "", fmt.Errorf("unknown change kind %q", c.kind))
	}
}

func buildAdd(opts Options, path string, entry *fileEntry) (metadata.Operation, []byte, error) {
	raw, err := os.ReadFile(filepath.Join(opts.DestRoot, path))
	if err != nil {
		return nil, nil, corerr.New("builder.buildAdd", corerr.KindIO, path, "", err)
	}
	name, packed, err := chooseCompressor(opts.CompressorRegistry, opts.Compressors, raw, opts.CompressorParams)
	if err != nil {
		return nil, nil, err
	}
	op := metadata.NewAdd(path, entry.Size, entry.SHA1, name, nil, 0, int64(len(packed)), entry.Executable)
	return op, packed, nil
}

// buildPatch implements "Patch operations additionally try Add (full
// content) and pick the smaller" (spec §4.5 step 3): it compresses both
// the chosen patcher's delta and the full destination content, and
// falls back to an Add record whenever that is cheaper.
func buildPatch(opts Options, c change) (metadata.Operation, []byte, error) {
	before, err := os.ReadFile(filepath.Join(opts.SourceRoot, c.path))
	if err != nil {
		return nil, nil, corerr.New("builder.buildPatch", corerr.KindIO, c.path, "", err)
	}
	after, err := os.ReadFile(filepath.Join(opts.DestRoot, c.path))
	if err != nil {
		return nil, nil, corerr.New("builder.buildPatch", corerr.KindIO, c.path, "", err)
	}

	patcherName, delta, err := choosePatcher(opts.PatcherRegistry, opts.Patchers, before, after)
	if err != nil {
		return nil, nil, err
	}
	compName, patchPacked, err := chooseCompressor(opts.CompressorRegistry, opts.Compressors, delta, opts.CompressorParams)
	if err != nil {
		return nil, nil, err
	}
	addCompName, addPacked, err := chooseCompressor(opts.CompressorRegistry, opts.Compressors, after, opts.CompressorParams)
	if err != nil {
		return nil, nil, err
	}

	if len(addPacked) < len(patchPacked) {
		op := metadata.NewAdd(c.path, c.dst.Size, c.dst.SHA1, addCompName, nil, 0, int64(len(addPacked)), c.dst.Executable)
		return op, addPacked, nil
	}

	op := metadata.NewPatch(c.path, c.src.SHA1, c.dst.SHA1, c.src.Size, c.dst.Size, patcherName, compName, nil, 0, int64(len(patchPacked)), c.dst.Executable)
	return op, patchPacked, nil
}

func withOffset(op metadata.Operation, offset, packedSize int64) metadata.Operation {
	switch v := op.(type) {
	case metadata.AddOp:
		v.Offset = offset
		v.PackedSize = packedSize
		return v
	case metadata.PatchOp:
		v.Offset = offset
		v.PackedSize = packedSize
		return v
	default:
		return op
	}
}

func collectCodecNames(op metadata.Operation, set map[string]struct{}) {
	switch v := op.(type) {
	case metadata.AddOp:
		set[v.Codec] = struct{}{}
	case metadata.PatchOp:
		set[v.Codec] = struct{}{}
		set[v.Patcher] = struct{}{}
	}
}
