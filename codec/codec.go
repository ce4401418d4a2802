// Package codec implements the pluggable compressor and patcher tables
// described in spec §4.1 and §9 ("Pluggable codecs... a polymorphic
// table over {encode, decode} with named lookup; never as dynamic
// subclass hierarchies").
//
// Every Compressor and Patcher implementation here is stateless and safe
// to invoke concurrently from the builder's worker pool (spec §4.5
// step 4): encode/decode never touch package-level mutable state.
package codec

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/deltatree/coretree/corerr"
)

// Params is the small typed record of codec options named in spec §4.1.
type Params struct {
	Level          int `json:"level,omitempty"`
	DictionarySize int `json:"dictionary_size,omitempty"`
}

// Compressor is a named, paired encode/decode byte transformer.
type Compressor interface {
	Name() string
	// Encode reads all of r, writes the compressed stream to w, and
	// reports the final (compressed) size.
	Encode(w io.Writer, r io.Reader, p Params) (finalSize int64, err error)
	// Decode reads a compressed stream produced by Encode and writes the
	// decompressed bytes to w.
	Decode(w io.Writer, r io.Reader, p Params) error
}

// Patcher is a named, paired binary-delta encode/decode transformer.
type Patcher interface {
	Name() string
	// Encode computes a delta transforming before into the content read
	// from after, writing the delta to w.
	Encode(w io.Writer, before io.ReaderAt, beforeSize int64, after io.Reader) (finalSize int64, err error)
	// Decode applies a delta produced by Encode to before, writing the
	// resulting content to w.
	Decode(w io.Writer, before io.ReaderAt, beforeSize int64, delta io.Reader) error
}

// CompressorFactory constructs a fresh, independent Compressor instance.
type CompressorFactory func() Compressor

// PatcherFactory constructs a fresh, independent Patcher instance.
type PatcherFactory func() Patcher

// CompressorRegistry is a name -> factory table for compressors.
type CompressorRegistry struct {
	mu    sync.RWMutex
	table map[string]CompressorFactory
}

// NewCompressorRegistry returns an empty registry.
func NewCompressorRegistry() *CompressorRegistry {
	return &CompressorRegistry{table: map[string]CompressorFactory{}}
}

// Register adds or replaces a named factory.
func (r *CompressorRegistry) Register(name string, f CompressorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[name] = f
}

// Get constructs a fresh Compressor for name, or UnsupportedFormat.
func (r *CompressorRegistry) Get(name string) (Compressor, error) {
	r.mu.RLock()
	f, ok := r.table[name]
	r.mu.RUnlock()
	if !ok {
		return nil, corerr.New("codec.CompressorRegistry.Get", corerr.KindUnsupportedFormat, "", "", fmt.Errorf("unknown compressor %q", name))
	}
	return f(), nil
}

// Names returns the registered compressor names in sorted order.
func (r *CompressorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.table))
	for n := range r.table {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PatcherRegistry is a name -> factory table for patchers.
type PatcherRegistry struct {
	mu    sync.RWMutex
	table map[string]PatcherFactory
}

// NewPatcherRegistry returns an empty registry.
func NewPatcherRegistry() *PatcherRegistry {
	return &PatcherRegistry{table: map[string]PatcherFactory{}}
}

// Register adds or replaces a named factory.
func (r *PatcherRegistry) Register(name string, f PatcherFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[name] = f
}

// Get constructs a fresh Patcher for name, or UnsupportedFormat.
func (r *PatcherRegistry) Get(name string) (Patcher, error) {
	r.mu.RLock()
	f, ok := r.table[name]
	r.mu.RUnlock()
	if !ok {
		return nil, corerr.New("codec.PatcherRegistry.Get", corerr.KindUnsupportedFormat, "", "", fmt.Errorf("unknown patcher %q", name))
	}
	return f(), nil
}

// Names returns the registered patcher names in sorted order.
func (r *PatcherRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.table))
	for n := range r.table {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultCompressors returns a registry with every required compressor
// (spec §4.1): raw, brotli, lzma, zstd.
func DefaultCompressors() *CompressorRegistry {
	r := NewCompressorRegistry()
	r.Register("raw", func() Compressor { return rawCompressor{} })
	r.Register("brotli", func() Compressor { return brotliCompressor{} })
	r.Register("lzma", func() Compressor { return lzmaCompressor{} })
	r.Register("zstd", func() Compressor { return zstdCompressor{} })
	return r
}

// DefaultPatchers returns a registry with every required patcher
// (spec §4.1): raw, vcdiff, ue4pak.
func DefaultPatchers() *PatcherRegistry {
	r := NewPatcherRegistry()
	r.Register("raw", func() Patcher { return rawPatcher{} })
	r.Register("vcdiff", func() Patcher { return vcdiffPatcher{} })
	r.Register("ue4pak", func() Patcher { return ue4pakPatcher{} })
	return r
}

// countingWriter tracks bytes written, used to report the byte offset of
// a decode failure in CorruptData errors.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// corruptErr builds the CorruptData error mandated by spec §4.1: "codec
// rejects malformed input with a single CorruptData error carrying codec
// name and byte offset."
func corruptErr(op, codecName string, offset int64, err error) error {
	return corerr.New(op, corerr.KindCorruptData, codecName, "", err).WithOffset(offset)
}
