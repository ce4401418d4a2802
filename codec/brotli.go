package codec

import (
	"io"

	"github.com/andybalholm/brotli"
)

// brotliCompressor wraps github.com/andybalholm/brotli, grounded on
// other_examples/manifests/2lambda123-aquasecurity-trivy/go.mod and
// .../nabbar-golib/go.mod.
type brotliCompressor struct{}

func (brotliCompressor) Name() string { return "brotli" }

func (brotliCompressor) Encode(w io.Writer, r io.Reader, p Params) (int64, error) {
	level := p.Level
	if level <= 0 {
		level = brotli.DefaultCompression
	}
	if level > brotli.BestCompression {
		level = brotli.BestCompression
	}
	cw := &countingWriter{w: w}
	bw := brotli.NewWriterLevel(cw, level)
	if _, err := io.Copy(bw, r); err != nil {
		bw.Close()
		return 0, err
	}
	if err := bw.Close(); err != nil {
		return 0, err
	}
	return cw.n, nil
}

func (brotliCompressor) Decode(w io.Writer, r io.Reader, _ Params) error {
	br := brotli.NewReader(r)
	cw := &countingWriter{w: w}
	if _, err := io.Copy(cw, br); err != nil {
		return corruptErr("codec.brotli.Decode", "brotli", cw.n, err)
	}
	return nil
}
