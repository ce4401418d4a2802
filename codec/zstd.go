package codec

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// zstdCompressor wraps github.com/klauspost/compress/zstd, the same
// package the teacher uses for layer-content detection
// (internal/indexer/fetcher/fetcher.go).
type zstdCompressor struct{}

func (zstdCompressor) Name() string { return "zstd" }

func (zstdCompressor) Encode(w io.Writer, r io.Reader, p Params) (int64, error) {
	level := zstdLevel(p.Level)
	cw := &countingWriter{w: w}
	enc, err := zstd.NewWriter(cw, zstd.WithEncoderLevel(level))
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return 0, err
	}
	if err := enc.Close(); err != nil {
		return 0, err
	}
	return cw.n, nil
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 9:
		return zstd.SpeedDefault
	case level <= 19:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func (zstdCompressor) Decode(w io.Writer, r io.Reader, _ Params) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return corruptErr("codec.zstd.Decode", "zstd", 0, err)
	}
	defer dec.Close()
	cw := &countingWriter{w: w}
	if _, err := io.Copy(cw, dec); err != nil {
		return corruptErr("codec.zstd.Decode", "zstd", cw.n, err)
	}
	return nil
}
