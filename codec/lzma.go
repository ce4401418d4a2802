package codec

import (
	"io"

	"github.com/ulikunitz/xz/lzma"
)

// lzmaCompressor wraps github.com/ulikunitz/xz/lzma, a subpackage of the
// xz module the teacher already depends on directly (go.mod:
// ulikunitz/xz, exercised by test/integration/*.go).
type lzmaCompressor struct{}

func (lzmaCompressor) Name() string { return "lzma" }

func (lzmaCompressor) Encode(w io.Writer, r io.Reader, p Params) (int64, error) {
	cfg := lzma.WriterConfig{}
	if p.DictionarySize > 0 {
		cfg.DictCap = p.DictionarySize
	}
	cw := &countingWriter{w: w}
	lw, err := cfg.NewWriter(cw)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(lw, r); err != nil {
		lw.Close()
		return 0, err
	}
	if err := lw.Close(); err != nil {
		return 0, err
	}
	return cw.n, nil
}

func (lzmaCompressor) Decode(w io.Writer, r io.Reader, _ Params) error {
	lr, err := lzma.NewReader(r)
	if err != nil {
		return corruptErr("codec.lzma.Decode", "lzma", 0, err)
	}
	cw := &countingWriter{w: w}
	if _, err := io.Copy(cw, lr); err != nil {
		return corruptErr("codec.lzma.Decode", "lzma", cw.n, err)
	}
	return nil
}
