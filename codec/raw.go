package codec

import "io"

// rawCompressor is the identity compressor required by spec §4.1.
type rawCompressor struct{}

func (rawCompressor) Name() string { return "raw" }

func (rawCompressor) Encode(w io.Writer, r io.Reader, _ Params) (int64, error) {
	n, err := io.Copy(w, r)
	return n, err
}

func (rawCompressor) Decode(w io.Writer, r io.Reader, _ Params) error {
	_, err := io.Copy(w, r)
	return err
}

// rawPatcher ignores the source and streams the full new content,
// required as a fallback by spec §4.1 and used by the builder whenever
// a full Add beats every patcher candidate (spec §4.5 step 3).
type rawPatcher struct{}

func (rawPatcher) Name() string { return "raw" }

func (rawPatcher) Encode(w io.Writer, _ io.ReaderAt, _ int64, after io.Reader) (int64, error) {
	n, err := io.Copy(w, after)
	return n, err
}

func (rawPatcher) Decode(w io.Writer, _ io.ReaderAt, _ int64, delta io.Reader) error {
	_, err := io.Copy(w, delta)
	return err
}
