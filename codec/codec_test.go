package codec_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltatree/coretree/codec"
	"github.com/deltatree/coretree/corerr"
)

func TestCompressorsRoundTrip(t *testing.T) {
	reg := codec.DefaultCompressors()
	payload := strings.Repeat("the quick brown fox jumps over the lazy dog ", 200)
	for _, name := range reg.Names() {
		name := name
		t.Run(name, func(t *testing.T) {
			c, err := reg.Get(name)
			require.NoError(t, err)

			var compressed bytes.Buffer
			n, err := c.Encode(&compressed, strings.NewReader(payload), codec.Params{})
			require.NoError(t, err)
			assert.EqualValues(t, compressed.Len(), n)

			c2, err := reg.Get(name)
			require.NoError(t, err)
			var out bytes.Buffer
			require.NoError(t, c2.Decode(&out, bytes.NewReader(compressed.Bytes()), codec.Params{}))
			assert.Equal(t, payload, out.String())
		})
	}
}

func TestUnknownCompressorIsUnsupportedFormat(t *testing.T) {
	reg := codec.DefaultCompressors()
	_, err := reg.Get("lz4")
	require.Error(t, err)
	var ce *corerr.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, corerr.KindUnsupportedFormat, ce.Kind)
}

func TestZstdDecodeCorruptDataReportsCodec(t *testing.T) {
	reg := codec.DefaultCompressors()
	c, err := reg.Get("zstd")
	require.NoError(t, err)
	var out bytes.Buffer
	err = c.Decode(&out, bytes.NewReader([]byte("not zstd")), codec.Params{})
	require.Error(t, err)
	var ce *corerr.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, corerr.KindCorruptData, ce.Kind)
	assert.Equal(t, "zstd", ce.Path)
}

func TestPatchersRoundTrip(t *testing.T) {
	before := []byte(strings.Repeat("hello world ", 5000))
	after := append(append([]byte{}, before...), []byte(" and a tail")...)

	reg := codec.DefaultPatchers()
	for _, name := range reg.Names() {
		name := name
		t.Run(name, func(t *testing.T) {
			p, err := reg.Get(name)
			require.NoError(t, err)
			beforeR := bytes.NewReader(before)

			var delta bytes.Buffer
			_, err = p.Encode(&delta, beforeR, int64(len(before)), bytes.NewReader(after))
			require.NoError(t, err)

			p2, err := reg.Get(name)
			require.NoError(t, err)
			var out bytes.Buffer
			require.NoError(t, p2.Decode(&out, bytes.NewReader(before), int64(len(before)), bytes.NewReader(delta.Bytes())))
			assert.Equal(t, after, out.Bytes())
		})
	}
}

func TestUnknownPatcherIsUnsupportedFormat(t *testing.T) {
	reg := codec.DefaultPatchers()
	_, err := reg.Get("xdelta3")
	require.Error(t, err)
	var ce *corerr.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, corerr.KindUnsupportedFormat, ce.Kind)
}
