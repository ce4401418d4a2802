package metadata_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltatree/coretree/digest"
	"github.com/deltatree/coretree/metadata"
)

func TestCanonicalizeSortsKeysAndAppendsNewline(t *testing.T) {
	in := []byte(`{"b":1,"a":2}`)
	out, err := metadata.Canonicalize(in)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":2,\"b\":1}\n", string(out))
}

func TestOperationRoundTrip(t *testing.T) {
	sha, err := digest.Parse("0000000000000000000000000000000000000001")
	require.NoError(t, err)
	ops := []metadata.Operation{
		metadata.NewAdd("a/b", 3, sha, "zstd", nil, 0, 2, false),
		metadata.NewPatch("a/c", sha, sha, 3, 4, "vcdiff", "zstd", nil, 2, 1, true),
		metadata.NewRemove("a/d", digest.Digest{}),
		metadata.NewMkDir("a"),
		metadata.NewRmDir("b"),
	}
	raws, err := metadata.MarshalOperations(ops)
	require.NoError(t, err)
	got, err := metadata.UnmarshalOperations(raws)
	require.NoError(t, err)
	assert.Equal(t, ops, got)
}

func TestUnmarshalOperationUnknownKind(t *testing.T) {
	_, err := metadata.UnmarshalOperation(json.RawMessage(`{"op":"symlink","path":"a"}`))
	require.Error(t, err)
}

func TestPackageMetadataDigestDeterministic(t *testing.T) {
	sha, _ := digest.Parse("0000000000000000000000000000000000000001")
	pm := metadata.PackageMetadata{
		FormatMagic:   metadata.FormatMagic,
		FormatVersion: metadata.FormatVersion,
		Compressors:   []string{"zstd", "raw"},
		Patchers:      []string{"vcdiff"},
		Operations:    []metadata.Operation{metadata.NewAdd("a", 1, sha, "zstd", nil, 0, 1, false)},
	}
	d1, err := pm.Digest()
	require.NoError(t, err)
	d2, err := pm.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestVersionsDocPreservesUnknownKeys(t *testing.T) {
	raw := []byte(`{"versions":[{"revision":"1.0.0","description":"d","timestamp":"2026-01-01T00:00:00Z"}],"future_field":42}`)
	var doc metadata.VersionsDoc
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Versions, 1)
	assert.Equal(t, "1.0.0", doc.Versions[0].Revision)

	out, err := json.Marshal(doc)
	require.NoError(t, err)
	var rt metadata.VersionsDoc
	require.NoError(t, json.Unmarshal(out, &rt))
	assert.Contains(t, rt.Extra, "future_field")
}
