package builder_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltatree/coretree/builder"
	"github.com/deltatree/coretree/codec"
	"github.com/deltatree/coretree/digest"
	"github.com/deltatree/coretree/metadata"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func opKinds(ops []metadata.Operation) []metadata.OpKind {
	out := make([]metadata.OpKind, len(ops))
	for i, op := range ops {
		out[i] = op.Kind()
	}
	return out
}

func opPaths(ops []metadata.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.OpPath()
	}
	return out
}

func TestBuildFromEmptyProducesOnlyAdds(t *testing.T) {
	dst := writeTree(t, map[string]string{
		"a.txt":     "hello",
		"sub/b.txt": "world",
	})

	res, err := builder.Build(context.Background(), builder.Options{
		SourceRoot: "",
		DestRoot:   dst,
		Workers:    2,
	})
	require.NoError(t, err)

	for _, op := range res.Operations {
		assert.Contains(t, []metadata.OpKind{metadata.OpAdd, metadata.OpMkDir}, op.Kind())
	}
	assert.Contains(t, opPaths(res.Operations), "a.txt")
	assert.Contains(t, opPaths(res.Operations), "sub/b.txt")
	assert.Contains(t, opPaths(res.Operations), "sub")
}

func TestBuildClassifiesAddPatchRemove(t *testing.T) {
	src := writeTree(t, map[string]string{
		"keep.txt":   "unchanged",
		"change.txt": "before content before content before content",
		"gone.txt":   "removed",
	})
	dst := writeTree(t, map[string]string{
		"keep.txt":   "unchanged",
		"change.txt": "after content after content after content AAAA",
		"new.txt":    "brand new",
	})

	res, err := builder.Build(context.Background(), builder.Options{
		SourceRoot: src,
		DestRoot:   dst,
		Workers:    3,
	})
	require.NoError(t, err)

	byPath := map[string]metadata.OpKind{}
	for _, op := range res.Operations {
		byPath[op.OpPath()] = op.Kind()
	}
	assert.NotContains(t, byPath, "keep.txt")
	assert.Contains(t, []metadata.OpKind{metadata.OpPatch, metadata.OpAdd}, byPath["change.txt"])
	assert.Equal(t, metadata.OpRemove, byPath["gone.txt"])
	assert.Equal(t, metadata.OpAdd, byPath["new.txt"])
}

func TestBuildIsDeterministic(t *testing.T) {
	src := writeTree(t, map[string]string{"a.txt": "one", "b/c.txt": "two"})
	dst := writeTree(t, map[string]string{"a.txt": "one-changed", "b/c.txt": "two", "d.txt": "three"})

	opts := builder.Options{SourceRoot: src, DestRoot: dst, Workers: 4}
	r1, err := builder.Build(context.Background(), opts)
	require.NoError(t, err)
	r2, err := builder.Build(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, r1.Blob, r2.Blob)
	digestComparer := cmp.Comparer(func(a, b digest.Digest) bool { return a == b })
	if diff := cmp.Diff(r1.Operations, r2.Operations, digestComparer); diff != "" {
		t.Errorf("operations differ between identical builds, diff = %v", diff)
	}
	assert.Equal(t, opKinds(r1.Operations), opKinds(r2.Operations))
	assert.Equal(t, opPaths(r1.Operations), opPaths(r2.Operations))
	assert.Equal(t, r1.PayloadSHA1, r2.PayloadSHA1)
}

func TestBuildRawCodecRoundTrip(t *testing.T) {
	dst := writeTree(t, map[string]string{"a.txt": "payload bytes"})
	reg := codec.NewCompressorRegistry()
	reg.Register("raw", func() codec.Compressor { return mustCompressor(t, "raw") })

	res, err := builder.Build(context.Background(), builder.Options{
		DestRoot:           dst,
		Compressors:        []string{"raw"},
		CompressorRegistry: reg,
		Workers:            1,
	})
	require.NoError(t, err)
	require.Len(t, res.Operations, 1)
	add, ok := res.Operations[0].(metadata.AddOp)
	require.True(t, ok)
	assert.Equal(t, "raw", add.Codec)
	assert.Equal(t, int64(len("payload bytes")), add.PackedSize)
	assert.Equal(t, []byte("payload bytes"), res.Blob)
}

func mustCompressor(t *testing.T, name string) codec.Compressor {
	t.Helper()
	c, err := codec.DefaultCompressors().Get(name)
	require.NoError(t, err)
	return c
}
