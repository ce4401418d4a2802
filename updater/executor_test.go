package updater_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltatree/coretree/builder"
	"github.com/deltatree/coretree/codec"
	"github.com/deltatree/coretree/metadata"
	"github.com/deltatree/coretree/updater"
	"github.com/deltatree/coretree/workspace"
)

// fakeTransport serves metadata and payload bytes straight out of
// in-memory maps, keyed by the url fakeSource hands back.
type fakeTransport struct {
	metas map[string][]byte
	datas map[string][]byte
}

func (f *fakeTransport) Metadata(_ context.Context, url string) ([]byte, error) {
	b, ok := f.metas[url]
	if !ok {
		return nil, fmt.Errorf("no metadata for %s", url)
	}
	return b, nil
}

func (f *fakeTransport) Range(_ context.Context, url string, start int64, end *int64) (io.ReadCloser, error) {
	b, ok := f.datas[url]
	if !ok {
		return nil, fmt.Errorf("no data for %s", url)
	}
	if start >= int64(len(b)) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	stop := int64(len(b))
	if end != nil && *end < stop {
		stop = *end
	}
	return io.NopCloser(bytes.NewReader(b[start:stop])), nil
}

func (f *fakeTransport) Head(_ context.Context, url string) (updater.Head, error) {
	b, ok := f.datas[url]
	if !ok {
		return updater.Head{}, fmt.Errorf("no data for %s", url)
	}
	return updater.Head{TotalSize: int64(len(b))}, nil
}

type fakeSource struct{}

func (fakeSource) MetadataURL(id string) string { return "meta:" + id }
func (fakeSource) DataURL(id string) string     { return "data:" + id }

func fastPolicy() updater.RetryPolicy {
	return updater.RetryPolicy{Base: time.Millisecond, Factor: 2, Cap: 5 * time.Millisecond, MaxAttempts: 3}
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// patchableContents returns two versions of one file that differ in a
// few bytes and do not compress, so the builder encodes the change as a
// Patch rather than a full Add.
func patchableContents() (v1, v2 string) {
	before := make([]byte, 32*1024)
	rand.New(rand.NewSource(1)).Read(before)
	after := append([]byte(nil), before...)
	copy(after[20000:], "changed")
	return string(before), string(after)
}

func buildPackage(t *testing.T, sourceRoot, destRoot string) (*builder.Result, []byte) {
	t.Helper()
	res, err := builder.Build(context.Background(), builder.Options{
		SourceRoot: sourceRoot,
		DestRoot:   destRoot,
	})
	require.NoError(t, err)
	meta := metadata.PackageMetadata{
		FormatMagic:   metadata.FormatMagic,
		FormatVersion: metadata.FormatVersion,
		Compressors:   codec.DefaultCompressors().Names(),
		Patchers:      codec.DefaultPatchers().Names(),
		Operations:    res.Operations,
	}
	metaBytes, err := metadata.MarshalCanonical(meta)
	require.NoError(t, err)
	return res, metaBytes
}

func TestExecuteFreshInstall(t *testing.T) {
	destRoot := t.TempDir()
	writeFiles(t, destRoot, map[string]string{
		"a.txt":        "hello world",
		"nested/b.txt": "nested content",
	})

	res, metaBytes := buildPackage(t, "", destRoot)

	transport := &fakeTransport{
		metas: map[string][]byte{"meta:pkg1": metaBytes},
		datas: map[string][]byte{"data:pkg1": res.Blob},
	}

	wsRoot := t.TempDir()
	ws, err := workspace.Open(wsRoot)
	require.NoError(t, err)

	ex := &updater.Executor{
		Transport:   transport,
		Source:      fakeSource{},
		Workspace:   ws,
		Compressors: codec.DefaultCompressors(),
		Patchers:    codec.DefaultPatchers(),
		Retry:       fastPolicy(),
		Concurrency: 2,
	}

	plan := &updater.Plan{Packages: []string{"pkg1"}, TotalBytes: int64(len(res.Blob))}
	require.NoError(t, ex.Execute(context.Background(), "v1", plan))

	gotA, err := os.ReadFile(filepath.Join(wsRoot, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(wsRoot, "nested/b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "nested content", string(gotB))

	st, err := ws.ReadState()
	require.NoError(t, err)
	assert.Equal(t, "v1", st.Revision)
	assert.Len(t, st.Files, 2)
}

func TestExecuteAppliesPatchThenRemove(t *testing.T) {
	wsRoot := t.TempDir()
	ws, err := workspace.Open(wsRoot)
	require.NoError(t, err)

	v1, v2 := patchableContents()
	v1Root := t.TempDir()
	writeFiles(t, v1Root, map[string]string{"a.txt": v1})
	res1, meta1 := buildPackage(t, "", v1Root)

	v2Root := t.TempDir()
	writeFiles(t, v2Root, map[string]string{"a.txt": v2})
	res2, meta2 := buildPackage(t, v1Root, v2Root)
	require.Len(t, res2.Operations, 1)
	require.IsType(t, metadata.PatchOp{}, res2.Operations[0])

	v3Root := t.TempDir()
	res3, meta3 := buildPackage(t, v2Root, v3Root)

	transport := &fakeTransport{
		metas: map[string][]byte{
			"meta:pkg1": meta1,
			"meta:pkg2": meta2,
			"meta:pkg3": meta3,
		},
		datas: map[string][]byte{
			"data:pkg1": res1.Blob,
			"data:pkg2": res2.Blob,
			"data:pkg3": res3.Blob,
		},
	}

	ex := &updater.Executor{
		Transport:   transport,
		Source:      fakeSource{},
		Workspace:   ws,
		Compressors: codec.DefaultCompressors(),
		Patchers:    codec.DefaultPatchers(),
		Retry:       fastPolicy(),
		Concurrency: 1,
	}

	plan := &updater.Plan{Packages: []string{"pkg1", "pkg2", "pkg3"}}
	require.NoError(t, ex.Execute(context.Background(), "v3", plan))

	_, err = os.Stat(filepath.Join(wsRoot, "a.txt"))
	assert.True(t, os.IsNotExist(err))

	st, err := ws.ReadState()
	require.NoError(t, err)
	assert.Equal(t, "v3", st.Revision)
	assert.Empty(t, st.Files)
}

func TestExecuteRetriesOnTransientFailure(t *testing.T) {
	destRoot := t.TempDir()
	writeFiles(t, destRoot, map[string]string{"a.txt": "hello"})
	res, metaBytes := buildPackage(t, "", destRoot)

	flaky := &flakyTransport{
		fakeTransport: fakeTransport{
			metas: map[string][]byte{"meta:pkg1": metaBytes},
			datas: map[string][]byte{"data:pkg1": res.Blob},
		},
		failUntil: 2,
	}

	wsRoot := t.TempDir()
	ws, err := workspace.Open(wsRoot)
	require.NoError(t, err)

	ex := &updater.Executor{
		Transport:   flaky,
		Source:      fakeSource{},
		Workspace:   ws,
		Compressors: codec.DefaultCompressors(),
		Patchers:    codec.DefaultPatchers(),
		Retry:       fastPolicy(),
	}

	plan := &updater.Plan{Packages: []string{"pkg1"}}
	require.NoError(t, ex.Execute(context.Background(), "v1", plan))

	got, err := os.ReadFile(filepath.Join(wsRoot, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

// TestExecuteSkipsPatchAlreadyAppliedBeforeCrash simulates a crash that
// completed a Patch's MoveIntoPlace but died before the journal entry
// recording it: the installed file already holds the patch's target
// content, and a replay must recognize that rather than fail the
// before_sha1 check against content that's no longer "before".
func TestExecuteSkipsPatchAlreadyAppliedBeforeCrash(t *testing.T) {
	wsRoot := t.TempDir()
	ws, err := workspace.Open(wsRoot)
	require.NoError(t, err)

	v1, v2 := patchableContents()
	v1Root := t.TempDir()
	writeFiles(t, v1Root, map[string]string{"a.txt": v1})
	res1, meta1 := buildPackage(t, "", v1Root)

	v2Root := t.TempDir()
	writeFiles(t, v2Root, map[string]string{"a.txt": v2})
	res2, meta2 := buildPackage(t, v1Root, v2Root)
	require.Len(t, res2.Operations, 1)
	require.IsType(t, metadata.PatchOp{}, res2.Operations[0])

	transport := &fakeTransport{
		metas: map[string][]byte{"meta:pkg1": meta1, "meta:pkg2": meta2},
		datas: map[string][]byte{"data:pkg1": res1.Blob, "data:pkg2": res2.Blob},
	}
	ex := &updater.Executor{
		Transport:   transport,
		Source:      fakeSource{},
		Workspace:   ws,
		Compressors: codec.DefaultCompressors(),
		Patchers:    codec.DefaultPatchers(),
		Retry:       fastPolicy(),
	}

	require.NoError(t, ex.Execute(context.Background(), "v1", &updater.Plan{Packages: []string{"pkg1"}}))

	// Simulate a crash that already moved v2's content into place (e.g.
	// MoveIntoPlace succeeded) but never got to commit v2.
	require.NoError(t, os.WriteFile(filepath.Join(wsRoot, "a.txt"), []byte(v2), 0o644))

	require.NoError(t, ex.Execute(context.Background(), "v2", &updater.Plan{Packages: []string{"pkg2"}}))

	got, err := os.ReadFile(filepath.Join(wsRoot, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, v2, string(got))

	st, err := ws.ReadState()
	require.NoError(t, err)
	assert.Equal(t, "v2", st.Revision)
}

// TestExecuteResumesFromJournalAfterCrash pre-seeds the workspace
// journal as if a prior attempt had already verified the package's
// first operation, then corrupts that operation's bytes in the
// transport. If the executor re-applied it anyway, decoding would fail
// on the corrupted bytes; resuming from the journal must skip it.
func TestExecuteResumesFromJournalAfterCrash(t *testing.T) {
	destRoot := t.TempDir()
	writeFiles(t, destRoot, map[string]string{"a.txt": "aaaa content", "b.txt": "bbbb content"})
	res, _ := buildPackage(t, "", destRoot)

	require.Len(t, res.Operations, 2)
	add0, ok := res.Operations[0].(metadata.AddOp)
	require.True(t, ok)

	corruptBlob := append([]byte(nil), res.Blob...)
	corruptBlob[add0.Offset] ^= 0xFF

	meta := metadata.PackageMetadata{
		FormatMagic:   metadata.FormatMagic,
		FormatVersion: metadata.FormatVersion,
		Compressors:   codec.DefaultCompressors().Names(),
		Patchers:      codec.DefaultPatchers().Names(),
		Operations:    res.Operations,
	}
	metaBytes, err := metadata.MarshalCanonical(meta)
	require.NoError(t, err)

	transport := &fakeTransport{
		metas: map[string][]byte{"meta:pkg1": metaBytes},
		datas: map[string][]byte{"data:pkg1": corruptBlob},
	}

	wsRoot := t.TempDir()
	ws, err := workspace.Open(wsRoot)
	require.NoError(t, err)
	// The prior attempt's Add already landed on disk; only its journal
	// entry is what makes this a "verified" resume point.
	writeFiles(t, wsRoot, map[string]string{add0.Path: "aaaa content"})
	require.NoError(t, ws.AppendJournal(context.Background(), workspace.JournalEntry{
		PackageID: "pkg1",
		Path:      add0.Path,
		Status:    workspace.StatusVerified,
		Cursor:    0,
	}))

	ex := &updater.Executor{
		Transport:   transport,
		Source:      fakeSource{},
		Workspace:   ws,
		Compressors: codec.DefaultCompressors(),
		Patchers:    codec.DefaultPatchers(),
		Retry:       fastPolicy(),
	}

	require.NoError(t, ex.Execute(context.Background(), "v1", &updater.Plan{Packages: []string{"pkg1"}}))

	gotB, err := os.ReadFile(filepath.Join(wsRoot, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bbbb content", string(gotB))

	st, err := ws.ReadState()
	require.NoError(t, err)
	assert.Equal(t, "v1", st.Revision)
	assert.Contains(t, st.Files, add0.Path)
	assert.Contains(t, st.Files, "b.txt")
}

// TestExecuteRepairsFromEmptyOnCorruption simulates local file corruption
// (not package corruption): a.txt on disk no longer matches pkg2's
// before_sha1, so the first attempt fails with CorruptData. With Graph
// set, Execute must build a RepairPlan from Empty to v2 and retry,
// reinstalling a.txt fresh via pkg1 before pkg2's patch can apply
// (spec §4.6 scenario S2).
func TestExecuteRepairsFromEmptyOnCorruption(t *testing.T) {
	wsRoot := t.TempDir()
	ws, err := workspace.Open(wsRoot)
	require.NoError(t, err)

	v1, v2 := patchableContents()
	v1Root := t.TempDir()
	writeFiles(t, v1Root, map[string]string{"a.txt": v1})
	res1, meta1 := buildPackage(t, "", v1Root)

	v2Root := t.TempDir()
	writeFiles(t, v2Root, map[string]string{"a.txt": v2})
	res2, meta2 := buildPackage(t, v1Root, v2Root)
	require.Len(t, res2.Operations, 1)
	require.IsType(t, metadata.PatchOp{}, res2.Operations[0])

	transport := &fakeTransport{
		metas: map[string][]byte{"meta:pkg1": meta1, "meta:pkg2": meta2},
		datas: map[string][]byte{"data:pkg1": res1.Blob, "data:pkg2": res2.Blob},
	}

	graph := updater.BuildGraph([]metadata.PackageDescriptor{
		{ID: "pkg1", FromRevision: nil, ToRevision: "v1", Size: int64(len(res1.Blob))},
		{ID: "pkg2", FromRevision: rev("v1"), ToRevision: "v2", Size: int64(len(res2.Blob))},
	})

	ex := &updater.Executor{
		Transport:   transport,
		Source:      fakeSource{},
		Workspace:   ws,
		Compressors: codec.DefaultCompressors(),
		Patchers:    codec.DefaultPatchers(),
		Retry:       fastPolicy(),
		Graph:       graph,
	}

	require.NoError(t, ex.Execute(context.Background(), "v1", &updater.Plan{Packages: []string{"pkg1"}}))

	// Local bit rot: a.txt no longer matches pkg2's before_sha1, so
	// applying pkg2 directly fails with CorruptData.
	require.NoError(t, os.WriteFile(filepath.Join(wsRoot, "a.txt"), []byte("corrupted on disk!!!!!!!!!!!!!!!!!!!!!!"), 0o644))

	require.NoError(t, ex.Execute(context.Background(), "v2", &updater.Plan{Packages: []string{"pkg2"}}))

	got, err := os.ReadFile(filepath.Join(wsRoot, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, v2, string(got))

	st, err := ws.ReadState()
	require.NoError(t, err)
	assert.Equal(t, "v2", st.Revision)
}

type flakyTransport struct {
	fakeTransport
	attempts  int
	failUntil int
}

func (f *flakyTransport) Range(ctx context.Context, url string, start int64, end *int64) (io.ReadCloser, error) {
	f.attempts++
	if f.attempts <= f.failUntil {
		return nil, fmt.Errorf("simulated transient failure")
	}
	return f.fakeTransport.Range(ctx, url, start, end)
}
