package workspace_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltatree/coretree/digest"
	"github.com/deltatree/coretree/workspace"
)

func newStore(t *testing.T) (*workspace.Store, string) {
	t.Helper()
	root := t.TempDir()
	s, err := workspace.Open(root)
	require.NoError(t, err)
	return s, root
}

func TestOpenCreatesLayoutAndInitialState(t *testing.T) {
	s, root := newStore(t)
	for _, dir := range []string{".update", filepath.Join(".update", "staging"), filepath.Join(".update", "inprogress")} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	st, err := s.ReadState()
	require.NoError(t, err)
	assert.Empty(t, st.Revision)
	assert.Empty(t, st.Journal)
}

func TestOpenIsIdempotent(t *testing.T) {
	s, root := newStore(t)
	require.NoError(t, s.AppendJournal(context.Background(), workspace.JournalEntry{
		PackageID: "pkg1", Path: "a.txt", Status: workspace.StatusApplied,
	}))

	s2, err := workspace.Open(root)
	require.NoError(t, err)
	st, err := s2.ReadState()
	require.NoError(t, err)
	require.Len(t, st.Journal, 1)
	assert.Equal(t, "pkg1", st.Journal[0].PackageID)
}

func TestAppendJournalChainsAndVerifies(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendJournal(ctx, workspace.JournalEntry{PackageID: "p1", Path: "a", Status: workspace.StatusQueued}))
	require.NoError(t, s.AppendJournal(ctx, workspace.JournalEntry{PackageID: "p1", Path: "a", Status: workspace.StatusDownloaded}))
	require.NoError(t, s.AppendJournal(ctx, workspace.JournalEntry{PackageID: "p1", Path: "a", Status: workspace.StatusApplied}))

	st, err := s.ReadState()
	require.NoError(t, err)
	require.Len(t, st.Journal, 3)
	require.NoError(t, workspace.VerifyChain(st.Journal))
}

func TestCommitRevisionClearsJournalAndGoal(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.WithLock(ctx, func(st workspace.State) (workspace.State, error) {
		st.Goal = &workspace.Goal{TargetRevision: "2.0.0", Packages: []string{"p1"}}
		return st, nil
	}))
	require.NoError(t, s.AppendJournal(ctx, workspace.JournalEntry{PackageID: "p1", Path: "a", Status: workspace.StatusApplied}))

	files := map[string]digest.Digest{}
	require.NoError(t, s.CommitRevision(ctx, "2.0.0", files))

	st, err := s.ReadState()
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", st.Revision)
	assert.Nil(t, st.Goal)
	assert.Empty(t, st.Journal)
}

func TestWithLockRejectsConcurrentCaller(t *testing.T) {
	s, root := newStore(t)
	done := make(chan struct{})
	err := s.WithLock(context.Background(), func(st workspace.State) (workspace.State, error) {
		go func() {
			s2, openErr := workspace.Open(root)
			require.NoError(t, openErr)
			lockErr := s2.WithLock(context.Background(), func(st workspace.State) (workspace.State, error) {
				return st, nil
			})
			assert.Error(t, lockErr)
			close(done)
		}()
		<-done
		return st, nil
	})
	require.NoError(t, err)
}

func TestMoveIntoPlaceInstallsStagedFile(t *testing.T) {
	s, root := newStore(t)
	f, err := s.CreateStaging(mustDigest(t))
	require.NoError(t, err)
	_, err = f.WriteString("hello")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stagingPath := s.StagingPath(mustDigest(t))
	require.NoError(t, s.MoveIntoPlace(stagingPath, filepath.Join("sub", "file.txt")))

	b, err := os.ReadFile(filepath.Join(root, "sub", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func mustDigest(t *testing.T) digest.Digest {
	t.Helper()
	d, err := digest.New(make([]byte, digest.Size))
	require.NoError(t, err)
	return d
}

func TestGCRemovesOrphanedInProgressFiles(t *testing.T) {
	s, root := newStore(t)
	f, err := s.OpenInProgress("stale-pkg")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = workspace.Open(root)
	require.NoError(t, err)

	_, statErr := os.Stat(s.InProgressPath("stale-pkg"))
	assert.True(t, os.IsNotExist(statErr))
}
