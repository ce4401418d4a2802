package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/deltatree/coretree/corerr"
	"github.com/deltatree/coretree/digest"
)

const (
	updateDir     = ".update"
	stateFile     = "state"
	stagingDir    = "staging"
	inprogressDir = "inprogress"
	lockFile      = "workspace.lock"
)

// Store is a handle on one client install directory.
type Store struct {
	root string
}

// Open binds a Store to root, creating the `.update` layout if absent,
// and sweeps orphaned staging/in-progress files left by a prior crash
// (spec §4.6: "garbage-collected on next open"; grounded on the same
// GC-on-next-use idiom as the repo package's Prune, itself modeled on
// the teacher's datastore/postgres/gc.go).
func Open(root string) (*Store, error) {
	s := &Store{root: root}
	for _, dir := range []string{s.updatePath(""), s.updatePath(stagingDir), s.updatePath(inprogressDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, corerr.New("workspace.Open", corerr.KindIO, dir, "", err)
		}
	}
	if _, err := os.Stat(s.updatePath(stateFile)); errors.Is(err, os.ErrNotExist) {
		if err := s.writeState(State{Files: map[string]digest.Digest{}, Updated: time.Now().UTC()}); err != nil {
			return nil, err
		}
	}
	if err := s.gcOrphans(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) updatePath(parts ...string) string {
	return filepath.Join(append([]string{s.root, updateDir}, parts...)...)
}

// InstallPath returns the final, in-tree path for a relative package
// operation path.
func (s *Store) InstallPath(relPath string) string {
	return filepath.Join(s.root, relPath)
}

// StagingPath returns where a blob whose expected content hash is sha1
// is written and verified before it is moved into place.
func (s *Store) StagingPath(sha1 digest.Digest) string {
	return s.updatePath(stagingDir, sha1.String())
}

// InProgressPath returns where one package's partially-downloaded blob
// is held, keyed by package id so a Range-resumed download can find its
// cursor (spec §4.4, §4.6).
func (s *Store) InProgressPath(packageID string) string {
	return s.updatePath(inprogressDir, packageID+".data")
}

// acquire takes the workspace's exclusive lock; concurrent callers on
// the same workspace are rejected (spec §3, §5).
func (s *Store) acquire() (unlock func(), err error) {
	fl := flock.New(s.updatePath(lockFile))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, corerr.New("workspace.Store.lock", corerr.KindIO, s.root, "", err)
	}
	if !locked {
		return nil, corerr.New("workspace.Store.lock", corerr.KindLocked, s.root, "", fmt.Errorf("workspace locked by another caller"))
	}
	return func() { fl.Unlock() }, nil
}

// ReadState returns the current workspace state. Safe to call without
// holding the lock; callers that intend to mutate should use WithLock.
func (s *Store) ReadState() (State, error) {
	b, err := os.ReadFile(s.updatePath(stateFile))
	if err != nil {
		return State{}, corerr.New("workspace.Store.ReadState", corerr.KindIO, stateFile, "", err)
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, corerr.New("workspace.Store.ReadState", corerr.KindUnsupportedFormat, stateFile, "", err)
	}
	if err := VerifyChain(st.Journal); err != nil {
		return State{}, corerr.New("workspace.Store.ReadState", corerr.KindCorruptData, stateFile, "", err)
	}
	return st, nil
}

func (s *Store) writeState(st State) error {
	st.Updated = time.Now().UTC()
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return corerr.New("workspace.Store.writeState", corerr.KindIO, stateFile, "", err)
	}
	return s.writeFileAtomic(s.updatePath(stateFile), b)
}

func (s *Store) writeFileAtomic(dst string, b []byte) error {
	tmp := s.updatePath(uuid.NewString() + ".tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return corerr.New("workspace.Store.writeFileAtomic", corerr.KindIO, dst, "", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return corerr.New("workspace.Store.writeFileAtomic", corerr.KindIO, dst, "", err)
	}
	if dir, err := os.Open(filepath.Dir(dst)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// WithLock runs fn while holding the workspace's exclusive lock,
// re-reading state first and persisting whatever fn returns.
func (s *Store) WithLock(_ context.Context, fn func(State) (State, error)) error {
	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	st, err := s.ReadState()
	if err != nil {
		return err
	}
	next, err := fn(st)
	if err != nil {
		return err
	}
	return s.writeState(next)
}

// AppendJournal records one journal entry under the workspace lock.
func (s *Store) AppendJournal(ctx context.Context, entry JournalEntry) error {
	return s.WithLock(ctx, func(st State) (State, error) {
		j, err := AppendEntry(st.Journal, entry)
		if err != nil {
			return st, err
		}
		st.Journal = j
		return st, nil
	})
}

// CommitRevision performs the atomic commit described in spec §4.6:
// "the state file is rewritten in one atomic swap: revision = target,
// journal cleared." Any failure before this call leaves the workspace
// at its previous revision.
func (s *Store) CommitRevision(ctx context.Context, revision string, files map[string]digest.Digest) error {
	return s.WithLock(ctx, func(st State) (State, error) {
		st.Revision = revision
		st.Files = files
		st.Goal = nil
		st.Journal = nil
		return st, nil
	})
}

// MoveIntoPlace moves a verified staging file to its final install
// path, fsyncing the enclosing directory afterward, and only then is it
// safe to record the file as applied (spec §4.4: "a file moves from
// staging into place only after its full content hash matches the
// expected after_sha1; the move is followed by an fsync of the
// enclosing directory; the journal is updated only after the move.").
func (s *Store) MoveIntoPlace(stagingPath, relPath string) error {
	dst := s.InstallPath(relPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return corerr.New("workspace.Store.MoveIntoPlace", corerr.KindIO, relPath, "", err)
	}
	if err := os.Rename(stagingPath, dst); err != nil {
		return corerr.New("workspace.Store.MoveIntoPlace", corerr.KindIO, relPath, "", err)
	}
	if dir, err := os.Open(filepath.Dir(dst)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// gcOrphans removes staging and in-progress files not referenced by the
// current journal, safe because nothing outside this package ever holds
// a long-lived reference to those paths across process restarts.
func (s *Store) gcOrphans() error {
	st, err := s.readStateIgnoringLock()
	if err != nil {
		return err
	}
	live := map[string]bool{}
	for _, e := range st.Journal {
		live[e.PackageID] = true
	}

	entries, err := os.ReadDir(s.updatePath(inprogressDir))
	if err == nil {
		for _, e := range entries {
			id := trimSuffix(e.Name(), ".data")
			if !live[id] {
				os.Remove(s.updatePath(inprogressDir, e.Name()))
			}
		}
	}
	// Staging files are keyed by sha1, not package id; a staging file is
	// orphaned once nothing in the journal is still "downloaded" or
	// "applying" for it. Conservatively, only sweep staging when there is
	// no active goal at all (a fully committed or untouched workspace).
	if st.Goal == nil {
		stEntries, err := os.ReadDir(s.updatePath(stagingDir))
		if err == nil {
			for _, e := range stEntries {
				os.Remove(s.updatePath(stagingDir, e.Name()))
			}
		}
	}
	return nil
}

func (s *Store) readStateIgnoringLock() (State, error) {
	b, err := os.ReadFile(s.updatePath(stateFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, corerr.New("workspace.Store.readStateIgnoringLock", corerr.KindIO, stateFile, "", err)
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, corerr.New("workspace.Store.readStateIgnoringLock", corerr.KindUnsupportedFormat, stateFile, "", err)
	}
	return st, nil
}

func trimSuffix(s, suffix string) string {
	if len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)]
	}
	return s
}

// OpenInProgress opens (creating if needed) the in-progress blob file
// for a package download, for resumable writes (spec §4.6).
func (s *Store) OpenInProgress(packageID string) (*os.File, error) {
	f, err := os.OpenFile(s.InProgressPath(packageID), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, corerr.New("workspace.Store.OpenInProgress", corerr.KindIO, packageID, "", err)
	}
	return f, nil
}

// CreateStaging creates a new staging file, truncating any previous
// content, for Add/Patch operations to write verified output into
// before MoveIntoPlace.
func (s *Store) CreateStaging(sha1 digest.Digest) (*os.File, error) {
	p := s.StagingPath(sha1)
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, corerr.New("workspace.Store.CreateStaging", corerr.KindIO, p, "", err)
	}
	return f, nil
}

var _ io.Writer = (*os.File)(nil)
