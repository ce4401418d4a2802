// Package repo implements the on-disk repository store described in
// spec §4.3: versions list, current-version pointer, packages index,
// per-package metadata and blobs, all as canonical JSON with
// write-to-temp-then-rename atomicity and a file-based advisory lock
// guarding every mutation.
//
// Reads never take the lock: the on-disk layout is ordered so a
// concurrent reader observes either the pre- or post-state of any
// single write (spec §4.3, §5).
//
// Mutating calls log through zerolog.Ctx(ctx), following the teacher's
// libvuln logging idiom of deriving a component-scoped logger from the
// caller's context rather than a package-level global.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deltatree/coretree/corerr"
	"github.com/deltatree/coretree/metadata"
)

const (
	versionsFile = "versions"
	currentFile  = "current"
	packagesFile = "packages"
	packagesDir  = "packages"
	tmpDir       = "tmp"
)

// Store is a handle on one repository root. A Store is safe for
// concurrent use: readers never block, and writers serialize through
// the file lock in lock.go.
type Store struct {
	root string
}

// Open returns a Store bound to root without touching the filesystem.
// Call Init first for a brand-new repository.
func Open(root string) *Store {
	return &Store{root: root}
}

func (s *Store) path(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

// Init creates the empty on-disk layout. It is idempotent if the
// repository is already empty or already initialised (spec §4.3).
func (s *Store) Init() error {
	for _, dir := range []string{s.root, s.path(packagesDir), s.path(tmpDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return corerr.New("repo.Store.Init", corerr.KindIO, dir, "", err)
		}
	}
	if _, err := os.Stat(s.path(versionsFile)); errors.Is(err, os.ErrNotExist) {
		if err := s.writeJSON(versionsFile, metadata.VersionsDoc{}); err != nil {
			return err
		}
	}
	if _, err := os.Stat(s.path(packagesFile)); errors.Is(err, os.ErrNotExist) {
		if err := s.writeJSON(packagesFile, metadata.PackagesDoc{}); err != nil {
			return err
		}
	}
	return nil
}

// writeJSON atomically replaces the file at s.path(name) with the
// canonical encoding of v: write to a temp file under the root's tmp/
// directory, fsync, then rename it into place (spec §4.3).
func (s *Store) writeJSON(name string, v interface{}) error {
	b, err := metadata.MarshalCanonical(v)
	if err != nil {
		return corerr.New("repo.Store.writeJSON", corerr.KindIO, name, "", err)
	}
	return s.writeFileAtomic(s.path(name), b)
}

func (s *Store) writeFileAtomic(dst string, b []byte) error {
	tmp := s.path(tmpDir, uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return corerr.New("repo.Store.writeFileAtomic", corerr.KindIO, dst, "", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return corerr.New("repo.Store.writeFileAtomic", corerr.KindIO, dst, "", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return corerr.New("repo.Store.writeFileAtomic", corerr.KindIO, dst, "", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return corerr.New("repo.Store.writeFileAtomic", corerr.KindIO, dst, "", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return corerr.New("repo.Store.writeFileAtomic", corerr.KindIO, dst, "", err)
	}
	if dir, err := os.Open(filepath.Dir(dst)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

func (s *Store) readJSON(name string, v interface{}) error {
	b, err := os.ReadFile(s.path(name))
	if err != nil {
		return corerr.New("repo.Store.readJSON", corerr.KindIO, name, "", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return corerr.New("repo.Store.readJSON", corerr.KindUnsupportedFormat, name, "", err)
	}
	return nil
}

// Versions returns the repository's version history. Lock-free read.
func (s *Store) Versions() (metadata.VersionsDoc, error) {
	var d metadata.VersionsDoc
	err := s.readJSON(versionsFile, &d)
	return d, err
}

// Current returns the current-revision pointer, nil Revision if the
// repository has never had one set (spec §3: "Current revision pointer:
// a revision present in the list, or absent"). Lock-free read.
func (s *Store) Current() (metadata.CurrentDoc, error) {
	b, err := os.ReadFile(s.path(currentFile))
	if errors.Is(err, os.ErrNotExist) {
		return metadata.CurrentDoc{}, nil
	}
	if err != nil {
		return metadata.CurrentDoc{}, corerr.New("repo.Store.Current", corerr.KindIO, currentFile, "", err)
	}
	var d metadata.CurrentDoc
	if err := json.Unmarshal(b, &d); err != nil {
		return metadata.CurrentDoc{}, corerr.New("repo.Store.Current", corerr.KindUnsupportedFormat, currentFile, "", err)
	}
	return d, nil
}

// Packages returns the package index. Lock-free read.
func (s *Store) Packages() (metadata.PackagesDoc, error) {
	var d metadata.PackagesDoc
	err := s.readJSON(packagesFile, &d)
	return d, err
}

// PackageMetadata reads one package's operations+codec-catalog document.
// Lock-free read.
func (s *Store) PackageMetadata(id string) (metadata.PackageMetadata, error) {
	var m metadata.PackageMetadata
	err := s.readJSON(filepath.Join(packagesDir, id+".metadata"), &m)
	return m, err
}

// PackageDataPath returns the path to a package's payload blob, for the
// updater/builder to open directly.
func (s *Store) PackageDataPath(id string) string {
	return s.path(packagesDir, id+".data")
}

// RegisterVersion appends a new revision to the versions list under the
// repository lock, failing Duplicate if it already exists (spec §4.3).
func (s *Store) RegisterVersion(ctx context.Context, revision, description string) error {
	unlock, err := s.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.Versions()
	if err != nil {
		return err
	}
	for _, v := range doc.Versions {
		if v.Revision == revision {
			return corerr.New("repo.Store.RegisterVersion", corerr.KindDuplicate, "", revision, nil)
		}
	}
	doc.Versions = append(doc.Versions, metadata.Version{
		Revision:    revision,
		Description: description,
		Timestamp:   time.Now().UTC(),
	})
	if err := s.writeJSON(versionsFile, doc); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("component", "repo.Store").Str("revision", revision).Msg("version registered")
	return nil
}

// SetCurrent swaps the current-revision pointer, failing
// UnknownRevision if revision isn't in the versions list (spec §4.3).
func (s *Store) SetCurrent(ctx context.Context, revision string) error {
	unlock, err := s.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.Versions()
	if err != nil {
		return err
	}
	found := false
	for _, v := range doc.Versions {
		if v.Revision == revision {
			found = true
			break
		}
	}
	if !found {
		return corerr.New("repo.Store.SetCurrent", corerr.KindUnknownRevision, "", revision, nil)
	}
	rev := revision
	if err := s.writeJSON(currentFile, metadata.CurrentDoc{Revision: &rev}); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("component", "repo.Store").Str("revision", revision).Msg("current revision set")
	return nil
}

// RegisterPackage writes a package's blob and metadata and adds it to
// the index under the repository lock. Write order is blob, then
// metadata, then index (spec §4.3), so a reader that opens the index and
// then a package file never finds a dangling reference.
//
// The lock is taken blocking: spec §5's "concurrent builds: forbidden"
// is satisfied by serializing through the repository lock, the same as
// every other mutation here, rather than failing fast — a concurrent
// Prune or RegisterVersion holding the lock briefly should not abort an
// unrelated build.
func (s *Store) RegisterPackage(ctx context.Context, meta metadata.PackageMetadata, blob io.Reader, desc metadata.PackageDescriptor) (string, error) {
	id, err := meta.Digest()
	if err != nil {
		return "", err
	}
	desc.ID = id.String()

	unlock, err := s.acquire(ctx, true)
	if err != nil {
		return "", err
	}
	defer unlock()

	blobPath := s.path(packagesDir, desc.ID+".data")
	if err := s.writeStreamAtomic(blobPath, blob); err != nil {
		return "", err
	}

	metaBytes, err := metadata.MarshalCanonical(meta)
	if err != nil {
		return "", err
	}
	if err := s.writeFileAtomic(s.path(packagesDir, desc.ID+".metadata"), metaBytes); err != nil {
		return "", err
	}

	idx, err := s.Packages()
	if err != nil {
		return "", err
	}
	idx.Packages = append(idx.Packages, desc)
	if err := s.writeJSON(packagesFile, idx); err != nil {
		return "", err
	}
	zerolog.Ctx(ctx).Info().Str("component", "repo.Store").Str("package_id", desc.ID).Int64("size", desc.Size).Msg("package registered")
	return desc.ID, nil
}

func (s *Store) writeStreamAtomic(dst string, r io.Reader) error {
	tmp := s.path(tmpDir, uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return corerr.New("repo.Store.writeStreamAtomic", corerr.KindIO, dst, "", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return corerr.New("repo.Store.writeStreamAtomic", corerr.KindIO, dst, "", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return corerr.New("repo.Store.writeStreamAtomic", corerr.KindIO, dst, "", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return corerr.New("repo.Store.writeStreamAtomic", corerr.KindIO, dst, "", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return corerr.New("repo.Store.writeStreamAtomic", corerr.KindIO, dst, "", err)
	}
	return nil
}

// UnregisterPackage removes a package from the index and deletes its
// files, refused if any reachable (from, to) pair in the versions graph
// depends on it (spec §4.3).
func (s *Store) UnregisterPackage(ctx context.Context, id string) error {
	unlock, err := s.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	idx, err := s.Packages()
	if err != nil {
		return err
	}
	versions, err := s.Versions()
	if err != nil {
		return err
	}
	revs := make([]string, len(versions.Versions))
	for i, v := range versions.Versions {
		revs[i] = v.Revision
	}
	g := buildGraph(idx.Packages)
	if g.wouldDisconnect(id, revs) {
		return corerr.New("repo.Store.UnregisterPackage", corerr.KindInUse, "", "", fmt.Errorf("package %s is still reachable from recorded versions", id))
	}

	kept := idx.Packages[:0]
	for _, p := range idx.Packages {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	idx.Packages = kept
	if err := s.writeJSON(packagesFile, idx); err != nil {
		return err
	}
	s.DeleteFile(filepath.Join(packagesDir, id+".metadata"))
	s.DeleteFile(filepath.Join(packagesDir, id+".data"))
	return nil
}

// DeleteFile removes a raw file under the repository root, used for
// maintenance (spec §4.3).
func (s *Store) DeleteFile(relPath string) error {
	if err := os.Remove(s.path(relPath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return corerr.New("repo.Store.DeleteFile", corerr.KindIO, relPath, "", err)
	}
	return nil
}

// CleanTemp removes orphaned staging files left in tmp/ by an
// interrupted build or registration, per spec §4.5 ("partially written
// blobs in /tmp are cleaned on next build or repository open").
func (s *Store) CleanTemp() error {
	entries, err := os.ReadDir(s.path(tmpDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return corerr.New("repo.Store.CleanTemp", corerr.KindIO, tmpDir, "", err)
	}
	for _, e := range entries {
		os.Remove(s.path(tmpDir, e.Name()))
	}
	return nil
}

// Prune performs the explicit repository maintenance operation named in
// spec §4.3 ("removal requires an explicit repository maintenance
// operation"): it unregisters every package not reachable from any
// recorded (from, to) pair. Grounded on the teacher's two-phase,
// throttled GC idiom (datastore/postgres/gc.go): identify eligible
// candidates first, then delete, capped per call so a huge prune can't
// monopolize the repository lock.
func (s *Store) Prune(ctx context.Context, maxDeletions int) (int, error) {
	idx, err := s.Packages()
	if err != nil {
		return 0, err
	}
	versions, err := s.Versions()
	if err != nil {
		return 0, err
	}
	revs := make([]string, len(versions.Versions))
	for i, v := range versions.Versions {
		revs[i] = v.Revision
	}
	g := buildGraph(idx.Packages)

	deleted := 0
	for _, p := range idx.Packages {
		if deleted >= maxDeletions {
			break
		}
		if g.wouldDisconnect(p.ID, revs) {
			continue
		}
		if err := s.UnregisterPackage(ctx, p.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	zerolog.Ctx(ctx).Info().Str("component", "repo.Store").Int("deleted", deleted).Msg("prune complete")
	return deleted, nil
}
