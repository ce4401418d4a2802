package builder

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/deltatree/coretree/corerr"
	"github.com/deltatree/coretree/digest"
	"github.com/deltatree/coretree/internal/pathset"
)

// fileEntry is one regular file discovered while walking a tree, hashed
// in full so classify can tell Add/Patch/unchanged apart by content.
type fileEntry struct {
	Path       string
	Size       int64
	SHA1       digest.Digest
	Executable bool
}

// tree is the result of walking one side of a build: its files, sorted
// by path, and the directories present.
type tree struct {
	Files []fileEntry
	Dirs  *pathset.Set
}

// enumerate walks root, then hashes every non-directory entry in
// parallel, producing a path-sorted file list and per-file hashes (spec
// §4.5 step 1). An empty root ("") yields an empty tree,
// modeling a fresh-install build from the sentinel "empty" revision.
func enumerate(root string) (*tree, error) {
	t := &tree{Dirs: pathset.NewSet()}
	if root == "" {
		return t, nil
	}

	type found struct {
		rel  string
		info fs.FileInfo
	}
	var entries []found
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, err := pathset.Clean(rel); err != nil {
			return err
		}
		if d.IsDir() {
			return t.Dirs.Add(rel)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, found{rel: rel, info: info})
		return nil
	})
	if err != nil {
		return nil, corerr.New("builder.enumerate", corerr.KindIO, root, "", err)
	}

	files := make([]fileEntry, len(entries))
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			f, err := os.Open(filepath.Join(root, e.rel))
			if err != nil {
				return corerr.New("builder.enumerate", corerr.KindIO, e.rel, "", err)
			}
			defer f.Close()
			sum, err := digest.Sum(f)
			if err != nil {
				return corerr.New("builder.enumerate", corerr.KindIO, e.rel, "", err)
			}
			files[i] = fileEntry{
				Path:       e.rel,
				Size:       e.info.Size(),
				SHA1:       sum,
				Executable: e.info.Mode()&0o111 != 0,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	t.Files = files
	return t, nil
}
