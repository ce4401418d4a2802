package builder

import (
	"sort"

	"github.com/deltatree/coretree/internal/pathset"
	"github.com/deltatree/coretree/metadata"
)

// change is one path's classified transition from source to destination
// (spec §4.5 step 2).
type change struct {
	path string
	kind metadata.OpKind
	src  *fileEntry
	dst  *fileEntry
}

// kindOrder breaks ties between changes that share a sort key, which
// happens when one path is a directory on one side and a file on the
// other.
func kindOrder(k metadata.OpKind) int {
	switch k {
	case metadata.OpMkDir:
		return 0
	case metadata.OpAdd, metadata.OpPatch:
		return 1
	case metadata.OpRemove:
		return 2
	case metadata.OpRmDir:
		return 3
	default:
		return 4
	}
}

// classify computes the per-path operation set for the union of src and
// dst: only-in-dest is Add, only-in-source is Remove, present in both
// with differing hashes is Patch, equal hashes are omitted. Directory
// paths present in only one side produce MkDir/RmDir (spec §4.5 step
// 2). The result is sorted deterministically by path, so identical
// inputs always classify to the same operation order. A directory sorts
// before its contents when created (MkDir) and after them when removed
// (RmDir).
func classify(src, dst *tree) ([]change, error) {
	srcByPath := make(map[string]fileEntry, len(src.Files))
	for _, f := range src.Files {
		srcByPath[f.Path] = f
	}
	dstByPath := make(map[string]fileEntry, len(dst.Files))
	for _, f := range dst.Files {
		dstByPath[f.Path] = f
	}

	union := pathset.NewSet()
	for p := range srcByPath {
		if err := union.Add(p); err != nil {
			return nil, err
		}
	}
	for p := range dstByPath {
		if err := union.Add(p); err != nil {
			return nil, err
		}
	}

	var changes []change
	for _, p := range union.Sorted() {
		s, inSrc := srcByPath[p]
		d, inDst := dstByPath[p]
		switch {
		case inDst && !inSrc:
			dd := d
			changes = append(changes, change{path: p, kind: metadata.OpAdd, dst: &dd})
		case inSrc && !inDst:
			ss := s
			changes = append(changes, change{path: p, kind: metadata.OpRemove, src: &ss})
		case s.SHA1 != d.SHA1:
			ss, dd := s, d
			changes = append(changes, change{path: p, kind: metadata.OpPatch, src: &ss, dst: &dd})
		}
	}

	for _, p := range dst.Dirs.Sorted() {
		if !src.Dirs.Has(p) {
			changes = append(changes, change{path: p, kind: metadata.OpMkDir})
		}
	}
	for _, p := range src.Dirs.Sorted() {
		if !dst.Dirs.Has(p) {
			changes = append(changes, change{path: p, kind: metadata.OpRmDir})
		}
	}

	sortKey := func(c change) string {
		if c.kind == metadata.OpRmDir {
			// 0xff is above every byte of a UTF-8 path, so this key
			// sorts after every path beneath the directory.
			return c.path + "/\xff"
		}
		return c.path
	}
	sort.SliceStable(changes, func(i, j int) bool {
		if ki, kj := sortKey(changes[i]), sortKey(changes[j]); ki != kj {
			return ki < kj
		}
		return kindOrder(changes[i].kind) < kindOrder(changes[j].kind)
	})
	return changes, nil
}
