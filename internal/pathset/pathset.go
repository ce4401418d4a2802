// Package pathset implements the forward-slash, case-sensitive path
// rules the builder applies to the trees it walks (spec §3,
// §9 Open Question 1: "always store paths as given, compare
// case-sensitively; conflict on case-collision is CorruptData").
package pathset

import (
	"sort"
	"strings"

	"github.com/deltatree/coretree/corerr"
)

// Clean validates that p is a relative, forward-slash, POSIX-form path:
// no leading slash, no ".." segments, no backslashes.
func Clean(p string) (string, error) {
	if p == "" {
		return "", corerr.New("pathset.Clean", corerr.KindUnsupportedFormat, p, "", nil)
	}
	if strings.ContainsRune(p, '\\') {
		return "", corerr.New("pathset.Clean", corerr.KindUnsupportedFormat, p, "", nil)
	}
	if strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return "", corerr.New("pathset.Clean", corerr.KindUnsupportedFormat, p, "", nil)
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".", "..":
			return "", corerr.New("pathset.Clean", corerr.KindUnsupportedFormat, p, "", nil)
		}
	}
	return p, nil
}

// Set is a case-sensitive set of cleaned paths that additionally detects
// case-only collisions, which the spec treats as CorruptData rather than
// silently conflating.
type Set struct {
	exact  map[string]struct{}
	lower  map[string]string // lowercased -> first-seen original
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{exact: map[string]struct{}{}, lower: map[string]string{}}
}

// Add inserts p, reporting CorruptData if p collides case-insensitively
// with a different path already present.
func (s *Set) Add(p string) error {
	if _, ok := s.exact[p]; ok {
		return nil
	}
	lp := strings.ToLower(p)
	if prev, ok := s.lower[lp]; ok && prev != p {
		return corerr.New("pathset.Add", corerr.KindCorruptData, p, "", nil)
	}
	s.exact[p] = struct{}{}
	s.lower[lp] = p
	return nil
}

// Has reports exact, case-sensitive membership.
func (s *Set) Has(p string) bool {
	_, ok := s.exact[p]
	return ok
}

// Sorted returns the set's paths in ascending byte order, the order the
// builder requires for deterministic operation and payload ordering.
func (s *Set) Sorted() []string {
	out := make([]string, 0, len(s.exact))
	for p := range s.exact {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Dir returns all '/'-separated proper prefixes of p, shallowest first.
// The builder does not use it: its MkDir operations come from the
// directories found while walking the trees.
func Dir(p string) []string {
	parts := strings.Split(p, "/")
	if len(parts) <= 1 {
		return nil
	}
	dirs := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		dirs = append(dirs, strings.Join(parts[:i], "/"))
	}
	return dirs
}
