package repo

import "github.com/deltatree/coretree/metadata"

// emptySentinel is the synthetic "from nothing" node used for
// fresh-install packages, matching the updater's planner sentinel
// (spec §4.6: "a sentinel empty").
const emptySentinel = ""

type edge struct {
	packageID string
	to        string
}

// graph is a flat adjacency list keyed by revision string (spec §9:
// "Represent as a flat adjacency list keyed by revision string; do not
// build a cyclic reference graph.").
type graph struct {
	adj map[string][]edge
}

func buildGraph(pkgs []metadata.PackageDescriptor) *graph {
	g := &graph{adj: map[string][]edge{}}
	for _, p := range pkgs {
		from := emptySentinel
		if p.FromRevision != nil {
			from = *p.FromRevision
		}
		g.adj[from] = append(g.adj[from], edge{packageID: p.ID, to: p.ToRevision})
	}
	return g
}

// reachable reports whether to is reachable from from, optionally
// ignoring edges belonging to excludePackageID.
func (g *graph) reachable(from, to, excludePackageID string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.adj[cur] {
			if e.packageID == excludePackageID {
				continue
			}
			if e.to == to {
				return true
			}
			if !seen[e.to] {
				seen[e.to] = true
				queue = append(queue, e.to)
			}
		}
	}
	return false
}

// wouldDisconnect implements spec §4.3's reachability check: "a package
// is in use iff removing it would disconnect some (from, to) pair in
// versions×versions" (versions including the synthetic empty root).
func (g *graph) wouldDisconnect(packageID string, revisions []string) bool {
	nodes := append([]string{emptySentinel}, revisions...)
	for _, from := range nodes {
		for _, to := range nodes {
			if from == to {
				continue
			}
			before := g.reachable(from, to, "")
			after := g.reachable(from, to, packageID)
			if before && !after {
				return true
			}
		}
	}
	return false
}
