package updater

import (
	"container/heap"

	"github.com/deltatree/coretree/corerr"
	"github.com/deltatree/coretree/metadata"
)

// Empty is the sentinel "empty" node representing a fresh install
// (spec §4.6).
const Empty = ""

type graphEdge struct {
	to        string
	packageID string
	weight    int64
}

// Graph is the weighted directed graph of revisions (plus the Empty
// sentinel) and the packages that transform one into another (spec
// §4.6).
type Graph struct {
	adj map[string][]graphEdge
}

// BuildGraph constructs a Graph from a repository's package index.
func BuildGraph(pkgs []metadata.PackageDescriptor) *Graph {
	g := &Graph{adj: map[string][]graphEdge{}}
	for _, p := range pkgs {
		from := Empty
		if p.FromRevision != nil {
			from = *p.FromRevision
		}
		g.adj[from] = append(g.adj[from], graphEdge{to: p.ToRevision, packageID: p.ID, weight: p.Size})
	}
	return g
}

// Plan is an ordered package sequence and its total transfer weight.
type Plan struct {
	Packages   []string
	TotalBytes int64
}

// ShortestPath finds the minimum-weight package sequence from "from" to
// "to" with Dijkstra's algorithm and early termination once "to" is
// settled, failing Unreachable if no path exists (spec §4.6).
func (g *Graph) ShortestPath(from, to string) (*Plan, error) {
	if from == to {
		return &Plan{}, nil
	}

	dist := map[string]int64{from: 0}
	viaPackage := map[string]string{}
	viaNode := map[string]string{}
	visited := map[string]bool{}

	pq := &priorityQueue{{node: from, dist: 0}}
	heap.Init(pq)
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(pqItem)
		if visited[cur.node] {
			continue
		}
		visited[cur.node] = true
		if cur.node == to {
			break
		}
		for _, e := range g.adj[cur.node] {
			next := cur.dist + e.weight
			if d, ok := dist[e.to]; !ok || next < d {
				dist[e.to] = next
				viaNode[e.to] = cur.node
				viaPackage[e.to] = e.packageID
				heap.Push(pq, pqItem{node: e.to, dist: next})
			}
		}
	}

	total, ok := dist[to]
	if !ok {
		return nil, corerr.New("updater.Graph.ShortestPath", corerr.KindUnreachable, "", to, nil)
	}

	var packages []string
	for n := to; n != from; n = viaNode[n] {
		packages = append([]string{viaPackage[n]}, packages...)
	}
	return &Plan{Packages: packages, TotalBytes: total}, nil
}

// RepairPlan builds a plan from the sentinel Empty revision to target,
// for use when the workspace is found corrupted during verification
// (spec §4.6: "the planner can request a repair plan... reusing local
// files whose hashes match" — reuse of matching local content is the
// executor's concern at apply time; the plan itself is always the full
// from-empty path).
func (g *Graph) RepairPlan(target string) (*Plan, error) {
	return g.ShortestPath(Empty, target)
}

type pqItem struct {
	node string
	dist int64
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int           { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool { return pq[i].dist < pq[j].dist }
func (pq priorityQueue) Swap(i, j int)      { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x any) {
	*pq = append(*pq, x.(pqItem))
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}
