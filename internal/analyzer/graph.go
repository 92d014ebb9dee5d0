package analyzer

import (
	"time"

	"github.com/opensource-finance/fraudscope/internal/domain"
)

// projection is the in-memory weighted directed graph over accounts and
// transfer edges, rebuilt once per batch cycle. All multi-hop traversal
// in the engine happens here, never on the hot path.
type projection struct {
	nodes []string
	index map[string]int

	out [][]arc
	in  [][]arc

	accounts map[string]*domain.Account
}

// arc is a directed weighted edge to a node index.
type arc struct {
	to     int
	weight float64
	count  int64
	lastAt time.Time
}

func project(accounts []*domain.Account, edges []domain.TransferEdge) *projection {
	p := &projection{
		index:    make(map[string]int, len(accounts)),
		accounts: make(map[string]*domain.Account, len(accounts)),
	}
	for _, a := range accounts {
		p.index[a.ID] = len(p.nodes)
		p.nodes = append(p.nodes, a.ID)
		p.accounts[a.ID] = a
	}
	p.out = make([][]arc, len(p.nodes))
	p.in = make([][]arc, len(p.nodes))

	for _, e := range edges {
		from, ok := p.index[e.FromID]
		if !ok {
			continue
		}
		to, ok := p.index[e.ToID]
		if !ok {
			continue
		}
		p.out[from] = append(p.out[from], arc{to: to, weight: e.Total, count: e.Count, lastAt: e.LastAt})
		p.in[to] = append(p.in[to], arc{to: from, weight: e.Total, count: e.Count, lastAt: e.LastAt})
	}
	return p
}

func (p *projection) size() int { return len(p.nodes) }

func (p *projection) degree(i int) (outDeg, inDeg int) {
	return len(p.out[i]), len(p.in[i])
}

// undirectedNeighbors returns the deduplicated neighbour set of i,
// ignoring direction.
func (p *projection) undirectedNeighbors(i int) []int {
	seen := make(map[int]struct{}, len(p.out[i])+len(p.in[i]))
	var out []int
	for _, a := range p.out[i] {
		if a.to == i {
			continue
		}
		if _, ok := seen[a.to]; !ok {
			seen[a.to] = struct{}{}
			out = append(out, a.to)
		}
	}
	for _, a := range p.in[i] {
		if a.to == i {
			continue
		}
		if _, ok := seen[a.to]; !ok {
			seen[a.to] = struct{}{}
			out = append(out, a.to)
		}
	}
	return out
}

// connected reports whether an undirected edge exists between i and j.
func (p *projection) connected(i, j int) bool {
	for _, a := range p.out[i] {
		if a.to == j {
			return true
		}
	}
	for _, a := range p.in[i] {
		if a.to == j {
			return true
		}
	}
	return false
}
