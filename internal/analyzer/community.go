package analyzer

// Louvain community detection over the undirected, weighted view of the
// transfer graph. Two alternating phases: local moving of nodes between
// neighbouring communities while modularity improves, then aggregation
// of communities into super-nodes. Iterates until a pass yields no gain.

type louvainGraph struct {
	n       int
	weights []map[int]float64 // undirected adjacency with summed weights
	loops   []float64         // self-loop weight per node
	total   float64           // sum of all edge weights (each edge once)
}

func newLouvainGraph(p *projection) *louvainGraph {
	g := &louvainGraph{
		n:       p.size(),
		weights: make([]map[int]float64, p.size()),
		loops:   make([]float64, p.size()),
	}
	for i := range g.weights {
		g.weights[i] = make(map[int]float64)
	}
	for i := range p.out {
		for _, a := range p.out[i] {
			w := a.weight
			if w <= 0 {
				w = 1
			}
			if a.to == i {
				g.loops[i] += w
				g.total += w
				continue
			}
			g.weights[i][a.to] += w
			g.weights[a.to][i] += w
			g.total += w
		}
	}
	return g
}

func (g *louvainGraph) strength(i int) float64 {
	s := g.loops[i] * 2
	for _, w := range g.weights[i] {
		s += w
	}
	return s
}

// communities returns, for each original node index, its community id
// after Louvain converges.
func communities(p *projection) []int {
	g := newLouvainGraph(p)
	if g.total == 0 {
		// No edges: every node is its own community.
		out := make([]int, g.n)
		for i := range out {
			out[i] = i
		}
		return out
	}

	// membership[i] maps original node i to its node in the current
	// aggregated graph.
	membership := make([]int, g.n)
	for i := range membership {
		membership[i] = i
	}

	for {
		assign, moved := g.moveNodes()
		if !moved {
			break
		}

		for i := range membership {
			membership[i] = assign[membership[i]]
		}

		g = g.aggregate(assign)
		if g.n <= 1 {
			break
		}
	}

	return compactLabels(membership)
}

// moveNodes runs the local-moving phase, returning the community of each
// node and whether any node changed community.
func (g *louvainGraph) moveNodes() ([]int, bool) {
	community := make([]int, g.n)
	strength := make([]float64, g.n)
	communityStrength := make([]float64, g.n)
	for i := 0; i < g.n; i++ {
		community[i] = i
		strength[i] = g.strength(i)
		communityStrength[i] = strength[i]
	}

	m2 := g.total * 2
	movedAny := false

	for pass := 0; pass < 16; pass++ {
		movedThisPass := false
		for i := 0; i < g.n; i++ {
			current := community[i]

			// Weight from i to each neighbouring community.
			toCommunity := make(map[int]float64)
			for j, w := range g.weights[i] {
				toCommunity[community[j]] += w
			}

			communityStrength[current] -= strength[i]

			best := current
			bestGain := toCommunity[current] - communityStrength[current]*strength[i]/m2
			for c, w := range toCommunity {
				if c == current {
					continue
				}
				gain := w - communityStrength[c]*strength[i]/m2
				if gain > bestGain {
					best, bestGain = c, gain
				}
			}

			communityStrength[best] += strength[i]
			if best != current {
				community[i] = best
				movedThisPass = true
				movedAny = true
			}
		}
		if !movedThisPass {
			break
		}
	}

	return compactLabels(community), movedAny
}

// aggregate collapses each community into a single node.
func (g *louvainGraph) aggregate(assign []int) *louvainGraph {
	n := 0
	for _, c := range assign {
		if c+1 > n {
			n = c + 1
		}
	}

	agg := &louvainGraph{
		n:       n,
		weights: make([]map[int]float64, n),
		loops:   make([]float64, n),
		total:   g.total,
	}
	for i := range agg.weights {
		agg.weights[i] = make(map[int]float64)
	}

	for i := 0; i < g.n; i++ {
		ci := assign[i]
		agg.loops[ci] += g.loops[i]
		for j, w := range g.weights[i] {
			if i > j {
				continue // count each undirected edge once
			}
			cj := assign[j]
			if ci == cj {
				agg.loops[ci] += w
			} else {
				agg.weights[ci][cj] += w
				agg.weights[cj][ci] += w
			}
		}
	}
	return agg
}

// compactLabels renumbers arbitrary labels to 0..k-1, preserving first
// occurrence order so results are stable for a given input.
func compactLabels(labels []int) []int {
	next := 0
	remap := make(map[int]int, len(labels))
	out := make([]int, len(labels))
	for i, l := range labels {
		c, ok := remap[l]
		if !ok {
			c = next
			remap[l] = c
			next++
		}
		out[i] = c
	}
	return out
}
