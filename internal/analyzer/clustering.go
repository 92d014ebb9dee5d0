package analyzer

// Local clustering coefficient and weakly-connected components over the
// undirected view of the transfer graph.

// clusteringCoefficients returns, per node, the fraction of its
// neighbour pairs that are themselves connected.
func clusteringCoefficients(p *projection) []float64 {
	n := p.size()
	out := make([]float64, n)

	for i := 0; i < n; i++ {
		neighbors := p.undirectedNeighbors(i)
		k := len(neighbors)
		if k < 2 {
			continue
		}
		links := 0
		for a := 0; a < k; a++ {
			for b := a + 1; b < k; b++ {
				if p.connected(neighbors[a], neighbors[b]) {
					links++
				}
			}
		}
		out[i] = 2 * float64(links) / (float64(k) * float64(k-1))
	}
	return out
}

// weaklyConnectedComponents labels each node with its component id via
// union-find, ignoring edge direction.
func weaklyConnectedComponents(p *projection) []int {
	n := p.size()
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}

	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < n; i++ {
		for _, a := range p.out[i] {
			union(i, a.to)
		}
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = find(i)
	}
	return compactLabels(labels)
}
