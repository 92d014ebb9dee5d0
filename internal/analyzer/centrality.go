package analyzer

// Brandes betweenness centrality and PageRank over the directed transfer
// graph. Both treat edges as unweighted hops; transfer volume matters to
// community detection, not to path counting.

// betweenness returns normalized betweenness centrality per node
// (Brandes' algorithm, directed, unit edge length). Scores are scaled by
// 1/((n-1)(n-2)) so they land in [0,1].
func betweenness(p *projection) []float64 {
	n := p.size()
	bc := make([]float64, n)
	if n < 3 {
		return bc
	}

	for s := 0; s < n; s++ {
		// BFS from s, recording shortest-path counts and predecessors.
		sigma := make([]float64, n)
		dist := make([]int, n)
		pred := make([][]int, n)
		for i := range dist {
			dist[i] = -1
		}
		sigma[s] = 1
		dist[s] = 0

		queue := []int{s}
		var order []int
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			order = append(order, v)
			for _, a := range p.out[v] {
				w := a.to
				if dist[w] < 0 {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					pred[w] = append(pred[w], v)
				}
			}
		}

		// Dependency accumulation in reverse BFS order.
		delta := make([]float64, n)
		for i := len(order) - 1; i >= 0; i-- {
			w := order[i]
			for _, v := range pred[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != s {
				bc[w] += delta[w]
			}
		}
	}

	scale := 1.0 / (float64(n-1) * float64(n-2))
	for i := range bc {
		bc[i] *= scale
	}
	return bc
}

const (
	pageRankIterations = 50
	pageRankTolerance  = 1e-9
)

// pageRank returns the PageRank vector for the directed graph with the
// given damping factor. Dangling-node mass is redistributed uniformly.
func pageRank(p *projection, damping float64) []float64 {
	n := p.size()
	if n == 0 {
		return nil
	}
	if damping <= 0 || damping >= 1 {
		damping = 0.85
	}

	rank := make([]float64, n)
	next := make([]float64, n)
	for i := range rank {
		rank[i] = 1.0 / float64(n)
	}

	for iter := 0; iter < pageRankIterations; iter++ {
		base := (1 - damping) / float64(n)

		dangling := 0.0
		for i := 0; i < n; i++ {
			if len(p.out[i]) == 0 {
				dangling += rank[i]
			}
		}
		base += damping * dangling / float64(n)

		for i := range next {
			next[i] = base
		}
		for i := 0; i < n; i++ {
			outDeg := len(p.out[i])
			if outDeg == 0 {
				continue
			}
			share := damping * rank[i] / float64(outDeg)
			for _, a := range p.out[i] {
				next[a.to] += share
			}
		}

		diff := 0.0
		for i := range rank {
			d := next[i] - rank[i]
			if d < 0 {
				d = -d
			}
			diff += d
		}
		rank, next = next, rank
		if diff < pageRankTolerance {
			break
		}
	}
	return rank
}
