package analyzer

import (
	"context"
	"time"

	"github.com/opensource-finance/fraudscope/internal/domain"
)

// Collusion detector parameters. Thresholds that are configuration live
// on AnalyzerConfig; these bound the traversal work per cycle.
const (
	circularFlowWindow = 7 * 24 * time.Hour
	circularFlowMaxHop = 5
	circularFlowBudget = 2000 // visited-node budget per source

	rapidChainMaxGap = 300 * time.Second
	rapidChainMinHop = 2
	rapidChainMaxHop = 4

	relayWindow     = 10 * time.Minute
	relayRatio      = 0.75
	starHubMinSide  = 5
	starHubMaxOther = 2

	islandMinMembers = 3
	islandMinRisk    = 40.0
)

// patternSet accumulates detected patterns per node index.
type patternSet struct {
	p     *projection
	found map[int]map[string]struct{}
}

func newPatternSet(p *projection) *patternSet {
	return &patternSet{p: p, found: make(map[int]map[string]struct{})}
}

func (ps *patternSet) add(node int, pattern string) {
	set, ok := ps.found[node]
	if !ok {
		set = make(map[string]struct{})
		ps.found[node] = set
	}
	set[pattern] = struct{}{}
}

// toMap renders the set as account-id keyed pattern lists in the fixed
// detector order.
func (ps *patternSet) toMap() map[string][]string {
	order := []string{
		PatternFraudIsland, PatternMoneyRouter, PatternCircularFlow,
		PatternRapidChain, PatternStarHub, PatternRelayMule,
	}
	out := make(map[string][]string, len(ps.found))
	for node, set := range ps.found {
		var patterns []string
		for _, name := range order {
			if _, ok := set[name]; ok {
				patterns = append(patterns, name)
			}
		}
		out[ps.p.nodes[node]] = patterns
	}
	return out
}

// detectFraudIslands flags members of communities of islandMinMembers or
// more whose mean member risk exceeds islandMinRisk.
func detectFraudIslands(p *projection, comm []int, ps *patternSet) {
	type stats struct {
		members []int
		sumRisk float64
	}
	byComm := make(map[int]*stats)
	for i, c := range comm {
		s, ok := byComm[c]
		if !ok {
			s = &stats{}
			byComm[c] = s
		}
		s.members = append(s.members, i)
		s.sumRisk += p.accounts[p.nodes[i]].RiskScore
	}

	for _, s := range byComm {
		if len(s.members) < islandMinMembers {
			continue
		}
		if s.sumRisk/float64(len(s.members)) <= islandMinRisk {
			continue
		}
		for _, m := range s.members {
			ps.add(m, PatternFraudIsland)
		}
	}
}

// detectMoneyRouters flags accounts whose betweenness reaches the
// configured threshold.
func detectMoneyRouters(bc []float64, threshold float64, ps *patternSet) {
	for i, b := range bc {
		if b >= threshold {
			ps.add(i, PatternMoneyRouter)
		}
	}
}

// detectCircularFlows finds directed cycles returning to the source
// within circularFlowWindow, up to circularFlowMaxHop hops. Every node
// on a found cycle is flagged. Traversal is budgeted per source so a
// dense graph cannot stall the cycle.
func detectCircularFlows(p *projection, now time.Time, ps *patternSet) {
	cutoff := now.Add(-circularFlowWindow)

	for src := 0; src < p.size(); src++ {
		if len(p.out[src]) == 0 || len(p.in[src]) == 0 {
			continue
		}
		budget := circularFlowBudget
		path := []int{src}
		onPath := map[int]struct{}{src: {}}
		findCycle(p, src, src, cutoff, path, onPath, &budget, ps)
	}
}

func findCycle(p *projection, src, at int, cutoff time.Time, path []int, onPath map[int]struct{}, budget *int, ps *patternSet) {
	if *budget <= 0 || len(path) > circularFlowMaxHop {
		return
	}
	for _, a := range p.out[at] {
		if a.lastAt.Before(cutoff) {
			continue
		}
		*budget--
		if a.to == src && len(path) >= 2 {
			for _, n := range path {
				ps.add(n, PatternCircularFlow)
			}
			continue
		}
		if _, seen := onPath[a.to]; seen {
			continue
		}
		onPath[a.to] = struct{}{}
		findCycle(p, src, a.to, cutoff, append(path, a.to), onPath, budget, ps)
		delete(onPath, a.to)
	}
}

// detectRapidChains finds directed 2-4 hop paths whose consecutive edge
// timestamps are ascending with gaps under rapidChainMaxGap. All nodes
// on a qualifying path are flagged.
func detectRapidChains(p *projection, ps *patternSet) {
	for src := 0; src < p.size(); src++ {
		for _, first := range p.out[src] {
			chain := []int{src, first.to}
			extendChain(p, first.lastAt, chain, ps)
		}
	}
}

func extendChain(p *projection, prevAt time.Time, chain []int, ps *patternSet) {
	hops := len(chain) - 1
	if hops >= rapidChainMinHop {
		for _, n := range chain {
			ps.add(n, PatternRapidChain)
		}
	}
	if hops >= rapidChainMaxHop {
		return
	}

	at := chain[len(chain)-1]
	for _, a := range p.out[at] {
		gap := a.lastAt.Sub(prevAt)
		if gap <= 0 || gap >= rapidChainMaxGap {
			continue
		}
		if contains(chain, a.to) {
			continue
		}
		extendChain(p, a.lastAt, append(chain, a.to), ps)
	}
}

func contains(chain []int, node int) bool {
	for _, n := range chain {
		if n == node {
			return true
		}
	}
	return false
}

// detectStarHubs flags accounts with total degree of at least
// starHubMinSide on one side and starHubMaxOther or fewer on the other.
func detectStarHubs(p *projection, ps *patternSet) {
	for i := 0; i < p.size(); i++ {
		outDeg, inDeg := p.degree(i)
		if outDeg >= starHubMinSide && inDeg <= starHubMaxOther {
			ps.add(i, PatternStarHub)
		}
		if inDeg >= starHubMinSide && outDeg <= starHubMaxOther {
			ps.add(i, PatternStarHub)
		}
	}
}

// detectRelayMules flags accounts whose windowed outflow/inflow ratio
// exceeds relayRatio over the relay window. Only accounts active within
// the window are queried.
func detectRelayMules(ctx context.Context, store domain.GraphStore, p *projection, now time.Time, ps *patternSet) error {
	cutoff := now.Add(-relayWindow)

	for i := 0; i < p.size(); i++ {
		acct := p.accounts[p.nodes[i]]
		if acct.LastActiveAt.Before(cutoff) {
			continue
		}
		sent, recv, err := store.WindowedFlow(ctx, acct.ID, relayWindow, now)
		if err != nil {
			return err
		}
		if recv > 0 && sent/recv > relayRatio {
			ps.add(i, PatternRelayMule)
		}
	}
	return nil
}
