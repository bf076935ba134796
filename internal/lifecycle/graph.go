package lifecycle

import (
	"sort"
	"time"
)

// Dependency is a directed edge: DependentID depends on DependencyID.
// A critical edge keeps the dependency alive while the dependent exists.
type Dependency struct {
	DependentID  string    `json:"dependent_id"`
	DependencyID string    `json:"dependency_id"`
	Relationship string    `json:"relationship_type"`
	Critical     bool      `json:"is_critical"`
	CreatedAt    time.Time `json:"created_at"`
}

// dependencyGraph stores every edge twice so both directions are a map
// lookup. It is not safe for concurrent use.
type dependencyGraph struct {
	forward map[string]map[string]Dependency // dependent -> dependency -> edge
	reverse map[string]map[string]Dependency // dependency -> dependent -> edge
}

func newDependencyGraph() *dependencyGraph {
	return &dependencyGraph{
		forward: make(map[string]map[string]Dependency),
		reverse: make(map[string]map[string]Dependency),
	}
}

func (g *dependencyGraph) add(d Dependency) {
	if g.forward[d.DependentID] == nil {
		g.forward[d.DependentID] = make(map[string]Dependency)
	}
	if g.reverse[d.DependencyID] == nil {
		g.reverse[d.DependencyID] = make(map[string]Dependency)
	}
	g.forward[d.DependentID][d.DependencyID] = d
	g.reverse[d.DependencyID][d.DependentID] = d
}

func (g *dependencyGraph) remove(dependentID, dependencyID string) bool {
	if _, ok := g.forward[dependentID][dependencyID]; !ok {
		return false
	}
	delete(g.forward[dependentID], dependencyID)
	if len(g.forward[dependentID]) == 0 {
		delete(g.forward, dependentID)
	}
	delete(g.reverse[dependencyID], dependentID)
	if len(g.reverse[dependencyID]) == 0 {
		delete(g.reverse, dependencyID)
	}
	return true
}

// removeNode drops every edge touching id and returns how many were removed.
func (g *dependencyGraph) removeNode(id string) int {
	removed := 0
	for dependencyID := range g.forward[id] {
		if g.remove(id, dependencyID) {
			removed++
		}
	}
	for dependentID := range g.reverse[id] {
		if g.remove(dependentID, id) {
			removed++
		}
	}
	return removed
}

func (g *dependencyGraph) has(dependentID, dependencyID string) bool {
	_, ok := g.forward[dependentID][dependencyID]
	return ok
}

func sortedEdges(m map[string]Dependency) []Dependency {
	out := make([]Dependency, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DependentID != out[j].DependentID {
			return out[i].DependentID < out[j].DependentID
		}
		return out[i].DependencyID < out[j].DependencyID
	})
	return out
}

func (g *dependencyGraph) dependents(id string) []Dependency {
	return sortedEdges(g.reverse[id])
}

func (g *dependencyGraph) dependencies(id string) []Dependency {
	return sortedEdges(g.forward[id])
}

func (g *dependencyGraph) dependentCount(id string) int {
	return len(g.reverse[id])
}

func (g *dependencyGraph) hasCriticalDependents(id string) bool {
	for _, d := range g.reverse[id] {
		if d.Critical {
			return true
		}
	}
	return false
}

// criticalDependentsOutside reports a critical dependent of id that is not
// in the allowed set.
func (g *dependencyGraph) criticalDependentsOutside(id string, allowed map[string]bool) bool {
	for dependentID, d := range g.reverse[id] {
		if d.Critical && !allowed[dependentID] {
			return true
		}
	}
	return false
}

// reachesCritically reports whether to is reachable from from by following
// critical dependent -> dependency edges.
func (g *dependencyGraph) reachesCritically(from, to string) bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		for next, d := range g.forward[n] {
			if d.Critical && !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

func (g *dependencyGraph) counts() (edges, critical int) {
	for _, deps := range g.forward {
		for _, d := range deps {
			edges++
			if d.Critical {
				critical++
			}
		}
	}
	return edges, critical
}

// order returns ids so that every dependent comes before the resources it
// depends on. Among ready nodes, fewer dependents go first, then id. Nodes
// caught in a cycle are appended by the same tie-break and also returned
// in cyclic.
func (g *dependencyGraph) order(ids []string) (ordered, cyclic []string) {
	in := make(map[string]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}

	less := func(a, b string) bool {
		ca, cb := g.dependentCount(a), g.dependentCount(b)
		if ca != cb {
			return ca < cb
		}
		return a < b
	}

	// pending counts dependents of a node that are still waiting in the set.
	pending := make(map[string]int, len(in))
	for id := range in {
		for dependentID := range g.reverse[id] {
			if in[dependentID] && dependentID != id {
				pending[id]++
			}
		}
	}

	var ready []string
	for id := range in {
		if pending[id] == 0 {
			ready = append(ready, id)
		}
	}

	ordered = make([]string, 0, len(in))
	done := make(map[string]bool, len(in))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		n := ready[0]
		ready = ready[1:]
		ordered = append(ordered, n)
		done[n] = true

		for dependencyID := range g.forward[n] {
			if !in[dependencyID] || done[dependencyID] || dependencyID == n {
				continue
			}
			pending[dependencyID]--
			if pending[dependencyID] == 0 {
				ready = append(ready, dependencyID)
			}
		}
	}

	for id := range in {
		if !done[id] {
			cyclic = append(cyclic, id)
		}
	}
	sort.Slice(cyclic, func(i, j int) bool { return less(cyclic[i], cyclic[j]) })
	ordered = append(ordered, cyclic...)
	return ordered, cyclic
}
