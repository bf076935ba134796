package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func edge(dependent, dependency string, critical bool) Dependency {
	return Dependency{DependentID: dependent, DependencyID: dependency, Relationship: "parent", Critical: critical}
}

func TestDependencyGraph_Indexes(t *testing.T) {
	g := newDependencyGraph()
	g.add(edge("a", "b", true))
	g.add(edge("c", "b", false))
	g.add(edge("a", "d", false))

	assert.True(t, g.has("a", "b"))
	assert.False(t, g.has("b", "a"))
	assert.Len(t, g.dependents("b"), 2)
	assert.Equal(t, "a", g.dependents("b")[0].DependentID)
	assert.Len(t, g.dependencies("a"), 2)
	assert.True(t, g.hasCriticalDependents("b"))
	assert.False(t, g.hasCriticalDependents("d"))
	assert.True(t, g.criticalDependentsOutside("b", map[string]bool{"c": true}))
	assert.False(t, g.criticalDependentsOutside("b", map[string]bool{"a": true}))

	edges, critical := g.counts()
	assert.Equal(t, 3, edges)
	assert.Equal(t, 1, critical)

	// Re-adding updates in place.
	g.add(edge("a", "b", false))
	assert.False(t, g.hasCriticalDependents("b"))
	edges, _ = g.counts()
	assert.Equal(t, 3, edges)

	assert.Equal(t, 2, g.removeNode("a"))
	assert.Empty(t, g.dependencies("a"))
	assert.Len(t, g.dependents("b"), 1)
	assert.False(t, g.remove("a", "b"))
}

func TestDependencyGraph_ReachesCritically(t *testing.T) {
	g := newDependencyGraph()
	g.add(edge("a", "b", true))
	g.add(edge("b", "c", true))
	g.add(edge("c", "d", false))

	assert.True(t, g.reachesCritically("a", "c"))
	assert.False(t, g.reachesCritically("a", "d"), "non-critical edges are not followed")
	assert.False(t, g.reachesCritically("c", "a"))
}

func TestDependencyGraph_Order(t *testing.T) {
	tests := []struct {
		name       string
		edges      []Dependency
		ids        []string
		wantOrder  []string
		wantCyclic []string
	}{
		{
			name:      "chain is cleaned dependents first",
			edges:     []Dependency{edge("a", "b", true), edge("b", "c", false)},
			ids:       []string{"c", "b", "a"},
			wantOrder: []string{"a", "b", "c"},
		},
		{
			name:      "fewer dependents first among ready nodes",
			edges:     []Dependency{edge("outside", "q", false)},
			ids:       []string{"q", "p"},
			wantOrder: []string{"p", "q"},
		},
		{
			name:      "diamond",
			edges:     []Dependency{edge("top", "l", false), edge("top", "r", false), edge("l", "base", false), edge("r", "base", false)},
			ids:       []string{"base", "r", "l", "top"},
			wantOrder: []string{"top", "l", "r", "base"},
		},
		{
			name:       "cycle falls back to dependent count",
			edges:      []Dependency{edge("x", "y", false), edge("y", "x", false)},
			ids:        []string{"y", "z", "x"},
			wantOrder:  []string{"z", "x", "y"},
			wantCyclic: []string{"x", "y"},
		},
		{
			name:      "edges to ids outside the set are ignored",
			edges:     []Dependency{edge("a", "gone", true)},
			ids:       []string{"a"},
			wantOrder: []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newDependencyGraph()
			for _, d := range tt.edges {
				g.add(d)
			}
			ordered, cyclic := g.order(tt.ids)
			assert.Equal(t, tt.wantOrder, ordered)
			assert.Equal(t, tt.wantCyclic, cyclic)
		})
	}
}
