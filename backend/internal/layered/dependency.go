package layered

import (
	"sort"

	"github.com/google/uuid"

	lgerrors "layergraph/backend/pkg/errors"
)

// AncestorResult is the outcome of an ancestor walk. A cycle is reported as
// data: the start layer only appears in Ancestors when it lies on a cycle.
type AncestorResult struct {
	Ancestors   []uuid.UUID `json:"ancestors"`
	CycleLayers []uuid.UUID `json:"cycle_layers,omitempty"`
}

// HasCycles reports whether the walk found a parent cycle
func (r AncestorResult) HasCycles() bool {
	return len(r.CycleLayers) > 0
}

// Contains reports whether id is among the ancestors
func (r AncestorResult) Contains(id uuid.UUID) bool {
	for _, a := range r.Ancestors {
		if a == id {
			return true
		}
	}
	return false
}

// DepthResult is the depth of one layer. Cyclic layers sit on or below a
// parent cycle and have no well-defined depth.
type DepthResult struct {
	Depth  int  `json:"depth"`
	Cyclic bool `json:"cyclic"`
}

// DependencyAnalysis describes the parent-layer relation of a whole graph
type DependencyAnalysis struct {
	Roots         []uuid.UUID               `json:"root_layers"`
	Leaves        []uuid.UUID               `json:"leaf_layers"`
	Parents       map[uuid.UUID][]uuid.UUID `json:"dependencies"`
	Children      map[uuid.UUID][]uuid.UUID `json:"reverse_dependencies"`
	Depth         map[uuid.UUID]int         `json:"layer_depth"`
	LayersByDepth [][]uuid.UUID             `json:"layers_by_depth"`
	MaxDepth      int                       `json:"max_depth"`
	HasCycles     bool                      `json:"has_cycles"`
	CycleLayers   []uuid.UUID               `json:"cycle_layers"`
}

// Ancestors returns every layer reachable through parent_layers
func (g *LayeredGraph) Ancestors(id uuid.UUID) (AncestorResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.layers[id]; !ok {
		return AncestorResult{}, lgerrors.NewNotFound(lgerrors.KindLayer, id.String())
	}
	return g.ancestors(id), nil
}

const (
	white = iota
	grey
	black
)

// ancestors is an iterative depth-first walk. Grey layers are on the current
// path, so reaching one again closes a cycle made of the path segment from
// that layer to the top of the stack.
func (g *LayeredGraph) ancestors(start uuid.UUID) AncestorResult {
	type frame struct {
		id   uuid.UUID
		next int
	}

	var result AncestorResult
	colour := map[uuid.UUID]int{start: grey}
	seen := map[uuid.UUID]bool{}
	onCycle := map[uuid.UUID]bool{}
	stack := []frame{{id: start}}

	for len(stack) > 0 {
		top := len(stack) - 1
		parents := g.layers[stack[top].id].ParentLayers
		if stack[top].next >= len(parents) {
			colour[stack[top].id] = black
			stack = stack[:top]
			continue
		}
		p := parents[stack[top].next]
		stack[top].next++

		if _, ok := g.layers[p]; !ok {
			continue
		}
		if !seen[p] {
			seen[p] = true
			result.Ancestors = append(result.Ancestors, p)
		}

		switch colour[p] {
		case white:
			colour[p] = grey
			stack = append(stack, frame{id: p})
		case grey:
			for i := top; i >= 0; i-- {
				onCycle[stack[i].id] = true
				if stack[i].id == p {
					break
				}
			}
		}
	}

	result.CycleLayers = g.inLayerOrder(onCycle)
	return result
}

// Roots returns layers without parents, in insertion order
func (g *LayeredGraph) Roots() []uuid.UUID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.roots()
}

func (g *LayeredGraph) roots() []uuid.UUID {
	out := []uuid.UUID{}
	for _, id := range g.layerOrder {
		if len(g.layers[id].ParentLayers) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Leaves returns layers that are nobody's parent, in insertion order
func (g *LayeredGraph) Leaves() []uuid.UUID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.leaves()
}

func (g *LayeredGraph) leaves() []uuid.UUID {
	isParent := make(map[uuid.UUID]bool)
	for _, layer := range g.layers {
		for _, p := range layer.ParentLayers {
			isParent[p] = true
		}
	}
	out := []uuid.UUID{}
	for _, id := range g.layerOrder {
		if !isParent[id] {
			out = append(out, id)
		}
	}
	return out
}

// Depth returns 0 for roots and 1 + the deepest parent otherwise
func (g *LayeredGraph) Depth(id uuid.UUID) (DepthResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.layers[id]; !ok {
		return DepthResult{}, lgerrors.NewNotFound(lgerrors.KindLayer, id.String())
	}
	analysis := g.analyzeDependencies()
	depth, ok := analysis.Depth[id]
	return DepthResult{Depth: depth, Cyclic: !ok}, nil
}

// TopologicalOrder returns layers grouped by ascending depth, each group in
// insertion order, so parents always precede children. Layers affected by a
// parent cycle are omitted; AnalyzeDependencies lists them.
func (g *LayeredGraph) TopologicalOrder() []uuid.UUID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	analysis := g.analyzeDependencies()
	order := make([]uuid.UUID, 0, len(g.layers))
	for _, group := range analysis.LayersByDepth {
		order = append(order, group...)
	}
	return order
}

// AnalyzeDependencies computes roots, leaves, depths and cycles in one pass
func (g *LayeredGraph) AnalyzeDependencies() *DependencyAnalysis {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.analyzeDependencies()
}

// analyzeDependencies propagates depth breadth-first from the roots. A child
// is released once all of its parents have been, which memoises max depth
// across diamonds; whatever is never released sits on or below a cycle.
func (g *LayeredGraph) analyzeDependencies() *DependencyAnalysis {
	a := &DependencyAnalysis{
		Roots:    g.roots(),
		Leaves:   g.leaves(),
		Parents:  make(map[uuid.UUID][]uuid.UUID, len(g.layers)),
		Children: make(map[uuid.UUID][]uuid.UUID, len(g.layers)),
		Depth:    make(map[uuid.UUID]int, len(g.layers)),
	}

	pending := make(map[uuid.UUID]int, len(g.layers))
	for _, id := range g.layerOrder {
		layer := g.layers[id]
		a.Parents[id] = append([]uuid.UUID{}, layer.ParentLayers...)
		if _, ok := a.Children[id]; !ok {
			a.Children[id] = []uuid.UUID{}
		}
		pending[id] = len(layer.ParentLayers)
		for _, p := range layer.ParentLayers {
			a.Children[p] = append(a.Children[p], id)
		}
	}

	queue := append([]uuid.UUID{}, a.Roots...)
	for _, r := range a.Roots {
		a.Depth[r] = 0
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range a.Children[current] {
			if d := a.Depth[current] + 1; d > a.Depth[child] {
				a.Depth[child] = d
			}
			pending[child]--
			if pending[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	released := make(map[uuid.UUID]bool, len(g.layers))
	for _, id := range g.layerOrder {
		if pending[id] == 0 {
			released[id] = true
		}
	}

	cyclic := make(map[uuid.UUID]bool)
	for _, id := range g.layerOrder {
		if !released[id] {
			cyclic[id] = true
			// partial depths were written while parents were still pending
			delete(a.Depth, id)
			continue
		}
		d := a.Depth[id]
		for len(a.LayersByDepth) <= d {
			a.LayersByDepth = append(a.LayersByDepth, []uuid.UUID{})
		}
		a.LayersByDepth[d] = append(a.LayersByDepth[d], id)
		if d > a.MaxDepth {
			a.MaxDepth = d
		}
	}
	a.CycleLayers = g.inLayerOrder(cyclic)
	a.HasCycles = len(a.CycleLayers) > 0
	return a
}

// inLayerOrder returns the members of set sorted by layer insertion order
func (g *LayeredGraph) inLayerOrder(set map[uuid.UUID]bool) []uuid.UUID {
	if len(set) == 0 {
		return nil
	}
	idx := g.layerIndex()
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return idx[out[i]] < idx[out[j]] })
	return out
}
