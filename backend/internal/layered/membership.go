package layered

import (
	"github.com/google/uuid"

	lgerrors "layergraph/backend/pkg/errors"
)

// NodesInLayer returns the nodes owned by layerID in insertion order
func (g *LayeredGraph) NodesInLayer(layerID uuid.UUID) ([]*GraphNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.layers[layerID]; !ok {
		return nil, lgerrors.NewNotFound(lgerrors.KindLayer, layerID.String())
	}
	return g.copyNodes(g.layerNodes[layerID]), nil
}

// EdgesInLayer returns the edges owned by layerID in insertion order
func (g *LayeredGraph) EdgesInLayer(layerID uuid.UUID) ([]*GraphEdge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.layers[layerID]; !ok {
		return nil, lgerrors.NewNotFound(lgerrors.KindLayer, layerID.String())
	}
	return g.copyEdges(g.layerEdges[layerID]), nil
}

// LayerGraph is what layerID itself contributed
func (g *LayeredGraph) LayerGraph(layerID uuid.UUID) (*Subgraph, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.layers[layerID]; !ok {
		return nil, lgerrors.NewNotFound(lgerrors.KindLayer, layerID.String())
	}
	return g.layerGraph(layerID), nil
}

func (g *LayeredGraph) layerGraph(layerID uuid.UUID) *Subgraph {
	return &Subgraph{
		Nodes: g.copyNodes(g.layerNodes[layerID]),
		Edges: g.copyEdges(g.layerEdges[layerID]),
	}
}

// CumulativeGraph is the union of layerID and all of its ancestors,
// deduplicated by id. Cycles in the ancestor chain terminate the walk and are
// reported in the result.
func (g *LayeredGraph) CumulativeGraph(layerID uuid.UUID) (*Subgraph, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.layers[layerID]; !ok {
		return nil, lgerrors.NewNotFound(lgerrors.KindLayer, layerID.String())
	}
	return g.cumulativeGraph(layerID), nil
}

func (g *LayeredGraph) cumulativeGraph(layerID uuid.UUID) *Subgraph {
	anc := g.ancestors(layerID)
	include := map[uuid.UUID]bool{layerID: true}
	for _, a := range anc.Ancestors {
		include[a] = true
	}

	result := &Subgraph{
		Nodes:       []*GraphNode{},
		Edges:       []*GraphEdge{},
		CycleLayers: anc.CycleLayers,
	}
	seenNodes := make(map[uuid.UUID]bool)
	seenEdges := make(map[uuid.UUID]bool)
	for _, id := range g.layerOrder {
		if !include[id] {
			continue
		}
		for _, nid := range g.layerNodes[id] {
			if !seenNodes[nid] {
				seenNodes[nid] = true
				result.Nodes = append(result.Nodes, g.nodes[nid].clone())
			}
		}
		for _, eid := range g.layerEdges[id] {
			if !seenEdges[eid] {
				seenEdges[eid] = true
				result.Edges = append(result.Edges, g.edges[eid].clone())
			}
		}
	}
	return result
}
