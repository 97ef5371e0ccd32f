package layered

import (
	"github.com/google/uuid"

	lgerrors "layergraph/backend/pkg/errors"
)

// LayerMetrics summarises one layer's own and cumulative content and its
// position in the dependency structure
type LayerMetrics struct {
	LayerID               uuid.UUID      `json:"layer_id"`
	LayerName             string         `json:"layer_name"`
	NodeCount             int            `json:"node_count"`
	EdgeCount             int            `json:"edge_count"`
	NodeTypes             map[string]int `json:"node_types"`
	RelationshipTypes     map[string]int `json:"relationship_types"`
	Density               float64        `json:"density"`
	ParentCount           int            `json:"parent_count"`
	ChildCount            int            `json:"child_count"`
	Depth                 int            `json:"depth"`
	Cyclic                bool           `json:"cyclic"`
	IsRoot                bool           `json:"is_root"`
	IsLeaf                bool           `json:"is_leaf"`
	CumulativeNodeCount   int            `json:"cumulative_node_count"`
	CumulativeEdgeCount   int            `json:"cumulative_edge_count"`
	NodeContributionRatio float64        `json:"node_contribution_ratio"`
	EdgeContributionRatio float64        `json:"edge_contribution_ratio"`
}

// LayerMetrics computes metrics for a single layer
func (g *LayeredGraph) LayerMetrics(layerID uuid.UUID) (*LayerMetrics, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.layers[layerID]; !ok {
		return nil, lgerrors.NewNotFound(lgerrors.KindLayer, layerID.String())
	}
	return g.layerMetrics(layerID, g.analyzeDependencies()), nil
}

// AllLayerMetrics computes metrics for every layer in insertion order
func (g *LayeredGraph) AllLayerMetrics() []*LayerMetrics {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.allLayerMetrics(g.analyzeDependencies())
}

func (g *LayeredGraph) allLayerMetrics(deps *DependencyAnalysis) []*LayerMetrics {
	out := make([]*LayerMetrics, 0, len(g.layerOrder))
	for _, id := range g.layerOrder {
		out = append(out, g.layerMetrics(id, deps))
	}
	return out
}

func (g *LayeredGraph) layerMetrics(layerID uuid.UUID, deps *DependencyAnalysis) *LayerMetrics {
	layer := g.layers[layerID]
	nodeIDs := g.layerNodes[layerID]
	edgeIDs := g.layerEdges[layerID]

	m := &LayerMetrics{
		LayerID:           layerID,
		LayerName:         layer.Name,
		NodeCount:         len(nodeIDs),
		EdgeCount:         len(edgeIDs),
		NodeTypes:         make(map[string]int),
		RelationshipTypes: make(map[string]int),
		ParentCount:       len(layer.ParentLayers),
		ChildCount:        len(deps.Children[layerID]),
	}
	for _, id := range nodeIDs {
		m.NodeTypes[g.nodes[id].NodeType]++
	}
	for _, id := range edgeIDs {
		m.RelationshipTypes[g.edges[id].RelationshipName]++
	}
	m.Density = density(m.NodeCount, m.EdgeCount)

	depth, ok := deps.Depth[layerID]
	m.Depth = depth
	m.Cyclic = !ok
	m.IsRoot = m.ParentCount == 0
	m.IsLeaf = m.ChildCount == 0

	cumulative := g.cumulativeGraph(layerID)
	m.CumulativeNodeCount = len(cumulative.Nodes)
	m.CumulativeEdgeCount = len(cumulative.Edges)
	m.NodeContributionRatio = ratio(m.NodeCount, m.CumulativeNodeCount)
	m.EdgeContributionRatio = ratio(m.EdgeCount, m.CumulativeEdgeCount)
	return m
}

// density is edges over possible directed edges, 0 below two nodes
func density(nodes, edges int) float64 {
	if nodes <= 1 {
		return 0
	}
	return float64(edges) / float64(nodes*(nodes-1))
}

func ratio(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}
