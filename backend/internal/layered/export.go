package layered

import "github.com/google/uuid"

// Export is the flat form handed to visualisation and reporting consumers.
// Nodes and edges carry their layer's display name next to its id.
type Export struct {
	ID          uuid.UUID     `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Layers      []ExportLayer `json:"layers"`
	Nodes       []ExportNode  `json:"nodes"`
	Edges       []ExportEdge  `json:"edges"`
}

type ExportLayer struct {
	ID           uuid.UUID   `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	LayerType    string      `json:"type"`
	ParentLayers []uuid.UUID `json:"parent_layers"`
}

type ExportNode struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	NodeType    string         `json:"type"`
	Description string         `json:"description"`
	Properties  map[string]any `json:"properties,omitempty"`
	LayerID     uuid.UUID      `json:"layer_id"`
	LayerName   string         `json:"layer"`
}

type ExportEdge struct {
	ID           uuid.UUID      `json:"id"`
	Source       uuid.UUID      `json:"source"`
	Target       uuid.UUID      `json:"target"`
	Relationship string         `json:"relationship"`
	Properties   map[string]any `json:"properties,omitempty"`
	LayerID      uuid.UUID      `json:"layer_id"`
	LayerName    string         `json:"layer"`
}

// Export flattens the graph, layer by layer in insertion order
func (g *LayeredGraph) Export() *Export {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := &Export{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Layers:      make([]ExportLayer, 0, len(g.layerOrder)),
		Nodes:       make([]ExportNode, 0, len(g.nodes)),
		Edges:       make([]ExportEdge, 0, len(g.edges)),
	}
	for _, lid := range g.layerOrder {
		layer := g.layers[lid]
		out.Layers = append(out.Layers, ExportLayer{
			ID:           layer.ID,
			Name:         layer.Name,
			Description:  layer.Description,
			LayerType:    layer.LayerType,
			ParentLayers: append([]uuid.UUID{}, layer.ParentLayers...),
		})
		for _, nid := range g.layerNodes[lid] {
			n := g.nodes[nid]
			out.Nodes = append(out.Nodes, ExportNode{
				ID:          n.ID,
				Name:        n.Name,
				NodeType:    n.NodeType,
				Description: n.Description,
				Properties:  n.Properties.ToAny(),
				LayerID:     lid,
				LayerName:   layer.Name,
			})
		}
		for _, eid := range g.layerEdges[lid] {
			e := g.edges[eid]
			out.Edges = append(out.Edges, ExportEdge{
				ID:           e.ID,
				Source:       e.SourceNodeID,
				Target:       e.TargetNodeID,
				Relationship: e.RelationshipName,
				Properties:   e.Properties.ToAny(),
				LayerID:      lid,
				LayerName:    layer.Name,
			})
		}
	}
	return out
}
