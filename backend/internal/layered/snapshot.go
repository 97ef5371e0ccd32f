package layered

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"layergraph/backend/pkg/logger"
)

// Snapshot is the self-contained JSON form of a layered graph
type Snapshot struct {
	ID          uuid.UUID    `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Layers      []*Layer     `json:"layers"`
	Nodes       []*GraphNode `json:"nodes"`
	Edges       []*GraphEdge `json:"edges"`
}

// Snapshot copies the graph into its serializable form
func (g *LayeredGraph) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := &Snapshot{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Layers:      make([]*Layer, 0, len(g.layerOrder)),
		Nodes:       g.copyNodes(g.nodeOrder),
		Edges:       g.copyEdges(g.edgeOrder),
	}
	for _, id := range g.layerOrder {
		s.Layers = append(s.Layers, g.layers[id].clone())
	}
	return s
}

// MarshalJSON encodes the graph as its Snapshot
func (g *LayeredGraph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Snapshot())
}

// FromSnapshot rebuilds a graph. Layers are restored leniently so that a
// stored parent cycle is reported by the dependency engine instead of
// rejected; dropped dangling parents are logged. Nodes and edges are checked
// like regular insertions. A nil snapshot ID gets a fresh id.
func FromSnapshot(s *Snapshot, log *zap.Logger) (*LayeredGraph, error) {
	if s == nil {
		return nil, fmt.Errorf("snapshot is nil")
	}
	log = logger.OrDefault(log, "layered")

	id := s.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	g := NewLayeredGraphWithID(id, s.Name, s.Description)

	dangling, err := g.RestoreLayers(s.Layers...)
	if err != nil {
		return nil, fmt.Errorf("failed to restore layers: %w", err)
	}
	for _, d := range dangling {
		log.Warn("Dropped parent reference to unknown layer",
			zap.String("layer_id", d.LayerID.String()),
			zap.String("parent_id", d.ParentID.String()))
	}

	for _, n := range s.Nodes {
		if n == nil {
			continue
		}
		if err := g.AddNode(n, n.LayerID); err != nil {
			return nil, fmt.Errorf("failed to restore node %s: %w", n.ID, err)
		}
	}
	for _, e := range s.Edges {
		if e == nil {
			continue
		}
		if err := g.AddEdge(e, e.LayerID); err != nil {
			return nil, fmt.Errorf("failed to restore edge %s: %w", e.ID, err)
		}
	}
	return g, nil
}
