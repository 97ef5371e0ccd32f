package layered

import (
	"sort"

	"github.com/google/uuid"
)

// Thresholds for flagging a node as a critical component
const (
	criticalTotalConnections = 3
	criticalCrossConnections = 1
)

// LayerConnection counts edges running from nodes of one layer to nodes of
// another
type LayerConnection struct {
	SourceLayerID uuid.UUID `json:"source_layer_id"`
	TargetLayerID uuid.UUID `json:"target_layer_id"`
	Count         int       `json:"count"`
}

// LayerRef names a layer for display
type LayerRef struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	LayerType string    `json:"type"`
}

// LayerDependency lists the direct parents of a layer
type LayerDependency struct {
	Layer     LayerRef   `json:"layer"`
	DependsOn []LayerRef `json:"depends_on"`
}

// CriticalComponent is a highly connected node, or one bridging layers
type CriticalComponent struct {
	NodeID                uuid.UUID `json:"id"`
	Name                  string    `json:"name"`
	NodeType              string    `json:"type"`
	LayerID               uuid.UUID `json:"layer_id"`
	IncomingConnections   int       `json:"incoming_connections"`
	OutgoingConnections   int       `json:"outgoing_connections"`
	CrossLayerConnections int       `json:"cross_layer_connections"`
	TotalConnections      int       `json:"total_connections"`
}

// Analysis bundles everything the report generator needs
type Analysis struct {
	Metrics            []*LayerMetrics          `json:"layer_metrics"`
	Connections        []LayerConnection        `json:"layer_connections"`
	CrossLayer         []CrossLayerRelationship `json:"cross_layer_relationships"`
	Dependencies       []LayerDependency        `json:"layer_dependencies"`
	CriticalComponents []CriticalComponent      `json:"critical_components"`
	Structure          *DependencyAnalysis      `json:"structure"`
}

// MetricsFor returns the metrics of one layer, or nil
func (a *Analysis) MetricsFor(layerID uuid.UUID) *LayerMetrics {
	for _, m := range a.Metrics {
		if m.LayerID == layerID {
			return m
		}
	}
	return nil
}

// Analyze computes the full analysis bundle under a single read lock
func (g *LayeredGraph) Analyze() *Analysis {
	g.mu.RLock()
	defer g.mu.RUnlock()

	deps := g.analyzeDependencies()
	return &Analysis{
		Metrics:            g.allLayerMetrics(deps),
		Connections:        g.layerConnections(),
		CrossLayer:         g.crossLayerRelationships(),
		Dependencies:       g.layerDependencies(),
		CriticalComponents: g.criticalComponents(),
		Structure:          deps,
	}
}

// layerConnections returns non-zero counts ordered by source then target layer
func (g *LayeredGraph) layerConnections() []LayerConnection {
	counts := make(map[[2]uuid.UUID]int)
	for _, eid := range g.edgeOrder {
		e := g.edges[eid]
		from, to := g.nodes[e.SourceNodeID].LayerID, g.nodes[e.TargetNodeID].LayerID
		if from != to {
			counts[[2]uuid.UUID{from, to}]++
		}
	}

	out := []LayerConnection{}
	for _, from := range g.layerOrder {
		for _, to := range g.layerOrder {
			if n := counts[[2]uuid.UUID{from, to}]; n > 0 {
				out = append(out, LayerConnection{SourceLayerID: from, TargetLayerID: to, Count: n})
			}
		}
	}
	return out
}

func (g *LayeredGraph) layerDependencies() []LayerDependency {
	out := make([]LayerDependency, 0, len(g.layerOrder))
	for _, id := range g.layerOrder {
		layer := g.layers[id]
		dep := LayerDependency{Layer: g.layerRef(id), DependsOn: []LayerRef{}}
		for _, p := range layer.ParentLayers {
			if _, ok := g.layers[p]; ok {
				dep.DependsOn = append(dep.DependsOn, g.layerRef(p))
			}
		}
		out = append(out, dep)
	}
	return out
}

func (g *LayeredGraph) layerRef(id uuid.UUID) LayerRef {
	layer := g.layers[id]
	return LayerRef{ID: layer.ID, Name: layer.Name, LayerType: layer.LayerType}
}

// criticalComponents ranks nodes by total connections, breaking ties by name
// and id so the ranking is stable
func (g *LayeredGraph) criticalComponents() []CriticalComponent {
	stats := make(map[uuid.UUID]*CriticalComponent)
	get := func(id uuid.UUID) *CriticalComponent {
		c, ok := stats[id]
		if !ok {
			n := g.nodes[id]
			c = &CriticalComponent{NodeID: id, Name: n.Name, NodeType: n.NodeType, LayerID: n.LayerID}
			stats[id] = c
		}
		return c
	}

	for _, eid := range g.edgeOrder {
		e := g.edges[eid]
		src, tgt := get(e.SourceNodeID), get(e.TargetNodeID)
		src.OutgoingConnections++
		tgt.IncomingConnections++
		if src.LayerID != tgt.LayerID {
			src.CrossLayerConnections++
			tgt.CrossLayerConnections++
		}
	}

	out := []CriticalComponent{}
	for _, c := range stats {
		c.TotalConnections = c.IncomingConnections + c.OutgoingConnections
		if c.TotalConnections > criticalTotalConnections || c.CrossLayerConnections > criticalCrossConnections {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalConnections != out[j].TotalConnections {
			return out[i].TotalConnections > out[j].TotalConnections
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].NodeID.String() < out[j].NodeID.String()
	})
	return out
}
