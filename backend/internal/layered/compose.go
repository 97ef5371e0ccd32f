package layered

import (
	"strings"

	"github.com/google/uuid"

	lgerrors "layergraph/backend/pkg/errors"
)

// ============================================================================
// Diff
// ============================================================================

// LayerDiff compares the own content of two layers. Nodes match by id, edges
// by EdgeKey.
type LayerDiff struct {
	BaseLayerID    uuid.UUID   `json:"base_layer_id"`
	CompareLayerID uuid.UUID   `json:"compare_layer_id"`
	AddedNodes     []uuid.UUID `json:"added_nodes"`
	RemovedNodes   []uuid.UUID `json:"removed_nodes"`
	ModifiedNodes  []uuid.UUID `json:"modified_nodes"`
	CommonNodes    []uuid.UUID `json:"common_nodes"`
	AddedEdges     []EdgeKey   `json:"added_edges"`
	RemovedEdges   []EdgeKey   `json:"removed_edges"`
	ModifiedEdges  []EdgeKey   `json:"modified_edges"`
	CommonEdges    []EdgeKey   `json:"common_edges"`
	NodeCountDiff  int         `json:"node_count_diff"`
	EdgeCountDiff  int         `json:"edge_count_diff"`
}

// IsEmpty reports whether nothing was added, removed or modified
func (d *LayerDiff) IsEmpty() bool {
	return len(d.AddedNodes) == 0 && len(d.RemovedNodes) == 0 && len(d.ModifiedNodes) == 0 &&
		len(d.AddedEdges) == 0 && len(d.RemovedEdges) == 0 && len(d.ModifiedEdges) == 0
}

// Diff compares the non-cumulative content of two layers
func (g *LayeredGraph) Diff(baseLayerID, compareLayerID uuid.UUID) (*LayerDiff, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, id := range []uuid.UUID{baseLayerID, compareLayerID} {
		if _, ok := g.layers[id]; !ok {
			return nil, lgerrors.NewNotFound(lgerrors.KindLayer, id.String())
		}
	}
	d := DiffSubgraphs(g.layerGraph(baseLayerID), g.layerGraph(compareLayerID))
	d.BaseLayerID = baseLayerID
	d.CompareLayerID = compareLayerID
	return d, nil
}

// DiffSubgraphs compares two node/edge sets, typically the same layer taken
// from two versions of a graph. Within one graph node ids never repeat across
// layers, so only versions of a layer can have modified nodes.
func DiffSubgraphs(base, compare *Subgraph) *LayerDiff {
	d := &LayerDiff{
		AddedNodes:    []uuid.UUID{},
		RemovedNodes:  []uuid.UUID{},
		ModifiedNodes: []uuid.UUID{},
		CommonNodes:   []uuid.UUID{},
		AddedEdges:    []EdgeKey{},
		RemovedEdges:  []EdgeKey{},
		ModifiedEdges: []EdgeKey{},
		CommonEdges:   []EdgeKey{},
	}

	baseNodes := make(map[uuid.UUID]*GraphNode, len(base.Nodes))
	for _, n := range base.Nodes {
		baseNodes[n.ID] = n
	}
	compareNodes := make(map[uuid.UUID]*GraphNode, len(compare.Nodes))
	for _, n := range compare.Nodes {
		compareNodes[n.ID] = n
		if _, ok := baseNodes[n.ID]; !ok {
			d.AddedNodes = append(d.AddedNodes, n.ID)
		}
	}
	for _, n := range base.Nodes {
		other, ok := compareNodes[n.ID]
		if !ok {
			d.RemovedNodes = append(d.RemovedNodes, n.ID)
			continue
		}
		d.CommonNodes = append(d.CommonNodes, n.ID)
		if !n.sameContent(other) {
			d.ModifiedNodes = append(d.ModifiedNodes, n.ID)
		}
	}

	baseEdges := edgesByKey(base.Edges)
	compareEdges := edgesByKey(compare.Edges)
	for _, key := range compareEdges.order {
		if _, ok := baseEdges.first[key]; !ok {
			d.AddedEdges = append(d.AddedEdges, key)
		}
	}
	for _, key := range baseEdges.order {
		other, ok := compareEdges.first[key]
		if !ok {
			d.RemovedEdges = append(d.RemovedEdges, key)
			continue
		}
		d.CommonEdges = append(d.CommonEdges, key)
		if !baseEdges.first[key].Properties.Equal(other.Properties) {
			d.ModifiedEdges = append(d.ModifiedEdges, key)
		}
	}

	d.NodeCountDiff = len(compare.Nodes) - len(base.Nodes)
	d.EdgeCountDiff = len(compare.Edges) - len(base.Edges)
	return d
}

type keyedEdges struct {
	first map[EdgeKey]*GraphEdge
	order []EdgeKey
}

// edgesByKey indexes edges by EdgeKey, keeping the first edge per key
func edgesByKey(edges []*GraphEdge) keyedEdges {
	k := keyedEdges{first: make(map[EdgeKey]*GraphEdge, len(edges))}
	for _, e := range edges {
		key := e.Key()
		if _, ok := k.first[key]; ok {
			continue
		}
		k.first[key] = e
		k.order = append(k.order, key)
	}
	return k
}

// ============================================================================
// Merge
// ============================================================================

// ConflictPolicy decides what happens to merged edges that share an EdgeKey.
// Every copy gets a fresh id, so copies never collide by id and only
// ConflictKeepFirst drops edges. Parallel edges survive the other policies.
type ConflictPolicy string

const (
	// ConflictOverwrite copies every edge; it replaces only on id collision, which fresh ids rule out
	ConflictOverwrite ConflictPolicy = "overwrite"
	// ConflictKeepFirst keeps the first edge per key and skips later duplicates
	ConflictKeepFirst ConflictPolicy = "keep_first"
	// ConflictKeepOriginal copies every edge and never replaces one
	ConflictKeepOriginal ConflictPolicy = "keep_original"
)

// ParseConflictPolicy accepts the policy names; blank means overwrite
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ConflictOverwrite:
		return ConflictOverwrite, nil
	case ConflictKeepFirst:
		return ConflictKeepFirst, nil
	case ConflictKeepOriginal:
		return ConflictKeepOriginal, nil
	}
	return "", lgerrors.NewInvalidArgument("conflict", "unknown policy "+s)
}

// MergeOptions configures Merge
type MergeOptions struct {
	Name        string
	Description string
	LayerType   string
	Conflict    ConflictPolicy
}

// Merge creates a new layer whose parents are layerIDs and copies the own
// content of those layers into it under fresh ids. The input layers are
// untouched. Copied edges are rewired to the copies of their endpoints.
func (g *LayeredGraph) Merge(layerIDs []uuid.UUID, opts MergeOptions) (uuid.UUID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(layerIDs) == 0 {
		// nothing to merge is reported like an unknown layer
		return uuid.Nil, lgerrors.NewNotFound(lgerrors.KindLayer, "<empty>")
	}
	policy, err := ParseConflictPolicy(string(opts.Conflict))
	if err != nil {
		return uuid.Nil, err
	}
	sources := dedupeIDs(layerIDs)
	for _, id := range sources {
		if _, ok := g.layers[id]; !ok {
			return uuid.Nil, lgerrors.NewNotFound(lgerrors.KindLayer, id.String())
		}
	}

	layerType := opts.LayerType
	if layerType == "" {
		layerType = LayerTypeMerged
	}
	merged := NewLayer(opts.Name, opts.Description, layerType, sources...)
	g.insertLayer(merged)

	copies := make(map[uuid.UUID]uuid.UUID)
	for _, src := range sources {
		for _, nid := range g.layerNodes[src] {
			cp := copyWithLineage(g.nodes[nid])
			copies[nid] = cp.ID
			g.insertNode(cp, merged.ID)
		}
	}

	var pending []*GraphEdge
	seen := make(map[EdgeKey]bool)
	for _, src := range sources {
		for _, eid := range g.layerEdges[src] {
			original := g.edges[eid]
			if policy == ConflictKeepFirst {
				key := original.Key()
				if seen[key] {
					continue
				}
				seen[key] = true
			}
			cp := original.clone()
			cp.ID = uuid.New()
			if s, ok := copies[original.SourceNodeID]; ok {
				cp.SourceNodeID = s
			}
			if t, ok := copies[original.TargetNodeID]; ok {
				cp.TargetNodeID = t
			}
			cp.Metadata[MetaOriginalEdgeID] = String(original.ID.String())
			cp.Metadata[MetaOriginalLayerID] = String(original.LayerID.String())

			pending = append(pending, cp)
		}
	}
	for _, e := range pending {
		g.insertEdge(e, merged.ID)
	}
	return merged.ID, nil
}

// ============================================================================
// Subgraph extraction
// ============================================================================

// NodeFilter and EdgeFilter receive copies and may not retain them
type (
	NodeFilter func(*GraphNode) bool
	EdgeFilter func(*GraphEdge) bool
)

// SubgraphQuery selects layers and filters for ExtractSubgraph. Empty
// LayerIDs selects every layer.
type SubgraphQuery struct {
	LayerIDs          []uuid.UUID
	IncludeCumulative bool
	NodeFilter        NodeFilter
	EdgeFilter        EdgeFilter
}

// ExtractSubgraph filters each requested layer's own or cumulative graph and
// unions the results by id. An edge survives only if the edge filter accepts
// it and both of its endpoints survived the node filter in the same layer.
func (g *LayeredGraph) ExtractSubgraph(q SubgraphQuery) (*Subgraph, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.extractSubgraph(q)
}

func (g *LayeredGraph) extractSubgraph(q SubgraphQuery) (*Subgraph, error) {
	layerIDs := q.LayerIDs
	if len(layerIDs) == 0 {
		layerIDs = g.layerOrder
	}
	for _, id := range layerIDs {
		if _, ok := g.layers[id]; !ok {
			return nil, lgerrors.NewNotFound(lgerrors.KindLayer, id.String())
		}
	}

	result := &Subgraph{Nodes: []*GraphNode{}, Edges: []*GraphEdge{}}
	seenNodes := make(map[uuid.UUID]bool)
	seenEdges := make(map[uuid.UUID]bool)
	cycles := make(map[uuid.UUID]bool)

	for _, id := range layerIDs {
		var view *Subgraph
		if q.IncludeCumulative {
			view = g.cumulativeGraph(id)
		} else {
			view = g.layerGraph(id)
		}
		for _, c := range view.CycleLayers {
			cycles[c] = true
		}

		kept := make(map[uuid.UUID]bool, len(view.Nodes))
		for _, n := range view.Nodes {
			if q.NodeFilter != nil && !q.NodeFilter(n) {
				continue
			}
			kept[n.ID] = true
			if !seenNodes[n.ID] {
				seenNodes[n.ID] = true
				result.Nodes = append(result.Nodes, n)
			}
		}
		for _, e := range view.Edges {
			if !kept[e.SourceNodeID] || !kept[e.TargetNodeID] {
				continue
			}
			if q.EdgeFilter != nil && !q.EdgeFilter(e) {
				continue
			}
			if !seenEdges[e.ID] {
				seenEdges[e.ID] = true
				result.Edges = append(result.Edges, e)
			}
		}
	}
	result.CycleLayers = g.inLayerOrder(cycles)
	return result, nil
}

// FilterByRelationshipTypes keeps (includeOnly) or drops edges whose label is
// in types. Layers are always taken cumulatively.
func (g *LayeredGraph) FilterByRelationshipTypes(layerIDs []uuid.UUID, types []string, includeOnly bool) (*Subgraph, error) {
	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	return g.ExtractSubgraph(SubgraphQuery{
		LayerIDs:          layerIDs,
		IncludeCumulative: true,
		EdgeFilter: func(e *GraphEdge) bool {
			return wanted[e.RelationshipName] == includeOnly
		},
	})
}

// FindNodesByProperty matches id, name and type exactly, description by
// substring, and any other name against the node's properties
func (g *LayeredGraph) FindNodesByProperty(name string, value Value, layerIDs []uuid.UUID, includeCumulative bool) ([]*GraphNode, error) {
	sub, err := g.ExtractSubgraph(SubgraphQuery{
		LayerIDs:          layerIDs,
		IncludeCumulative: includeCumulative,
		NodeFilter:        propertyMatcher(name, value),
	})
	if err != nil {
		return nil, err
	}
	return sub.Nodes, nil
}

func propertyMatcher(name string, value Value) NodeFilter {
	text := value.String()
	switch name {
	case "id":
		return func(n *GraphNode) bool { return n.ID.String() == text }
	case "name":
		return func(n *GraphNode) bool { return n.Name == text }
	case "type":
		return func(n *GraphNode) bool { return n.NodeType == text }
	case "description":
		return func(n *GraphNode) bool { return strings.Contains(n.Description, text) }
	default:
		return func(n *GraphNode) bool {
			v, ok := n.Properties[name]
			return ok && v.Equal(value)
		}
	}
}

// ============================================================================
// Cross-layer relationships
// ============================================================================

// CrossLayerRelationship is an edge whose endpoints belong to different layers
type CrossLayerRelationship struct {
	EdgeID           uuid.UUID  `json:"edge_id"`
	SourceNode       *GraphNode `json:"source_node"`
	TargetNode       *GraphNode `json:"target_node"`
	SourceLayer      uuid.UUID  `json:"source_layer"`
	TargetLayer      uuid.UUID  `json:"target_layer"`
	RelationshipType string     `json:"relationship_type"`
	Properties       Properties `json:"properties"`
}

// CrossLayerRelationships scans every edge once
func (g *LayeredGraph) CrossLayerRelationships() []CrossLayerRelationship {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.crossLayerRelationships()
}

func (g *LayeredGraph) crossLayerRelationships() []CrossLayerRelationship {
	out := []CrossLayerRelationship{}
	for _, eid := range g.edgeOrder {
		e := g.edges[eid]
		src, tgt := g.nodes[e.SourceNodeID], g.nodes[e.TargetNodeID]
		if src.LayerID == tgt.LayerID {
			continue
		}
		out = append(out, CrossLayerRelationship{
			EdgeID:           e.ID,
			SourceNode:       src.clone(),
			TargetNode:       tgt.clone(),
			SourceLayer:      src.LayerID,
			TargetLayer:      tgt.LayerID,
			RelationshipType: e.RelationshipName,
			Properties:       e.Properties.Clone(),
		})
	}
	return out
}
