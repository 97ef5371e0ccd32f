package layered

import (
	"sync"

	"github.com/google/uuid"

	lgerrors "layergraph/backend/pkg/errors"
)

// LayeredGraph is the aggregate root owning every layer, node and edge.
//
// All exported methods are safe for concurrent use: they share one coarse
// RWMutex so that an entity's LayerID and the membership index never disagree.
// Lowercase helpers assume the caller holds the lock.
type LayeredGraph struct {
	ID          uuid.UUID
	Name        string
	Description string

	mu sync.RWMutex

	layers     map[uuid.UUID]*Layer
	layerOrder []uuid.UUID
	nodes      map[uuid.UUID]*GraphNode
	nodeOrder  []uuid.UUID
	edges      map[uuid.UUID]*GraphEdge
	edgeOrder  []uuid.UUID

	// membership index, kept in step with LayerID on each entity
	layerNodes map[uuid.UUID][]uuid.UUID
	layerEdges map[uuid.UUID][]uuid.UUID
}

// NewLayeredGraph creates an empty graph with a fresh id
func NewLayeredGraph(name, description string) *LayeredGraph {
	return NewLayeredGraphWithID(uuid.New(), name, description)
}

// NewLayeredGraphWithID creates an empty graph under a known id, as when
// reconstructing a stored graph
func NewLayeredGraphWithID(id uuid.UUID, name, description string) *LayeredGraph {
	return &LayeredGraph{
		ID:          id,
		Name:        name,
		Description: description,
		layers:      make(map[uuid.UUID]*Layer),
		nodes:       make(map[uuid.UUID]*GraphNode),
		edges:       make(map[uuid.UUID]*GraphEdge),
		layerNodes:  make(map[uuid.UUID][]uuid.UUID),
		layerEdges:  make(map[uuid.UUID][]uuid.UUID),
	}
}

// ============================================================================
// Mutations
// ============================================================================

// AddLayer adds a layer whose parents must already be present
func (g *LayeredGraph) AddLayer(layer *Layer) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkNewLayer(layer); err != nil {
		return err
	}
	parents := dedupeIDs(layer.ParentLayers)
	for _, p := range parents {
		if p == layer.ID {
			return lgerrors.NewCycleDetected(layer.ID.String())
		}
		if _, ok := g.layers[p]; !ok {
			return lgerrors.NewReferentialIntegrity(lgerrors.KindLayer, layer.ID.String(), lgerrors.KindLayer, p.String())
		}
	}
	stored := layer.clone()
	stored.ParentLayers = parents
	g.insertLayer(stored)
	return nil
}

// DanglingParent is a parent reference dropped while restoring layers
type DanglingParent struct {
	LayerID  uuid.UUID
	ParentID uuid.UUID
}

// RestoreLayers inserts a batch of previously persisted layers. Unlike
// AddLayer, parents may reference any layer in the batch regardless of order,
// and self references or cycles are kept so that the dependency engine can
// report them. Parents pointing outside the graph are dropped and returned.
func (g *LayeredGraph) RestoreLayers(layers ...*Layer) ([]DanglingParent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	batch := make(map[uuid.UUID]bool, len(layers))
	for _, layer := range layers {
		if err := g.checkNewLayer(layer); err != nil {
			return nil, err
		}
		if batch[layer.ID] {
			return nil, lgerrors.NewDuplicateID(lgerrors.KindLayer, layer.ID.String())
		}
		batch[layer.ID] = true
	}

	var dangling []DanglingParent
	for _, layer := range layers {
		stored := layer.clone()
		parents := make([]uuid.UUID, 0, len(stored.ParentLayers))
		for _, p := range dedupeIDs(stored.ParentLayers) {
			if _, known := g.layers[p]; !known && !batch[p] {
				dangling = append(dangling, DanglingParent{LayerID: layer.ID, ParentID: p})
				continue
			}
			parents = append(parents, p)
		}
		stored.ParentLayers = parents
		g.insertLayer(stored)
	}
	return dangling, nil
}

func (g *LayeredGraph) checkNewLayer(layer *Layer) error {
	if layer == nil {
		return lgerrors.NewInvalidArgument("layer", "must not be nil")
	}
	if layer.ID == uuid.Nil {
		return lgerrors.NewInvalidArgument("layer.id", "must not be empty")
	}
	if _, exists := g.layers[layer.ID]; exists {
		return lgerrors.NewDuplicateID(lgerrors.KindLayer, layer.ID.String())
	}
	return nil
}

func (g *LayeredGraph) insertLayer(layer *Layer) {
	if layer.Properties == nil {
		layer.Properties = Properties{}
	}
	if layer.Metadata == nil {
		layer.Metadata = Properties{}
	}
	g.layers[layer.ID] = layer
	g.layerOrder = append(g.layerOrder, layer.ID)
}

// AddNode inserts node into layerID and sets its LayerID
func (g *LayeredGraph) AddNode(node *GraphNode, layerID uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkNewNode(node, layerID); err != nil {
		return err
	}
	g.insertNode(node.clone(), layerID)
	node.LayerID = layerID
	return nil
}

func (g *LayeredGraph) checkNewNode(node *GraphNode, layerID uuid.UUID) error {
	if node == nil {
		return lgerrors.NewInvalidArgument("node", "must not be nil")
	}
	if node.ID == uuid.Nil {
		return lgerrors.NewInvalidArgument("node.id", "must not be empty")
	}
	if _, ok := g.layers[layerID]; !ok {
		return lgerrors.NewNotFound(lgerrors.KindLayer, layerID.String())
	}
	if _, exists := g.nodes[node.ID]; exists {
		return lgerrors.NewDuplicateID(lgerrors.KindNode, node.ID.String())
	}
	return nil
}

func (g *LayeredGraph) insertNode(node *GraphNode, layerID uuid.UUID) {
	node.LayerID = layerID
	if node.Properties == nil {
		node.Properties = Properties{}
	}
	if node.Metadata == nil {
		node.Metadata = Properties{}
	}
	g.nodes[node.ID] = node
	g.nodeOrder = append(g.nodeOrder, node.ID)
	g.layerNodes[layerID] = append(g.layerNodes[layerID], node.ID)
}

// AddEdge inserts edge into layerID and sets its LayerID. Both endpoints must
// already exist in some layer of the graph.
func (g *LayeredGraph) AddEdge(edge *GraphEdge, layerID uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkNewEdge(edge, layerID); err != nil {
		return err
	}
	g.insertEdge(edge.clone(), layerID)
	edge.LayerID = layerID
	return nil
}

func (g *LayeredGraph) checkNewEdge(edge *GraphEdge, layerID uuid.UUID) error {
	if edge == nil {
		return lgerrors.NewInvalidArgument("edge", "must not be nil")
	}
	if edge.ID == uuid.Nil {
		return lgerrors.NewInvalidArgument("edge.id", "must not be empty")
	}
	if edge.RelationshipName == "" {
		return lgerrors.NewInvalidArgument("edge.relationship_name", "must not be empty")
	}
	if _, ok := g.layers[layerID]; !ok {
		return lgerrors.NewNotFound(lgerrors.KindLayer, layerID.String())
	}
	if _, exists := g.edges[edge.ID]; exists {
		return lgerrors.NewDuplicateID(lgerrors.KindEdge, edge.ID.String())
	}
	for _, endpoint := range []uuid.UUID{edge.SourceNodeID, edge.TargetNodeID} {
		if _, ok := g.nodes[endpoint]; !ok {
			return lgerrors.NewReferentialIntegrity(lgerrors.KindEdge, edge.ID.String(), lgerrors.KindNode, endpoint.String())
		}
	}
	return nil
}

func (g *LayeredGraph) insertEdge(edge *GraphEdge, layerID uuid.UUID) {
	edge.LayerID = layerID
	if edge.Properties == nil {
		edge.Properties = Properties{}
	}
	if edge.Metadata == nil {
		edge.Metadata = Properties{}
	}
	g.edges[edge.ID] = edge
	g.edgeOrder = append(g.edgeOrder, edge.ID)
	g.layerEdges[layerID] = append(g.layerEdges[layerID], edge.ID)
}

// CopyNodeToLayer copies a node into another layer under a new id. Nodes are
// never reassigned; the copy records where it came from in its metadata.
func (g *LayeredGraph) CopyNodeToLayer(nodeID, layerID uuid.UUID) (*GraphNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	original, ok := g.nodes[nodeID]
	if !ok {
		return nil, lgerrors.NewNotFound(lgerrors.KindNode, nodeID.String())
	}
	if _, ok := g.layers[layerID]; !ok {
		return nil, lgerrors.NewNotFound(lgerrors.KindLayer, layerID.String())
	}
	cp := copyWithLineage(original)
	g.insertNode(cp, layerID)
	return cp.clone(), nil
}

func copyWithLineage(original *GraphNode) *GraphNode {
	cp := original.clone()
	cp.ID = uuid.New()
	cp.Metadata[MetaOriginalNodeID] = String(original.ID.String())
	cp.Metadata[MetaOriginalLayerID] = String(original.LayerID.String())
	return cp
}

// ============================================================================
// Accessors
// ============================================================================

// Layer returns a copy of the layer with the given id
func (g *LayeredGraph) Layer(id uuid.UUID) (*Layer, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	layer, ok := g.layers[id]
	if !ok {
		return nil, lgerrors.NewNotFound(lgerrors.KindLayer, id.String())
	}
	return layer.clone(), nil
}

// Node returns a copy of the node with the given id
func (g *LayeredGraph) Node(id uuid.UUID) (*GraphNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]
	if !ok {
		return nil, lgerrors.NewNotFound(lgerrors.KindNode, id.String())
	}
	return node.clone(), nil
}

// Edge returns a copy of the edge with the given id
func (g *LayeredGraph) Edge(id uuid.UUID) (*GraphEdge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	edge, ok := g.edges[id]
	if !ok {
		return nil, lgerrors.NewNotFound(lgerrors.KindEdge, id.String())
	}
	return edge.clone(), nil
}

// HasLayer reports whether id names a layer of this graph
func (g *LayeredGraph) HasLayer(id uuid.UUID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.layers[id]
	return ok
}

// Layers returns copies of all layers in insertion order
func (g *LayeredGraph) Layers() []*Layer {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Layer, 0, len(g.layerOrder))
	for _, id := range g.layerOrder {
		out = append(out, g.layers[id].clone())
	}
	return out
}

// Nodes returns copies of all nodes in insertion order
func (g *LayeredGraph) Nodes() []*GraphNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.copyNodes(g.nodeOrder)
}

// Edges returns copies of all edges in insertion order
func (g *LayeredGraph) Edges() []*GraphEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.copyEdges(g.edgeOrder)
}

func (g *LayeredGraph) LayerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.layers)
}

func (g *LayeredGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *LayeredGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

func (g *LayeredGraph) copyNodes(ids []uuid.UUID) []*GraphNode {
	out := make([]*GraphNode, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id].clone())
	}
	return out
}

func (g *LayeredGraph) copyEdges(ids []uuid.UUID) []*GraphEdge {
	out := make([]*GraphEdge, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.edges[id].clone())
	}
	return out
}

// layerIndex maps layer ids to their insertion position
func (g *LayeredGraph) layerIndex() map[uuid.UUID]int {
	idx := make(map[uuid.UUID]int, len(g.layerOrder))
	for i, id := range g.layerOrder {
		idx[id] = i
	}
	return idx
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
