package layered

import (
	"github.com/google/uuid"
)

// Layer types used by the builders in this repository. LayerType is free-form.
const (
	LayerTypeBase       = "base"
	LayerTypeEnrichment = "enrichment"
	LayerTypeDerived    = "derived"
	LayerTypeMerged     = "merged"
)

// Metadata keys recording lineage of copied nodes and edges
const (
	MetaOriginalNodeID  = "original_node_id"
	MetaOriginalEdgeID  = "original_edge_id"
	MetaOriginalLayerID = "original_layer_id"
)

// Layer is an ordered increment of graph content with explicit dependencies
// on other layers
type Layer struct {
	ID           uuid.UUID   `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	LayerType    string      `json:"layer_type"`
	ParentLayers []uuid.UUID `json:"parent_layers"`
	Properties   Properties  `json:"properties,omitempty"`
	Metadata     Properties  `json:"metadata,omitempty"`
}

// NewLayer creates a layer with a fresh id
func NewLayer(name, description, layerType string, parents ...uuid.UUID) *Layer {
	return &Layer{
		ID:           uuid.New(),
		Name:         name,
		Description:  description,
		LayerType:    layerType,
		ParentLayers: append([]uuid.UUID{}, parents...),
		Properties:   Properties{},
		Metadata:     Properties{},
	}
}

func (l *Layer) clone() *Layer {
	c := *l
	c.ParentLayers = append([]uuid.UUID{}, l.ParentLayers...)
	c.Properties = l.Properties.Clone()
	c.Metadata = l.Metadata.Clone()
	return &c
}

// GraphNode belongs to exactly one layer and is visible in every layer that
// has that layer as an ancestor
type GraphNode struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	NodeType    string     `json:"type"`
	Description string     `json:"description"`
	Properties  Properties `json:"properties,omitempty"`
	Metadata    Properties `json:"metadata,omitempty"`
	LayerID     uuid.UUID  `json:"layer_id"`
}

// NewNode creates a node with a fresh id; LayerID is set on insertion
func NewNode(name, nodeType, description string, props Properties) *GraphNode {
	return &GraphNode{
		ID:          uuid.New(),
		Name:        name,
		NodeType:    nodeType,
		Description: description,
		Properties:  props.Clone(),
		Metadata:    Properties{},
	}
}

func (n *GraphNode) clone() *GraphNode {
	c := *n
	c.Properties = n.Properties.Clone()
	c.Metadata = n.Metadata.Clone()
	return &c
}

// sameContent compares the fields a diff classifies as modifications
func (n *GraphNode) sameContent(o *GraphNode) bool {
	return n.Name == o.Name &&
		n.NodeType == o.NodeType &&
		n.Description == o.Description &&
		n.Properties.Equal(o.Properties)
}

// GraphEdge is a directed, labelled relationship between two nodes. Its
// owning layer is independent of its endpoints' layers.
type GraphEdge struct {
	ID               uuid.UUID  `json:"id"`
	SourceNodeID     uuid.UUID  `json:"source_node_id"`
	TargetNodeID     uuid.UUID  `json:"target_node_id"`
	RelationshipName string     `json:"relationship_name"`
	Properties       Properties `json:"properties,omitempty"`
	Metadata         Properties `json:"metadata,omitempty"`
	LayerID          uuid.UUID  `json:"layer_id"`
}

// NewEdge creates an edge with a fresh id; LayerID is set on insertion
func NewEdge(source, target uuid.UUID, relationship string, props Properties) *GraphEdge {
	return &GraphEdge{
		ID:               uuid.New(),
		SourceNodeID:     source,
		TargetNodeID:     target,
		RelationshipName: relationship,
		Properties:       props.Clone(),
		Metadata:         Properties{},
	}
}

func (e *GraphEdge) clone() *GraphEdge {
	c := *e
	c.Properties = e.Properties.Clone()
	c.Metadata = e.Metadata.Clone()
	return &c
}

// Key returns the identity used to compare edges across layers
func (e *GraphEdge) Key() EdgeKey {
	return EdgeKey{Source: e.SourceNodeID, Target: e.TargetNodeID, Relationship: e.RelationshipName}
}

// EdgeKey identifies an edge by its endpoints and label rather than its id
type EdgeKey struct {
	Source       uuid.UUID `json:"source_node_id"`
	Target       uuid.UUID `json:"target_node_id"`
	Relationship string    `json:"relationship_name"`
}

// Subgraph is a flat node/edge set. CycleLayers lists layers found on a
// parent cycle while the subgraph was assembled.
type Subgraph struct {
	Nodes       []*GraphNode `json:"nodes"`
	Edges       []*GraphEdge `json:"edges"`
	CycleLayers []uuid.UUID  `json:"cycle_layers,omitempty"`
}

// HasCycles reports whether assembling the subgraph crossed a parent cycle
func (s *Subgraph) HasCycles() bool {
	return len(s.CycleLayers) > 0
}

// NodeIDs returns the node ids in result order
func (s *Subgraph) NodeIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(s.Nodes))
	for i, n := range s.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// EdgeIDs returns the edge ids in result order
func (s *Subgraph) EdgeIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(s.Edges))
	for i, e := range s.Edges {
		ids[i] = e.ID
	}
	return ids
}
