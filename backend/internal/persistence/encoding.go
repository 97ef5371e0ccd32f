package persistence

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"layergraph/backend/internal/layered"
	lgerrors "layergraph/backend/pkg/errors"
)

// Discriminator values of the "type" property
const (
	TypeGraph = "LayeredKnowledgeGraph"
	TypeLayer = "GraphLayer"
	TypeNode  = "GraphNode"
	TypeEdge  = "GraphEdge"
)

// Structural relationships
const (
	RelContainsLayer = "CONTAINS_LAYER"
	RelExtendsLayer  = "EXTENDS_LAYER"
	RelInLayer       = "IN_LAYER"
)

// Stored property keys
const (
	propType             = "type"
	propName             = "name"
	propDescription      = "description"
	propGraphID          = "graph_id"
	propLayerID          = "layer_id"
	propLayerType        = "layer_type"
	propNodeType         = "node_type"
	propSourceNodeID     = "source_node_id"
	propTargetNodeID     = "target_node_id"
	propRelationshipName = "relationship_name"
	propProperties       = "properties"
	propMetadata         = "metadata"
	propPosition         = "position"
	propLayerCount       = "layer_count"
	propNodeCount        = "node_count"
	propEdgeCount        = "edge_count"
	propEdgeID           = "edge_id"
)

func encodeGraph(s *layered.Snapshot) map[string]any {
	return map[string]any{
		propType:        TypeGraph,
		propName:        s.Name,
		propDescription: s.Description,
		propLayerCount:  int64(len(s.Layers)),
		propNodeCount:   int64(len(s.Nodes)),
		propEdgeCount:   int64(len(s.Edges)),
	}
}

func encodeLayer(graphID uuid.UUID, l *layered.Layer, position int) (map[string]any, error) {
	props, meta, err := encodeBags(l.ID, l.Properties, l.Metadata)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		propType:        TypeLayer,
		propGraphID:     graphID.String(),
		propName:        l.Name,
		propDescription: l.Description,
		propLayerType:   l.LayerType,
		propProperties:  props,
		propMetadata:    meta,
		propPosition:    int64(position),
	}, nil
}

func encodeNode(graphID uuid.UUID, n *layered.GraphNode, position int) (map[string]any, error) {
	props, meta, err := encodeBags(n.ID, n.Properties, n.Metadata)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		propType:        TypeNode,
		propGraphID:     graphID.String(),
		propName:        n.Name,
		propNodeType:    n.NodeType,
		propDescription: n.Description,
		propLayerID:     n.LayerID.String(),
		propProperties:  props,
		propMetadata:    meta,
		propPosition:    int64(position),
	}, nil
}

func encodeEdge(graphID uuid.UUID, e *layered.GraphEdge, position int) (map[string]any, error) {
	props, meta, err := encodeBags(e.ID, e.Properties, e.Metadata)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		propType:             TypeEdge,
		propGraphID:          graphID.String(),
		propSourceNodeID:     e.SourceNodeID.String(),
		propTargetNodeID:     e.TargetNodeID.String(),
		propRelationshipName: e.RelationshipName,
		propLayerID:          e.LayerID.String(),
		propProperties:       props,
		propMetadata:         meta,
		propPosition:         int64(position),
	}, nil
}

// relationshipProps are carried by the literal source -> target relationship
func relationshipProps(e *layered.GraphEdge) map[string]any {
	return map[string]any{
		propEdgeID:  e.ID.String(),
		propLayerID: e.LayerID.String(),
	}
}

func encodeBags(owner uuid.UUID, props, meta layered.Properties) (string, string, error) {
	p, err := props.Encode()
	if err != nil {
		return "", "", lgerrors.NewSerialization(propProperties, owner.String(), err)
	}
	m, err := meta.Encode()
	if err != nil {
		return "", "", lgerrors.NewSerialization(propMetadata, owner.String(), err)
	}
	return p, m, nil
}

// decoded records keep the stored position so insertion order survives a
// round trip

type decodedLayer struct {
	layer    *layered.Layer
	position int64
}

type decodedNode struct {
	node     *layered.GraphNode
	position int64
}

type decodedEdge struct {
	edge     *layered.GraphEdge
	position int64
}

// bagWarning reports a properties/metadata bag that failed to decode and was
// replaced by an empty one
type bagWarning struct {
	field string
	err   error
}

func decodeLayer(id string, raw map[string]any) (*decodedLayer, []bagWarning, error) {
	if err := expectType(raw, TypeLayer); err != nil {
		return nil, nil, err
	}
	layerID, err := uuid.Parse(id)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid layer id %q: %w", id, err)
	}
	name, ok := raw[propName].(string)
	if !ok {
		return nil, nil, fmt.Errorf("missing %s", propName)
	}
	props, meta, warnings := decodeBags(raw)
	return &decodedLayer{
		layer: &layered.Layer{
			ID:           layerID,
			Name:         name,
			Description:  stringProp(raw, propDescription),
			LayerType:    stringProp(raw, propLayerType),
			ParentLayers: []uuid.UUID{},
			Properties:   props,
			Metadata:     meta,
		},
		position: intProp(raw, propPosition),
	}, warnings, nil
}

// decodeNode and decodeEdge take the owning layer from the IN_LAYER
// relationship the record was found through, not from its layer_id copy
func decodeNode(id string, layerID uuid.UUID, raw map[string]any) (*decodedNode, []bagWarning, error) {
	nodeID, err := uuid.Parse(id)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid node id %q: %w", id, err)
	}
	props, meta, warnings := decodeBags(raw)
	return &decodedNode{
		node: &layered.GraphNode{
			ID:          nodeID,
			Name:        stringProp(raw, propName),
			NodeType:    stringProp(raw, propNodeType),
			Description: stringProp(raw, propDescription),
			Properties:  props,
			Metadata:    meta,
			LayerID:     layerID,
		},
		position: intProp(raw, propPosition),
	}, warnings, nil
}

func decodeEdge(id string, layerID uuid.UUID, raw map[string]any) (*decodedEdge, []bagWarning, error) {
	edgeID, err := uuid.Parse(id)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid edge id %q: %w", id, err)
	}
	source, err := uuid.Parse(stringProp(raw, propSourceNodeID))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid %s: %w", propSourceNodeID, err)
	}
	target, err := uuid.Parse(stringProp(raw, propTargetNodeID))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid %s: %w", propTargetNodeID, err)
	}
	rel := stringProp(raw, propRelationshipName)
	if rel == "" {
		return nil, nil, fmt.Errorf("missing %s", propRelationshipName)
	}
	props, meta, warnings := decodeBags(raw)
	return &decodedEdge{
		edge: &layered.GraphEdge{
			ID:               edgeID,
			SourceNodeID:     source,
			TargetNodeID:     target,
			RelationshipName: rel,
			Properties:       props,
			Metadata:         meta,
			LayerID:          layerID,
		},
		position: intProp(raw, propPosition),
	}, warnings, nil
}

func decodeBags(raw map[string]any) (layered.Properties, layered.Properties, []bagWarning) {
	var warnings []bagWarning
	props, err := layered.DecodeProperties(stringProp(raw, propProperties))
	if err != nil {
		warnings = append(warnings, bagWarning{field: propProperties, err: err})
	}
	meta, err := layered.DecodeProperties(stringProp(raw, propMetadata))
	if err != nil {
		warnings = append(warnings, bagWarning{field: propMetadata, err: err})
	}
	return props, meta, warnings
}

func expectType(raw map[string]any, want string) error {
	if got := stringProp(raw, propType); got != want {
		return fmt.Errorf("expected %s record, found %q", want, got)
	}
	return nil
}

func stringProp(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

func intProp(raw map[string]any, key string) int64 {
	switch v := raw[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return -1
	}
}

func sortByPosition[T any](items []T, pos func(T) int64, id func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := pos(items[i]), pos(items[j])
		if pi != pj {
			return pi < pj
		}
		return id(items[i]) < id(items[j])
	})
}
