package graph

import (
	"context"
	"sort"
)

// PropEdgeID is the edge property that distinguishes parallel relationships
// with the same label between the same two nodes. Writes carrying it
// overwrite the relationship with the same edge id.
const PropEdgeID = "edge_id"

// PropID is the reserved node property holding the node id
const PropID = "id"

// Store is the generic node/adjacency store the layered graph is persisted
// into. Property values must be scalars (string, int64, float64, bool) or
// lists of scalars. Writes are idempotent: the same id overwrites the same
// record. Every stored node carries its own id under the "id" property.
type Store interface {
	// AddNode creates or replaces node id's properties
	AddNode(ctx context.Context, id string, props map[string]any) error
	// AddEdge creates or replaces a directed relationship; both endpoints must exist
	AddEdge(ctx context.Context, from, to, relationship string, props map[string]any) error
	HasNode(ctx context.Context, id string) (bool, error)
	// ExtractNode returns a node's properties, or a not-found error
	ExtractNode(ctx context.Context, id string) (map[string]any, error)
	// GetEdges returns every relationship touching id, in both directions
	GetEdges(ctx context.Context, id string) ([]EdgeRecord, error)
	// GetGraphData returns the whole store
	GetGraphData(ctx context.Context) (*GraphData, error)
	// Query runs a store-native query and returns one map per result row
	Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
	// DeleteNode removes a node and every relationship touching it
	DeleteNode(ctx context.Context, id string) error
	Close(ctx context.Context) error
}

// NodeRecord is a stored node
type NodeRecord struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
}

// EdgeRecord is a stored relationship
type EdgeRecord struct {
	From         string         `json:"from"`
	To           string         `json:"to"`
	Relationship string         `json:"relationship"`
	Properties   map[string]any `json:"properties"`
}

// EdgeID returns the edge_id property, if any
func (e EdgeRecord) EdgeID() string {
	s, _ := e.Properties[PropEdgeID].(string)
	return s
}

// GraphData is a full dump of a store
type GraphData struct {
	Nodes []NodeRecord `json:"nodes"`
	Edges []EdgeRecord `json:"edges"`
}

// Outgoing filters edges leaving id with the given label
func Outgoing(edges []EdgeRecord, id, relationship string) []EdgeRecord {
	var out []EdgeRecord
	for _, e := range edges {
		if e.From == id && e.Relationship == relationship {
			out = append(out, e)
		}
	}
	return out
}

// Incoming filters edges arriving at id with the given label
func Incoming(edges []EdgeRecord, id, relationship string) []EdgeRecord {
	var out []EdgeRecord
	for _, e := range edges {
		if e.To == id && e.Relationship == relationship {
			out = append(out, e)
		}
	}
	return out
}

// edgeSlot identifies a relationship for overwrite-by-id semantics
func edgeSlot(from, to, relationship string, props map[string]any) string {
	id, _ := props[PropEdgeID].(string)
	return from + "\x00" + relationship + "\x00" + to + "\x00" + id
}

func nodeProps(id string, props map[string]any) map[string]any {
	out := copyProps(props)
	out[PropID] = id
	return out
}

func copyProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func sortNodeRecords(nodes []NodeRecord) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

func sortEdgeRecords(edges []EdgeRecord) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.Relationship != b.Relationship {
			return a.Relationship < b.Relationship
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.EdgeID() < b.EdgeID()
	})
}
