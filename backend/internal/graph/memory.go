package graph

import (
	"context"
	"sync"

	"layergraph/backend/internal/predicate"
	lgerrors "layergraph/backend/pkg/errors"
)

// MemoryStore keeps everything in process. Query takes a CEL expression over
// each node's properties (bound as `node`) and returns the matching nodes.
type MemoryStore struct {
	mu     sync.RWMutex
	nodes  map[string]map[string]any
	edges  map[string]EdgeRecord
	byFrom map[string]map[string]bool // node id -> edge slots
	byTo   map[string]map[string]bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:  make(map[string]map[string]any),
		edges:  make(map[string]EdgeRecord),
		byFrom: make(map[string]map[string]bool),
		byTo:   make(map[string]map[string]bool),
	}
}

func (s *MemoryStore) AddNode(ctx context.Context, id string, props map[string]any) error {
	if err := ctx.Err(); err != nil {
		return lgerrors.NewContextCancelled("add node", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[id] = nodeProps(id, props)
	return nil
}

func (s *MemoryStore) AddEdge(ctx context.Context, from, to, relationship string, props map[string]any) error {
	if err := ctx.Err(); err != nil {
		return lgerrors.NewContextCancelled("add edge", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range []string{from, to} {
		if _, ok := s.nodes[id]; !ok {
			return lgerrors.NewReferentialIntegrity(lgerrors.KindEdge, relationship, lgerrors.KindNode, id)
		}
	}
	slot := edgeSlot(from, to, relationship, props)
	s.edges[slot] = EdgeRecord{From: from, To: to, Relationship: relationship, Properties: copyProps(props)}
	addSlot(s.byFrom, from, slot)
	addSlot(s.byTo, to, slot)
	return nil
}

func addSlot(index map[string]map[string]bool, id, slot string) {
	if index[id] == nil {
		index[id] = make(map[string]bool)
	}
	index[id][slot] = true
}

func (s *MemoryStore) HasNode(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok, nil
}

func (s *MemoryStore) ExtractNode(ctx context.Context, id string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	props, ok := s.nodes[id]
	if !ok {
		return nil, lgerrors.NewNotFound(lgerrors.KindNode, id)
	}
	return copyProps(props), nil
}

func (s *MemoryStore) GetEdges(ctx context.Context, id string) ([]EdgeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, lgerrors.NewContextCancelled("get edges", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []EdgeRecord
	seen := make(map[string]bool)
	for _, index := range []map[string]map[string]bool{s.byFrom, s.byTo} {
		for slot := range index[id] {
			if seen[slot] {
				continue
			}
			seen[slot] = true
			e := s.edges[slot]
			e.Properties = copyProps(e.Properties)
			out = append(out, e)
		}
	}
	sortEdgeRecords(out)
	return out, nil
}

func (s *MemoryStore) GetGraphData(ctx context.Context) (*GraphData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data := &GraphData{Nodes: []NodeRecord{}, Edges: []EdgeRecord{}}
	for id, props := range s.nodes {
		data.Nodes = append(data.Nodes, NodeRecord{ID: id, Properties: copyProps(props)})
	}
	for _, e := range s.edges {
		e.Properties = copyProps(e.Properties)
		data.Edges = append(data.Edges, e)
	}
	sortNodeRecords(data.Nodes)
	sortEdgeRecords(data.Edges)
	return data, nil
}

// Query returns {"id": ..., "properties": ...} for every node matching the
// CEL expression. params are ignored.
func (s *MemoryStore) Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	prg, err := predicate.CompileStoreQuery(query)
	if err != nil {
		return nil, err
	}
	data, err := s.GetGraphData(ctx)
	if err != nil {
		return nil, err
	}
	return matchNodes(prg, data.Nodes), nil
}

func matchNodes(prg *predicate.Program, nodes []NodeRecord) []map[string]any {
	rows := []map[string]any{}
	for _, n := range nodes {
		if prg.Matches(n.Properties) {
			rows = append(rows, map[string]any{"id": n.ID, "properties": n.Properties})
		}
	}
	return rows
}

func (s *MemoryStore) DeleteNode(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return lgerrors.NewContextCancelled("delete node", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, index := range []map[string]map[string]bool{s.byFrom, s.byTo} {
		for slot := range index[id] {
			e := s.edges[slot]
			delete(s.byFrom[e.From], slot)
			delete(s.byTo[e.To], slot)
			delete(s.edges, slot)
		}
	}
	delete(s.byFrom, id)
	delete(s.byTo, id)
	delete(s.nodes, id)
	return nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// Counts returns the number of stored nodes and relationships
func (s *MemoryStore) Counts() (nodes, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.edges)
}
