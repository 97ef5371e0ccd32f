package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lgerrors "layergraph/backend/pkg/errors"
)

// storeFactories lists every Store implementation that runs without
// external services
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"badger": func() Store {
			s, err := OpenBadger(BadgerOptions{InMemory: true})
			require.NoError(t, err)
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close(context.Background())
			fn(t, s)
		})
	}
}

func TestStore_Nodes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.AddNode(ctx, "a", map[string]any{"type": "GraphNode", "name": "A", "weight": int64(3)}))

		ok, err := s.HasNode(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)

		props, err := s.ExtractNode(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "A", props["name"])
		assert.Equal(t, int64(3), props["weight"])
		assert.Equal(t, "a", props[PropID])

		// overwrite replaces the whole bag
		require.NoError(t, s.AddNode(ctx, "a", map[string]any{"type": "GraphNode", "name": "A2"}))
		props, err = s.ExtractNode(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "A2", props["name"])
		assert.NotContains(t, props, "weight")

		_, err = s.ExtractNode(ctx, "missing")
		assert.True(t, lgerrors.IsNotFound(err))

		ok, err = s.HasNode(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_Edges(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.AddNode(ctx, id, map[string]any{"type": "GraphNode"}))
		}

		require.NoError(t, s.AddEdge(ctx, "a", "b", "DEPENDS_ON", map[string]any{PropEdgeID: "e1"}))
		require.NoError(t, s.AddEdge(ctx, "a", "b", "DEPENDS_ON", map[string]any{PropEdgeID: "e2"}))
		require.NoError(t, s.AddEdge(ctx, "c", "a", "USES", nil))
		// same edge id rewrites in place
		require.NoError(t, s.AddEdge(ctx, "a", "b", "DEPENDS_ON", map[string]any{PropEdgeID: "e1", "weight": 0.5}))

		edges, err := s.GetEdges(ctx, "a")
		require.NoError(t, err)
		require.Len(t, edges, 3)
		assert.Len(t, Outgoing(edges, "a", "DEPENDS_ON"), 2)
		assert.Len(t, Incoming(edges, "a", "USES"), 1)
		assert.Equal(t, "e1", edges[0].EdgeID())
		assert.Equal(t, 0.5, edges[0].Properties["weight"])

		err = s.AddEdge(ctx, "a", "nowhere", "DEPENDS_ON", nil)
		assert.True(t, lgerrors.IsReferentialIntegrity(err))

		data, err := s.GetGraphData(ctx)
		require.NoError(t, err)
		assert.Len(t, data.Nodes, 3)
		assert.Len(t, data.Edges, 3)
		assert.Equal(t, "a", data.Nodes[0].ID)
	})
}

func TestStore_DeleteNodeDetaches(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.AddNode(ctx, id, nil))
		}
		require.NoError(t, s.AddEdge(ctx, "a", "b", "X", nil))
		require.NoError(t, s.AddEdge(ctx, "b", "c", "Y", nil))
		require.NoError(t, s.AddEdge(ctx, "b", "b", "SELF", nil))

		require.NoError(t, s.DeleteNode(ctx, "b"))

		data, err := s.GetGraphData(ctx)
		require.NoError(t, err)
		assert.Len(t, data.Nodes, 2)
		assert.Empty(t, data.Edges)

		edges, err := s.GetEdges(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, edges)

		// deleting an absent node is a no-op
		assert.NoError(t, s.DeleteNode(ctx, "b"))
	})
}

func TestStore_Query(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AddNode(ctx, "g", map[string]any{"type": "LayeredKnowledgeGraph", "name": "demo"}))
		require.NoError(t, s.AddNode(ctx, "l1", map[string]any{"type": "GraphLayer", "graph_id": "g"}))
		require.NoError(t, s.AddNode(ctx, "l2", map[string]any{"type": "GraphLayer", "graph_id": "other"}))

		rows, err := s.Query(ctx, `node.type == "GraphLayer" && node.graph_id == "g"`, nil)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "l1", rows[0]["id"])

		_, err = s.Query(ctx, `node.type ==`, nil)
		assert.True(t, lgerrors.IsInvalidInput(err))
	})
}

func TestStore_Cancelled(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := s.AddNode(ctx, "a", nil)
		assert.True(t, lgerrors.IsErrorType(err, lgerrors.ErrorTypeContext))
	})
}

func TestBadgerStore_ReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadger(BadgerOptions{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.AddNode(ctx, "a", map[string]any{"tags": []any{"x", "y"}, "score": 1.5}))
	require.NoError(t, s.AddNode(ctx, "b", nil))
	require.NoError(t, s.AddEdge(ctx, "a", "b", "LINKS", map[string]any{PropEdgeID: "e"}))
	require.NoError(t, s.Close(ctx))

	s, err = OpenBadger(BadgerOptions{Path: dir})
	require.NoError(t, err)
	defer s.Close(ctx)

	props, err := s.ExtractNode(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, props["tags"])
	assert.Equal(t, 1.5, props["score"])

	edges, err := s.GetEdges(ctx, "b")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "LINKS", edges[0].Relationship)
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := map[string]string{
		"DEPENDS_ON": "DEPENDS_ON",
		"depends on": "depends_on",
		"has-a":      "has_a",
		"3rd_party":  "_3rd_party",
		"  ":         "",
		"GraphLayer": "GraphLayer",
		"uses/calls": "uses_calls",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeIdentifier(in), in)
	}
}
