package persistence

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"layergraph/backend/internal/graph"
	"layergraph/backend/internal/layered"
	lgerrors "layergraph/backend/pkg/errors"
)

func storedFixture(t *testing.T) (*Adapter, *fixture) {
	t.Helper()
	f := buildFixture(t)
	a := NewAdapter(graph.NewMemoryStore(), Options{})
	_, err := a.Store(context.Background(), f.g)
	require.NoError(t, err)
	return a, f
}

func TestAdapter_LayerMetrics(t *testing.T) {
	ctx := context.Background()
	a, f := storedFixture(t)

	graphID, err := a.GraphOf(ctx, f.app.ID)
	require.NoError(t, err)
	assert.Equal(t, f.g.ID, graphID)

	m, err := a.LayerMetrics(ctx, f.infra.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, m.NodeCount)
	assert.Equal(t, 1, m.EdgeCount)
	assert.True(t, m.IsRoot)
	assert.Equal(t, 1, m.ChildCount)

	m, err = a.LayerMetrics(ctx, f.app.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Depth)
	assert.Equal(t, 3, m.CumulativeNodeCount)

	_, err = a.LayerMetrics(ctx, uuid.New())
	assert.True(t, lgerrors.IsNotFound(err))

	// a node id is not a layer
	_, err = a.LayerMetrics(ctx, f.db.ID)
	assert.True(t, lgerrors.IsNotFound(err))
}

func TestAdapter_MergeLayersPersists(t *testing.T) {
	ctx := context.Background()
	a, f := storedFixture(t)

	merged, err := a.MergeLayers(ctx, f.g.ID, []uuid.UUID{f.infra.ID, f.app.ID}, layered.MergeOptions{
		Name:     "Merged",
		Conflict: layered.ConflictKeepFirst,
	})
	require.NoError(t, err)

	h, err := a.LayerHierarchy(ctx, f.g.ID)
	require.NoError(t, err)
	assert.Len(t, h, 3)
	assert.Contains(t, h[f.infra.ID], merged)
	assert.Contains(t, h[f.app.ID], merged)

	got, _, err := a.Retrieve(ctx, f.g.ID)
	require.NoError(t, err)
	nodes, err := got.NodesInLayer(merged)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
	infra, err := got.NodesInLayer(f.infra.ID)
	require.NoError(t, err)
	assert.Len(t, infra, 2)

	_, err = a.MergeLayers(ctx, f.g.ID, nil, layered.MergeOptions{Name: "Empty"})
	assert.True(t, lgerrors.IsNotFound(err))
}

func TestAdapter_ExtractSubgraphAndCrossLayer(t *testing.T) {
	ctx := context.Background()
	a, f := storedFixture(t)

	sub, err := a.ExtractSubgraphByLayers(ctx, f.g.ID, layered.SubgraphQuery{
		LayerIDs:          []uuid.UUID{f.app.ID},
		IncludeCumulative: true,
		NodeFilter:        func(n *layered.GraphNode) bool { return n.NodeType != "Cache" },
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{f.db.ID, f.api.ID}, sub.NodeIDs())
	assert.ElementsMatch(t, []uuid.UUID{f.apiDB.ID}, sub.EdgeIDs())

	cross, err := a.FindCrossLayerRelationships(ctx, f.g.ID)
	require.NoError(t, err)
	require.Len(t, cross, 1)
	assert.Equal(t, f.api.ID, cross[0].SourceNode.ID)
	assert.Equal(t, f.app.ID, cross[0].SourceLayer)
	assert.Equal(t, f.infra.ID, cross[0].TargetLayer)
	assert.Equal(t, "READS", cross[0].RelationshipType)

	_, err = a.FindCrossLayerRelationships(ctx, uuid.New())
	assert.True(t, lgerrors.IsNotFound(err))
}

func TestAdapter_Report(t *testing.T) {
	ctx := context.Background()
	a, f := storedFixture(t)

	first, err := a.Report(ctx, f.g.ID, layered.ReportOptions{})
	require.NoError(t, err)
	second, err := a.Report(ctx, f.g.ID, layered.ReportOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Contains(t, first, "LAYERED KNOWLEDGE GRAPH REPORT: platform")
}

func TestAdapter_UpdateWritesOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	a, f := storedFixture(t)

	err := a.Update(ctx, f.g.ID, func(g *layered.LayeredGraph) error {
		if err := g.AddLayer(layered.NewLayer("Scratch", "", layered.LayerTypeBase)); err != nil {
			return err
		}
		return lgerrors.NewInvalidArgument("layer", "rejected")
	})
	assert.True(t, lgerrors.IsInvalidArgument(err))
	got, _, err := a.Retrieve(ctx, f.g.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.LayerCount())

	notes := layered.NewLayer("Notes", "", layered.LayerTypeDerived, f.app.ID)
	require.NoError(t, a.Update(ctx, f.g.ID, func(g *layered.LayeredGraph) error { return g.AddLayer(notes) }))
	got, _, err = a.Retrieve(ctx, f.g.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.LayerCount())

	err = a.Update(ctx, uuid.New(), func(*layered.LayeredGraph) error { return nil })
	assert.True(t, lgerrors.IsNotFound(err))
}

func TestAdapter_DiffAndOrder(t *testing.T) {
	ctx := context.Background()
	a, f := storedFixture(t)

	order, err := a.LayerOrder(ctx, f.g.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{f.infra.ID, f.app.ID}, order)

	d, err := a.DiffLayers(ctx, f.g.ID, f.infra.ID, f.app.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{f.api.ID}, d.AddedNodes)
	assert.ElementsMatch(t, []uuid.UUID{f.db.ID, f.cache.ID}, d.RemovedNodes)
	assert.Equal(t, -1, d.NodeCountDiff)

	_, err = a.DiffLayers(ctx, f.g.ID, f.infra.ID, uuid.New())
	assert.True(t, lgerrors.IsNotFound(err))
}

func TestAdapter_PropertyAndRelationshipQueries(t *testing.T) {
	ctx := context.Background()
	a, f := storedFixture(t)
	app := []uuid.UUID{f.app.ID}

	nodes, err := a.FindNodesByProperty(ctx, f.g.ID, "port", layered.Int(5432), app, true)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, f.db.ID, nodes[0].ID)

	nodes, err = a.FindNodesByProperty(ctx, f.g.ID, "port", layered.Int(5432), app, false)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	only, err := a.FilterByRelationshipTypes(ctx, f.g.ID, app, []string{"READS"}, true)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{f.apiDB.ID}, only.EdgeIDs())

	without, err := a.FilterByRelationshipTypes(ctx, f.g.ID, app, []string{"READS"}, false)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{f.cacheDB.ID}, without.EdgeIDs())
}
