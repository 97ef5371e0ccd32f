package persistence

import (
	"context"

	"github.com/google/uuid"

	"layergraph/backend/internal/graph"
	"layergraph/backend/internal/layered"
	lgerrors "layergraph/backend/pkg/errors"
)

// The operations below materialise the stored graph and delegate to the
// in-memory algorithms of package layered.

// GraphOf returns the id of the graph that contains layerID
func (a *Adapter) GraphOf(ctx context.Context, layerID uuid.UUID) (uuid.UUID, error) {
	id := layerID.String()
	raw, err := a.store.ExtractNode(ctx, id)
	if lgerrors.IsNotFound(err) {
		return uuid.Nil, lgerrors.NewNotFound(lgerrors.KindLayer, id)
	}
	if err != nil {
		return uuid.Nil, err
	}
	if stringProp(raw, propType) != TypeLayer {
		return uuid.Nil, lgerrors.NewNotFound(lgerrors.KindLayer, id)
	}

	edges, err := a.store.GetEdges(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	for _, e := range graph.Incoming(edges, id, RelContainsLayer) {
		if graphID, err := uuid.Parse(e.From); err == nil {
			return graphID, nil
		}
	}
	return uuid.Nil, lgerrors.NewNotFound(lgerrors.KindGraph, "containing layer "+id)
}

// LayerMetrics computes the metrics of a stored layer
func (a *Adapter) LayerMetrics(ctx context.Context, layerID uuid.UUID) (*layered.LayerMetrics, error) {
	graphID, err := a.GraphOf(ctx, layerID)
	if err != nil {
		return nil, err
	}
	g, _, err := a.Retrieve(ctx, graphID)
	if err != nil {
		return nil, err
	}
	return g.LayerMetrics(layerID)
}

// Update retrieves a stored graph, applies fn and stores the result. Nothing
// is written when fn fails.
func (a *Adapter) Update(ctx context.Context, graphID uuid.UUID, fn func(g *layered.LayeredGraph) error) error {
	g, _, err := a.Retrieve(ctx, graphID)
	if err != nil {
		return err
	}
	if err := fn(g); err != nil {
		return err
	}
	_, err = a.Store(ctx, g)
	return err
}

// MergeLayers merges layers of a stored graph into a new layer and stores the
// grown graph. It returns the id of the new layer.
func (a *Adapter) MergeLayers(ctx context.Context, graphID uuid.UUID, layerIDs []uuid.UUID, opts layered.MergeOptions) (uuid.UUID, error) {
	var merged uuid.UUID
	err := a.Update(ctx, graphID, func(g *layered.LayeredGraph) error {
		var err error
		merged, err = g.Merge(layerIDs, opts)
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	return merged, nil
}

// DiffLayers compares the own content of two layers of a stored graph
func (a *Adapter) DiffLayers(ctx context.Context, graphID, baseLayerID, compareLayerID uuid.UUID) (*layered.LayerDiff, error) {
	g, _, err := a.Retrieve(ctx, graphID)
	if err != nil {
		return nil, err
	}
	return g.Diff(baseLayerID, compareLayerID)
}

// LayerOrder returns the layers of a stored graph parents first. Layers on a
// parent cycle are left out.
func (a *Adapter) LayerOrder(ctx context.Context, graphID uuid.UUID) ([]uuid.UUID, error) {
	g, _, err := a.Retrieve(ctx, graphID)
	if err != nil {
		return nil, err
	}
	return g.TopologicalOrder(), nil
}

func (a *Adapter) FindNodesByProperty(ctx context.Context, graphID uuid.UUID, name string, value layered.Value, layerIDs []uuid.UUID, includeCumulative bool) ([]*layered.GraphNode, error) {
	g, _, err := a.Retrieve(ctx, graphID)
	if err != nil {
		return nil, err
	}
	return g.FindNodesByProperty(name, value, layerIDs, includeCumulative)
}

func (a *Adapter) FilterByRelationshipTypes(ctx context.Context, graphID uuid.UUID, layerIDs []uuid.UUID, types []string, includeOnly bool) (*layered.Subgraph, error) {
	g, _, err := a.Retrieve(ctx, graphID)
	if err != nil {
		return nil, err
	}
	return g.FilterByRelationshipTypes(layerIDs, types, includeOnly)
}

// ExtractSubgraphByLayers runs q against a stored graph
func (a *Adapter) ExtractSubgraphByLayers(ctx context.Context, graphID uuid.UUID, q layered.SubgraphQuery) (*layered.Subgraph, error) {
	g, _, err := a.Retrieve(ctx, graphID)
	if err != nil {
		return nil, err
	}
	return g.ExtractSubgraph(q)
}

func (a *Adapter) FindCrossLayerRelationships(ctx context.Context, graphID uuid.UUID) ([]layered.CrossLayerRelationship, error) {
	g, _, err := a.Retrieve(ctx, graphID)
	if err != nil {
		return nil, err
	}
	return g.CrossLayerRelationships(), nil
}

// Analyze returns the analysis bundle of a stored graph together with the
// retrieved graph it was computed from
func (a *Adapter) Analyze(ctx context.Context, graphID uuid.UUID) (*layered.LayeredGraph, *layered.Analysis, error) {
	g, _, err := a.Retrieve(ctx, graphID)
	if err != nil {
		return nil, nil, err
	}
	return g, g.Analyze(), nil
}

// Report renders the text report of a stored graph
func (a *Adapter) Report(ctx context.Context, graphID uuid.UUID, opts layered.ReportOptions) (string, error) {
	g, analysis, err := a.Analyze(ctx, graphID)
	if err != nil {
		return "", err
	}
	return layered.GenerateReport(g, analysis, opts), nil
}
