package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"layergraph/backend/internal/graph"
	"layergraph/backend/internal/layered"
	lgerrors "layergraph/backend/pkg/errors"
)

// RetrieveStats makes the records dropped by a lenient retrieval visible
type RetrieveStats struct {
	LayersFound     int             `json:"layers_found"`
	LayersLoaded    int             `json:"layers_loaded"`
	NodesFound      int             `json:"nodes_found"`
	NodesLoaded     int             `json:"nodes_loaded"`
	EdgesFound      int             `json:"edges_found"`
	EdgesLoaded     int             `json:"edges_loaded"`
	DanglingParents int             `json:"dangling_parents"`
	DecodeWarnings  int             `json:"decode_warnings"`
	Skipped         []SkippedRecord `json:"skipped,omitempty"`
}

// Complete reports whether every record found was loaded
func (s *RetrieveStats) Complete() bool {
	return len(s.Skipped) == 0 && s.DanglingParents == 0
}

// SkippedRecord is a malformed record left out of a retrieved graph
type SkippedRecord struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// layerScan is one CONTAINS_LAYER target with every relationship touching it
type layerScan struct {
	id    string
	raw   map[string]any
	edges []graph.EdgeRecord
}

// members lists the records attached to the layer through IN_LAYER
func (l *layerScan) members() []string {
	var ids []string
	for _, e := range graph.Incoming(l.edges, l.id, RelInLayer) {
		ids = append(ids, e.From)
	}
	return ids
}

type graphScan struct {
	graphID string
	raw     map[string]any
	layers  []*layerScan
	// layer ids that CONTAINS_LAYER pointed at but that do not exist
	missing []string
}

// scan locates the graph node and everything one hop around its layers
func (a *Adapter) scan(ctx context.Context, graphID uuid.UUID) (*graphScan, error) {
	id := graphID.String()
	raw, err := a.store.ExtractNode(ctx, id)
	if lgerrors.IsNotFound(err) {
		return nil, lgerrors.NewNotFound(lgerrors.KindGraph, id)
	}
	if err != nil {
		return nil, err
	}
	if stringProp(raw, propType) != TypeGraph {
		return nil, lgerrors.NewNotFound(lgerrors.KindGraph, id)
	}

	edges, err := a.store.GetEdges(ctx, id)
	if err != nil {
		return nil, err
	}
	var layerIDs []string
	seen := make(map[string]bool)
	for _, e := range graph.Outgoing(edges, id, RelContainsLayer) {
		if !seen[e.To] {
			seen[e.To] = true
			layerIDs = append(layerIDs, e.To)
		}
	}

	scans := make([]*layerScan, len(layerIDs))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(a.opts.Concurrency)
	for i, layerID := range layerIDs {
		eg.Go(func() error {
			raw, err := a.store.ExtractNode(egCtx, layerID)
			if lgerrors.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			edges, err := a.store.GetEdges(egCtx, layerID)
			if err != nil {
				return err
			}
			scans[i] = &layerScan{id: layerID, raw: raw, edges: edges}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := &graphScan{graphID: id, raw: raw}
	for i, s := range scans {
		if s == nil {
			out.missing = append(out.missing, layerIDs[i])
			continue
		}
		out.layers = append(out.layers, s)
	}
	return out, nil
}

// decodeLayers returns the well-formed layers in stored order plus the ones
// that had to be skipped
func (s *graphScan) decodeLayers(log *zap.Logger) ([]*decodedLayer, []SkippedRecord) {
	var layers []*decodedLayer
	var skipped []SkippedRecord
	for _, id := range s.missing {
		skipped = append(skipped, SkippedRecord{Kind: lgerrors.KindLayer, ID: id, Reason: "layer record missing"})
	}
	for _, l := range s.layers {
		decoded, warnings, err := decodeLayer(l.id, l.raw)
		if err != nil {
			skipped = append(skipped, SkippedRecord{Kind: lgerrors.KindLayer, ID: l.id, Reason: err.Error()})
			continue
		}
		logBagWarnings(log, lgerrors.KindLayer, l.id, warnings)
		layers = append(layers, decoded)
	}
	sortByPosition(layers,
		func(l *decodedLayer) int64 { return l.position },
		func(l *decodedLayer) string { return l.layer.ID.String() })
	return layers, skipped
}

// parentsOf follows EXTENDS_LAYER from layerID, keeping only targets in own
func (s *graphScan) parentsOf(layerID string, own map[string]bool) []uuid.UUID {
	var parents []uuid.UUID
	for _, l := range s.layers {
		if l.id != layerID {
			continue
		}
		for _, e := range graph.Outgoing(l.edges, layerID, RelExtendsLayer) {
			if !own[e.To] {
				continue
			}
			if p, err := uuid.Parse(e.To); err == nil {
				parents = append(parents, p)
			}
		}
	}
	return parents
}

// Retrieve rebuilds a stored graph. Malformed records are skipped with a
// warning and listed in the returned stats instead of failing the call. A
// missing graph is an ErrNotFound.
func (a *Adapter) Retrieve(ctx context.Context, graphID uuid.UUID) (g *layered.LayeredGraph, stats *RetrieveStats, err error) {
	start := time.Now()
	defer func() { a.metrics.ObserveOperation("retrieve", start, err) }()

	scan, err := a.scan(ctx, graphID)
	if err != nil {
		return nil, nil, err
	}
	stats = &RetrieveStats{LayersFound: len(scan.layers) + len(scan.missing)}

	layers, skipped := scan.decodeLayers(a.logger)
	stats.Skipped = append(stats.Skipped, skipped...)

	own := make(map[string]bool, len(layers))
	for _, l := range layers {
		own[l.layer.ID.String()] = true
	}
	restore := make([]*layered.Layer, 0, len(layers))
	for _, l := range layers {
		l.layer.ParentLayers = scan.parentsOf(l.layer.ID.String(), own)
		restore = append(restore, l.layer)
	}

	g = layered.NewLayeredGraphWithID(graphID, stringProp(scan.raw, propName), stringProp(scan.raw, propDescription))
	dangling, err := g.RestoreLayers(restore...)
	if err != nil {
		return nil, nil, err
	}
	stats.LayersLoaded = len(restore)
	stats.DanglingParents = len(dangling)

	nodes, edges, err := a.loadMembers(ctx, scan, own, stats)
	if err != nil {
		return nil, nil, err
	}

	for _, n := range nodes {
		if err := g.AddNode(n.node, n.node.LayerID); err != nil {
			stats.Skipped = append(stats.Skipped, SkippedRecord{Kind: lgerrors.KindNode, ID: n.node.ID.String(), Reason: err.Error()})
			continue
		}
		stats.NodesLoaded++
	}
	for _, e := range edges {
		if err := g.AddEdge(e.edge, e.edge.LayerID); err != nil {
			stats.Skipped = append(stats.Skipped, SkippedRecord{Kind: lgerrors.KindEdge, ID: e.edge.ID.String(), Reason: err.Error()})
			continue
		}
		stats.EdgesLoaded++
	}

	for _, s := range stats.Skipped {
		a.logger.Warn("Skipped malformed record",
			zap.String("graph_id", scan.graphID),
			zap.String("kind", s.Kind),
			zap.String("id", s.ID),
			zap.String("reason", s.Reason),
		)
		a.metrics.RecordSkipped(s.Kind, 1)
	}
	a.logger.Info("Retrieved layered graph",
		zap.String("graph_id", scan.graphID),
		zap.Int("layers_found", stats.LayersFound),
		zap.Int("layers_loaded", stats.LayersLoaded),
		zap.Int("nodes_found", stats.NodesFound),
		zap.Int("nodes_loaded", stats.NodesLoaded),
		zap.Int("edges_found", stats.EdgesFound),
		zap.Int("edges_loaded", stats.EdgesLoaded),
		zap.Duration("duration", time.Since(start)),
	)
	return g, stats, nil
}

type member struct {
	id      string
	layerID uuid.UUID
	raw     map[string]any
}

// loadMembers fetches every IN_LAYER record of the graph's own layers and
// splits them into nodes and edges, each sorted by stored position
func (a *Adapter) loadMembers(ctx context.Context, scan *graphScan, own map[string]bool, stats *RetrieveStats) ([]*decodedNode, []*decodedEdge, error) {
	var members []*member
	seen := make(map[string]bool)
	for _, l := range scan.layers {
		if !own[l.id] {
			continue
		}
		layerID := uuid.MustParse(l.id)
		for _, id := range l.members() {
			if seen[id] {
				continue
			}
			seen[id] = true
			members = append(members, &member{id: id, layerID: layerID})
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(a.opts.Concurrency)
	for _, m := range members {
		eg.Go(func() error {
			raw, err := a.store.ExtractNode(egCtx, m.id)
			if lgerrors.IsNotFound(err) {
				return nil
			}
			m.raw = raw
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}

	var nodes []*decodedNode
	var edges []*decodedEdge
	for _, m := range members {
		if m.raw == nil {
			continue
		}
		var warnings []bagWarning
		var err error
		kind := stringProp(m.raw, propType)
		switch kind {
		case TypeNode:
			stats.NodesFound++
			var n *decodedNode
			n, warnings, err = decodeNode(m.id, m.layerID, m.raw)
			if err == nil {
				nodes = append(nodes, n)
			}
		case TypeEdge:
			stats.EdgesFound++
			var e *decodedEdge
			e, warnings, err = decodeEdge(m.id, m.layerID, m.raw)
			if err == nil {
				edges = append(edges, e)
			}
		default:
			stats.Skipped = append(stats.Skipped, SkippedRecord{Kind: "record", ID: m.id, Reason: "unknown type " + kind})
			continue
		}
		if err != nil {
			k := lgerrors.KindNode
			if kind == TypeEdge {
				k = lgerrors.KindEdge
			}
			stats.Skipped = append(stats.Skipped, SkippedRecord{Kind: k, ID: m.id, Reason: err.Error()})
			continue
		}
		stats.DecodeWarnings += len(warnings)
		logBagWarnings(a.logger, kind, m.id, warnings)
	}

	sortByPosition(nodes,
		func(n *decodedNode) int64 { return n.position },
		func(n *decodedNode) string { return n.node.ID.String() })
	sortByPosition(edges,
		func(e *decodedEdge) int64 { return e.position },
		func(e *decodedEdge) string { return e.edge.ID.String() })
	return nodes, edges, nil
}

func logBagWarnings(log *zap.Logger, kind, id string, warnings []bagWarning) {
	for _, w := range warnings {
		log.Warn("Failed to decode property bag, using an empty one",
			zap.String("kind", kind),
			zap.String("id", id),
			zap.String("field", w.field),
			zap.Error(w.err),
		)
	}
}
