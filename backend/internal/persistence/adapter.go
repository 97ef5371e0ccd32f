// Package persistence maps layered graphs onto a generic graph store.
//
// A graph is one LayeredKnowledgeGraph node linked to its GraphLayer nodes by
// CONTAINS_LAYER. Parent links are EXTENDS_LAYER relationships from child to
// parent. Every GraphNode and GraphEdge record points at its layer through
// IN_LAYER, and every edge is also written as a literal relationship between
// its endpoints carrying an edge_id back-pointer. Property bags are stored as
// JSON text.
//
// Retrieval racing a concurrent Store may observe a partially written graph;
// callers that need a consistent view re-run Retrieve after the write ends.
package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"layergraph/backend/internal/graph"
	"layergraph/backend/internal/layered"
	"layergraph/backend/internal/telemetry"
	lgerrors "layergraph/backend/pkg/errors"
	"layergraph/backend/pkg/logger"
)

const (
	defaultBatchSize   = 100
	defaultConcurrency = 8
)

// Options tunes an Adapter. Zero values get defaults.
type Options struct {
	// BatchSize is the number of records written before the next batch starts
	BatchSize int
	// Concurrency bounds the writes in flight within one batch
	Concurrency int
	Logger      *zap.Logger
	Metrics     *telemetry.Metrics
}

// Adapter stores, retrieves and deletes layered graphs in a graph.Store
type Adapter struct {
	store   graph.Store
	opts    Options
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// NewAdapter creates an adapter over store
func NewAdapter(store graph.Store, opts Options) *Adapter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Adapter{
		store:   store,
		opts:    opts,
		logger:  logger.OrDefault(opts.Logger, "persistence"),
		metrics: opts.Metrics,
	}
}

type write struct {
	nodeID string
	props  map[string]any
	edges  []relationship
}

type relationship struct {
	from, to, name string
	props          map[string]any
}

// Store writes g and returns its id. Writes happen in dependency order: the
// graph node, layers with CONTAINS_LAYER, EXTENDS_LAYER links, nodes with
// IN_LAYER, then edge records with IN_LAYER and their literal relationships.
// Every record is encoded before the first write so an unencodable bag fails
// the call without touching the store. A failed batch aborts the call with
// an ErrStoreBatchFailed; earlier batches stay written, and since every write
// overwrites by id the whole call can be retried.
func (a *Adapter) Store(ctx context.Context, g *layered.LayeredGraph) (id uuid.UUID, err error) {
	start := time.Now()
	defer func() { a.metrics.ObserveOperation("store", start, err) }()

	snap := g.Snapshot()
	graphID := snap.ID.String()

	layers := make([]write, 0, len(snap.Layers))
	var parents []relationship
	for i, l := range snap.Layers {
		props, err := encodeLayer(snap.ID, l, i)
		if err != nil {
			return uuid.Nil, err
		}
		layers = append(layers, write{
			nodeID: l.ID.String(),
			props:  props,
			edges:  []relationship{{from: graphID, to: l.ID.String(), name: RelContainsLayer}},
		})
		for _, p := range l.ParentLayers {
			parents = append(parents, relationship{from: l.ID.String(), to: p.String(), name: RelExtendsLayer})
		}
	}

	nodes := make([]write, 0, len(snap.Nodes))
	for i, n := range snap.Nodes {
		props, err := encodeNode(snap.ID, n, i)
		if err != nil {
			return uuid.Nil, err
		}
		nodes = append(nodes, write{
			nodeID: n.ID.String(),
			props:  props,
			edges:  []relationship{{from: n.ID.String(), to: n.LayerID.String(), name: RelInLayer}},
		})
	}

	edges := make([]write, 0, len(snap.Edges))
	for i, e := range snap.Edges {
		props, err := encodeEdge(snap.ID, e, i)
		if err != nil {
			return uuid.Nil, err
		}
		edges = append(edges, write{
			nodeID: e.ID.String(),
			props:  props,
			edges: []relationship{
				{from: e.ID.String(), to: e.LayerID.String(), name: RelInLayer},
				{from: e.SourceNodeID.String(), to: e.TargetNodeID.String(), name: e.RelationshipName, props: relationshipProps(e)},
			},
		})
	}

	if err := ctx.Err(); err != nil {
		return uuid.Nil, lgerrors.NewContextCancelled("store", err)
	}
	if err := a.store.AddNode(ctx, graphID, encodeGraph(snap)); err != nil {
		return uuid.Nil, lgerrors.NewStoreBatchFailed("graph", 0, 1, err)
	}
	a.metrics.RecordWritten("graph", 1)

	if err := a.writeAll(ctx, "layers", layers); err != nil {
		return uuid.Nil, err
	}
	a.metrics.RecordWritten("layer", len(layers))

	err = a.inBatches(ctx, "parents", len(parents), func(ctx context.Context, i int) error {
		r := parents[i]
		return a.store.AddEdge(ctx, r.from, r.to, r.name, nil)
	})
	if err != nil {
		return uuid.Nil, err
	}

	if err := a.writeAll(ctx, "nodes", nodes); err != nil {
		return uuid.Nil, err
	}
	a.metrics.RecordWritten("node", len(nodes))

	if err := a.writeAll(ctx, "edges", edges); err != nil {
		return uuid.Nil, err
	}
	a.metrics.RecordWritten("edge", len(edges))

	a.logger.Info("Stored layered graph",
		zap.String("graph_id", graphID),
		zap.Int("layers", len(layers)),
		zap.Int("nodes", len(nodes)),
		zap.Int("edges", len(edges)),
		zap.Duration("duration", time.Since(start)),
	)
	return snap.ID, nil
}

// writeAll writes each record followed by its relationships
func (a *Adapter) writeAll(ctx context.Context, stage string, writes []write) error {
	return a.inBatches(ctx, stage, len(writes), func(ctx context.Context, i int) error {
		w := writes[i]
		if err := a.store.AddNode(ctx, w.nodeID, w.props); err != nil {
			return err
		}
		for _, r := range w.edges {
			if err := a.store.AddEdge(ctx, r.from, r.to, r.name, r.props); err != nil {
				return err
			}
		}
		return nil
	})
}

// inBatches runs fn for indexes [0, n) in batches of BatchSize, with at most
// Concurrency calls in flight. Batches run one after another.
func (a *Adapter) inBatches(ctx context.Context, stage string, n int, fn func(ctx context.Context, i int) error) error {
	for start, batch := 0, 0; start < n; start, batch = start+a.opts.BatchSize, batch+1 {
		if err := ctx.Err(); err != nil {
			return lgerrors.NewContextCancelled(stage, err)
		}
		end := min(start+a.opts.BatchSize, n)

		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(a.opts.Concurrency)
		for i := start; i < end; i++ {
			eg.Go(func() error { return fn(egCtx, i) })
		}
		if err := eg.Wait(); err != nil {
			if ctx.Err() != nil {
				return lgerrors.NewContextCancelled(stage, ctx.Err())
			}
			a.logger.Error("Batch write failed",
				zap.String("stage", stage),
				zap.Int("batch", batch),
				zap.Int("size", end-start),
				zap.Error(err),
			)
			return lgerrors.NewStoreBatchFailed(stage, batch, end-start, err)
		}
		a.logger.Debug("Batch written",
			zap.String("stage", stage),
			zap.Int("batch", batch),
			zap.Int("size", end-start),
		)
	}
	return nil
}

// Delete removes the graph node together with every layer, node and edge
// record reachable from it. It reports false when the graph does not exist.
func (a *Adapter) Delete(ctx context.Context, graphID uuid.UUID) (deleted bool, err error) {
	start := time.Now()
	defer func() { a.metrics.ObserveOperation("delete", start, err) }()

	scan, err := a.scan(ctx, graphID)
	if lgerrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var members []string
	seen := make(map[string]bool)
	for _, l := range scan.layers {
		for _, id := range l.members() {
			if !seen[id] {
				seen[id] = true
				members = append(members, id)
			}
		}
	}

	err = a.inBatches(ctx, "delete members", len(members), func(ctx context.Context, i int) error {
		return a.store.DeleteNode(ctx, members[i])
	})
	if err != nil {
		return false, err
	}
	err = a.inBatches(ctx, "delete layers", len(scan.layers), func(ctx context.Context, i int) error {
		return a.store.DeleteNode(ctx, scan.layers[i].id)
	})
	if err != nil {
		return false, err
	}
	if err := a.store.DeleteNode(ctx, scan.graphID); err != nil {
		return false, lgerrors.NewStoreBatchFailed("delete graph", 0, 1, err)
	}

	a.logger.Info("Deleted layered graph",
		zap.String("graph_id", scan.graphID),
		zap.Int("layers", len(scan.layers)),
		zap.Int("records", len(members)),
	)
	return true, nil
}

// LayerHierarchy maps each layer of the graph to the layers extending it.
// Only EXTENDS_LAYER links between the graph's own layers count. Every layer
// appears as a key; children are in layer order.
func (a *Adapter) LayerHierarchy(ctx context.Context, graphID uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	scan, err := a.scan(ctx, graphID)
	if err != nil {
		return nil, err
	}
	layers, _ := scan.decodeLayers(a.logger)

	own := make(map[string]bool, len(layers))
	hierarchy := make(map[uuid.UUID][]uuid.UUID, len(layers))
	for _, l := range layers {
		own[l.layer.ID.String()] = true
		hierarchy[l.layer.ID] = []uuid.UUID{}
	}
	for _, l := range layers {
		for _, parent := range scan.parentsOf(l.layer.ID.String(), own) {
			hierarchy[parent] = append(hierarchy[parent], l.layer.ID)
		}
	}
	return hierarchy, nil
}
