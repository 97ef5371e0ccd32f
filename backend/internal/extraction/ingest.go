package extraction

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"layergraph/backend/internal/layered"
	"layergraph/backend/internal/telemetry"
	lgerrors "layergraph/backend/pkg/errors"
	"layergraph/backend/pkg/logger"
)

// RecordKind tags a Record
type RecordKind uint8

const (
	RecordNode RecordKind = iota + 1
	RecordEdge
)

func (k RecordKind) String() string {
	switch k {
	case RecordNode:
		return "node"
	case RecordEdge:
		return "edge"
	}
	return "unknown"
}

// Record is one item of an ingestion stream: a node or an edge
type Record struct {
	Kind RecordKind
	Node *layered.GraphNode
	Edge *layered.GraphEdge
}

func NodeRecord(n *layered.GraphNode) Record { return Record{Kind: RecordNode, Node: n} }
func EdgeRecord(e *layered.GraphEdge) Record { return Record{Kind: RecordEdge, Edge: e} }

// IngestStats counts what a stream added
type IngestStats struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

// IngestOptions labels and observes an ingestion
type IngestOptions struct {
	// Source labels the ingested-records metric, e.g. "github"
	Source  string
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// IngestRecords adds every record received on records to layerID until the
// channel closes. Edges must follow their endpoints in the stream. The first
// record that violates the graph's invariants stops ingestion with its error;
// the records before it stay in g.
func IngestRecords(ctx context.Context, g *layered.LayeredGraph, layerID uuid.UUID, records <-chan Record, opts IngestOptions) (*IngestStats, error) {
	log := logger.OrDefault(opts.Logger, "ingest")
	source := opts.Source
	if source == "" {
		source = "stream"
	}
	if !g.HasLayer(layerID) {
		return nil, lgerrors.NewNotFound(lgerrors.KindLayer, layerID.String())
	}

	stats := &IngestStats{}
	defer func() {
		opts.Metrics.RecordIngested(source, "node", stats.Nodes)
		opts.Metrics.RecordIngested(source, "edge", stats.Edges)
	}()

	for {
		select {
		case <-ctx.Done():
			return stats, lgerrors.NewContextCancelled("ingest records", ctx.Err())
		case rec, ok := <-records:
			if !ok {
				log.Debug("Record stream drained",
					zap.String("source", source),
					zap.String("layer_id", layerID.String()),
					zap.Int("nodes", stats.Nodes),
					zap.Int("edges", stats.Edges),
				)
				return stats, nil
			}
			if err := ingest(g, layerID, rec, stats); err != nil {
				log.Warn("Rejected record",
					zap.String("source", source),
					zap.String("kind", rec.Kind.String()),
					zap.Error(err),
				)
				return stats, err
			}
		}
	}
}

func ingest(g *layered.LayeredGraph, layerID uuid.UUID, rec Record, stats *IngestStats) error {
	switch {
	case rec.Kind == RecordNode && rec.Node != nil:
		if err := g.AddNode(rec.Node, layerID); err != nil {
			return err
		}
		stats.Nodes++
	case rec.Kind == RecordEdge && rec.Edge != nil:
		if err := g.AddEdge(rec.Edge, layerID); err != nil {
			return err
		}
		stats.Edges++
	default:
		return lgerrors.NewInvalidArgument("record", fmt.Sprintf("malformed %s record", rec.Kind))
	}
	return nil
}
