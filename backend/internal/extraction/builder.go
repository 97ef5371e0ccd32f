package extraction

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"layergraph/backend/internal/layered"
	"layergraph/backend/internal/telemetry"
	lgerrors "layergraph/backend/pkg/errors"
	"layergraph/backend/pkg/logger"
)

const sourceLLM = "llm"

// Metadata keys set on extracted records
const (
	MetaSource      = "source"
	MetaExtractedID = "extracted_id"
	MetaSummary     = "summary"
)

type Options struct {
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// Builder grows layered graphs from LLM extractions. Each extraction is
// checked in full before any of it is inserted, so a failed or malformed
// extraction leaves the graph as it was.
type Builder struct {
	extractor Extractor
	logger    *zap.Logger
	metrics   *telemetry.Metrics
}

func NewBuilder(extractor Extractor, opts Options) *Builder {
	return &Builder{
		extractor: extractor,
		logger:    logger.OrDefault(opts.Logger, "extraction"),
		metrics:   opts.Metrics,
	}
}

// LayerStats describes what one extracted layer contributed
type LayerStats struct {
	LayerID         uuid.UUID `json:"layer_id"`
	NodesExtracted  int       `json:"nodes_extracted"`
	NodesAdded      int       `json:"nodes_added"`
	DuplicateNodes  int       `json:"duplicate_nodes"`
	EdgesExtracted  int       `json:"edges_extracted"`
	EdgesAdded      int       `json:"edges_added"`
	UnresolvedEdges int       `json:"unresolved_edges"`
}

// BuildLayeredGraph extracts one layer per config from content. Every layer
// takes all previously built layers as parents.
func (b *Builder) BuildLayeredGraph(ctx context.Context, name, description, content string, configs []LayerConfig) (*layered.LayeredGraph, []*LayerStats, error) {
	if len(configs) == 0 {
		configs = DefaultLayerConfigs()
	}
	g := layered.NewLayeredGraph(name, description)
	var parents []uuid.UUID
	var stats []*LayerStats
	for _, cfg := range configs {
		layer, s, err := b.AddExtractedLayer(ctx, g, cfg, content, parents...)
		if err != nil {
			return nil, stats, fmt.Errorf("layer %q: %w", cfg.Name, err)
		}
		stats = append(stats, s)
		parents = append(parents, layer.ID)
	}
	return g, stats, nil
}

// AddExtractedLayer runs one extraction and inserts its result into g as a
// new layer with the given parents. Edge endpoints resolve against the new
// layer first and then against the cumulative graphs of the parents; edges
// whose endpoints resolve nowhere are dropped.
func (b *Builder) AddExtractedLayer(ctx context.Context, g *layered.LayeredGraph, cfg LayerConfig, content string, parents ...uuid.UUID) (*layered.Layer, *LayerStats, error) {
	kg, err := b.extractor.Extract(ctx, cfg.Prompt, content)
	if err != nil {
		return nil, nil, err
	}
	if err := kg.Validate(); err != nil {
		return nil, nil, lgerrors.NewExtractionFailed("", 1, false, err)
	}

	layer := layered.NewLayer(cfg.Name, cfg.Description, cfg.LayerType, parents...)
	if kg.Summary != "" {
		layer.Metadata = layered.Properties{MetaSummary: layered.String(kg.Summary)}
	}
	plan, err := b.plan(g, layer, kg, parents)
	if err != nil {
		return nil, nil, err
	}

	if err := g.AddLayer(layer); err != nil {
		return nil, nil, err
	}
	for _, n := range plan.nodes {
		if err := g.AddNode(n, layer.ID); err != nil {
			return nil, nil, err
		}
	}
	for _, e := range plan.edges {
		if err := g.AddEdge(e, layer.ID); err != nil {
			return nil, nil, err
		}
	}

	plan.stats.LayerID = layer.ID
	plan.stats.NodesAdded = len(plan.nodes)
	plan.stats.EdgesAdded = len(plan.edges)
	b.metrics.RecordIngested(sourceLLM, "node", plan.stats.NodesAdded)
	b.metrics.RecordIngested(sourceLLM, "edge", plan.stats.EdgesAdded)
	b.logger.Info("Extracted layer",
		zap.String("layer", layer.Name),
		zap.String("layer_id", layer.ID.String()),
		zap.Int("nodes", plan.stats.NodesAdded),
		zap.Int("edges", plan.stats.EdgesAdded),
		zap.Int("duplicates", plan.stats.DuplicateNodes),
		zap.Int("unresolved_edges", plan.stats.UnresolvedEdges),
	)
	return layer, plan.stats, nil
}

// Enrich adds an enrichment layer on top of parents, or of every layer when
// parents is empty. The model sees the parents' content plus the optional
// extra content.
func (b *Builder) Enrich(ctx context.Context, g *layered.LayeredGraph, enrichmentType, content string, parents ...uuid.UUID) (*layered.Layer, *LayerStats, error) {
	if len(parents) == 0 {
		for _, l := range g.Layers() {
			parents = append(parents, l.ID)
		}
	}

	var existing strings.Builder
	for _, p := range parents {
		sub, err := g.LayerGraph(p)
		if err != nil {
			return nil, nil, err
		}
		names := make(map[uuid.UUID]string, len(sub.Nodes))
		for _, n := range sub.Nodes {
			names[n.ID] = n.Name
			fmt.Fprintf(&existing, "Node: %s (%s): %s\n", n.Name, n.NodeType, n.Description)
		}
		for _, e := range sub.Edges {
			fmt.Fprintf(&existing, "Relationship: %s --[%s]--> %s\n", nodeName(g, names, e.SourceNodeID), e.RelationshipName, nodeName(g, names, e.TargetNodeID))
		}
	}
	combined := existing.String()
	if content != "" {
		combined += "\n\nAdditional content: " + content
	}

	cfg := LayerConfig{
		Name:        titleCase(enrichmentType) + " Layer",
		Description: "Layer with " + enrichmentType + " enrichments",
		LayerType:   layered.LayerTypeEnrichment,
		Prompt:      enrichmentPrompt(enrichmentType),
	}
	return b.AddExtractedLayer(ctx, g, cfg, combined, parents...)
}

func enrichmentPrompt(kind string) string {
	switch kind {
	case "classification":
		return "Classify the entities in the following content and add new classification nodes"
	case "summarization":
		return "Create summary nodes for the key concepts in the following content"
	case "inference":
		return "Infer additional relationships and entities from the following content"
	default:
		return "Enrich the following content with additional information"
	}
}

func nodeName(g *layered.LayeredGraph, known map[uuid.UUID]string, id uuid.UUID) string {
	if n, ok := known[id]; ok {
		return n
	}
	if n, err := g.Node(id); err == nil {
		return n.Name
	}
	return id.String()
}

type insertPlan struct {
	nodes []*layered.GraphNode
	edges []*layered.GraphEdge
	stats *LayerStats
}

// plan converts kg into records for layer without touching g
func (b *Builder) plan(g *layered.LayeredGraph, layer *layered.Layer, kg *KnowledgeGraph, parents []uuid.UUID) (*insertPlan, error) {
	p := &insertPlan{stats: &LayerStats{NodesExtracted: len(kg.Nodes), EdgesExtracted: len(kg.Edges)}}

	local := make(map[string]uuid.UUID)
	byName := make(map[string]uuid.UUID)
	for _, en := range kg.Nodes {
		key := normalizeName(en.Name)
		if id, dup := byName[key]; dup {
			p.stats.DuplicateNodes++
			if en.ID != "" {
				local[en.ID] = id
			}
			continue
		}
		props, err := layered.PropertiesFrom(en.Properties)
		if err != nil {
			return nil, lgerrors.NewExtractionFailed("", 1, false, fmt.Errorf("node %q properties: %w", en.Name, err))
		}
		n := layered.NewNode(strings.TrimSpace(en.Name), en.Type, en.Description, props)
		n.Metadata = layered.Properties{MetaSource: layered.String(sourceLLM)}
		if en.ID != "" {
			n.Metadata[MetaExtractedID] = layered.String(en.ID)
			local[en.ID] = n.ID
		}
		byName[key] = n.ID
		p.nodes = append(p.nodes, n)
	}

	inherited := make(map[string]uuid.UUID)
	for _, parent := range parents {
		sub, err := g.CumulativeGraph(parent)
		if err != nil {
			return nil, err
		}
		for _, n := range sub.Nodes {
			key := normalizeName(n.Name)
			if _, ok := inherited[key]; !ok {
				inherited[key] = n.ID
			}
		}
	}
	resolve := func(ref string) (uuid.UUID, bool) {
		if id, ok := local[ref]; ok {
			return id, true
		}
		key := normalizeName(ref)
		if id, ok := byName[key]; ok {
			return id, true
		}
		id, ok := inherited[key]
		return id, ok
	}

	for _, ee := range kg.Edges {
		source, okS := resolve(ee.SourceNodeID)
		target, okT := resolve(ee.TargetNodeID)
		if !okS || !okT {
			p.stats.UnresolvedEdges++
			b.logger.Warn("Dropping extracted edge with unknown endpoint",
				zap.String("layer", layer.Name),
				zap.String("source", ee.SourceNodeID),
				zap.String("target", ee.TargetNodeID),
				zap.String("relationship", ee.RelationshipName),
			)
			continue
		}
		props, err := layered.PropertiesFrom(ee.Properties)
		if err != nil {
			return nil, lgerrors.NewExtractionFailed("", 1, false, fmt.Errorf("edge %s properties: %w", ee.RelationshipName, err))
		}
		e := layered.NewEdge(source, target, strings.TrimSpace(ee.RelationshipName), props)
		e.Metadata = layered.Properties{MetaSource: layered.String(sourceLLM)}
		p.edges = append(p.edges, e)
	}
	return p, nil
}

// normalizeName folds case, trims, collapses inner whitespace and drops
// trailing punctuation so "Postgres DB." and "postgres  db" match
func normalizeName(s string) string {
	s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
	return strings.TrimRightFunc(s, unicode.IsPunct)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
