package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"layergraph/backend/internal/extraction"
	"layergraph/backend/internal/github"
	"layergraph/backend/internal/layered"
	"layergraph/backend/internal/persistence"
	"layergraph/backend/internal/predicate"
	lgerrors "layergraph/backend/pkg/errors"
	"layergraph/backend/pkg/logger"
)

// Handlers serves the graph endpoints. GitHub ingestion is only available
// when a pipeline is configured, enrichment only with a builder.
type Handlers struct {
	adapter  *persistence.Adapter
	pipeline *github.Pipeline
	builder  *extraction.Builder
	logger   *zap.Logger
}

func NewHandlers(adapter *persistence.Adapter, pipeline *github.Pipeline, builder *extraction.Builder, log *zap.Logger) *Handlers {
	return &Handlers{
		adapter:  adapter,
		pipeline: pipeline,
		builder:  builder,
		logger:   logger.OrDefault(log, "api"),
	}
}

// HandleCreateGraph stores a graph posted in snapshot form
func (h *Handlers) HandleCreateGraph(c *gin.Context) {
	var snapshot layered.Snapshot
	if err := c.ShouldBindJSON(&snapshot); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g, err := layered.FromSnapshot(&snapshot, h.logger)
	if err != nil {
		h.writeError(c, "Failed to decode graph", err)
		return
	}
	id, err := h.adapter.Store(c.Request.Context(), g)
	if err != nil {
		h.writeError(c, "Failed to store graph", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"graph_id": id,
		"layers":   g.LayerCount(),
		"nodes":    g.NodeCount(),
		"edges":    g.EdgeCount(),
	})
}

// HandleGetGraph returns the stored graph and what retrieval skipped
func (h *Handlers) HandleGetGraph(c *gin.Context) {
	id, ok := h.graphID(c)
	if !ok {
		return
	}
	g, stats, err := h.adapter.Retrieve(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to retrieve graph", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"graph": g.Snapshot(), "stats": stats})
}

func (h *Handlers) HandleDeleteGraph(c *gin.Context) {
	id, ok := h.graphID(c)
	if !ok {
		return
	}
	deleted, err := h.adapter.Delete(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to delete graph", err)
		return
	}
	if !deleted {
		h.writeError(c, "Failed to delete graph", lgerrors.NewNotFound(lgerrors.KindGraph, id.String()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handlers) HandleHierarchy(c *gin.Context) {
	id, ok := h.graphID(c)
	if !ok {
		return
	}
	hierarchy, err := h.adapter.LayerHierarchy(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to read layer hierarchy", err)
		return
	}
	order, err := h.adapter.LayerOrder(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to read layer hierarchy", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hierarchy": hierarchy, "order": order})
}

func (h *Handlers) HandleAnalysis(c *gin.Context) {
	id, ok := h.graphID(c)
	if !ok {
		return
	}
	_, analysis, err := h.adapter.Analyze(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to analyze graph", err)
		return
	}
	c.JSON(http.StatusOK, analysis)
}

// HandleReport renders the text report; ?critical_limit=N caps the critical
// component section
func (h *Handlers) HandleReport(c *gin.Context) {
	id, ok := h.graphID(c)
	if !ok {
		return
	}
	var opts layered.ReportOptions
	if raw := c.Query("critical_limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "critical_limit must be a positive integer"})
			return
		}
		opts.CriticalLimit = limit
	}
	report, err := h.adapter.Report(c.Request.Context(), id, opts)
	if err != nil {
		h.writeError(c, "Failed to build report", err)
		return
	}
	c.String(http.StatusOK, report)
}

func (h *Handlers) HandleExport(c *gin.Context) {
	id, ok := h.graphID(c)
	if !ok {
		return
	}
	g, _, err := h.adapter.Retrieve(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to retrieve graph", err)
		return
	}
	c.JSON(http.StatusOK, g.Export())
}

func (h *Handlers) HandleCrossLayer(c *gin.Context) {
	id, ok := h.graphID(c)
	if !ok {
		return
	}
	rels, err := h.adapter.FindCrossLayerRelationships(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to find cross-layer relationships", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relationships": rels, "count": len(rels)})
}

type mergeRequest struct {
	LayerIDs    []string `json:"layer_ids" binding:"required"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	LayerType   string   `json:"layer_type"`
	Conflict    string   `json:"conflict"`
}

// HandleMerge merges layers of a stored graph and stores the result
func (h *Handlers) HandleMerge(c *gin.Context) {
	id, ok := h.graphID(c)
	if !ok {
		return
	}
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	layerIDs, err := parseIDs("layer_ids", req.LayerIDs)
	if err != nil {
		h.writeError(c, "Invalid merge request", err)
		return
	}
	policy, err := layered.ParseConflictPolicy(req.Conflict)
	if err != nil {
		h.writeError(c, "Invalid merge request", err)
		return
	}
	layerID, err := h.adapter.MergeLayers(c.Request.Context(), id, layerIDs, layered.MergeOptions{
		Name:        req.Name,
		Description: req.Description,
		LayerType:   req.LayerType,
		Conflict:    policy,
	})
	if err != nil {
		h.writeError(c, "Failed to merge layers", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"layer_id": layerID})
}

type subgraphRequest struct {
	LayerIDs          []string `json:"layer_ids"`
	IncludeCumulative bool     `json:"include_cumulative"`
	// CEL expressions over `node` and `edge`, e.g. node.type == "Service"
	NodeFilter string `json:"node_filter"`
	EdgeFilter string `json:"edge_filter"`
}

// HandleSubgraph extracts a filtered subgraph. An empty layer list selects
// every layer.
func (h *Handlers) HandleSubgraph(c *gin.Context) {
	id, ok := h.graphID(c)
	if !ok {
		return
	}
	var req subgraphRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	layerIDs, err := parseIDs("layer_ids", req.LayerIDs)
	if err != nil {
		h.writeError(c, "Invalid subgraph request", err)
		return
	}
	q := layered.SubgraphQuery{LayerIDs: layerIDs, IncludeCumulative: req.IncludeCumulative}
	if req.NodeFilter != "" {
		if q.NodeFilter, err = predicate.CompileNodeFilter(req.NodeFilter); err != nil {
			h.writeError(c, "Invalid node filter", err)
			return
		}
	}
	if req.EdgeFilter != "" {
		if q.EdgeFilter, err = predicate.CompileEdgeFilter(req.EdgeFilter); err != nil {
			h.writeError(c, "Invalid edge filter", err)
			return
		}
	}
	sub, err := h.adapter.ExtractSubgraphByLayers(c.Request.Context(), id, q)
	if err != nil {
		h.writeError(c, "Failed to extract subgraph", err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// HandleDiff compares two layers: ?base=<layer id>&compare=<layer id>
func (h *Handlers) HandleDiff(c *gin.Context) {
	id, ok := h.graphID(c)
	if !ok {
		return
	}
	ids, err := parseIDs("layer", []string{c.Query("base"), c.Query("compare")})
	if err != nil {
		h.writeError(c, "Invalid diff request", err)
		return
	}
	diff, err := h.adapter.DiffLayers(c.Request.Context(), id, ids[0], ids[1])
	if err != nil {
		h.writeError(c, "Failed to diff layers", err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

// HandleFindNodes finds nodes by one property:
// ?property=port&value=5432&layer_ids=a,b&cumulative=true. The value is read
// as JSON when it parses, otherwise as a plain string.
func (h *Handlers) HandleFindNodes(c *gin.Context) {
	id, ok := h.graphID(c)
	if !ok {
		return
	}
	property := c.Query("property")
	if property == "" {
		h.writeError(c, "Invalid node query", lgerrors.NewInvalidArgument("property", "is required"))
		return
	}
	layerIDs, err := parseIDs("layer_ids", splitList(c.Query("layer_ids")))
	if err != nil {
		h.writeError(c, "Invalid node query", err)
		return
	}
	nodes, err := h.adapter.FindNodesByProperty(c.Request.Context(), id, property, queryValue(c.Query("value")), layerIDs, c.Query("cumulative") == "true")
	if err != nil {
		h.writeError(c, "Failed to find nodes", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "count": len(nodes)})
}

// HandleRelationships keeps the edges whose label is in ?types=A,B, or drops
// them with ?exclude=true. Layers are taken cumulatively.
func (h *Handlers) HandleRelationships(c *gin.Context) {
	id, ok := h.graphID(c)
	if !ok {
		return
	}
	types := splitList(c.Query("types"))
	if len(types) == 0 {
		h.writeError(c, "Invalid relationship query", lgerrors.NewInvalidArgument("types", "is required"))
		return
	}
	layerIDs, err := parseIDs("layer_ids", splitList(c.Query("layer_ids")))
	if err != nil {
		h.writeError(c, "Invalid relationship query", err)
		return
	}
	sub, err := h.adapter.FilterByRelationshipTypes(c.Request.Context(), id, layerIDs, types, c.Query("exclude") != "true")
	if err != nil {
		h.writeError(c, "Failed to filter relationships", err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

type enrichRequest struct {
	// classification, summarization, inference or any other kind
	EnrichmentType string   `json:"enrichment_type" binding:"required"`
	Content        string   `json:"content"`
	ParentLayerIDs []string `json:"parent_layer_ids"`
}

// HandleEnrich extracts an enrichment layer over existing layers and stores
// the grown graph. No parents means every layer.
func (h *Handlers) HandleEnrich(c *gin.Context) {
	if h.builder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "LLM extraction is not configured"})
		return
	}
	id, ok := h.graphID(c)
	if !ok {
		return
	}
	var req enrichRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	parents, err := parseIDs("parent_layer_ids", req.ParentLayerIDs)
	if err != nil {
		h.writeError(c, "Invalid enrich request", err)
		return
	}

	ctx := c.Request.Context()
	var stats *extraction.LayerStats
	err = h.adapter.Update(ctx, id, func(g *layered.LayeredGraph) error {
		var err error
		_, stats, err = h.builder.Enrich(ctx, g, req.EnrichmentType, req.Content, parents...)
		return err
	})
	if err != nil {
		h.writeError(c, "Failed to enrich graph", err)
		return
	}
	c.JSON(http.StatusCreated, stats)
}

func (h *Handlers) HandleLayerMetrics(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid layer id"})
		return
	}
	metrics, err := h.adapter.LayerMetrics(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to compute layer metrics", err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// HandleIngestGitHub builds the GitHub graph of a user and stores it
func (h *Handlers) HandleIngestGitHub(c *gin.Context) {
	if h.pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "GitHub ingestion is not configured"})
		return
	}
	var req struct {
		Username string `json:"username" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	g, stats, err := h.pipeline.Run(ctx, req.Username)
	if err != nil {
		h.writeError(c, "Failed to ingest GitHub user", err)
		return
	}
	id, err := h.adapter.Store(ctx, g)
	if err != nil {
		h.writeError(c, "Failed to store graph", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"graph_id": id, "stats": stats})
}

func (h *Handlers) graphID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid graph id"})
		return uuid.Nil, false
	}
	return id, true
}

func parseIDs(field string, raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, lgerrors.NewInvalidArgument(field, "invalid id "+strconv.Quote(s))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func queryValue(raw string) layered.Value {
	var v layered.Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return layered.String(raw)
	}
	return v
}

// writeError maps err onto a status: unknown ids are 404, caller mistakes
// 400 or 422, cancellations 503 and everything else 500
func (h *Handlers) writeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case lgerrors.IsNotFound(err):
		status = http.StatusNotFound
	case lgerrors.IsInvalidArgument(err):
		status = http.StatusBadRequest
	case lgerrors.IsInvalidInput(err):
		status = http.StatusUnprocessableEntity
	case lgerrors.IsErrorType(err, lgerrors.ErrorTypeContext):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	h.logger.Debug(msg, zap.Int("status", status), zap.Error(err))
	c.JSON(status, gin.H{"error": err.Error()})
}
