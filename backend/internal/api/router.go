// Package api exposes stored layered graphs over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"layergraph/backend/internal/telemetry"
)

// RouterOptions configures NewRouter
type RouterOptions struct {
	Production bool
	Metrics    *telemetry.Metrics
}

// NewRouter builds the gin engine with logging, recovery and CORS
// middleware, and registers every route.
func NewRouter(h *Handlers, opts RouterOptions) *gin.Engine {
	if opts.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(ginLogger(h.logger, opts.Metrics))
	router.Use(gin.Recovery())
	router.Use(cors())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))

	RegisterRoutes(router.Group("/api"), h)
	return router
}

// RegisterRoutes registers the /api endpoints:
//
//	POST   /graphs                   store a graph snapshot
//	GET    /graphs/:id               retrieve a graph
//	DELETE /graphs/:id               delete a graph
//	GET    /graphs/:id/hierarchy     parent -> children layer map and layer order
//	GET    /graphs/:id/analysis      metrics, connections and critical components
//	GET    /graphs/:id/report        plain-text report
//	GET    /graphs/:id/export        flat export with layer names
//	GET    /graphs/:id/cross-layer   edges joining nodes of different layers
//	POST   /graphs/:id/merge         merge layers into a new layer
//	POST   /graphs/:id/subgraph      filtered subgraph (CEL expressions)
//	GET    /graphs/:id/diff          compare two layers
//	GET    /graphs/:id/nodes         find nodes by property
//	GET    /graphs/:id/relationships filter edges by relationship type
//	POST   /graphs/:id/enrich        LLM enrichment layer
//	GET    /layers/:id/metrics       metrics of one stored layer
//	POST   /ingest/github            ingest a GitHub user
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	graphs := rg.Group("/graphs")
	{
		graphs.POST("", h.HandleCreateGraph)
		graphs.GET("/:id", h.HandleGetGraph)
		graphs.DELETE("/:id", h.HandleDeleteGraph)
		graphs.GET("/:id/hierarchy", h.HandleHierarchy)
		graphs.GET("/:id/analysis", h.HandleAnalysis)
		graphs.GET("/:id/report", h.HandleReport)
		graphs.GET("/:id/export", h.HandleExport)
		graphs.GET("/:id/cross-layer", h.HandleCrossLayer)
		graphs.POST("/:id/merge", h.HandleMerge)
		graphs.POST("/:id/subgraph", h.HandleSubgraph)
		graphs.GET("/:id/diff", h.HandleDiff)
		graphs.GET("/:id/nodes", h.HandleFindNodes)
		graphs.GET("/:id/relationships", h.HandleRelationships)
		graphs.POST("/:id/enrich", h.HandleEnrich)
	}
	rg.GET("/layers/:id/metrics", h.HandleLayerMetrics)
	rg.POST("/ingest/github", h.HandleIngestGitHub)
}

// ginLogger logs every request and counts it by route template
func ginLogger(log *zap.Logger, metrics *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordRequest(c.Request.Method, route, status)

		log.Info("HTTP Request",
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
