package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"layergraph/backend/internal/extraction"
	"layergraph/backend/internal/github"
	"layergraph/backend/internal/graph"
	"layergraph/backend/internal/layered"
	"layergraph/backend/internal/persistence"
	"layergraph/backend/internal/telemetry"
)

type fixture struct {
	g          *layered.LayeredGraph
	infra, app *layered.Layer
	db, api    *layered.GraphNode
}

func buildFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{g: layered.NewLayeredGraph("stack", "a small stack")}
	f.infra = layered.NewLayer("Infrastructure", "", layered.LayerTypeBase)
	f.app = layered.NewLayer("Application", "", layered.LayerTypeEnrichment, f.infra.ID)
	require.NoError(t, f.g.AddLayer(f.infra))
	require.NoError(t, f.g.AddLayer(f.app))

	f.db = layered.NewNode("postgres", "Database", "", layered.Properties{"port": layered.Int(5432)})
	cache := layered.NewNode("redis", "Cache", "", nil)
	f.api = layered.NewNode("api", "Service", "", nil)
	require.NoError(t, f.g.AddNode(f.db, f.infra.ID))
	require.NoError(t, f.g.AddNode(cache, f.infra.ID))
	require.NoError(t, f.g.AddNode(f.api, f.app.ID))
	require.NoError(t, f.g.AddEdge(layered.NewEdge(cache.ID, f.db.ID, "WARMS", nil), f.infra.ID))
	require.NoError(t, f.g.AddEdge(layered.NewEdge(f.api.ID, f.db.ID, "READS", nil), f.app.ID))
	return f
}

type testServer struct {
	router  *gin.Engine
	adapter *persistence.Adapter
	metrics *telemetry.Metrics
}

func newTestServer(t *testing.T, pipeline *github.Pipeline, builder *extraction.Builder) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	metrics := telemetry.New()
	adapter := persistence.NewAdapter(graph.NewMemoryStore(), persistence.Options{Logger: zap.NewNop(), Metrics: metrics})
	h := NewHandlers(adapter, pipeline, builder, zap.NewNop())
	return &testServer{
		router:  NewRouter(h, RouterOptions{Metrics: metrics}),
		adapter: adapter,
		metrics: metrics,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

// createGraph posts the fixture and returns its stored id
func (s *testServer) createGraph(t *testing.T, f *fixture) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/graphs", f.g)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		GraphID string `json:"graph_id"`
		Nodes   int    `json:"nodes"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 3, resp.Nodes)
	return resp.GraphID
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var health map[string]any
	decode(t, w, &health)
	assert.Equal(t, "ok", health["status"])

	w = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `layergraph_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestGraphLifecycle(t *testing.T) {
	s := newTestServer(t, nil, nil)
	f := buildFixture(t)
	id := s.createGraph(t, f)
	assert.Equal(t, f.g.ID.String(), id)

	w := s.do(t, http.MethodGet, "/api/graphs/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Graph layered.Snapshot          `json:"graph"`
		Stats persistence.RetrieveStats `json:"stats"`
	}
	decode(t, w, &got)
	assert.Len(t, got.Graph.Layers, 2)
	assert.Len(t, got.Graph.Nodes, 3)
	assert.Len(t, got.Graph.Edges, 2)
	assert.Equal(t, 3, got.Stats.NodesLoaded)

	w = s.do(t, http.MethodGet, "/api/graphs/"+id+"/hierarchy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hierarchy struct {
		Hierarchy map[string][]string `json:"hierarchy"`
		Order     []string            `json:"order"`
	}
	decode(t, w, &hierarchy)
	assert.Equal(t, []string{f.app.ID.String()}, hierarchy.Hierarchy[f.infra.ID.String()])
	assert.Empty(t, hierarchy.Hierarchy[f.app.ID.String()])
	assert.Equal(t, []string{f.infra.ID.String(), f.app.ID.String()}, hierarchy.Order)

	w = s.do(t, http.MethodDelete, "/api/graphs/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/api/graphs/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodDelete, "/api/graphs/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateGraph_Invalid(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := s.do(t, http.MethodPost, "/api/graphs", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// an edge pointing at a node the snapshot does not contain
	g := layered.NewLayeredGraph("broken", "")
	layer := layered.NewLayer("L", "", layered.LayerTypeBase)
	require.NoError(t, g.AddLayer(layer))
	a := layered.NewNode("a", "T", "", nil)
	require.NoError(t, g.AddNode(a, layer.ID))
	snapshot := g.Snapshot()
	dangling := layered.NewEdge(a.ID, uuid.New(), "LINKS", nil)
	dangling.LayerID = layer.ID
	snapshot.Edges = append(snapshot.Edges, dangling)

	w = s.do(t, http.MethodPost, "/api/graphs", snapshot)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGraphEndpoints_BadAndUnknownIDs(t *testing.T) {
	s := newTestServer(t, nil, nil)

	paths := []string{"/api/graphs/%s", "/api/graphs/%s/report", "/api/graphs/%s/export", "/api/graphs/%s/cross-layer", "/api/graphs/%s/analysis", "/api/layers/%s/metrics", "/api/graphs/%s/nodes?property=name&value=x", "/api/graphs/%s/relationships?types=READS"}
	for _, p := range paths {
		w := s.do(t, http.MethodGet, strings.Replace(p, "%s", "not-a-uuid", 1), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, p)
		w = s.do(t, http.MethodGet, strings.Replace(p, "%s", uuid.NewString(), 1), nil)
		assert.Equal(t, http.StatusNotFound, w.Code, p)
	}
}

func TestReportExportAndCrossLayer(t *testing.T) {
	s := newTestServer(t, nil, nil)
	f := buildFixture(t)
	id := s.createGraph(t, f)

	w := s.do(t, http.MethodGet, "/api/graphs/"+id+"/report?critical_limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "LAYERED KNOWLEDGE GRAPH REPORT: stack")
	assert.Equal(t, w.Body.String(), s.do(t, http.MethodGet, "/api/graphs/"+id+"/report?critical_limit=2", nil).Body.String())

	w = s.do(t, http.MethodGet, "/api/graphs/"+id+"/report?critical_limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/graphs/"+id+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var export layered.Export
	decode(t, w, &export)
	assert.Equal(t, "stack", export.Name)
	assert.Len(t, export.Nodes, 3)

	w = s.do(t, http.MethodGet, "/api/graphs/"+id+"/cross-layer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cross struct {
		Count         int                              `json:"count"`
		Relationships []layered.CrossLayerRelationship `json:"relationships"`
	}
	decode(t, w, &cross)
	require.Equal(t, 1, cross.Count)
	assert.Equal(t, "READS", cross.Relationships[0].RelationshipType)

	w = s.do(t, http.MethodGet, "/api/layers/"+f.app.ID.String()+"/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var m layered.LayerMetrics
	decode(t, w, &m)
	assert.Equal(t, 1, m.NodeCount)
	assert.Equal(t, 3, m.CumulativeNodeCount)
	assert.Equal(t, 1, m.Depth)

	w = s.do(t, http.MethodGet, "/api/graphs/"+id+"/analysis", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMerge(t *testing.T) {
	s := newTestServer(t, nil, nil)
	f := buildFixture(t)
	id := s.createGraph(t, f)

	w := s.do(t, http.MethodPost, "/api/graphs/"+id+"/merge", gin.H{
		"layer_ids": []string{f.infra.ID.String(), f.app.ID.String()},
		"name":      "Everything",
		"conflict":  "keep_first",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		LayerID string `json:"layer_id"`
	}
	decode(t, w, &resp)

	w = s.do(t, http.MethodGet, "/api/layers/"+resp.LayerID+"/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var m layered.LayerMetrics
	decode(t, w, &m)
	assert.Equal(t, "Everything", m.LayerName)
	assert.Equal(t, 3, m.NodeCount)

	tests := map[string]struct {
		body any
		want int
	}{
		"missing layer ids": {gin.H{"name": "x"}, http.StatusBadRequest},
		"malformed id":      {gin.H{"layer_ids": []string{"nope"}}, http.StatusBadRequest},
		"unknown policy":    {gin.H{"layer_ids": []string{f.app.ID.String()}, "conflict": "newest"}, http.StatusBadRequest},
		"unknown layer":     {gin.H{"layer_ids": []string{uuid.NewString()}}, http.StatusNotFound},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/graphs/"+id+"/merge", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestSubgraph(t *testing.T) {
	s := newTestServer(t, nil, nil)
	f := buildFixture(t)
	id := s.createGraph(t, f)

	w := s.do(t, http.MethodPost, "/api/graphs/"+id+"/subgraph", gin.H{
		"layer_ids":          []string{f.app.ID.String()},
		"include_cumulative": true,
		"node_filter":        `node.type != "Cache"`,
		"edge_filter":        `edge.relationship == "READS"`,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sub layered.Subgraph
	decode(t, w, &sub)
	assert.ElementsMatch(t, []uuid.UUID{f.db.ID, f.api.ID}, sub.NodeIDs())
	require.Len(t, sub.Edges, 1)
	assert.Equal(t, "READS", sub.Edges[0].RelationshipName)

	// every layer when none are named
	w = s.do(t, http.MethodPost, "/api/graphs/"+id+"/subgraph", gin.H{})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &sub)
	assert.Len(t, sub.Nodes, 3)

	w = s.do(t, http.MethodPost, "/api/graphs/"+id+"/subgraph", gin.H{"node_filter": "node.type ==="})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestGitHub(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := s.do(t, http.MethodPost, "/api/ingest/github", gin.H{"username": "octo"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	gh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/octo/repos":
			_ = json.NewEncoder(w).Encode([]github.Repository{{Name: "hello", FullName: "octo/hello"}})
		case "/repos/octo/hello/contributors":
			_ = json.NewEncoder(w).Encode([]github.Contributor{{Login: "alice", Contributions: 2}})
		case "/repos/octo/hello/pulls":
			_ = json.NewEncoder(w).Encode([]github.PullRequest{})
		default:
			http.NotFound(w, r)
		}
	}))
	defer gh.Close()

	client := github.NewClient(github.Options{BaseURL: gh.URL, Logger: zap.NewNop()})
	s = newTestServer(t, github.NewPipeline(client, github.PipelineOptions{Logger: zap.NewNop()}), nil)

	w = s.do(t, http.MethodPost, "/api/ingest/github", gin.H{"username": "octo"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		GraphID string          `json:"graph_id"`
		Stats   github.RunStats `json:"stats"`
	}
	decode(t, w, &resp)
	assert.Equal(t, github.GraphID("octo").String(), resp.GraphID)
	assert.Equal(t, 1, resp.Stats.Contributors)

	w = s.do(t, http.MethodGet, "/api/graphs/"+resp.GraphID+"/hierarchy", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/ingest/github", gin.H{"username": "nobody"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodPost, "/api/ingest/github", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := s.do(t, http.MethodOptions, "/api/graphs", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestDiff(t *testing.T) {
	s := newTestServer(t, nil, nil)
	f := buildFixture(t)
	id := s.createGraph(t, f)

	w := s.do(t, http.MethodGet, "/api/graphs/"+id+"/diff?base="+f.infra.ID.String()+"&compare="+f.app.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var d layered.LayerDiff
	decode(t, w, &d)
	assert.Equal(t, []uuid.UUID{f.api.ID}, d.AddedNodes)
	assert.Len(t, d.RemovedNodes, 2)
	assert.Equal(t, -1, d.NodeCountDiff)

	w = s.do(t, http.MethodGet, "/api/graphs/"+id+"/diff?base="+f.infra.ID.String(), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodGet, "/api/graphs/"+id+"/diff?base="+f.infra.ID.String()+"&compare="+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFindNodesAndRelationships(t *testing.T) {
	s := newTestServer(t, nil, nil)
	f := buildFixture(t)
	id := s.createGraph(t, f)
	app := f.app.ID.String()

	var found struct {
		Count int                  `json:"count"`
		Nodes []*layered.GraphNode `json:"nodes"`
	}
	w := s.do(t, http.MethodGet, "/api/graphs/"+id+"/nodes?property=port&value=5432&cumulative=true&layer_ids="+app, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &found)
	require.Equal(t, 1, found.Count)
	assert.Equal(t, f.db.ID, found.Nodes[0].ID)

	// a plain string value and the app layer on its own
	w = s.do(t, http.MethodGet, "/api/graphs/"+id+"/nodes?property=name&value=postgres&layer_ids="+app, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &found)
	assert.Zero(t, found.Count)

	w = s.do(t, http.MethodGet, "/api/graphs/"+id+"/nodes?property=name&value=postgres", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &found)
	assert.Equal(t, 1, found.Count)

	w = s.do(t, http.MethodGet, "/api/graphs/"+id+"/nodes?value=5432", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodGet, "/api/graphs/"+id+"/nodes?property=name&layer_ids=nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/graphs/"+id+"/relationships?types=READS&layer_ids="+app, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sub layered.Subgraph
	decode(t, w, &sub)
	require.Len(t, sub.Edges, 1)
	assert.Equal(t, "READS", sub.Edges[0].RelationshipName)

	w = s.do(t, http.MethodGet, "/api/graphs/"+id+"/relationships?types=READS&exclude=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &sub)
	require.Len(t, sub.Edges, 1)
	assert.Equal(t, "WARMS", sub.Edges[0].RelationshipName)

	w = s.do(t, http.MethodGet, "/api/graphs/"+id+"/relationships", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// stubExtractor answers every prompt with the same graph
type stubExtractor struct {
	kg *extraction.KnowledgeGraph
}

func (s stubExtractor) Extract(context.Context, string, string) (*extraction.KnowledgeGraph, error) {
	return s.kg, nil
}

func TestEnrich(t *testing.T) {
	f := buildFixture(t)
	w := newTestServer(t, nil, nil).do(t, http.MethodPost, "/api/graphs/"+f.g.ID.String()+"/enrich", gin.H{"enrichment_type": "classification"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	builder := extraction.NewBuilder(stubExtractor{kg: &extraction.KnowledgeGraph{
		Nodes: []extraction.ExtractedNode{{ID: "c", Name: "Storage", Type: "Category"}},
	}}, extraction.Options{Logger: zap.NewNop()})
	s := newTestServer(t, nil, builder)
	id := s.createGraph(t, f)

	w = s.do(t, http.MethodPost, "/api/graphs/"+id+"/enrich", gin.H{
		"enrichment_type":  "classification",
		"parent_layer_ids": []string{f.infra.ID.String()},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var stats extraction.LayerStats
	decode(t, w, &stats)
	assert.Equal(t, 1, stats.NodesAdded)

	w = s.do(t, http.MethodGet, "/api/graphs/"+id+"/hierarchy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hierarchy struct {
		Hierarchy map[string][]string `json:"hierarchy"`
	}
	decode(t, w, &hierarchy)
	assert.Len(t, hierarchy.Hierarchy, 3)
	assert.Contains(t, hierarchy.Hierarchy[f.infra.ID.String()], stats.LayerID.String())

	w = s.do(t, http.MethodPost, "/api/graphs/"+id+"/enrich", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPost, "/api/graphs/"+uuid.NewString()+"/enrich", gin.H{"enrichment_type": "summarization"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
