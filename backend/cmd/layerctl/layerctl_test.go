package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"layergraph/backend/internal/graph"
	"layergraph/backend/internal/layered"
	"layergraph/backend/pkg/config"
	lgerrors "layergraph/backend/pkg/errors"
)

var storedID = regexp.MustCompile(`Stored graph ([0-9a-f-]{36})`)

func testCLI(t *testing.T) *cli {
	t.Helper()
	cfg := &config.Config{
		GraphStore:       config.StoreMemory,
		StoreBatchSize:   50,
		StoreConcurrency: 2,
		GitHubAPIURL:     "https://api.github.com",
	}
	require.NoError(t, cfg.Validate())
	return &cli{cfg: cfg, log: zap.NewNop(), store: graph.NewMemoryStore()}
}

func run(c *cli, args ...string) (string, error) {
	root := newRootCmd(c)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func seed(t *testing.T, c *cli) string {
	t.Helper()
	out, err := run(c, "seed")
	require.NoError(t, err)
	m := storedID.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	return m[1]
}

func TestBuildSeedGraph_Demo(t *testing.T) {
	g, err := buildSeedGraph(demoGraph)
	require.NoError(t, err)

	assert.Equal(t, "System Architecture", g.Name)
	assert.Equal(t, 4, g.LayerCount())
	assert.Equal(t, 16, g.NodeCount())
	assert.Equal(t, 25, g.EdgeCount())

	layers := g.Layers()
	assert.Empty(t, layers[0].ParentLayers)
	for i := 1; i < len(layers); i++ {
		assert.Equal(t, []uuid.UUID{layers[i-1].ID}, layers[i].ParentLayers, layers[i].Name)
	}

	// the UI layer sees every node through its ancestors
	ui, err := g.LayerGraph(layers[3].ID)
	require.NoError(t, err)
	assert.Len(t, ui.Nodes, 16)
}

func TestBuildSeedGraph_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed", "layers: [unclosed"},
		{"unknown parent", `
layers:
  - {key: a, name: A, type: base, parents: [missing]}`},
		{"unknown node", `
layers:
  - key: a
    name: A
    nodes: [{key: x, name: X, type: T}]
    edges: [{source: x, target: y, relationship: R}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildSeedGraph([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestSeedAndInspect(t *testing.T) {
	c := testCLI(t)
	id := seed(t, c)

	report, err := run(c, "report", id, "--critical-limit", "3")
	require.NoError(t, err)
	assert.Contains(t, report, "LAYERED KNOWLEDGE GRAPH REPORT: System Architecture")
	assert.Contains(t, report, "Number of layers: 4")
	assert.NotContains(t, report, "Generated on:")

	hierarchy, err := run(c, "hierarchy", id)
	require.NoError(t, err)
	assert.Contains(t, hierarchy, "Infrastructure Layer [base]")
	assert.Contains(t, hierarchy, "  -> Software Layer\n")
	assert.Contains(t, hierarchy, "  -> User Interface Layer\n")
	assert.Regexp(t, `\)\nInfrastructure Layer \[base\]`, hierarchy, "roots come first")

	exported, err := run(c, "export", id)
	require.NoError(t, err)
	var export layered.Export
	require.NoError(t, json.Unmarshal([]byte(exported), &export))
	require.Len(t, export.Layers, 4)

	out, err := run(c, "diff", id, export.Layers[0].ID.String(), export.Layers[1].ID.String())
	require.NoError(t, err)
	var diff layered.LayerDiff
	require.NoError(t, json.Unmarshal([]byte(out), &diff))
	assert.Equal(t, export.Layers[0].ID, diff.BaseLayerID)
	assert.NotEmpty(t, diff.RemovedNodes)
	assert.NotEmpty(t, diff.AddedNodes)

	_, err = run(c, "diff", id, export.Layers[0].ID.String(), "nope")
	assert.True(t, lgerrors.IsInvalidArgument(err))
	_, err = run(c, "diff", id, export.Layers[0].ID.String(), uuid.NewString())
	assert.True(t, lgerrors.IsNotFound(err))

	out, err = run(c, "delete", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted graph "+id)

	_, err = run(c, "delete", id)
	assert.True(t, lgerrors.IsNotFound(err))
	_, err = run(c, "report", id)
	assert.True(t, lgerrors.IsNotFound(err))
}

func TestSeedFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: Tiny
layers:
  - key: base
    name: Base
    type: base
    nodes: [{key: a, name: A, type: Thing}, {key: b, name: B, type: Thing}]
    edges: [{source: a, target: b, relationship: LINKS}]
`), 0o644))

	out, err := run(testCLI(t), "seed", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "(1 layers, 2 nodes, 1 edges)")
}

func TestInvalidGraphID(t *testing.T) {
	for _, cmd := range []string{"report", "hierarchy", "export", "delete"} {
		_, err := run(testCLI(t), cmd, "not-a-uuid")
		assert.True(t, lgerrors.IsInvalidArgument(err), cmd)
	}
}

func TestExtractRequiresLLM(t *testing.T) {
	_, err := run(testCLI(t), "extract", "README.md")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LITELLM_URL")

	_, err = run(testCLI(t), "enrich", uuid.NewString(), "classification")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LITELLM_URL")
}

func TestIngestGitHub(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/octo/repos":
			_, _ = w.Write([]byte(`[{"id":1,"name":"hello","full_name":"octo/hello","owner":{"login":"octo"}}]`))
		case "/repos/octo/hello/contributors":
			_, _ = w.Write([]byte(`[{"login":"alice","contributions":3}]`))
		case "/repos/octo/hello/pulls":
			_, _ = w.Write([]byte(`[]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := testCLI(t)
	c.cfg.GitHubAPIURL = srv.URL
	out, err := run(c, "ingest", "github", "octo", "--no-readme")
	require.NoError(t, err)
	assert.Contains(t, out, "Stored graph "+uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/octo")).String())
	assert.Contains(t, out, `"repositories": 1`)
	assert.Contains(t, out, `"contributors": 1`)

	_, err = run(c, "ingest", "github", "ghost", "--no-readme")
	assert.True(t, lgerrors.IsNotFound(err))
}

func TestStoreOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GRAPH_STORE", "memory")
	t.Setenv("BADGER_PATH", dir)

	c := &cli{log: zap.NewNop()}
	_, err := run(c, "--store", "badger", "seed")
	require.NoError(t, err)
	assert.Equal(t, config.StoreBadger, c.cfg.GraphStore)
	assert.Nil(t, c.store, "store is closed after the command")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	_, err = run(&cli{log: zap.NewNop()}, "--store", "carrier-pigeon", "seed")
	assert.True(t, lgerrors.IsErrorType(err, lgerrors.ErrorTypeConfig))
}
