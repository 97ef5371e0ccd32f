package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"layergraph/backend/internal/extraction"
	"layergraph/backend/internal/layered"
	lgerrors "layergraph/backend/pkg/errors"
)

const readmeHTML = `<div id="readme"><article>
<h1>hello</h1>
<p>A tiny <a href="#">greeting</a> service.</p>
<ul><li>Fast
<ul><li>really</li></ul></li><li>Written in Go</li></ul>
<script>alert(1)</script>
</article></div>`

// fakeGitHub serves octo's two repositories. alice contributes to both and
// bob authors a pull request without being a contributor.
func fakeGitHub(t *testing.T, token string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	routes := map[string]any{
		"/users/octo/repos": []Repository{
			{ID: 1, Name: "hello", FullName: "octo/hello", Language: "Go", Stars: 7, Owner: Owner{Login: "octo"}},
			{ID: 2, Name: "world", FullName: "octo/world", Description: "The world", Owner: Owner{Login: "octo"}},
		},
		"/repos/octo/hello/contributors": []Contributor{
			{Login: "octo", Contributions: 40},
			{Login: "alice", Contributions: 3},
		},
		"/repos/octo/world/contributors": []Contributor{{Login: "alice", Contributions: 9}},
		"/repos/octo/hello/pulls": []PullRequest{
			{Number: 1, Title: "Add greeting", State: "closed", User: Owner{Login: "alice"}, MergedAt: "2024-01-02T00:00:00Z"},
			{Number: 2, Title: "Fix typo", State: "open", User: Owner{Login: "bob"}},
		},
		"/repos/octo/world/pulls": []PullRequest{},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		if token != "" {
			assert.Equal(t, "Bearer "+token, r.Header.Get("Authorization"))
		}
		if r.URL.Path == "/repos/octo/hello/readme" {
			assert.Contains(t, r.Header.Get("Accept"), "html")
			_, _ = w.Write([]byte(readmeHTML))
			return
		}
		body, ok := routes[r.URL.Path]
		if !ok {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient(srv *httptest.Server, token string) *Client {
	return NewClient(Options{BaseURL: srv.URL, Token: token, Logger: zap.NewNop()})
}

func TestClient_Fetchers(t *testing.T) {
	srv, _ := fakeGitHub(t, "secret")
	c := newTestClient(srv, "secret")
	ctx := context.Background()

	repos, err := c.FetchRepositories(ctx, "octo")
	require.NoError(t, err)
	require.Len(t, repos, 2)
	assert.Equal(t, "octo/hello", repos[0].FullName)
	assert.Equal(t, 7, repos[0].Stars)

	contributors, err := c.FetchContributors(ctx, repos[0])
	require.NoError(t, err)
	assert.Len(t, contributors, 2)

	prs, err := c.FetchPullRequests(ctx, repos[0])
	require.NoError(t, err)
	require.Len(t, prs, 2)
	assert.Equal(t, "bob", prs[1].User.Login)

	readme, err := c.FetchReadme(ctx, repos[0])
	require.NoError(t, err)
	assert.Equal(t, "hello\nA tiny greeting service.\nFast really\nWritten in Go", readme)

	readme, err = c.FetchReadme(ctx, repos[1])
	require.NoError(t, err)
	assert.Empty(t, readme)
}

func TestClient_Errors(t *testing.T) {
	srv, _ := fakeGitHub(t, "")
	c := newTestClient(srv, "")

	_, err := c.FetchRepositories(context.Background(), "nobody")
	assert.True(t, lgerrors.IsNotFound(err))

	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"API rate limit exceeded"}`, http.StatusForbidden)
	}))
	defer limited.Close()
	_, err = newTestClient(limited, "").FetchRepositories(context.Background(), "octo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "rate limit")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.FetchRepositories(ctx, "octo")
	assert.True(t, lgerrors.IsErrorType(err, lgerrors.ErrorTypeContext))
}

func TestClient_EmptyRepositoryHasNoContributors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	contributors, err := newTestClient(srv, "").FetchContributors(context.Background(), Repository{FullName: "octo/empty"})
	require.NoError(t, err)
	assert.Empty(t, contributors)
}

func TestClient_Limits(t *testing.T) {
	srv, _ := fakeGitHub(t, "")
	c := NewClient(Options{BaseURL: srv.URL, MaxRepos: 1, MaxContributors: 1, MaxPRs: 1, Logger: zap.NewNop()})
	ctx := context.Background()

	repos, err := c.FetchRepositories(ctx, "octo")
	require.NoError(t, err)
	require.Len(t, repos, 1)
	contributors, err := c.FetchContributors(ctx, repos[0])
	require.NoError(t, err)
	assert.Len(t, contributors, 1)
	prs, err := c.FetchPullRequests(ctx, repos[0])
	require.NoError(t, err)
	assert.Len(t, prs, 1)
}

func nodesByName(t *testing.T, sub *layered.Subgraph) map[string]*layered.GraphNode {
	t.Helper()
	out := make(map[string]*layered.GraphNode, len(sub.Nodes))
	for _, n := range sub.Nodes {
		out[n.Name] = n
	}
	return out
}

func relationships(sub *layered.Subgraph) map[string]int {
	out := map[string]int{}
	for _, e := range sub.Edges {
		out[e.RelationshipName]++
	}
	return out
}

func layerByName(t *testing.T, g *layered.LayeredGraph, name string) *layered.Layer {
	t.Helper()
	for _, l := range g.Layers() {
		if l.Name == name {
			return l
		}
	}
	t.Fatalf("layer %q not found", name)
	return nil
}

func TestPipeline_Run(t *testing.T) {
	srv, _ := fakeGitHub(t, "")
	p := NewPipeline(newTestClient(srv, ""), PipelineOptions{Logger: zap.NewNop()})

	g, stats, err := p.Run(context.Background(), "octo")
	require.NoError(t, err)
	assert.Equal(t, GraphID("octo"), g.ID)
	assert.Equal(t, 2, stats.Repositories)
	assert.Equal(t, 1, stats.Contributors)
	assert.Equal(t, 2, stats.PullRequests)
	assert.Zero(t, stats.Readmes)
	assert.Nil(t, stats.Readme)

	require.Equal(t, 3, g.LayerCount())
	repoLayer := layerByName(t, g, LayerRepositories)
	contribLayer := layerByName(t, g, LayerContributors)
	prLayer := layerByName(t, g, LayerPullRequests)
	assert.Empty(t, repoLayer.ParentLayers)
	assert.Equal(t, repoLayer.ID, contribLayer.ParentLayers[0])
	assert.Equal(t, contribLayer.ID, prLayer.ParentLayers[0])

	repoSub, err := g.LayerGraph(repoLayer.ID)
	require.NoError(t, err)
	assert.Len(t, repoSub.Nodes, 3)
	assert.Equal(t, map[string]int{RelOwns: 2}, relationships(repoSub))
	hello := nodesByName(t, repoSub)["octo/hello"]
	require.NotNil(t, hello)
	lang, _ := hello.Properties["language"].AsString()
	assert.Equal(t, "Go", lang)

	contribSub, err := g.LayerGraph(contribLayer.ID)
	require.NoError(t, err)
	require.Len(t, contribSub.Nodes, 1, "octo is already the owner")
	assert.Equal(t, "alice", contribSub.Nodes[0].Name)
	assert.Equal(t, map[string]int{RelContributedTo: 3, RelCollaboratedWith: 1}, relationships(contribSub))

	prSub, err := g.LayerGraph(prLayer.ID)
	require.NoError(t, err)
	names := nodesByName(t, prSub)
	assert.Contains(t, names, "octo/hello#1")
	assert.Contains(t, names, "bob")
	merged, _ := names["octo/hello#1"].Properties["merged"].AsBool()
	assert.True(t, merged)
	assert.Equal(t, map[string]int{RelBelongsTo: 2, RelAuthored: 2}, relationships(prSub))

	// every cross-layer edge hangs off the owner, alice or bob
	assert.NotEmpty(t, g.CrossLayerRelationships())

	cumulative, err := g.CumulativeGraph(prLayer.ID)
	require.NoError(t, err)
	assert.Equal(t, g.NodeCount(), len(cumulative.Nodes))
}

func TestPipeline_RunIsDeterministic(t *testing.T) {
	srv, _ := fakeGitHub(t, "")
	p := NewPipeline(newTestClient(srv, ""), PipelineOptions{Logger: zap.NewNop()})

	first, _, err := p.Run(context.Background(), "octo")
	require.NoError(t, err)
	second, _, err := p.Run(context.Background(), "octo")
	require.NoError(t, err)

	assert.ElementsMatch(t, nodeIDs(first), nodeIDs(second))
	a, err := first.CumulativeGraph(layerByName(t, first, LayerPullRequests).ID)
	require.NoError(t, err)
	b, err := second.CumulativeGraph(layerByName(t, second, LayerPullRequests).ID)
	require.NoError(t, err)
	d := layered.DiffSubgraphs(a, b)
	assert.Empty(t, d.AddedNodes)
	assert.Empty(t, d.ModifiedNodes)
	assert.Empty(t, d.AddedEdges)
}

func nodeIDs(g *layered.LayeredGraph) []string {
	var ids []string
	for _, n := range g.Nodes() {
		ids = append(ids, n.ID.String())
	}
	return ids
}

type readmeExtractor struct {
	content string
	err     error
}

func (r *readmeExtractor) Extract(ctx context.Context, prompt, content string) (*extraction.KnowledgeGraph, error) {
	r.content = content
	if r.err != nil {
		return nil, r.err
	}
	return &extraction.KnowledgeGraph{
		Nodes: []extraction.ExtractedNode{{ID: "c1", Name: "Greeting", Type: "Feature"}},
		Edges: []extraction.ExtractedEdge{{SourceNodeID: "c1", TargetNodeID: "octo/hello", RelationshipName: RelDescribes}},
	}, nil
}

func TestPipeline_ReadmeLayer(t *testing.T) {
	srv, _ := fakeGitHub(t, "")
	ex := &readmeExtractor{}
	builder := extraction.NewBuilder(ex, extraction.Options{Logger: zap.NewNop()})
	p := NewPipeline(newTestClient(srv, ""), PipelineOptions{Builder: builder, Logger: zap.NewNop()})

	g, stats, err := p.Run(context.Background(), "octo")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Readmes)
	require.NotNil(t, stats.Readme)
	assert.Equal(t, 1, stats.Readme.EdgesAdded)
	assert.True(t, strings.HasPrefix(ex.content, "Repository: octo/hello\n"))

	readme := layerByName(t, g, LayerReadme)
	assert.Equal(t, []uuid.UUID{layerByName(t, g, LayerRepositories).ID}, readme.ParentLayers)

	var describes []layered.CrossLayerRelationship
	for _, rel := range g.CrossLayerRelationships() {
		if rel.RelationshipType == RelDescribes {
			describes = append(describes, rel)
		}
	}
	require.Len(t, describes, 1)
	assert.Equal(t, "octo/hello", describes[0].TargetNode.Name)
}

func TestPipeline_ReadmeFailureKeepsOtherLayers(t *testing.T) {
	srv, _ := fakeGitHub(t, "")
	ex := &readmeExtractor{err: lgerrors.NewExtractionFailed("m", 3, true, errors.New("timeout"))}
	builder := extraction.NewBuilder(ex, extraction.Options{Logger: zap.NewNop()})
	p := NewPipeline(newTestClient(srv, ""), PipelineOptions{Builder: builder, Logger: zap.NewNop()})

	g, stats, err := p.Run(context.Background(), "octo")
	require.NoError(t, err)
	assert.Equal(t, 3, g.LayerCount())
	assert.Contains(t, stats.ReadmeError, "timeout")
}

func TestPipeline_Errors(t *testing.T) {
	srv, _ := fakeGitHub(t, "")
	p := NewPipeline(newTestClient(srv, ""), PipelineOptions{Logger: zap.NewNop()})

	_, _, err := p.Run(context.Background(), "  ")
	assert.True(t, lgerrors.IsInvalidInput(err))

	_, _, err = p.Run(context.Background(), "nobody")
	assert.True(t, lgerrors.IsNotFound(err))

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/users/octo/repos" {
			_ = json.NewEncoder(w).Encode([]Repository{{FullName: "octo/hello"}})
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()
	_, _, err = NewPipeline(newTestClient(broken, ""), PipelineOptions{Logger: zap.NewNop()}).Run(context.Background(), "octo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "octo/hello")
}
