package github

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"layergraph/backend/internal/extraction"
	"layergraph/backend/internal/layered"
	"layergraph/backend/internal/telemetry"
	lgerrors "layergraph/backend/pkg/errors"
	"layergraph/backend/pkg/logger"
)

const sourceGitHub = "github"

// Layer names
const (
	LayerRepositories = "Repositories"
	LayerContributors = "Contributors"
	LayerPullRequests = "Pull Requests"
	LayerReadme       = "README Knowledge"
)

// Node types and relationships
const (
	NodeUser        = "User"
	NodeRepository  = "Repository"
	NodeContributor = "Contributor"
	NodePullRequest = "PullRequest"

	RelOwns             = "OWNS"
	RelContributedTo    = "CONTRIBUTED_TO"
	RelCollaboratedWith = "COLLABORATED_WITH"
	RelAuthored         = "AUTHORED"
	RelBelongsTo        = "BELONGS_TO"
	RelDescribes        = "DESCRIBES"
)

const (
	defaultConcurrency = 4
	defaultReadmeLimit = 4000
)

const readmePrompt = `Extract the technologies, features and concepts these READMEs describe.
Each README starts with "Repository: <name>". Link every extracted concept to its
repository with a DESCRIBES edge from the concept to the repository, using the
repository name exactly as given as the edge target.`

type PipelineOptions struct {
	// Builder extracts the README layer. Without one the layer is skipped.
	Builder     *extraction.Builder
	Concurrency int
	// ReadmeLimit caps the characters of each README sent for extraction
	ReadmeLimit int
	Logger      *zap.Logger
	Metrics     *telemetry.Metrics
}

// Pipeline ingests a GitHub user into a layered graph:
//
//	Repositories -> Contributors -> Pull Requests
//	Repositories -> README Knowledge
type Pipeline struct {
	client  *Client
	opts    PipelineOptions
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

func NewPipeline(client *Client, opts PipelineOptions) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.ReadmeLimit <= 0 {
		opts.ReadmeLimit = defaultReadmeLimit
	}
	return &Pipeline{
		client:  client,
		opts:    opts,
		logger:  logger.OrDefault(opts.Logger, "github"),
		metrics: opts.Metrics,
	}
}

// RunStats summarizes one pipeline run
type RunStats struct {
	Repositories int                                `json:"repositories"`
	Contributors int                                `json:"contributors"`
	PullRequests int                                `json:"pull_requests"`
	Readmes      int                                `json:"readmes"`
	Layers       map[string]*extraction.IngestStats `json:"layers"`
	Readme       *extraction.LayerStats             `json:"readme,omitempty"`
	ReadmeError  string                             `json:"readme_error,omitempty"`
}

// GraphID is the id of the graph built for username. Ids of everything in
// the graph derive from it, so ingesting the same user twice yields the
// same ids and storing the result overwrites the earlier run.
func GraphID(username string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/"+strings.ToLower(username)))
}

type repoDetails struct {
	repo         Repository
	contributors []Contributor
	prs          []PullRequest
	readme       string
}

// Run fetches username's repositories and builds the graph. A failed README
// extraction is reported in RunStats and leaves the other layers intact.
func (p *Pipeline) Run(ctx context.Context, username string) (g *layered.LayeredGraph, stats *RunStats, err error) {
	start := time.Now()
	defer func() { p.metrics.ObserveOperation("github_ingest", start, err) }()

	username = strings.TrimSpace(username)
	if username == "" {
		return nil, nil, lgerrors.NewInvalidArgument("username", "must not be empty")
	}

	repos, err := p.client.FetchRepositories(ctx, username)
	if err != nil {
		return nil, nil, err
	}
	details, err := p.fetchDetails(ctx, repos)
	if err != nil {
		return nil, nil, err
	}

	graphID := GraphID(username)
	g = layered.NewLayeredGraphWithID(graphID, "GitHub: "+username,
		fmt.Sprintf("Repositories, contributors and pull requests of %s", username))
	ids := idSpace(graphID)
	stats = &RunStats{Repositories: len(repos), Layers: make(map[string]*extraction.IngestStats)}

	repoLayer := newLayer(ids, LayerRepositories, "Repositories owned by "+username, layered.LayerTypeBase)
	contribLayer := newLayer(ids, LayerContributors, "People contributing to the repositories", layered.LayerTypeEnrichment, repoLayer.ID)
	prLayer := newLayer(ids, LayerPullRequests, "Recent pull requests", layered.LayerTypeEnrichment, contribLayer.ID)
	for _, l := range []*layered.Layer{repoLayer, contribLayer, prLayer} {
		if err := g.AddLayer(l); err != nil {
			return nil, nil, err
		}
	}

	people := map[string]uuid.UUID{}
	repoNodes := map[string]uuid.UUID{}

	// repositories and their owner
	stats.Layers[LayerRepositories], err = p.ingest(ctx, g, repoLayer.ID, func(emit emitFunc) error {
		owner := layered.NewNode(username, NodeUser, "GitHub user "+username, layered.Properties{
			"login":    layered.String(username),
			"html_url": layered.String("https://github.com/" + username),
		})
		owner.ID = ids.of("user", strings.ToLower(username))
		people[strings.ToLower(username)] = owner.ID
		if err := emit(extraction.NodeRecord(tag(owner))); err != nil {
			return err
		}
		for _, d := range details {
			n := repoNode(d.repo)
			n.ID = ids.of("repo", d.repo.FullName)
			repoNodes[d.repo.FullName] = n.ID
			if err := emit(extraction.NodeRecord(tag(n))); err != nil {
				return err
			}
			e := layered.NewEdge(owner.ID, n.ID, RelOwns, nil)
			e.ID = ids.of("owns", d.repo.FullName)
			if err := emit(extraction.EdgeRecord(tagEdge(e))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	// contributors, and one collaboration edge per contributor naming the
	// repositories shared with the owner
	shared := sharedRepositories(details, username)
	stats.Layers[LayerContributors], err = p.ingest(ctx, g, contribLayer.ID, func(emit emitFunc) error {
		ownerID := people[strings.ToLower(username)]
		for _, d := range details {
			for _, c := range d.contributors {
				login := strings.ToLower(c.Login)
				if login == "" {
					continue
				}
				id, known := people[login]
				if !known {
					n := layered.NewNode(c.Login, NodeContributor, "GitHub contributor "+c.Login, layered.Properties{
						"login":    layered.String(c.Login),
						"html_url": layered.String(c.HTMLURL),
					})
					n.ID = ids.of("user", login)
					id = n.ID
					people[login] = id
					stats.Contributors++
					if err := emit(extraction.NodeRecord(tag(n))); err != nil {
						return err
					}
					if repos := shared[login]; len(repos) > 0 {
						collab := layered.NewEdge(ownerID, id, RelCollaboratedWith, layered.Properties{
							"repositories": stringList(repos),
						})
						collab.ID = ids.of("collab", login)
						if err := emit(extraction.EdgeRecord(tagEdge(collab))); err != nil {
							return err
						}
					}
				}
				e := layered.NewEdge(id, repoNodes[d.repo.FullName], RelContributedTo, layered.Properties{
					"contributions": layered.Int(int64(c.Contributions)),
				})
				e.ID = ids.of("contrib", login, d.repo.FullName)
				if err := emit(extraction.EdgeRecord(tagEdge(e))); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	// pull requests; authors outside the contributor list get a node here
	stats.Layers[LayerPullRequests], err = p.ingest(ctx, g, prLayer.ID, func(emit emitFunc) error {
		for _, d := range details {
			for _, pr := range d.prs {
				key := fmt.Sprintf("%s#%d", d.repo.FullName, pr.Number)
				n := prNode(key, pr)
				n.ID = ids.of("pr", key)
				stats.PullRequests++
				if err := emit(extraction.NodeRecord(tag(n))); err != nil {
					return err
				}
				belongs := layered.NewEdge(n.ID, repoNodes[d.repo.FullName], RelBelongsTo, nil)
				belongs.ID = ids.of("belongs", key)
				if err := emit(extraction.EdgeRecord(tagEdge(belongs))); err != nil {
					return err
				}

				login := strings.ToLower(pr.User.Login)
				if login == "" {
					continue
				}
				author, known := people[login]
				if !known {
					a := layered.NewNode(pr.User.Login, NodeContributor, "Pull request author "+pr.User.Login, layered.Properties{
						"login": layered.String(pr.User.Login),
					})
					a.ID = ids.of("user", login)
					author = a.ID
					people[login] = author
					if err := emit(extraction.NodeRecord(tag(a))); err != nil {
						return err
					}
				}
				authored := layered.NewEdge(author, n.ID, RelAuthored, nil)
				authored.ID = ids.of("authored", key)
				if err := emit(extraction.EdgeRecord(tagEdge(authored))); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if err := p.extractReadmes(ctx, g, repoLayer.ID, details, stats); err != nil {
		return nil, nil, err
	}

	p.logger.Info("Ingested GitHub user",
		zap.String("username", username),
		zap.String("graph_id", graphID.String()),
		zap.Int("repositories", stats.Repositories),
		zap.Int("contributors", stats.Contributors),
		zap.Int("pull_requests", stats.PullRequests),
		zap.Int("readmes", stats.Readmes),
		zap.Duration("duration", time.Since(start)),
	)
	return g, stats, nil
}

// fetchDetails loads contributors, pull requests and READMEs of every
// repository concurrently. Results keep the order of repos.
func (p *Pipeline) fetchDetails(ctx context.Context, repos []Repository) ([]*repoDetails, error) {
	details := make([]*repoDetails, len(repos))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.opts.Concurrency)
	for i, repo := range repos {
		details[i] = &repoDetails{repo: repo}
		d := details[i]
		eg.Go(func() error {
			var err error
			if d.contributors, err = p.client.FetchContributors(ctx, repo); err != nil && !lgerrors.IsNotFound(err) {
				return fmt.Errorf("contributors of %s: %w", repo.FullName, err)
			}
			if d.prs, err = p.client.FetchPullRequests(ctx, repo); err != nil && !lgerrors.IsNotFound(err) {
				return fmt.Errorf("pull requests of %s: %w", repo.FullName, err)
			}
			if p.opts.Builder == nil {
				return nil
			}
			if d.readme, err = p.client.FetchReadme(ctx, repo); err != nil {
				// a missing README is not worth failing the run over
				p.logger.Warn("Failed to fetch README",
					zap.String("repository", repo.FullName),
					zap.Error(err),
				)
				d.readme = ""
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return details, nil
}

func (p *Pipeline) extractReadmes(ctx context.Context, g *layered.LayeredGraph, repoLayer uuid.UUID, details []*repoDetails, stats *RunStats) error {
	if p.opts.Builder == nil {
		return nil
	}
	var content strings.Builder
	for _, d := range details {
		text := strings.TrimSpace(d.readme)
		if text == "" {
			continue
		}
		if r := []rune(text); len(r) > p.opts.ReadmeLimit {
			text = string(r[:p.opts.ReadmeLimit])
		}
		stats.Readmes++
		fmt.Fprintf(&content, "Repository: %s\n%s\n\n", d.repo.FullName, text)
	}
	if stats.Readmes == 0 {
		return nil
	}

	cfg := extraction.LayerConfig{
		Name:        LayerReadme,
		Description: "Concepts described by the repositories' READMEs",
		LayerType:   layered.LayerTypeDerived,
		Prompt:      readmePrompt,
	}
	_, layerStats, err := p.opts.Builder.AddExtractedLayer(ctx, g, cfg, content.String(), repoLayer)
	if err != nil {
		if ctx.Err() != nil {
			return lgerrors.NewContextCancelled("readme extraction", ctx.Err())
		}
		p.logger.Warn("README extraction failed, continuing without the layer", zap.Error(err))
		stats.ReadmeError = err.Error()
		return nil
	}
	stats.Readme = layerStats
	return nil
}

type emitFunc func(extraction.Record) error

// ingest streams what produce emits into layerID. Producer and consumer run
// concurrently; the consumer's error wins and stops the producer.
func (p *Pipeline) ingest(ctx context.Context, g *layered.LayeredGraph, layerID uuid.UUID, produce func(emitFunc) error) (*extraction.IngestStats, error) {
	records := make(chan extraction.Record)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer close(records)
		return produce(func(r extraction.Record) error {
			select {
			case records <- r:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	var stats *extraction.IngestStats
	eg.Go(func() error {
		var err error
		stats, err = extraction.IngestRecords(ctx, g, layerID, records, extraction.IngestOptions{
			Source:  sourceGitHub,
			Logger:  p.logger,
			Metrics: p.metrics,
		})
		return err
	})
	if err := eg.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}

// idGen derives stable record ids under a graph id
type idGen uuid.UUID

func idSpace(graphID uuid.UUID) idGen { return idGen(graphID) }

func (s idGen) of(parts ...string) uuid.UUID {
	return uuid.NewSHA1(uuid.UUID(s), []byte(strings.Join(parts, "\x00")))
}

func newLayer(s idGen, name, description, layerType string, parents ...uuid.UUID) *layered.Layer {
	l := layered.NewLayer(name, description, layerType, parents...)
	l.ID = s.of("layer", name)
	l.Metadata[extraction.MetaSource] = layered.String(sourceGitHub)
	return l
}

func tag(n *layered.GraphNode) *layered.GraphNode {
	n.Metadata[extraction.MetaSource] = layered.String(sourceGitHub)
	return n
}

func tagEdge(e *layered.GraphEdge) *layered.GraphEdge {
	e.Metadata[extraction.MetaSource] = layered.String(sourceGitHub)
	return e
}

func repoNode(r Repository) *layered.GraphNode {
	desc := r.Description
	if desc == "" {
		desc = "GitHub repository " + r.FullName
	}
	return layered.NewNode(r.FullName, NodeRepository, desc, layered.Properties{
		"name":           layered.String(r.Name),
		"full_name":      layered.String(r.FullName),
		"language":       layered.String(r.Language),
		"html_url":       layered.String(r.HTMLURL),
		"default_branch": layered.String(r.DefaultBranch),
		"fork":           layered.Bool(r.Fork),
		"stars":          layered.Int(int64(r.Stars)),
		"forks":          layered.Int(int64(r.Forks)),
		"open_issues":    layered.Int(int64(r.OpenIssues)),
		"created_at":     layered.String(r.CreatedAt),
		"updated_at":     layered.String(r.UpdatedAt),
	})
}

func prNode(key string, pr PullRequest) *layered.GraphNode {
	props := layered.Properties{
		"number":     layered.Int(int64(pr.Number)),
		"title":      layered.String(pr.Title),
		"state":      layered.String(pr.State),
		"html_url":   layered.String(pr.HTMLURL),
		"created_at": layered.String(pr.CreatedAt),
		"merged":     layered.Bool(pr.MergedAt != ""),
	}
	if pr.MergedAt != "" {
		props["merged_at"] = layered.String(pr.MergedAt)
	}
	return layered.NewNode(key, NodePullRequest, pr.Title, props)
}

// sharedRepositories maps each contributor other than owner to the sorted
// repositories they contributed to
func sharedRepositories(details []*repoDetails, owner string) map[string][]string {
	owner = strings.ToLower(owner)
	shared := map[string][]string{}
	for _, d := range details {
		for _, c := range d.contributors {
			login := strings.ToLower(c.Login)
			if login == "" || login == owner {
				continue
			}
			shared[login] = append(shared[login], d.repo.FullName)
		}
	}
	for _, repos := range shared {
		sort.Strings(repos)
	}
	return shared
}

func stringList(items []string) layered.Value {
	values := make([]layered.Value, len(items))
	for i, s := range items {
		values[i] = layered.String(s)
	}
	return layered.List(values...)
}
