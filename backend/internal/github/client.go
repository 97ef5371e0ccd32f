// Package github fetches repository metadata from the GitHub REST API and
// turns it into a layered graph.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	lgerrors "layergraph/backend/pkg/errors"
	"layergraph/backend/pkg/logger"
)

const (
	defaultBaseURL         = "https://api.github.com"
	defaultMaxRepos        = 5
	defaultMaxContributors = 10
	defaultMaxPRs          = 5
	userAgent              = "layergraph/1.0"
)

// Options configures a Client. Zero values get defaults.
type Options struct {
	BaseURL         string
	Token           string
	MaxRepos        int
	MaxContributors int
	MaxPRs          int
	HTTPClient      *http.Client
	Logger          *zap.Logger
}

// Client is a small read-only GitHub REST client
type Client struct {
	baseURL    string
	token      string
	opts       Options
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.MaxRepos <= 0 {
		opts.MaxRepos = defaultMaxRepos
	}
	if opts.MaxContributors <= 0 {
		opts.MaxContributors = defaultMaxContributors
	}
	if opts.MaxPRs <= 0 {
		opts.MaxPRs = defaultMaxPRs
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		opts:       opts,
		httpClient: httpClient,
		logger:     logger.OrDefault(opts.Logger, "github"),
	}
}

type Owner struct {
	Login string `json:"login"`
}

type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Description   string `json:"description"`
	Language      string `json:"language"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch"`
	Fork          bool   `json:"fork"`
	Stars         int    `json:"stargazers_count"`
	Forks         int    `json:"forks_count"`
	OpenIssues    int    `json:"open_issues_count"`
	Owner         Owner  `json:"owner"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

type Contributor struct {
	Login         string `json:"login"`
	HTMLURL       string `json:"html_url"`
	Contributions int    `json:"contributions"`
}

type PullRequest struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	State     string `json:"state"`
	Body      string `json:"body"`
	HTMLURL   string `json:"html_url"`
	User      Owner  `json:"user"`
	CreatedAt string `json:"created_at"`
	MergedAt  string `json:"merged_at"`
}

// FetchRepositories lists the user's most recently updated repositories
func (c *Client) FetchRepositories(ctx context.Context, user string) ([]Repository, error) {
	path := fmt.Sprintf("/users/%s/repos?sort=updated&direction=desc&per_page=%d", url.PathEscape(user), c.opts.MaxRepos)
	var repos []Repository
	if err := c.getJSON(ctx, path, &repos); err != nil {
		if lgerrors.IsNotFound(err) {
			return nil, lgerrors.NewNotFound("github user", user)
		}
		return nil, err
	}
	if len(repos) > c.opts.MaxRepos {
		repos = repos[:c.opts.MaxRepos]
	}
	return repos, nil
}

// FetchContributors lists a repository's top contributors. An empty
// repository has none.
func (c *Client) FetchContributors(ctx context.Context, repo Repository) ([]Contributor, error) {
	path := fmt.Sprintf("/repos/%s/contributors?per_page=%d", repo.FullName, c.opts.MaxContributors)
	var contributors []Contributor
	if err := c.getJSON(ctx, path, &contributors); err != nil {
		return nil, err
	}
	if len(contributors) > c.opts.MaxContributors {
		contributors = contributors[:c.opts.MaxContributors]
	}
	return contributors, nil
}

// FetchPullRequests lists a repository's most recent pull requests in any state
func (c *Client) FetchPullRequests(ctx context.Context, repo Repository) ([]PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/pulls?state=all&sort=created&direction=desc&per_page=%d", repo.FullName, c.opts.MaxPRs)
	var prs []PullRequest
	if err := c.getJSON(ctx, path, &prs); err != nil {
		return nil, err
	}
	if len(prs) > c.opts.MaxPRs {
		prs = prs[:c.opts.MaxPRs]
	}
	return prs, nil
}

// FetchReadme returns the README as plain text. The API renders it to HTML,
// which is reduced to its text. A repository without README yields "".
func (c *Client) FetchReadme(ctx context.Context, repo Repository) (string, error) {
	resp, err := c.get(ctx, fmt.Sprintf("/repos/%s/readme", repo.FullName), "application/vnd.github.html+json")
	if lgerrors.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse README of %s: %w", repo.FullName, err)
	}
	doc.Find("script, style, svg").Remove()

	var blocks []string
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre").Each(func(_ int, s *goquery.Selection) {
		// nested list items are covered by their parent
		if goquery.NodeName(s) == "li" && s.ParentsFiltered("li").Length() > 0 {
			return
		}
		if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		return strings.Join(strings.Fields(doc.Text()), " "), nil
	}
	return strings.Join(blocks, "\n"), nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.get(ctx, path, "application/vnd.github+json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse GitHub response for %s: %w", path, err)
	}
	return nil
}

// get returns the response of a successful request; the caller closes the
// body. 404 becomes an ErrNotFound.
func (c *Client) get(ctx context.Context, path, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, lgerrors.NewContextCancelled("github request", ctx.Err())
		}
		return nil, fmt.Errorf("GitHub API error: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	c.logger.Debug("GitHub request failed",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, lgerrors.NewNotFound("github resource", path)
	case http.StatusNoContent:
		// empty repositories answer contributors with 204
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("[]"))}, nil
	}
	return nil, fmt.Errorf("GitHub API %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
}
