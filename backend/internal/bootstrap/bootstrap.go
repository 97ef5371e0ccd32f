// Package bootstrap wires configuration into the stores, adapters and
// pipelines shared by the server and the CLI.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"layergraph/backend/internal/adapter"
	"layergraph/backend/internal/extraction"
	"layergraph/backend/internal/github"
	"layergraph/backend/internal/graph"
	"layergraph/backend/internal/persistence"
	"layergraph/backend/internal/telemetry"
	lgerrors "layergraph/backend/pkg/errors"
	"layergraph/backend/pkg/config"
)

// OpenStore opens the graph store selected by cfg.GraphStore. The caller
// closes it.
func OpenStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (graph.Store, error) {
	switch cfg.GraphStore {
	case config.StoreMemory:
		log.Info("Using in-memory graph store")
		return graph.NewMemoryStore(), nil

	case config.StoreBadger:
		store, err := graph.OpenBadger(graph.BadgerOptions{Path: cfg.BadgerPath, Logger: log.Named("badger")})
		if err != nil {
			return nil, err
		}
		log.Info("Using Badger graph store", zap.String("path", cfg.BadgerPath))
		return store, nil

	case config.StoreNeo4j:
		driver, err := neo4j.NewDriverWithContext(
			cfg.Neo4jURI,
			neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
		)
		if err != nil {
			return nil, lgerrors.NewStoreConnectionFailed(cfg.Neo4jURI, err)
		}
		if err := driver.VerifyConnectivity(ctx); err != nil {
			_ = driver.Close(ctx)
			return nil, lgerrors.NewStoreConnectionFailed(cfg.Neo4jURI, err)
		}
		store := graph.NewNeo4jStore(driver, cfg.Neo4jDatabase)
		if cfg.Neo4jEnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close(ctx)
				return nil, err
			}
		}
		log.Info("Using Neo4j graph store", zap.String("uri", cfg.Neo4jURI))
		return store, nil
	}
	return nil, lgerrors.NewConfigValidationFailed("GRAPH_STORE", fmt.Sprintf("unknown store %q", cfg.GraphStore))
}

func NewAdapter(store graph.Store, cfg *config.Config, log *zap.Logger, metrics *telemetry.Metrics) *persistence.Adapter {
	return persistence.NewAdapter(store, persistence.Options{
		BatchSize:   cfg.StoreBatchSize,
		Concurrency: cfg.StoreConcurrency,
		Logger:      log.Named("persistence"),
		Metrics:     metrics,
	})
}

// NewBuilder returns an LLM-backed extraction builder, or nil when no LLM
// endpoint is configured
func NewBuilder(cfg *config.Config, log *zap.Logger, metrics *telemetry.Metrics) *extraction.Builder {
	if !cfg.LLMEnabled() {
		return nil
	}
	llm := adapter.NewLLMAdapter(cfg.LiteLLMURL, cfg.OpenRouterAPIKey, cfg.ModelID, adapter.Options{
		MaxRetries: cfg.LLMMaxRetries,
		Logger:     log.Named("llm"),
	})
	return extraction.NewBuilder(extraction.NewLLMExtractor(llm), extraction.Options{
		Logger:  log.Named("extraction"),
		Metrics: metrics,
	})
}

// NewPipeline builds the GitHub ingestion pipeline. builder may be nil, in
// which case READMEs are not extracted.
func NewPipeline(cfg *config.Config, builder *extraction.Builder, log *zap.Logger, metrics *telemetry.Metrics) *github.Pipeline {
	client := github.NewClient(github.Options{
		BaseURL:         cfg.GitHubAPIURL,
		Token:           cfg.GitHubToken,
		MaxRepos:        cfg.GitHubMaxRepos,
		MaxContributors: cfg.GitHubMaxContributors,
		MaxPRs:          cfg.GitHubMaxPRs,
		Logger:          log.Named("github"),
	})
	return github.NewPipeline(client, github.PipelineOptions{
		Builder:     builder,
		Concurrency: cfg.StoreConcurrency,
		Logger:      log.Named("github"),
		Metrics:     metrics,
	})
}
