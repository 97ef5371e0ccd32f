package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	lgerrors "layergraph/backend/pkg/errors"
)

// Store backends
const (
	StoreNeo4j  = "neo4j"
	StoreBadger = "badger"
	StoreMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	// App
	Port     string
	Env      string
	LogLevel string

	// Graph store
	GraphStore        string
	Neo4jURI          string
	Neo4jUser         string
	Neo4jPassword     string
	Neo4jDatabase     string
	Neo4jEnsureSchema bool
	BadgerPath        string
	StoreBatchSize    int
	StoreConcurrency  int

	// AI
	LiteLLMURL       string
	ModelID          string
	OpenRouterAPIKey string
	LLMMaxRetries    int

	// GitHub ingestion
	GitHubToken           string
	GitHubAPIURL          string
	GitHubMaxRepos        int
	GitHubMaxContributors int
	GitHubMaxPRs          int

	// Extraction
	LayerConfigPath string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		Env:                   getEnv("ENV", "development"),
		LogLevel:              getEnv("LOG_LEVEL", ""),
		GraphStore:            strings.ToLower(getEnv("GRAPH_STORE", StoreNeo4j)),
		Neo4jURI:              getEnv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:             getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword:         getEnv("NEO4J_PASSWORD", "password"),
		Neo4jDatabase:         getEnv("NEO4J_DATABASE", ""),
		Neo4jEnsureSchema:     getEnvBool("NEO4J_ENSURE_SCHEMA", true),
		BadgerPath:            getEnv("BADGER_PATH", "data/layergraph"),
		StoreBatchSize:        getEnvInt("STORE_BATCH_SIZE", 100),
		StoreConcurrency:      getEnvInt("STORE_CONCURRENCY", 8),
		LiteLLMURL:            getEnv("LITELLM_URL", "http://localhost:4000"),
		ModelID:               getEnv("MODEL_ID", "openrouter/anthropic/claude-3.5-sonnet"),
		OpenRouterAPIKey:      getEnv("OPENROUTER_API_KEY", ""),
		LLMMaxRetries:         getEnvInt("LLM_MAX_RETRIES", 3),
		GitHubToken:           getEnv("GITHUB_TOKEN", ""),
		GitHubAPIURL:          getEnv("GITHUB_API_URL", "https://api.github.com"),
		GitHubMaxRepos:        getEnvInt("GITHUB_MAX_REPOS", 5),
		GitHubMaxContributors: getEnvInt("GITHUB_MAX_CONTRIBUTORS", 10),
		GitHubMaxPRs:          getEnvInt("GITHUB_MAX_PRS", 5),
		LayerConfigPath:       getEnv("LAYER_CONFIG_PATH", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	switch c.GraphStore {
	case StoreNeo4j:
		if c.Neo4jURI == "" {
			return lgerrors.NewConfigMissingRequired("NEO4J_URI")
		}
		if c.Neo4jUser == "" {
			return lgerrors.NewConfigMissingRequired("NEO4J_USER")
		}
		if c.Neo4jPassword == "" {
			return lgerrors.NewConfigMissingRequired("NEO4J_PASSWORD")
		}
	case StoreBadger:
		if c.BadgerPath == "" {
			return lgerrors.NewConfigMissingRequired("BADGER_PATH")
		}
	case StoreMemory:
	default:
		return lgerrors.NewConfigValidationFailed("GRAPH_STORE",
			fmt.Sprintf("unknown store %q (want %s, %s or %s)", c.GraphStore, StoreNeo4j, StoreBadger, StoreMemory))
	}
	if c.StoreBatchSize <= 0 {
		return lgerrors.NewConfigValidationFailed("STORE_BATCH_SIZE", "must be positive")
	}
	if c.StoreConcurrency <= 0 {
		return lgerrors.NewConfigValidationFailed("STORE_CONCURRENCY", "must be positive")
	}
	if c.GitHubAPIURL == "" {
		return lgerrors.NewConfigMissingRequired("GITHUB_API_URL")
	}
	// LLM settings and the GitHub token are optional; extraction is skipped without them
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// LLMEnabled reports whether an LLM endpoint is configured
func (c *Config) LLMEnabled() bool {
	return c.LiteLLMURL != "" && c.ModelID != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return result
		}
	}
	return defaultValue
}
