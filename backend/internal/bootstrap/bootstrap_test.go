package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"layergraph/backend/internal/graph"
	"layergraph/backend/internal/layered"
	lgerrors "layergraph/backend/pkg/errors"
	"layergraph/backend/pkg/config"
)

func testConfig(store string) *config.Config {
	return &config.Config{
		GraphStore:       store,
		StoreBatchSize:   10,
		StoreConcurrency: 2,
		GitHubAPIURL:     "https://api.github.com",
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, err := OpenStore(ctx, testConfig(config.StoreMemory), zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &graph.MemoryStore{}, store)
	require.NoError(t, store.Close(ctx))

	cfg := testConfig(config.StoreBadger)
	cfg.BadgerPath = filepath.Join(t.TempDir(), "graph")
	store, err = OpenStore(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer store.Close(ctx)

	// the adapter honours the configured tunables end to end
	a := NewAdapter(store, cfg, zap.NewNop(), nil)
	g := layered.NewLayeredGraph("g", "")
	require.NoError(t, g.AddLayer(layered.NewLayer("L", "", layered.LayerTypeBase)))
	id, err := a.Store(ctx, g)
	require.NoError(t, err)
	back, _, err := a.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, back.LayerCount())

	_, err = OpenStore(ctx, testConfig("sqlite"), zap.NewNop())
	assert.True(t, lgerrors.IsErrorType(err, lgerrors.ErrorTypeConfig))
}

func TestNewBuilderRequiresLLM(t *testing.T) {
	cfg := testConfig(config.StoreMemory)
	assert.Nil(t, NewBuilder(cfg, zap.NewNop(), nil))

	cfg.LiteLLMURL = "http://localhost:4000"
	cfg.ModelID = "some-model"
	assert.NotNil(t, NewBuilder(cfg, zap.NewNop(), nil))
	assert.NotNil(t, NewPipeline(cfg, nil, zap.NewNop(), nil))
}
