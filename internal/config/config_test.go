package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")
	t.Setenv("MONGODB_DATABASE", "caseforge")
	t.Setenv("MONGODB_COLLECTION", "testcases")
	t.Setenv("MONGODB_TEXT_INDEX", "default")
	t.Setenv("MONGODB_VECTOR_INDEX", "vector_index")
	t.Setenv("EMBEDDING_BASE_URL", "http://localhost:9000")
	t.Setenv("EMBEDDING_USER_ID", "svc-caseforge")
	t.Setenv("COMPLETION_BASE_URL", "http://localhost:9001")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Service.Port)
	assert.Equal(t, 5*time.Minute, cfg.Service.RequestDeadline)
	assert.Equal(t, int64(50*1024*1024), cfg.Service.MaxBodyBytes)
	assert.Equal(t, int64(20), cfg.Service.PoolSize)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, 10, cfg.Search.DefaultLimit)
	assert.Equal(t, 50, cfg.Search.RerankTopK)
	assert.InDelta(t, 0.4, cfg.Search.BM25Weight, 1e-9)
	assert.InDelta(t, 0.6, cfg.Search.VectorWeight, 1e-9)
	assert.InDelta(t, 0.95, cfg.Search.DedupThreshold, 1e-9)
	assert.Equal(t, time.Hour, cfg.Jobs.TTL)
	assert.Equal(t, 100, cfg.Jobs.BatchSize)
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("CF_SEARCH_DEFAULT_LIMIT", "25")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Service.Port)
	assert.Equal(t, 25, cfg.Search.DefaultLimit)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Backend.URI)
}

func TestValidate_ListsAllMissingValues(t *testing.T) {
	cfg := &Config{}
	cfg.Embedding.Dimension = 1536

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "MONGODB_URI")
	assert.Contains(t, err.Error(), "EMBEDDING_BASE_URL")
	assert.Contains(t, err.Error(), "COMPLETION_BASE_URL")
}

func TestValidate_RejectsNonPositiveDimension(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Embedding.Dimension = 0
	err = cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}
