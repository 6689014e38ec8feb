package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 720*time.Hour, cfg.CacheTTL)
	assert.Equal(t, "pgvector", cfg.SearchBackend)
	assert.InDelta(t, 0.70, cfg.SimilarityThreshold, 1e-9)
	assert.InDelta(t, 0.15, cfg.ReachAcceptanceBelow, 1e-9)
	assert.InDelta(t, 0.35, cfg.SafetyAcceptanceAbove, 1e-9)
	assert.Equal(t, 5, cfg.ResultLimit)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ADMITWISE_PORT", "9191")
	t.Setenv("ADMITWISE_CACHE_TTL", "24h")
	t.Setenv("ADMITWISE_IN_STATE_BONUS", "20")
	t.Setenv("ADMITWISE_SIMILARITY_THRESHOLD", "0.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Port)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.InDelta(t, 20.0, cfg.InStateBonus, 1e-9)
	assert.InDelta(t, 0.5, cfg.SimilarityThreshold, 1e-9)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("ADMITWISE_PORT", "not-a-number")
	t.Setenv("ADMITWISE_CACHE_TTL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 720*time.Hour, cfg.CacheTTL)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	t.Run("missing database url", func(t *testing.T) {
		cfg := base()
		cfg.DatabaseURL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("qdrant backend requires url", func(t *testing.T) {
		cfg := base()
		cfg.SearchBackend = "qdrant"
		cfg.QdrantURL = ""
		assert.Error(t, cfg.Validate())

		cfg.QdrantURL = "http://localhost:6333"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := base()
		cfg.SearchBackend = "elasticsearch"
		assert.Error(t, cfg.Validate())
	})

	t.Run("threshold bounds", func(t *testing.T) {
		cfg := base()
		cfg.SimilarityThreshold = 1.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("inverted label thresholds", func(t *testing.T) {
		cfg := base()
		cfg.ReachAcceptanceBelow = 0.5
		cfg.SafetyAcceptanceAbove = 0.3
		assert.Error(t, cfg.Validate())
	})
}
