package vectorindex_test

import (
	"testing"

	"github.com/fyrsmithlabs/crucible/internal/config"
	"github.com/fyrsmithlabs/crucible/internal/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Chromem(t *testing.T) {
	cfg := &config.Config{
		Index: config.IndexConfig{
			Provider:   "chromem",
			Path:       t.TempDir(),
			VectorSize: 384,
		},
	}

	embedder := &indexTestEmbedder{vectorSize: 384}

	idx, err := vectorindex.New(cfg, embedder, zap.NewNop())
	require.NoError(t, err)
	defer idx.Close()

	assert.IsType(t, &vectorindex.ChromemIndex{}, idx)
}

func TestNew_ChromemDefault(t *testing.T) {
	cfg := &config.Config{
		Index: config.IndexConfig{
			Provider:   "", // Empty should default to chromem
			Path:       t.TempDir(),
			VectorSize: 384,
		},
	}

	embedder := &indexTestEmbedder{vectorSize: 384}

	idx, err := vectorindex.New(cfg, embedder, zap.NewNop())
	require.NoError(t, err)
	defer idx.Close()

	assert.IsType(t, &vectorindex.ChromemIndex{}, idx)
}

func TestNew_InvalidProvider(t *testing.T) {
	cfg := &config.Config{
		Index: config.IndexConfig{
			Provider: "pinecone",
		},
	}

	embedder := &indexTestEmbedder{vectorSize: 384}

	_, err := vectorindex.New(cfg, embedder, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, vectorindex.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "unsupported index provider")
}

func TestNew_NilConfig(t *testing.T) {
	embedder := &indexTestEmbedder{vectorSize: 384}

	_, err := vectorindex.New(nil, embedder, zap.NewNop())
	assert.ErrorIs(t, err, vectorindex.ErrInvalidConfig)
}
