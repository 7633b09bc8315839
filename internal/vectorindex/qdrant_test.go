package vectorindex_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/crucible/internal/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestValidateCollectionName(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{
			name:      "valid team collection",
			input:     "team_source",
			wantError: false,
		},
		{
			name:      "valid community collection",
			input:     "community_source",
			wantError: false,
		},
		{
			name:      "valid with digits",
			input:     "team_source_v2",
			wantError: false,
		},
		{
			name:      "empty name",
			input:     "",
			wantError: true,
		},
		{
			name:      "uppercase letters",
			input:     "Team_Source",
			wantError: true,
		},
		{
			name:      "hyphens",
			input:     "team-source",
			wantError: true,
		},
		{
			name:      "too long",
			input:     "a123456789012345678901234567890123456789012345678901234567890123456789",
			wantError: true,
		},
		{
			name:      "path traversal attempt",
			input:     "../source",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := vectorindex.ValidateCollectionName(tt.input)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQdrantConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		config    vectorindex.QdrantConfig
		wantError bool
	}{
		{
			name: "valid config",
			config: vectorindex.QdrantConfig{
				Host:       "localhost",
				Port:       6334,
				VectorSize: 384,
			},
			wantError: false,
		},
		{
			name: "missing host",
			config: vectorindex.QdrantConfig{
				Port:       6334,
				VectorSize: 384,
			},
			wantError: true,
		},
		{
			name: "invalid port",
			config: vectorindex.QdrantConfig{
				Host:       "localhost",
				Port:       -1,
				VectorSize: 384,
			},
			wantError: true,
		},
		{
			name: "port out of range",
			config: vectorindex.QdrantConfig{
				Host:       "localhost",
				Port:       70000,
				VectorSize: 384,
			},
			wantError: true,
		},
		{
			name: "missing vector size",
			config: vectorindex.QdrantConfig{
				Host: "localhost",
				Port: 6334,
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQdrantConfig_ApplyDefaults(t *testing.T) {
	config := vectorindex.QdrantConfig{}
	config.ApplyDefaults()

	assert.Equal(t, "localhost", config.Host)
	assert.Equal(t, 6334, config.Port)
	assert.Equal(t, 384, config.VectorSize)
	assert.Equal(t, 3, config.MaxRetries)
	assert.Equal(t, time.Second, config.RetryBackoff)
	assert.Equal(t, 50*1024*1024, config.MaxMessageSize)
	assert.Equal(t, 5, config.CircuitBreakerThreshold)
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name          string
		code          codes.Code
		wantTransient bool
	}{
		{
			name:          "unavailable is transient",
			code:          codes.Unavailable,
			wantTransient: true,
		},
		{
			name:          "deadline exceeded is transient",
			code:          codes.DeadlineExceeded,
			wantTransient: true,
		},
		{
			name:          "aborted is transient",
			code:          codes.Aborted,
			wantTransient: true,
		},
		{
			name:          "resource exhausted is transient",
			code:          codes.ResourceExhausted,
			wantTransient: true,
		},
		{
			name:          "invalid argument is not transient",
			code:          codes.InvalidArgument,
			wantTransient: false,
		},
		{
			name:          "not found is not transient",
			code:          codes.NotFound,
			wantTransient: false,
		},
		{
			name:          "permission denied is not transient",
			code:          codes.PermissionDenied,
			wantTransient: false,
		},
		{
			name:          "unknown code defaults to not transient",
			code:          codes.Unknown,
			wantTransient: false,
		},
		{
			name:          "canceled is not transient",
			code:          codes.Canceled,
			wantTransient: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := status.Error(tt.code, "test error")
			got := vectorindex.IsTransientError(err)
			assert.Equal(t, tt.wantTransient, got)
		})
	}

	t.Run("non-grpc error is not transient", func(t *testing.T) {
		err := errors.New("regular error")
		assert.False(t, vectorindex.IsTransientError(err))
	})

	t.Run("nil error is not transient", func(t *testing.T) {
		assert.False(t, vectorindex.IsTransientError(nil))
	})
}

func TestNewQdrantIndex_RequiresEmbedder(t *testing.T) {
	config := vectorindex.QdrantConfig{Host: "localhost", Port: 6334, VectorSize: 384}
	_, err := vectorindex.NewQdrantIndex(config, nil, zap.NewNop())
	assert.ErrorIs(t, err, vectorindex.ErrInvalidConfig)
}

// Integration test - requires running Qdrant instance
func TestQdrantIndex_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	config := vectorindex.QdrantConfig{
		Host:       "localhost",
		Port:       6334,
		VectorSize: 10,
	}

	embedder := &indexTestEmbedder{vectorSize: 10}

	idx, err := vectorindex.NewQdrantIndex(config, embedder, zap.NewNop())
	if err != nil {
		t.Skipf("Qdrant not available: %v", err)
	}
	defer idx.Close()

	docs := []vectorindex.Document{
		{
			ID:         "11111111-1111-4111-8111-111111111111",
			Content:    "ERC20 token with mint and burn",
			Collection: "crucible_integration_test",
			Metadata:   map[string]any{"scope": "team"},
		},
		{
			ID:         "22222222-2222-4222-8222-222222222222",
			Content:    "staking vault with withdrawal delay",
			Collection: "crucible_integration_test",
			Metadata:   map[string]any{"scope": "community"},
		},
	}

	ids, err := idx.AddDocuments(ctx, docs)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	exists, err := idx.CollectionExists(ctx, "crucible_integration_test")
	require.NoError(t, err)
	assert.True(t, exists)

	results, err := idx.Search(ctx, "crucible_integration_test", "ERC20 token with mint and burn", 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "11111111-1111-4111-8111-111111111111", results[0].ID)

	filtered, err := idx.Search(ctx, "crucible_integration_test", "token", 2, map[string]any{"scope": "team"})
	require.NoError(t, err)
	for _, r := range filtered {
		assert.Equal(t, "team", r.Metadata["scope"])
	}

	err = idx.DeleteDocuments(ctx, "crucible_integration_test", ids)
	require.NoError(t, err)

	info, err := idx.CollectionInfo(ctx, "crucible_integration_test")
	require.NoError(t, err)
	assert.Equal(t, 0, info.PointCount)
}
