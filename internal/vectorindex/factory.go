package vectorindex

import (
	"fmt"

	"github.com/fyrsmithlabs/crucible/internal/config"
	"go.uber.org/zap"
)

// New creates an Index based on the configuration.
//
// The factory examines IndexConfig.Provider and creates the matching
// implementation:
//   - "chromem" (default): embedded ChromemIndex, no external server
//   - "qdrant": QdrantIndex, requires a running Qdrant instance
//
// The chromem provider works out of the box and is the right choice
// for single-operator setups; qdrant suits shared team indexes.
func New(cfg *config.Config, embedder Embedder, logger *zap.Logger) (Index, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrInvalidConfig)
	}

	switch cfg.Index.Provider {
	case "chromem", "":
		chromemCfg := ChromemConfig{
			Path:       cfg.Index.Path,
			VectorSize: cfg.Index.VectorSize,
		}
		return NewChromemIndex(chromemCfg, embedder, logger)

	case "qdrant":
		qdrantCfg := QdrantConfig{
			Host:       cfg.Index.Host,
			Port:       cfg.Index.Port,
			APIKey:     cfg.Index.APIKey.Value(),
			UseTLS:     cfg.Index.UseTLS,
			VectorSize: cfg.Index.VectorSize,
		}
		return NewQdrantIndex(qdrantCfg, embedder, logger)

	default:
		return nil, fmt.Errorf("%w: unsupported index provider: %s (supported: chromem, qdrant)", ErrInvalidConfig, cfg.Index.Provider)
	}
}
