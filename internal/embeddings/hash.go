package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode"
)

// HashConfig holds configuration for the hash provider.
type HashConfig struct {
	// Dimension is the vector dimension. Defaults to 384 so hash
	// vectors are interchangeable with bge-small ones in the index.
	Dimension int
}

// HashProvider generates embeddings by feature hashing.
//
// Each token is hashed into a bucket with a deterministic sign, the
// buckets are accumulated and the vector L2-normalized. Texts sharing
// tokens land near each other, which is what retrieval over contract
// sources needs, and the whole thing runs offline with zero model
// downloads. It is the default provider so a fresh install can index
// and retrieve before any embedding infrastructure exists.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a new hash embedding provider.
func NewHashProvider(cfg HashConfig) (*HashProvider, error) {
	dimension := cfg.Dimension
	if dimension == 0 {
		dimension = 384
	}
	if dimension < 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dimension)
	}
	return &HashProvider{dimension: dimension}, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *HashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embeddings[i] = p.embed(text)
	}
	return embeddings, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *HashProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return p.embed(text), nil
}

// embed hashes tokens into signed buckets and normalizes the result.
func (p *HashProvider) embed(text string) []float32 {
	vec := make([]float32, p.dimension)

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	for _, token := range tokens {
		sum := sha256.Sum256([]byte(token))
		bucket := binary.BigEndian.Uint32(sum[:4]) % uint32(p.dimension)
		if sum[4]&1 == 0 {
			vec[bucket]++
		} else {
			vec[bucket]--
		}
	}

	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		// No tokens at all. Return a fixed unit vector rather than a
		// zero vector, which cosine distance cannot handle.
		vec[0] = 1
		return vec
	}

	norm := float32(1 / math.Sqrt(sumSq))
	for i := range vec {
		vec[i] *= norm
	}
	return vec
}

// Dimension returns the embedding dimension.
func (p *HashProvider) Dimension() int {
	return p.dimension
}

// Close is a no-op for the hash provider.
func (p *HashProvider) Close() error {
	return nil
}
