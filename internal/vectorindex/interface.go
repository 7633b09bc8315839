// Package vectorindex defines the interface for similarity search over
// registry artifacts.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors for index operations.
var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates empty or nil documents.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrConnectionFailed indicates the external index is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to index")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// collectionNamePattern validates collection names.
// Pattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName validates a collection name against naming rules.
// Rejects uppercase, special chars, path traversal, spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// Embedder generates vector embeddings from text.
//
// Some models embed queries and documents differently, so the two
// operations are distinct.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// CollectionInfo contains metadata about an index collection.
type CollectionInfo struct {
	// Name is the collection name.
	Name string `json:"name"`

	// PointCount is the number of vectors in the collection.
	PointCount int `json:"point_count"`

	// VectorSize is the dimensionality of vectors in this collection.
	VectorSize int `json:"vector_size"`
}

// Index is the interface for vector index operations.
//
// Collections partition the index by registry scope: one collection per
// scope (e.g. team_artifacts, community_artifacts). Implementations
// auto-create collections on first write.
//
// Implementations:
//   - ChromemIndex: embedded chromem-go (default, no external service)
//   - QdrantIndex: external Qdrant over gRPC
type Index interface {
	// AddDocuments embeds and stores documents. All documents in one
	// call must target the same collection. Returns the document IDs.
	AddDocuments(ctx context.Context, docs []Document) ([]string, error)

	// Search performs similarity search in a collection. Results are
	// ordered by similarity score, highest first. Filters match
	// document metadata; only documents matching all conditions are
	// returned.
	Search(ctx context.Context, collection, query string, k int, filters map[string]any) ([]SearchResult, error)

	// DeleteDocuments deletes documents by ID from a collection.
	DeleteDocuments(ctx context.Context, collection string, ids []string) error

	// CollectionExists reports whether a collection exists.
	CollectionExists(ctx context.Context, collection string) (bool, error)

	// CollectionInfo returns metadata about a collection, or
	// ErrCollectionNotFound.
	CollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error)

	// ListCollections returns all collection names.
	ListCollections(ctx context.Context) ([]string, error)

	// Close releases index resources.
	Close() error
}
