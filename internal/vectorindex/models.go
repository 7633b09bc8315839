package vectorindex

// Document represents an artifact to be indexed for similarity search.
type Document struct {
	// ID is the unique identifier for the document. Callers should use
	// the registry record ID so search results resolve back to records.
	ID string

	// Content is the text content of the document.
	Content string

	// Metadata contains additional key-value pairs for filtering.
	// Common fields: scope, content_id, artifact_type, quality_score,
	// sandboxed.
	Metadata map[string]any

	// Collection is the target collection name for this document.
	// Required; all documents in one AddDocuments call must agree.
	Collection string
}

// SearchResult represents a search result from the index.
type SearchResult struct {
	// ID is the document identifier.
	ID string

	// Content is the document text content.
	Content string

	// Score is the similarity score (higher = more similar).
	Score float32

	// Metadata contains the document metadata.
	Metadata map[string]any
}
