// Package blob implements the content-addressed store backing the artifact
// registry. Content IDs are hex-encoded sha256 digests of the raw bytes, so
// byte-identical content always resolves to the same ID.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

// Store errors.
var (
	// ErrNotFound indicates no blob exists for the content ID.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidContentID indicates a malformed content ID.
	ErrInvalidContentID = errors.New("invalid content ID")

	// ErrCorrupt indicates stored bytes no longer match their content ID.
	ErrCorrupt = errors.New("blob content does not match its ID")

	// ErrEmptyContent indicates a put with no bytes.
	ErrEmptyContent = errors.New("content cannot be empty")

	// ErrStoreClosed indicates an operation on a closed store.
	ErrStoreClosed = errors.New("blob store is closed")
)

// contentIDPattern matches hex-encoded sha256 digests.
var contentIDPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Store is the content-addressed blob interface.
//
// Put is idempotent: storing byte-identical content twice returns the same
// content ID without duplicating bytes on disk.
type Store interface {
	// Put stores content and returns its content ID.
	Put(ctx context.Context, data []byte) (string, error)

	// Get retrieves content by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, contentID string) ([]byte, error)

	// Has reports whether content exists for the ID.
	Has(ctx context.Context, contentID string) (bool, error)

	// Close releases store resources.
	Close() error
}

// ContentID computes the content address for raw bytes.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidateContentID checks that an ID is a well-formed content address.
func ValidateContentID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidContentID)
	}
	if !contentIDPattern.MatchString(id) {
		return fmt.Errorf("%w: must be 64 lowercase hex chars, got %q", ErrInvalidContentID, id)
	}
	return nil
}
