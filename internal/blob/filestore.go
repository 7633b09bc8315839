package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"
)

// objectDir is the root directory for stored blobs within the filesystem.
const objectDir = "objects"

// FileStore is a filesystem-backed content-addressed store.
//
// Blobs are stored git-style under objects/<first two hex chars>/<content id>
// to keep directory fan-out bounded. Writes go through a temp file plus
// rename so a crashed put never leaves a partial blob at the final path.
type FileStore struct {
	fs     billy.Filesystem
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewFileStore creates a store rooted at the given directory.
func NewFileStore(root string, logger *zap.Logger) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("blob store root cannot be empty")
	}
	return NewFileStoreFS(osfs.New(root), logger), nil
}

// NewFileStoreFS creates a store on an explicit billy filesystem.
// Tests use this with memfs.
func NewFileStoreFS(fsys billy.Filesystem, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		fs:     fsys,
		logger: logger,
	}
}

// Put stores content and returns its content ID. Idempotent: content that
// already exists is not rewritten.
func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrEmptyContent
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return "", ErrStoreClosed
	}
	s.mu.RUnlock()

	contentID := ContentID(data)
	objPath := s.objectPath(contentID)

	// Already stored: nothing to do.
	if _, err := s.fs.Stat(objPath); err == nil {
		return contentID, nil
	}

	dir := path.Dir(objPath)
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating blob directory: %w", err)
	}

	tmp, err := util.TempFile(s.fs, dir, ".put-")
	if err != nil {
		return "", fmt.Errorf("creating temp blob: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpName)
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return "", fmt.Errorf("closing temp blob: %w", err)
	}

	// A concurrent put of identical bytes may rename first; both files carry
	// the same content, so last-rename-wins is safe.
	if err := s.fs.Rename(tmpName, objPath); err != nil {
		_ = s.fs.Remove(tmpName)
		return "", fmt.Errorf("committing blob: %w", err)
	}

	s.logger.Debug("blob stored",
		zap.String("content_id", contentID),
		zap.Int("bytes", len(data)))

	return contentID, nil
}

// Get retrieves content by ID, verifying integrity against the address.
func (s *FileStore) Get(ctx context.Context, contentID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateContentID(contentID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	data, err := util.ReadFile(s.fs, s.objectPath(contentID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, contentID)
		}
		return nil, fmt.Errorf("reading blob: %w", err)
	}

	if got := ContentID(data); got != contentID {
		s.logger.Error("blob integrity check failed",
			zap.String("want", contentID),
			zap.String("got", got))
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, contentID)
	}

	return data, nil
}

// Has reports whether content exists for the ID.
func (s *FileStore) Has(ctx context.Context, contentID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateContentID(contentID); err != nil {
		return false, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false, ErrStoreClosed
	}
	s.mu.RUnlock()

	if _, err := s.fs.Stat(s.objectPath(contentID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}

// Close marks the store closed. Further operations return ErrStoreClosed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// objectPath returns the sharded storage path for a content ID.
func (s *FileStore) objectPath(contentID string) string {
	return path.Join(objectDir, contentID[:2], contentID)
}
