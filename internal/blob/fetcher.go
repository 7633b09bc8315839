package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// FetcherConfig controls gateway fallback behavior.
type FetcherConfig struct {
	// Gateways are base URLs serving blobs at <gateway>/<content_id>.
	Gateways []string

	// Timeout bounds each individual gateway attempt.
	Timeout time.Duration

	// MaxBytes caps the size of a fetched blob.
	MaxBytes int64
}

// DefaultFetcherConfig returns fetcher defaults.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Timeout:  10 * time.Second,
		MaxBytes: 32 << 20, // 32MB
	}
}

// Fetcher retrieves blobs, preferring the local store and falling back to
// remote gateways. Gateway attempts are sequential with a per-attempt
// timeout; the first success wins. There is no concurrent fan-out, so a
// slow gateway never races a fast one for the same bytes.
type Fetcher struct {
	store  Store
	config FetcherConfig
	client *http.Client
	logger *zap.Logger
}

// NewFetcher creates a fetcher over the local store and configured gateways.
func NewFetcher(store Store, cfg FetcherConfig, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetcherConfig().Timeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultFetcherConfig().MaxBytes
	}
	return &Fetcher{
		store:  store,
		config: cfg,
		client: &http.Client{},
		logger: logger,
	}
}

// Fetch returns the blob for contentID, trying the local store first and
// then each gateway in order. Fetched content is verified against the
// content ID and cached locally on success.
func (f *Fetcher) Fetch(ctx context.Context, contentID string) ([]byte, error) {
	if err := ValidateContentID(contentID); err != nil {
		return nil, err
	}

	if f.store != nil {
		data, err := f.store.Get(ctx, contentID)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if len(f.config.Gateways) == 0 {
		return nil, fmt.Errorf("%w: %s (no gateways configured)", ErrNotFound, contentID)
	}

	var errs []error
	for _, gateway := range f.config.Gateways {
		data, err := f.fetchFromGateway(ctx, gateway, contentID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", gateway, err))
			f.logger.Warn("gateway fetch failed",
				zap.String("gateway", gateway),
				zap.String("content_id", contentID),
				zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		// Cache locally so later fetches skip the network. A cache failure
		// is logged but does not fail the fetch.
		if f.store != nil {
			if _, cacheErr := f.store.Put(ctx, data); cacheErr != nil {
				f.logger.Warn("failed to cache fetched blob",
					zap.String("content_id", contentID),
					zap.Error(cacheErr))
			}
		}

		return data, nil
	}

	return nil, fmt.Errorf("all gateways failed for %s: %w", contentID, errors.Join(errs...))
}

// fetchFromGateway performs one bounded gateway attempt.
func (f *Fetcher) fetchFromGateway(ctx context.Context, gateway, contentID string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	url := strings.TrimSuffix(gateway, "/") + "/" + contentID
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if int64(len(data)) > f.config.MaxBytes {
		return nil, fmt.Errorf("blob exceeds %d byte limit", f.config.MaxBytes)
	}

	// Never trust gateway bytes without re-deriving the address.
	if got := ContentID(data); got != contentID {
		return nil, fmt.Errorf("%w: gateway returned %s", ErrCorrupt, got)
	}

	return data, nil
}
