package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize
var ErrWatcherFailed = errors.New("failed to initialize ledger watcher")

// DefaultDebounce coalesces bursts of ledger appends into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads the registry when an external process appends to the
// ledger files, e.g. a moderation tool re-scoring community records.
//
// The registry's own appends also trigger the watcher; Reload is
// idempotent, so those only cost a re-read.
type Watcher struct {
	registry *Registry
	logger   *zap.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
	reloads  chan time.Time
	stop     chan struct{}
}

// NewWatcher creates a watcher over the registry's ledger directory.
func NewWatcher(reg *Registry, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &Watcher{
		registry: reg,
		logger:   logger,
		debounce: debounce,
		watcher:  watcher,
		reloads:  make(chan time.Time, 10),
		stop:     make(chan struct{}),
	}, nil
}

// Start begins watching the ledger directory.
//
// Runs a background goroutine that reloads the registry after ledger
// writes settle. Call Stop() to clean up resources.
func (w *Watcher) Start(ctx context.Context) error {
	// Watch the directory rather than the files so ledgers created
	// after startup are still seen.
	if err := w.watcher.Add(w.registry.config.Dir); err != nil {
		return fmt.Errorf("watching ledger directory: %w", err)
	}

	go w.processEvents(ctx)

	return nil
}

// Stop stops the watcher and cleans up resources.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		// Already stopped
		return
	default:
		close(w.stop)
		_ = w.watcher.Close() // Best-effort cleanup, ignore error
	}
}

// Reloads returns the channel receiving a timestamp per completed reload.
func (w *Watcher) Reloads() <-chan time.Time {
	return w.reloads
}

// processEvents debounces ledger writes and triggers reloads.
func (w *Watcher) processEvents(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".jsonl" {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("ledger watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	if err := w.registry.Reload(ctx); err != nil {
		w.logger.Warn("ledger reload failed", zap.Error(err))
		return
	}

	w.logger.Debug("registry reloaded after ledger change")

	// Send notification (non-blocking)
	select {
	case w.reloads <- time.Now():
	default:
		// Channel full, skip notification
	}
}
