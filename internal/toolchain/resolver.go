package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/crucible/internal/toolchain"

// versionMarker is the file inside an installed library directory that
// records which pinned version produced it.
const versionMarker = ".crucible-version"

var (
	// ErrFetcherRequired is returned when no fetcher is configured.
	ErrFetcherRequired = errors.New("toolchain: fetcher is required")
	// ErrNoPin is reported for imports no manifest dependency covers.
	ErrNoPin = errors.New("no pinned dependency satisfies import")
)

// Config holds resolver settings.
type Config struct {
	// LibDir is the directory libraries install into.
	LibDir string
	// FetchTimeout bounds each install or fetch attempt.
	FetchTimeout time.Duration
}

// ApplyDefaults fills in default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.LibDir == "" {
		c.LibDir = "lib"
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = time.Minute
	}
}

// Installer performs the normal library install, e.g. by delegating to
// forge install.
type Installer interface {
	Install(ctx context.Context, dep Dependency, dir string) error
}

// Fetcher clones a pinned library directly, bypassing the normal
// install path.
type Fetcher interface {
	Fetch(ctx context.Context, dep Dependency, ref, dir string) error
}

// TagResolver maps a pinned version to the repository tag to fetch.
type TagResolver interface {
	ResolveTag(ctx context.Context, repo, version string) (string, error)
}

// Issue is one unresolved dependency problem.
type Issue struct {
	Dependency string
	Err        error
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s: %v", i.Dependency, i.Err)
}

// installState classifies what currently occupies a library directory.
type installState int

const (
	// stateMissing means the directory does not exist.
	stateMissing installState = iota
	// stateInstalled means a version marker is present.
	stateInstalled
	// stateUnknown means the directory has content but no version
	// marker, so the installed version cannot be verified.
	stateUnknown
	// stateBrokenLink means the directory is a submodule link without a
	// usable working tree: empty, or holding a .git gitlink file with
	// nothing checked out around it.
	stateBrokenLink
)

// Resolver ensures pinned library dependencies are installed at their
// pinned versions.
type Resolver struct {
	config    Config
	installer Installer
	fetcher   Fetcher
	tags      TagResolver
	logger    *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	ensuresTotal metric.Int64Counter
}

// NewResolver creates a dependency resolver. installer may be nil, in
// which case every install goes through the direct fetch path. tags may
// be nil, in which case the conventional v-prefixed tag is assumed.
func NewResolver(cfg Config, installer Installer, fetcher Fetcher, tags TagResolver, logger *zap.Logger) (*Resolver, error) {
	if fetcher == nil {
		return nil, ErrFetcherRequired
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	r := &Resolver{
		config:    cfg,
		installer: installer,
		fetcher:   fetcher,
		tags:      tags,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	r.initMetrics(logger)
	return r, nil
}

func (r *Resolver) initMetrics(logger *zap.Logger) {
	var err error
	r.ensuresTotal, err = r.meter.Int64Counter(
		"crucible.toolchain.ensures_total",
		metric.WithDescription("Dependency ensure outcomes"),
		metric.WithUnit("{ensure}"),
	)
	if err != nil {
		logger.Warn("failed to create ensures counter", zap.Error(err))
	}
}

func (r *Resolver) recordEnsure(ctx context.Context, dep Dependency, result string) {
	if r.ensuresTotal == nil {
		return
	}
	r.ensuresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dependency", dep.Name),
		attribute.String("result", result),
	))
}

// Ensure makes sure the dependency is installed at its pinned version.
// A nil return means the requirement is satisfied. Satisfied installs
// are left untouched, so repeated calls are no-ops.
func (r *Resolver) Ensure(ctx context.Context, dep Dependency) error {
	ctx, span := r.tracer.Start(ctx, "toolchain.ensure")
	defer span.End()

	if err := dep.validate(); err != nil {
		return err
	}
	dep.applyDefaults()

	dir := dep.InstallDir(r.config.LibDir)
	state, installed := inspectInstall(dir)

	switch state {
	case stateInstalled:
		if installed == dep.Version {
			r.logger.Debug("dependency satisfied",
				zap.String("dependency", dep.Name),
				zap.String("version", installed))
			r.recordEnsure(ctx, dep, "satisfied")
			return nil
		}
		r.logger.Info("dependency version mismatch, reinstalling",
			zap.String("dependency", dep.Name),
			zap.String("installed", installed),
			zap.String("pinned", dep.Version))
		if err := r.removeInstall(ctx, dep, dir); err != nil {
			return err
		}

	case stateUnknown:
		r.logger.Info("dependency version unknown, reinstalling",
			zap.String("dependency", dep.Name),
			zap.String("dir", dir))
		if err := r.removeInstall(ctx, dep, dir); err != nil {
			return err
		}

	case stateBrokenLink:
		// The normal install path trips over leftover submodule state,
		// so repair goes straight to a direct fetch.
		r.logger.Warn("dependency install is a broken submodule link, fetching directly",
			zap.String("dependency", dep.Name),
			zap.String("dir", dir))
		if err := r.removeInstall(ctx, dep, dir); err != nil {
			return err
		}
		return r.fetchDirect(ctx, dep, dir)

	case stateMissing:
	}

	if r.installer == nil {
		return r.fetchDirect(ctx, dep, dir)
	}

	if err := r.install(ctx, dep, dir); err != nil {
		r.logger.Warn("install failed, falling back to direct fetch",
			zap.String("dependency", dep.Name),
			zap.Error(err))
		if err := r.removeInstall(ctx, dep, dir); err != nil {
			return err
		}
		return r.fetchDirect(ctx, dep, dir)
	}
	if err := writeVersionMarker(dir, dep.Version); err != nil {
		r.recordEnsure(ctx, dep, "failed")
		return fmt.Errorf("recording installed version for %s: %w", dep.Name, err)
	}

	r.recordEnsure(ctx, dep, "installed")
	r.logger.Info("dependency installed",
		zap.String("dependency", dep.Name),
		zap.String("version", dep.Version),
		zap.String("dir", dir))
	return nil
}

// EnsureAll ensures every dependency, collecting an issue per failure
// instead of stopping at the first.
func (r *Resolver) EnsureAll(ctx context.Context, deps []Dependency) []Issue {
	var issues []Issue
	for _, dep := range deps {
		if err := r.Ensure(ctx, dep); err != nil {
			issues = append(issues, Issue{Dependency: dep.Name, Err: err})
		}
	}
	return issues
}

// EnsureForSource ensures every dependency the source imports. Imports
// no pinned dependency covers are reported as issues.
func (r *Resolver) EnsureForSource(ctx context.Context, m *Manifest, source string) []Issue {
	deps, unpinned := m.Requirements(source)
	issues := r.EnsureAll(ctx, deps)
	for _, path := range unpinned {
		issues = append(issues, Issue{Dependency: path, Err: ErrNoPin})
	}
	return issues
}

func (r *Resolver) install(ctx context.Context, dep Dependency, dir string) error {
	installCtx := ctx
	if r.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		installCtx, cancel = context.WithTimeout(ctx, r.config.FetchTimeout)
		defer cancel()
	}
	return r.installer.Install(installCtx, dep, dir)
}

func (r *Resolver) fetchDirect(ctx context.Context, dep Dependency, dir string) error {
	ref := r.resolveRef(ctx, dep)

	fetchCtx := ctx
	if r.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.config.FetchTimeout)
		defer cancel()
	}

	if err := r.fetcher.Fetch(fetchCtx, dep, ref, dir); err != nil {
		r.recordEnsure(ctx, dep, "failed")
		return fmt.Errorf("fetching %s@%s: %w", dep.Name, dep.Version, err)
	}
	if err := writeVersionMarker(dir, dep.Version); err != nil {
		r.recordEnsure(ctx, dep, "failed")
		return fmt.Errorf("recording installed version for %s: %w", dep.Name, err)
	}

	r.recordEnsure(ctx, dep, "fetched")
	r.logger.Info("dependency fetched directly",
		zap.String("dependency", dep.Name),
		zap.String("ref", ref),
		zap.String("dir", dir))
	return nil
}

// resolveRef maps a pinned version to a repository tag. Resolution goes
// through the configured TagResolver; when none is configured or the
// lookup fails, the conventional v-prefixed tag is assumed.
func (r *Resolver) resolveRef(ctx context.Context, dep Dependency) string {
	fallback := dep.Version
	if !strings.HasPrefix(fallback, "v") {
		fallback = "v" + fallback
	}
	if r.tags == nil {
		return fallback
	}
	ref, err := r.tags.ResolveTag(ctx, dep.Repo, dep.Version)
	if err != nil {
		r.logger.Warn("tag resolution failed, assuming conventional tag",
			zap.String("dependency", dep.Name),
			zap.String("tag", fallback),
			zap.Error(err))
		return fallback
	}
	return ref
}

func (r *Resolver) removeInstall(ctx context.Context, dep Dependency, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		r.recordEnsure(ctx, dep, "failed")
		return fmt.Errorf("removing install %s: %w", dir, err)
	}
	return nil
}

// inspectInstall classifies the current contents of a library directory
// and reports the recorded version when one is present.
func inspectInstall(dir string) (installState, string) {
	info, err := os.Stat(dir)
	if err != nil {
		return stateMissing, ""
	}
	if !info.IsDir() {
		return stateBrokenLink, ""
	}

	if version, ok := readVersionMarker(dir); ok {
		return stateInstalled, version
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return stateBrokenLink, ""
	}
	if gi, err := os.Stat(filepath.Join(dir, ".git")); err == nil && !gi.IsDir() {
		return stateBrokenLink, ""
	}
	return stateUnknown, ""
}

func readVersionMarker(dir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, versionMarker))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

func writeVersionMarker(dir, version string) error {
	return os.WriteFile(filepath.Join(dir, versionMarker), []byte(version+"\n"), 0o644)
}
