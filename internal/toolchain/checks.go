package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// CheckStatus classifies a probe outcome.
type CheckStatus string

const (
	StatusOK      CheckStatus = "ok"
	StatusWarning CheckStatus = "warning"
	StatusError   CheckStatus = "error"
)

// CheckResult is the outcome of one environment probe.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Details []string
	FixHint string
}

// Check probes one aspect of the build environment.
type Check interface {
	Name() string
	Description() string
	Run(ctx context.Context) *CheckResult
}

// Fixable is a check that can repair what it probes.
type Fixable interface {
	Check
	CanFix() bool
	Fix(ctx context.Context) error
}

// BinaryCheck verifies an executable is on PATH.
type BinaryCheck struct {
	// Binary is the executable name, e.g. "forge".
	Binary string
	// Hint tells the operator how to install it.
	Hint string
}

func (c *BinaryCheck) Name() string { return c.Binary }

func (c *BinaryCheck) Description() string {
	return fmt.Sprintf("%s executable is installed", c.Binary)
}

func (c *BinaryCheck) Run(ctx context.Context) *CheckResult {
	path, err := exec.LookPath(c.Binary)
	if err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("%s not found on PATH", c.Binary),
			FixHint: c.Hint,
		}
	}
	return &CheckResult{Name: c.Name(), Status: StatusOK, Message: path}
}

// ManifestCheck verifies the project manifest parses and validates.
type ManifestCheck struct {
	// Path is the manifest location.
	Path string
}

func (c *ManifestCheck) Name() string { return "manifest" }

func (c *ManifestCheck) Description() string {
	return "project manifest parses and validates"
}

func (c *ManifestCheck) Run(ctx context.Context) *CheckResult {
	m, err := LoadManifest(c.Path)
	if err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: err.Error(),
			FixHint: fmt.Sprintf("fix the manifest at %s", c.Path),
		}
	}

	details := make([]string, 0, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		details = append(details, fmt.Sprintf("%s@%s", dep.Name, dep.Version))
	}
	return &CheckResult{
		Name:    c.Name(),
		Status:  StatusOK,
		Message: fmt.Sprintf("%d dependencies pinned", len(m.Dependencies)),
		Details: details,
	}
}

// LibrariesCheck verifies every pinned library is installed at its
// pinned version. With a resolver attached it can repair what it finds.
type LibrariesCheck struct {
	// ManifestPath is the manifest location.
	ManifestPath string
	// LibDir is the directory libraries install into.
	LibDir string
	// Resolver repairs unsatisfied requirements. May be nil.
	Resolver *Resolver
}

func (c *LibrariesCheck) Name() string { return "libraries" }

func (c *LibrariesCheck) Description() string {
	return "pinned libraries are installed at their pinned versions"
}

func (c *LibrariesCheck) Run(ctx context.Context) *CheckResult {
	m, err := LoadManifest(c.ManifestPath)
	if err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusWarning,
			Message: "manifest unreadable, see the manifest check",
		}
	}

	var details []string
	for _, dep := range m.Dependencies {
		state, installed := inspectInstall(dep.InstallDir(c.LibDir))
		switch {
		case state == stateInstalled && installed == dep.Version:
		case state == stateInstalled:
			details = append(details, fmt.Sprintf("%s: installed %s, pinned %s", dep.Name, installed, dep.Version))
		case state == stateMissing:
			details = append(details, fmt.Sprintf("%s: not installed", dep.Name))
		case state == stateBrokenLink:
			details = append(details, fmt.Sprintf("%s: broken submodule link", dep.Name))
		default:
			details = append(details, fmt.Sprintf("%s: installed version unknown", dep.Name))
		}
	}

	if len(details) == 0 {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusOK,
			Message: fmt.Sprintf("%d libraries at pinned versions", len(m.Dependencies)),
		}
	}
	return &CheckResult{
		Name:    c.Name(),
		Status:  StatusError,
		Message: fmt.Sprintf("%d of %d libraries need attention", len(details), len(m.Dependencies)),
		Details: details,
		FixHint: "run crucible doctor --fix to install pinned libraries",
	}
}

func (c *LibrariesCheck) CanFix() bool { return c.Resolver != nil }

func (c *LibrariesCheck) Fix(ctx context.Context) error {
	if c.Resolver == nil {
		return errors.New("no resolver attached")
	}
	m, err := LoadManifest(c.ManifestPath)
	if err != nil {
		return err
	}

	issues := c.Resolver.EnsureAll(ctx, m.Dependencies)
	if len(issues) == 0 {
		return nil
	}
	errs := make([]error, len(issues))
	for i, issue := range issues {
		errs[i] = issue
	}
	return errors.Join(errs...)
}

// Checks assembles the standard environment probes for a project.
func Checks(manifestPath, libDir string, resolver *Resolver) []Check {
	return []Check{
		&BinaryCheck{Binary: "forge", Hint: "install foundry from https://getfoundry.sh"},
		&BinaryCheck{Binary: "slither", Hint: "pip install slither-analyzer"},
		&ManifestCheck{Path: manifestPath},
		&LibrariesCheck{ManifestPath: manifestPath, LibDir: libDir, Resolver: resolver},
	}
}
