// Package toolchain probes and repairs the build environment a contract
// workflow depends on: the compiler toolchain and the pinned contract
// libraries declared in the project manifest.
package toolchain

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Manifest declares the project's compiler profile and pinned library
// dependencies. It is read from a foundry.toml-style file at the project
// root.
type Manifest struct {
	Profile      Profile      `toml:"profile"`
	Dependencies []Dependency `toml:"dependency"`
}

// Profile pins compiler settings for the project.
type Profile struct {
	SolcVersion string `toml:"solc_version"`
	EVMVersion  string `toml:"evm_version"`
}

// Dependency pins one contract library requirement.
type Dependency struct {
	// Name is the library identifier, e.g. "@openzeppelin/contracts".
	Name string `toml:"name"`
	// Repo is the GitHub repository in owner/name form.
	Repo string `toml:"repo"`
	// Version is the pinned release version, without a leading "v".
	Version string `toml:"version"`
	// Prefix is the import path prefix this library satisfies.
	// Defaults to Name plus a trailing slash.
	Prefix string `toml:"prefix"`
	// Path is the install directory under the lib dir. Defaults to the
	// repository name.
	Path string `toml:"path"`
}

// InstallDir returns the directory the dependency installs into.
func (d Dependency) InstallDir(libDir string) string {
	return filepath.Join(libDir, d.Path)
}

func (d Dependency) validate() error {
	if d.Name == "" {
		return fmt.Errorf("dependency name is required")
	}
	if d.Version == "" {
		return fmt.Errorf("dependency %s: version is required", d.Name)
	}
	owner, repo, ok := strings.Cut(d.Repo, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return fmt.Errorf("dependency %s: repo must be in owner/name form, got %q", d.Name, d.Repo)
	}
	return nil
}

func (d *Dependency) applyDefaults() {
	if d.Path == "" {
		if _, repo, ok := strings.Cut(d.Repo, "/"); ok {
			d.Path = repo
		}
	}
	if d.Prefix == "" {
		d.Prefix = d.Name + "/"
	}
}

// LoadManifest reads and validates the project manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	seen := make(map[string]bool, len(m.Dependencies))
	for i := range m.Dependencies {
		dep := &m.Dependencies[i]
		if err := dep.validate(); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", path, err)
		}
		if seen[dep.Name] {
			return nil, fmt.Errorf("manifest %s: duplicate dependency %s", path, dep.Name)
		}
		seen[dep.Name] = true
		dep.applyDefaults()
	}

	return &m, nil
}

// DependencyFor returns the pinned dependency that satisfies the given
// import path, or false when no pin covers it.
func (m *Manifest) DependencyFor(importPath string) (Dependency, bool) {
	for _, dep := range m.Dependencies {
		if strings.HasPrefix(importPath, dep.Prefix) {
			return dep, true
		}
	}
	return Dependency{}, false
}
