package toolchain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "foundry.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadManifest(t *testing.T) {
	path := writeManifest(t, `
[profile]
solc_version = "0.8.24"
evm_version = "paris"

[[dependency]]
name = "@openzeppelin/contracts"
repo = "OpenZeppelin/openzeppelin-contracts"
version = "5.0.2"
prefix = "@openzeppelin/contracts/"
path = "openzeppelin-contracts"

[[dependency]]
name = "forge-std"
repo = "foundry-rs/forge-std"
version = "1.9.4"
`)

	m, err := LoadManifest(path)
	require.NoError(t, err)
	require.Equal(t, "0.8.24", m.Profile.SolcVersion)
	require.Equal(t, "paris", m.Profile.EVMVersion)
	require.Len(t, m.Dependencies, 2)

	oz := m.Dependencies[0]
	require.Equal(t, "@openzeppelin/contracts", oz.Name)
	require.Equal(t, "openzeppelin-contracts", oz.Path)

	// Unset fields default from the name and repo.
	std := m.Dependencies[1]
	require.Equal(t, "forge-std", std.Path)
	require.Equal(t, "forge-std/", std.Prefix)
}

func TestLoadManifest_MissingFile(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "reading manifest")
}

func TestLoadManifest_ParseError(t *testing.T) {
	path := writeManifest(t, "[[dependency\nname =")
	_, err := LoadManifest(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parsing")
}

func TestLoadManifest_Validation(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		wantErr  string
	}{
		{
			name: "missing name",
			manifest: `[[dependency]]
repo = "a/b"
version = "1.0.0"
`,
			wantErr: "name is required",
		},
		{
			name: "missing version",
			manifest: `[[dependency]]
name = "lib"
repo = "a/b"
`,
			wantErr: "version is required",
		},
		{
			name: "repo without owner",
			manifest: `[[dependency]]
name = "lib"
repo = "just-a-name"
version = "1.0.0"
`,
			wantErr: "owner/name form",
		},
		{
			name: "repo with extra segments",
			manifest: `[[dependency]]
name = "lib"
repo = "a/b/c"
version = "1.0.0"
`,
			wantErr: "owner/name form",
		},
		{
			name: "duplicate dependency",
			manifest: `[[dependency]]
name = "lib"
repo = "a/b"
version = "1.0.0"

[[dependency]]
name = "lib"
repo = "c/d"
version = "2.0.0"
`,
			wantErr: "duplicate dependency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeManifest(t, tt.manifest)
			_, err := LoadManifest(path)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDependencyFor(t *testing.T) {
	m := &Manifest{Dependencies: []Dependency{
		{Name: "@openzeppelin/contracts", Prefix: "@openzeppelin/contracts/"},
		{Name: "forge-std", Prefix: "forge-std/"},
	}}

	dep, ok := m.DependencyFor("@openzeppelin/contracts/token/ERC20/ERC20.sol")
	require.True(t, ok)
	require.Equal(t, "@openzeppelin/contracts", dep.Name)

	dep, ok = m.DependencyFor("forge-std/Test.sol")
	require.True(t, ok)
	require.Equal(t, "forge-std", dep.Name)

	_, ok = m.DependencyFor("@uniswap/v3-core/contracts/UniswapV3Pool.sol")
	require.False(t, ok)
}

func TestDependencyInstallDir(t *testing.T) {
	dep := Dependency{Path: "openzeppelin-contracts"}
	require.Equal(t, filepath.Join("lib", "openzeppelin-contracts"), dep.InstallDir("lib"))
}
