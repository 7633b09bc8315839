package toolchain

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ForgeInstaller installs libraries by shelling out to forge install,
// the normal install path for foundry-layout projects. Forge derives
// the install location from the project configuration, so dir is
// ignored.
type ForgeInstaller struct {
	// Binary is the forge executable. Defaults to "forge".
	Binary string
	// WorkDir is the project root forge runs in.
	WorkDir string
}

func (f *ForgeInstaller) Install(ctx context.Context, dep Dependency, dir string) error {
	binary := f.Binary
	if binary == "" {
		binary = "forge"
	}

	tag := dep.Version
	if !strings.HasPrefix(tag, "v") {
		tag = "v" + tag
	}

	spec := fmt.Sprintf("%s=%s@%s", dep.Path, dep.Repo, tag)
	cmd := exec.CommandContext(ctx, binary, "install", spec)
	cmd.Dir = f.WorkDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("forge install %s: %w: %s", spec, err, strings.TrimSpace(string(out)))
	}
	return nil
}
