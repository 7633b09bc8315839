package toolchain

import "regexp"

// importPattern matches Solidity import directives in both plain and
// symbol-list form:
//
//	import "@openzeppelin/contracts/token/ERC20/ERC20.sol";
//	import {ERC20} from "@openzeppelin/contracts/token/ERC20/ERC20.sol";
var importPattern = regexp.MustCompile(`(?m)^\s*import\s+(?:\{[^}]*\}\s+from\s+)?["']([^"']+)["']\s*;`)

// ScanImports extracts the external import paths referenced by source.
// Relative imports resolve inside the project tree and are skipped.
func ScanImports(source string) []string {
	matches := importPattern.FindAllStringSubmatch(source, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	var paths []string
	for _, match := range matches {
		path := match[1]
		if path == "" || path[0] == '.' {
			continue
		}
		if seen[path] {
			continue
		}
		seen[path] = true
		paths = append(paths, path)
	}
	return paths
}

// Requirements returns the manifest dependencies the source actually
// imports, plus the import paths no pinned dependency covers. Each
// dependency appears at most once regardless of how many files it
// satisfies.
func (m *Manifest) Requirements(source string) ([]Dependency, []string) {
	var (
		deps     []Dependency
		unpinned []string
		depSeen  = make(map[string]bool)
	)
	for _, path := range ScanImports(source) {
		dep, ok := m.DependencyFor(path)
		if !ok {
			unpinned = append(unpinned, path)
			continue
		}
		if depSeen[dep.Name] {
			continue
		}
		depSeen[dep.Name] = true
		deps = append(deps, dep)
	}
	return deps, unpinned
}
