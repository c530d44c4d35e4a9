package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dshills/depcontext/pkg/types"
)

// NpmResolver reads package.json, pinning versions from package-lock.json
type NpmResolver struct{}

func (r *NpmResolver) Ecosystem() types.Registry { return types.RegistryNpm }

type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

type packageLock struct {
	Packages map[string]struct {
		Version string `json:"version"`
		Link    bool   `json:"link"`
	} `json:"packages"`
	// lockfileVersion 1
	Dependencies map[string]struct {
		Version string `json:"version"`
	} `json:"dependencies"`
}

func (r *NpmResolver) Resolve(dir string) ([]Dependency, error) {
	pkgPath := join(dir, "package.json")
	data, err := os.ReadFile(pkgPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.ManifestError{Ecosystem: types.RegistryNpm, Path: pkgPath, Kind: types.ManifestMissingRequiredFile, Err: err}
	}

	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, syntaxError(types.RegistryNpm, pkgPath, err)
	}

	direct := make(map[string]string)
	for _, m := range []map[string]string{pkg.Dependencies, pkg.DevDependencies} {
		for name, spec := range m {
			if isNonRegistrySpec(spec) {
				continue
			}
			direct[name] = spec
		}
	}
	if len(direct) == 0 {
		return nil, nil
	}

	var errs []error
	locked, lockErr := readPackageLock(join(dir, "package-lock.json"))
	if lockErr != nil {
		errs = append(errs, lockErr)
	}

	var deps []Dependency
	for _, name := range sortedKeys(direct) {
		if v, ok := locked[name]; ok {
			deps = append(deps, newDependency(types.RegistryNpm, name, v, pkgPath, false))
			continue
		}
		v := cleanRange(direct[name])
		if v == "" {
			errs = append(errs, unresolvable(types.RegistryNpm, pkgPath, name, direct[name]))
			continue
		}
		deps = append(deps, newDependency(types.RegistryNpm, name, normalizeSemver(v), pkgPath, true))
	}
	return deps, errors.Join(errs...)
}

// readPackageLock maps top-level package names to pinned versions.
// Nested node_modules entries are transitive and ignored.
func readPackageLock(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.ManifestError{Ecosystem: types.RegistryNpm, Path: path, Kind: types.ManifestMissingRequiredFile, Err: err}
	}

	var lock packageLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, syntaxError(types.RegistryNpm, path, fmt.Errorf("package-lock.json: %w", err))
	}

	out := make(map[string]string)
	for key, entry := range lock.Packages {
		name, ok := strings.CutPrefix(key, "node_modules/")
		if !ok || strings.Contains(name, "node_modules/") || entry.Link || entry.Version == "" {
			continue
		}
		out[name] = entry.Version
	}
	if len(out) == 0 {
		for name, entry := range lock.Dependencies {
			if entry.Version != "" {
				out[name] = entry.Version
			}
		}
	}
	return out, nil
}

func isNonRegistrySpec(spec string) bool {
	s := strings.TrimSpace(spec)
	for _, p := range []string{"git", "file:", "http", "link:", "workspace:", "npm:"} {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	// user/repo shorthand
	return strings.Contains(s, "/")
}
