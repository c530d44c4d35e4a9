package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dshills/depcontext/pkg/types"
	"github.com/pelletier/go-toml/v2"
)

// CargoResolver reads Cargo.toml (including workspaces), pinning from Cargo.lock
type CargoResolver struct{}

func (r *CargoResolver) Ecosystem() types.Registry { return types.RegistryCrates }

var cargoSections = []string{"dependencies", "dev-dependencies", "build-dependencies"}

type cargoLock struct {
	Package []struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
		Source  string `toml:"source"`
	} `toml:"package"`
}

func (r *CargoResolver) Resolve(dir string) ([]Dependency, error) {
	tomlPath := join(dir, "Cargo.toml")
	doc, err := readTOML(tomlPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, syntaxError(types.RegistryCrates, tomlPath, err)
	}

	var errs []error
	workspaceVersions := make(map[string]string)
	if ws, ok := doc["workspace"].(map[string]any); ok {
		if wd, ok := ws["dependencies"].(map[string]any); ok {
			for name, v := range wd {
				if spec, ok := cargoVersion(v); ok {
					workspaceVersions[name] = spec
				}
			}
		}
	}

	direct := make(map[string]string)
	collectCargoDeps(doc, workspaceVersions, direct)

	// Workspace members share the root lockfile
	if ws, ok := doc["workspace"].(map[string]any); ok {
		members, _ := ws["members"].([]any)
		for _, m := range members {
			pattern, ok := m.(string)
			if !ok {
				continue
			}
			matches, _ := filepath.Glob(filepath.Join(dir, pattern))
			if len(matches) == 0 {
				errs = append(errs, &types.ManifestError{
					Ecosystem: types.RegistryCrates, Path: tomlPath,
					Kind: types.ManifestMissingRequiredFile, Detail: "workspace member " + pattern,
				})
			}
			for _, memberDir := range matches {
				memberPath := filepath.Join(memberDir, "Cargo.toml")
				memberDoc, err := readTOML(memberPath)
				if err != nil {
					if os.IsNotExist(err) {
						continue
					}
					errs = append(errs, syntaxError(types.RegistryCrates, memberPath, err))
					continue
				}
				collectCargoDeps(memberDoc, workspaceVersions, direct)
			}
		}
	}

	if len(direct) == 0 {
		return nil, errors.Join(errs...)
	}

	locked, lockErr := readCargoLock(join(dir, "Cargo.lock"))
	if lockErr != nil {
		errs = append(errs, lockErr)
	}

	var deps []Dependency
	for _, name := range sortedKeys(direct) {
		spec := direct[name]
		if v := pickLocked(locked[name], spec); v != "" {
			deps = append(deps, newDependency(types.RegistryCrates, name, v, tomlPath, false))
			continue
		}
		v := cleanRange(spec)
		if v == "" {
			errs = append(errs, unresolvable(types.RegistryCrates, tomlPath, name, spec))
			continue
		}
		deps = append(deps, newDependency(types.RegistryCrates, name, normalizeSemver(v), tomlPath, true))
	}
	return deps, errors.Join(errs...)
}

func collectCargoDeps(doc map[string]any, workspaceVersions, into map[string]string) {
	for _, section := range cargoSections {
		table, ok := doc[section].(map[string]any)
		if !ok {
			continue
		}
		for name, v := range table {
			// Renamed dependencies point at the real crate
			crate := name
			if t, ok := v.(map[string]any); ok {
				if pkg, ok := t["package"].(string); ok && pkg != "" {
					crate = pkg
				}
				if inherit, _ := t["workspace"].(bool); inherit {
					if spec, ok := workspaceVersions[crate]; ok {
						into[crate] = spec
					}
					continue
				}
			}
			if spec, ok := cargoVersion(v); ok {
				into[crate] = spec
			}
		}
	}
}

// cargoVersion extracts the version requirement, rejecting path and git deps
func cargoVersion(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case map[string]any:
		if _, ok := t["path"]; ok {
			return "", false
		}
		if _, ok := t["git"]; ok {
			return "", false
		}
		s, ok := t["version"].(string)
		return s, ok
	}
	return "", false
}

func readCargoLock(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.ManifestError{Ecosystem: types.RegistryCrates, Path: path, Kind: types.ManifestMissingRequiredFile, Err: err}
	}
	var lock cargoLock
	if err := toml.Unmarshal(data, &lock); err != nil {
		return nil, syntaxError(types.RegistryCrates, path, fmt.Errorf("Cargo.lock: %w", err))
	}
	out := make(map[string][]string)
	for _, p := range lock.Package {
		// Local workspace crates have no source
		if p.Source == "" {
			continue
		}
		out[p.Name] = append(out[p.Name], p.Version)
	}
	return out, nil
}

func readTOML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
