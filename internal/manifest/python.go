package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/dshills/depcontext/pkg/types"
)

// PythonResolver reads pyproject.toml (PEP 621 and Poetry) and requirements.txt
type PythonResolver struct{}

func (r *PythonResolver) Ecosystem() types.Registry { return types.RegistryPypi }

func (r *PythonResolver) Resolve(dir string) ([]Dependency, error) {
	var deps []Dependency
	var errs []error

	pyproject := join(dir, "pyproject.toml")
	if doc, err := readTOML(pyproject); err == nil {
		d, e := pyprojectDeps(doc, pyproject)
		deps = append(deps, d...)
		errs = append(errs, e...)
	} else if !os.IsNotExist(err) {
		errs = append(errs, syntaxError(types.RegistryPypi, pyproject, err))
	}

	requirements := join(dir, "requirements.txt")
	if _, err := os.Stat(requirements); err == nil {
		d, e := requirementsDeps(requirements, map[string]bool{})
		deps = append(deps, d...)
		errs = append(errs, e...)
	}

	// First declaration of a name wins
	seen := make(map[string]bool)
	out := deps[:0]
	for _, d := range deps {
		key := normalizePyName(d.Coordinate.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out, errors.Join(errs...)
}

func pyprojectDeps(doc map[string]any, path string) ([]Dependency, []error) {
	var deps []Dependency
	var errs []error

	if project, ok := doc["project"].(map[string]any); ok {
		list, _ := project["dependencies"].([]any)
		for _, item := range list {
			spec, ok := item.(string)
			if !ok {
				continue
			}
			d, err := parsePEP508(spec, path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if d != nil {
				deps = append(deps, *d)
			}
		}
	}

	tool, _ := doc["tool"].(map[string]any)
	poetry, _ := tool["poetry"].(map[string]any)
	table, _ := poetry["dependencies"].(map[string]any)
	for _, name := range sortedKeys(table) {
		if strings.EqualFold(name, "python") {
			continue
		}
		var spec string
		switch v := table[name].(type) {
		case string:
			spec = v
		case map[string]any:
			if _, local := v["path"]; local {
				continue
			}
			if _, vcs := v["git"]; vcs {
				continue
			}
			spec, _ = v["version"].(string)
		}
		spec = strings.TrimSpace(spec)
		// A bare Poetry version is an exact pin
		exact := spec != "" && spec[0] >= '0' && spec[0] <= '9' && !strings.ContainsAny(spec, "*,<> ")
		if strings.HasPrefix(spec, "==") {
			spec, exact = strings.TrimPrefix(spec, "=="), true
		}
		v := cleanRange(spec)
		if v == "" {
			errs = append(errs, unresolvable(types.RegistryPypi, path, name, spec))
			continue
		}
		deps = append(deps, newDependency(types.RegistryPypi, name, v, path, !exact))
	}
	return deps, errs
}

// requirementsDeps follows -r includes; visited guards against cycles
func requirementsDeps(path string, visited map[string]bool) ([]Dependency, []error) {
	abs, _ := filepath.Abs(path)
	if visited[abs] {
		return nil, nil
	}
	visited[abs] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []error{&types.ManifestError{Ecosystem: types.RegistryPypi, Path: path, Kind: types.ManifestMissingRequiredFile, Err: err}}
	}

	var deps []Dependency
	var errs []error
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, " #"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, ok := cutAnyPrefix(line, "-r ", "--requirement "); ok {
			d, e := requirementsDeps(filepath.Join(filepath.Dir(path), strings.TrimSpace(rest)), visited)
			deps = append(deps, d...)
			errs = append(errs, e...)
			continue
		}
		if strings.HasPrefix(line, "-") || strings.Contains(line, "://") {
			// Options, editable installs and direct URLs are not registry packages
			continue
		}
		d, err := parsePEP508(line, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if d != nil {
			deps = append(deps, *d)
		}
	}
	return deps, errs
}

// parsePEP508 handles name[extras] (==|>=|~=) version ; markers
func parsePEP508(spec, path string) (*Dependency, error) {
	s := strings.TrimSpace(strings.SplitN(spec, ";", 2)[0])
	if s == "" || strings.Contains(s, " @ ") {
		return nil, nil
	}

	var name, op, version string
	for _, candidate := range []string{"===", "==", "~=", ">="} {
		if i := strings.Index(s, candidate); i > 0 {
			name, op, version = s[:i], candidate, s[i+len(candidate):]
			break
		}
	}
	if op == "" {
		bare := strings.TrimSpace(strings.SplitN(s, "[", 2)[0])
		return nil, unresolvable(types.RegistryPypi, path, bare, "(no version)")
	}

	name = strings.TrimSpace(strings.SplitN(name, "[", 2)[0])
	// ">=1.0,<2" keeps the lower bound
	version = strings.TrimSpace(strings.SplitN(version, ",", 2)[0])
	v := cleanRange(version)
	if name == "" || v == "" {
		return nil, unresolvable(types.RegistryPypi, path, name, spec)
	}

	d := newDependency(types.RegistryPypi, name, v, path, op != "==" && op != "===")
	return &d, nil
}

// normalizePyName applies PEP 503 name normalization
func normalizePyName(name string) string {
	r := strings.NewReplacer("_", "-", ".", "-")
	return strings.ToLower(r.Replace(name))
}

func cutAnyPrefix(s string, prefixes ...string) (string, bool) {
	for _, p := range prefixes {
		if rest, ok := strings.CutPrefix(s, p); ok {
			return rest, true
		}
	}
	return "", false
}
