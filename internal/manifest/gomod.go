package manifest

import (
	"os"

	"github.com/dshills/depcontext/pkg/types"
	"golang.org/x/mod/modfile"
)

// GoResolver reads direct requirements from go.mod
type GoResolver struct{}

func (r *GoResolver) Ecosystem() types.Registry { return types.RegistryGo }

func (r *GoResolver) Resolve(dir string) ([]Dependency, error) {
	modPath := join(dir, "go.mod")
	data, err := os.ReadFile(modPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.ManifestError{Ecosystem: types.RegistryGo, Path: modPath, Kind: types.ManifestMissingRequiredFile, Err: err}
	}

	f, err := modfile.Parse(modPath, data, nil)
	if err != nil {
		return nil, syntaxError(types.RegistryGo, modPath, err)
	}

	// Replacements redirect a requirement to another module or a local path
	replaced := make(map[string]*modfile.Replace)
	for _, rep := range f.Replace {
		if rep.Old.Version == "" {
			replaced[rep.Old.Path] = rep
		}
	}
	for _, rep := range f.Replace {
		if rep.Old.Version != "" {
			replaced[rep.Old.Path+"@"+rep.Old.Version] = rep
		}
	}

	var deps []Dependency
	for _, req := range f.Require {
		if req.Indirect {
			continue
		}
		path, version := req.Mod.Path, req.Mod.Version

		rep := replaced[path+"@"+version]
		if rep == nil {
			rep = replaced[path]
		}
		if rep != nil {
			if rep.New.Version == "" {
				// Local directory replacement, not a third-party package
				continue
			}
			path, version = rep.New.Path, rep.New.Version
		}
		deps = append(deps, newDependency(types.RegistryGo, path, version, modPath, false))
	}
	return deps, nil
}
