package manifest

import (
	"errors"
	"path/filepath"
	"sort"

	"github.com/dshills/depcontext/pkg/types"
	"github.com/rs/zerolog/log"
)

// Dependency is one direct dependency declared by a manifest
type Dependency struct {
	Coordinate types.PackageCoordinate
	Unpinned   bool   // Version came from a manifest range, not a lockfile
	Source     string // Manifest path that declared it
}

// Resolver turns the manifests of one ecosystem in a directory into dependencies.
// A returned error may join several *types.ManifestError values; the
// dependencies returned alongside it are still valid.
type Resolver interface {
	Ecosystem() types.Registry
	Resolve(dir string) ([]Dependency, error)
}

// Result is the outcome of resolving a whole project
type Result struct {
	Dependencies []Dependency
	Errors       []*types.ManifestError
}

// Coordinates returns the resolved coordinates in order
func (r *Result) Coordinates() []types.PackageCoordinate {
	out := make([]types.PackageCoordinate, len(r.Dependencies))
	for i, d := range r.Dependencies {
		out[i] = d.Coordinate
	}
	return out
}

// DefaultResolvers returns one resolver per supported ecosystem
func DefaultResolvers() []Resolver {
	return []Resolver{
		&NpmResolver{},
		&CargoResolver{},
		&PythonResolver{},
		&MavenResolver{},
		&GoResolver{},
	}
}

// Resolve discovers manifest directories under root and resolves each
// ecosystem independently. Failures are collected, never fatal.
func Resolve(root string, resolvers ...Resolver) (*Result, error) {
	if len(resolvers) == 0 {
		resolvers = DefaultResolvers()
	}

	dirs, err := DiscoverDirs(root)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	seen := make(map[types.PackageCoordinate]struct{})

	for _, dir := range dirs {
		for _, r := range resolvers {
			deps, err := r.Resolve(dir)
			if err != nil {
				result.Errors = append(result.Errors, manifestErrors(r.Ecosystem(), dir, err)...)
			}
			for _, d := range deps {
				if _, dup := seen[d.Coordinate]; dup {
					continue
				}
				seen[d.Coordinate] = struct{}{}
				result.Dependencies = append(result.Dependencies, d)
			}
		}
	}

	sort.SliceStable(result.Dependencies, func(i, j int) bool {
		return types.CompareCoordinates(result.Dependencies[i].Coordinate, result.Dependencies[j].Coordinate) < 0
	})

	for _, me := range result.Errors {
		log.Warn().Err(me).Str("ecosystem", string(me.Ecosystem)).Msg("manifest problem")
	}
	log.Debug().Int("dirs", len(dirs)).Int("dependencies", len(result.Dependencies)).Msg("manifests resolved")

	return result, nil
}

// manifestErrors flattens err into ManifestErrors, wrapping anything untyped
func manifestErrors(eco types.Registry, dir string, err error) []*types.ManifestError {
	var out []*types.ManifestError
	var walk func(error)
	walk = func(e error) {
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		var me *types.ManifestError
		if errors.As(e, &me) {
			out = append(out, me)
			return
		}
		out = append(out, &types.ManifestError{
			Ecosystem: eco,
			Path:      dir,
			Kind:      types.ManifestUnparseableSyntax,
			Err:       e,
		})
	}
	walk(err)
	return out
}

func newDependency(reg types.Registry, name, version, source string, unpinned bool) Dependency {
	return Dependency{
		Coordinate: types.PackageCoordinate{Registry: reg, Name: name, Version: version},
		Unpinned:   unpinned,
		Source:     source,
	}
}

func syntaxError(eco types.Registry, path string, err error) *types.ManifestError {
	return &types.ManifestError{Ecosystem: eco, Path: path, Kind: types.ManifestUnparseableSyntax, Err: err}
}

func unresolvable(eco types.Registry, path, name, spec string) *types.ManifestError {
	return &types.ManifestError{
		Ecosystem: eco,
		Path:      path,
		Kind:      types.ManifestUnresolvableVersion,
		Detail:    name + " " + spec,
	}
}

// sortedKeys gives map iteration a stable order
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func join(dir, name string) string {
	return filepath.Join(dir, name)
}
