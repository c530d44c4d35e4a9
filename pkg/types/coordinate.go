package types

import (
	"fmt"
	"sort"
	"strings"
)

// Registry identifies a package ecosystem
type Registry string

const (
	RegistryNpm    Registry = "npm"
	RegistryCrates Registry = "crates"
	RegistryPypi   Registry = "pypi"
	RegistryMaven  Registry = "maven"
	RegistryGo     Registry = "go"
)

// Registries lists every supported registry in display order
var Registries = []Registry{RegistryNpm, RegistryCrates, RegistryPypi, RegistryMaven, RegistryGo}

// ParseRegistry normalizes a registry name, accepting common aliases
func ParseRegistry(s string) (Registry, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "npm", "node":
		return RegistryNpm, nil
	case "crates", "cargo", "crates.io", "rust":
		return RegistryCrates, nil
	case "pypi", "pip", "python":
		return RegistryPypi, nil
	case "maven", "java", "jvm":
		return RegistryMaven, nil
	case "go", "golang":
		return RegistryGo, nil
	default:
		return "", fmt.Errorf("unknown registry %q", s)
	}
}

// Valid reports whether r is a supported registry
func (r Registry) Valid() bool {
	_, err := ParseRegistry(string(r))
	return err == nil && r == Registry(strings.ToLower(string(r)))
}

// PackageCoordinate uniquely identifies a package version within a registry.
// Coordinates are values; two coordinates with equal fields are the same package.
type PackageCoordinate struct {
	Registry Registry `json:"registry"`
	Name     string   `json:"name"`
	Version  string   `json:"version"`
}

// String renders the coordinate as registry:name@version
func (c PackageCoordinate) String() string {
	return fmt.Sprintf("%s:%s@%s", c.Registry, c.Name, c.Version)
}

// Key identifies the package independent of version
func (c PackageCoordinate) Key() string {
	return string(c.Registry) + ":" + c.Name
}

// Validate checks that every field is populated and the registry is known
func (c PackageCoordinate) Validate() error {
	if !c.Registry.Valid() {
		return fmt.Errorf("invalid registry %q", c.Registry)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("package name is required")
	}
	if strings.TrimSpace(c.Version) == "" {
		return fmt.Errorf("package version is required")
	}
	return nil
}

// ParseCoordinate parses "registry:name@version" or "name@version" (npm).
// The registry prefix is only recognised when it names a known registry, so
// maven names such as "com.google.guava:guava@33.0.0-jre" still parse.
func ParseCoordinate(spec string) (PackageCoordinate, error) {
	spec = strings.TrimSpace(spec)
	registry := RegistryNpm
	rest := spec
	if i := strings.Index(spec, ":"); i > 0 {
		if r, err := ParseRegistry(spec[:i]); err == nil {
			registry = r
			rest = spec[i+1:]
		} else if strings.Count(spec, ":") == 1 {
			registry = RegistryMaven
		}
	}

	// Scoped npm packages start with "@", so split on the last "@"
	at := strings.LastIndex(rest, "@")
	if at <= 0 || at == len(rest)-1 {
		return PackageCoordinate{}, fmt.Errorf("invalid package spec %q: use registry:name@version", spec)
	}

	coord := PackageCoordinate{Registry: registry, Name: rest[:at], Version: rest[at+1:]}
	if err := coord.Validate(); err != nil {
		return PackageCoordinate{}, fmt.Errorf("invalid package spec %q: %w", spec, err)
	}
	return coord, nil
}

// SortCoordinates orders coordinates by registry, name, then version
func SortCoordinates(coords []PackageCoordinate) {
	sort.Slice(coords, func(i, j int) bool {
		return CompareCoordinates(coords[i], coords[j]) < 0
	})
}

// CompareCoordinates returns -1, 0 or 1 ordering by registry, name, version
func CompareCoordinates(a, b PackageCoordinate) int {
	if c := strings.Compare(string(a.Registry), string(b.Registry)); c != 0 {
		return c
	}
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return strings.Compare(a.Version, b.Version)
}
