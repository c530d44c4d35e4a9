package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/karrick/godirwalk"
	"github.com/pelletier/go-toml/v2"
)

// DiscoveryFile optionally pins manifest roots or adds exclusions
const DiscoveryFile = ".idx.toml"

// ManifestFiles are the file names that mark a manifest directory
var ManifestFiles = []string{
	"package.json",
	"Cargo.toml",
	"go.mod",
	"pyproject.toml",
	"requirements.txt",
	"pom.xml",
}

var skipDirs = map[string]bool{
	"node_modules": true, "vendor": true, "target": true, "dist": true, "build": true,
	".build": true, ".next": true, ".nuxt": true, ".output": true, "out": true,
	"__pycache__": true, ".pytest_cache": true, ".mypy_cache": true, ".ruff_cache": true,
	".cache": true, ".parcel-cache": true, ".turbo": true, "coverage": true, ".nyc_output": true,
	".venv": true, "venv": true,
	".git": true, ".svn": true, ".hg": true, ".idea": true, ".vscode": true,
	".index": true,
}

// DiscoveryConfig is the content of .idx.toml
type DiscoveryConfig struct {
	Roots   []string `toml:"roots"`
	Exclude []string `toml:"exclude"`
}

// LoadDiscoveryConfig reads dir/.idx.toml; a missing file yields an empty config
func LoadDiscoveryConfig(dir string) (DiscoveryConfig, error) {
	var cfg DiscoveryConfig
	b, err := os.ReadFile(filepath.Join(dir, DiscoveryFile))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", DiscoveryFile, err)
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", DiscoveryFile, err)
	}
	return cfg, nil
}

// DiscoverDirs returns every directory under root holding a manifest, sorted.
// Explicit roots in .idx.toml replace the walk.
func DiscoverDirs(root string) ([]string, error) {
	cfg, err := LoadDiscoveryConfig(root)
	if err != nil {
		return nil, err
	}

	if len(cfg.Roots) > 0 {
		var dirs []string
		for _, r := range cfg.Roots {
			dir := filepath.Join(root, r)
			if HasManifest(dir) {
				dirs = append(dirs, dir)
			}
		}
		sort.Strings(dirs)
		return dirs, nil
	}

	exclude := make(map[string]bool, len(cfg.Exclude))
	for _, e := range cfg.Exclude {
		exclude[e] = true
	}

	var dirs []string
	err = godirwalk.Walk(root, &godirwalk.Options{
		Unsorted:            true,
		FollowSymbolicLinks: false,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if !de.IsDir() {
				return nil
			}
			if path != root {
				name := de.Name()
				if skipDirs[name] || exclude[name] {
					return godirwalk.SkipThis
				}
				if rel, err := filepath.Rel(root, path); err == nil && exclude[filepath.ToSlash(rel)] {
					return godirwalk.SkipThis
				}
			}
			if HasManifest(path) {
				dirs = append(dirs, path)
			}
			return nil
		},
		ErrorCallback: func(string, error) godirwalk.ErrorAction {
			// Unreadable directories are skipped
			return godirwalk.SkipNode
		},
	})
	if err != nil {
		return nil, fmt.Errorf("discover manifests in %s: %w", root, err)
	}

	sort.Strings(dirs)
	return dirs, nil
}

// HasManifest reports whether dir directly contains a manifest file
func HasManifest(dir string) bool {
	for _, f := range ManifestFiles {
		if fi, err := os.Stat(filepath.Join(dir, f)); err == nil && !fi.IsDir() {
			return true
		}
	}
	return false
}

// WatchTargets returns the manifest and lockfile names a watcher should react to
func WatchTargets() map[string]bool {
	out := map[string]bool{
		DiscoveryFile:       true,
		"package-lock.json": true,
		"Cargo.lock":        true,
	}
	for _, f := range ManifestFiles {
		out[f] = true
	}
	return out
}
