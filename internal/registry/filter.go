package registry

import (
	"path"
	"strings"

	"github.com/dshills/depcontext/pkg/types"
)

var docExtensions = map[string]bool{".md": true, ".markdown": true}

var sourceExtensions = map[types.Registry]map[string]bool{
	types.RegistryNpm: {
		".ts": true, ".tsx": true, ".mts": true, ".cts": true,
		".js": true, ".jsx": true, ".mjs": true, ".cjs": true,
		".py": true, ".pyi": true, ".rs": true, ".go": true, ".java": true,
	},
	types.RegistryCrates: {".rs": true},
	types.RegistryPypi:   {".py": true, ".pyi": true},
	types.RegistryGo:     {".go": true},
	types.RegistryMaven:  {".java": true, ".kt": true, ".kts": true},
}

// Directories that never hold library source worth indexing
var skipSegments = map[types.Registry][]string{
	types.RegistryNpm: {
		"node_modules", "dist", "build", "__pycache__", ".git",
		"test", "tests", "__tests__", "spec", "benchmark", "benchmarks",
	},
	types.RegistryCrates: {"tests", "benches", "target", ".git"},
	types.RegistryPypi:   {"tests", "test", "__pycache__", ".git"},
	types.RegistryGo:     {"vendor", "testdata", ".git"},
	types.RegistryMaven:  {"test", "META-INF"},
}

// Indexable reports whether a file path inside a package is worth storing.
// Paths use forward slashes and are relative to the package root.
func Indexable(reg types.Registry, p string) bool {
	lower := strings.ToLower(p)
	ext := path.Ext(lower)
	base := path.Base(lower)

	for _, seg := range strings.Split(path.Dir(lower), "/") {
		for _, skip := range skipSegments[reg] {
			if seg == strings.ToLower(skip) {
				return false
			}
		}
	}

	if docExtensions[ext] {
		return true
	}
	if !sourceExtensions[reg][ext] {
		return false
	}

	// Minified and bundled artifacts
	for _, marker := range []string{".min.", ".bundle.", ".prod."} {
		if strings.Contains(base, marker) {
			return false
		}
	}

	switch reg {
	case types.RegistryGo:
		return !strings.HasSuffix(base, "_test.go")
	case types.RegistryCrates:
		return !strings.HasPrefix(base, "test_")
	case types.RegistryPypi:
		return !strings.HasPrefix(base, "test_") && !strings.HasSuffix(base, "_test.py") && base != "conftest.py"
	case types.RegistryMaven:
		return !strings.HasSuffix(base, "test.java")
	case types.RegistryNpm:
		return !strings.Contains(base, ".test.") && !strings.Contains(base, ".spec.") && !strings.HasSuffix(base, ".d.ts.map")
	}
	return true
}

// IsBinary sniffs the first bytes for NUL, the same heuristic git uses
func IsBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}
