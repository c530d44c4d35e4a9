// Package testutil provides fake registries and fixtures shared by tests.
package testutil

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// TarGz builds a gzipped tarball; each path is placed under prefix
func TarGz(t testing.TB, prefix string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range sortedNames(files) {
		body := files[name]
		hdr := &tar.Header{Name: prefix + name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// Zip builds a zip archive; each path is placed under prefix
func Zip(t testing.TB, prefix string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range sortedNames(files) {
		w, err := zw.Create(prefix + name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func sortedNames(files map[string]string) []string {
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NpmRegistry is an httptest server speaking enough of the npm registry API
type NpmRegistry struct {
	*httptest.Server

	mu       sync.Mutex
	packages map[string][]byte // "name@version" -> tarball
	failures map[string]int    // "name@version" -> remaining 500 responses

	Requests atomic.Int64
}

// NewNpmRegistry starts a fake registry closed on test cleanup
func NewNpmRegistry(t testing.TB) *NpmRegistry {
	t.Helper()
	r := &NpmRegistry{packages: map[string][]byte{}, failures: map[string]int{}}
	r.Server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.Close)
	return r
}

// Publish adds name@version with the given files under package/
func (r *NpmRegistry) Publish(t testing.TB, name, version string, files map[string]string) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packages[name+"@"+version] = TarGz(t, "package/", files)
}

// FailNext makes the next n requests for name@version return 500
func (r *NpmRegistry) FailNext(name, version string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[name+"@"+version] = n
}

func (r *NpmRegistry) serve(w http.ResponseWriter, req *http.Request) {
	r.Requests.Add(1)
	p := strings.TrimPrefix(req.URL.Path, "/")

	if tarball, ok := strings.CutPrefix(p, "-/tarball/"); ok {
		r.mu.Lock()
		data, found := r.packages[tarball]
		r.mu.Unlock()
		if !found {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
		return
	}

	// <name>/<version>, where scoped names arrive as @scope%2fname
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		http.NotFound(w, req)
		return
	}
	name, version := strings.Replace(p[:i], "%2f", "/", 1), p[i+1:]
	key := name + "@" + version

	r.mu.Lock()
	_, found := r.packages[key]
	if n := r.failures[key]; n > 0 {
		r.failures[key] = n - 1
		r.mu.Unlock()
		http.Error(w, "upstream unavailable", http.StatusInternalServerError)
		return
	}
	r.mu.Unlock()

	if !found {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"name":    name,
		"version": version,
		"dist":    map[string]string{"tarball": fmt.Sprintf("%s/-/tarball/%s", r.URL, key)},
	})
}

// WriteNpmProject writes package.json and a package-lock.json pinning each
// name to its version
func WriteNpmProject(t testing.TB, dir string, versions map[string]string) {
	t.Helper()
	deps := map[string]string{}
	packages := map[string]any{"": map[string]any{"name": "app"}}
	for name, v := range versions {
		deps[name] = "^" + v
		packages["node_modules/"+name] = map[string]string{"version": v}
	}
	lock := map[string]any{"lockfileVersion": 3, "packages": packages}

	pkg, err := json.Marshal(map[string]any{"name": "app", "dependencies": deps})
	if err != nil {
		t.Fatalf("marshal package.json: %v", err)
	}
	lk, err := json.Marshal(lock)
	if err != nil {
		t.Fatalf("marshal lockfile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), pkg, 0o644); err != nil {
		t.Fatalf("write package.json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package-lock.json"), lk, 0o644); err != nil {
		t.Fatalf("write lockfile: %v", err)
	}
}
