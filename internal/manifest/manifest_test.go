package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dshills/depcontext/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func coords(deps []Dependency) []string {
	out := make([]string, len(deps))
	for i, d := range deps {
		out[i] = d.Coordinate.String()
	}
	return out
}

func manifestKinds(err error) []types.ManifestErrorKind {
	var kinds []types.ManifestErrorKind
	for _, me := range manifestErrors("", "", err) {
		kinds = append(kinds, me.Kind)
	}
	return kinds
}

func TestNpmResolver_LockfilePins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "package.json"), `{
		"dependencies": {"lodash": "^4.17.0", "@types/node": "^20.0.0", "local": "file:../local"},
		"devDependencies": {"jest": "~29.7.0", "fork": "github:me/fork"}
	}`)
	writeFile(t, filepath.Join(dir, "package-lock.json"), `{
		"lockfileVersion": 3,
		"packages": {
			"": {"name": "app"},
			"node_modules/lodash": {"version": "4.17.21"},
			"node_modules/@types/node": {"version": "20.11.5"},
			"node_modules/jest": {"version": "29.7.0"},
			"node_modules/jest/node_modules/lodash": {"version": "3.0.0"}
		}
	}`)

	deps, err := (&NpmResolver{}).Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"npm:@types/node@20.11.5", "npm:jest@29.7.0", "npm:lodash@4.17.21"}, coords(deps))
	for _, d := range deps {
		assert.False(t, d.Unpinned, d.Coordinate.String())
	}
}

func TestNpmResolver_FallbackIsUnpinned(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "package.json"), `{"dependencies": {"react": "^18.2", "weird": ">=1 <2", "tagged": "latest"}}`)

	deps, err := (&NpmResolver{}).Resolve(dir)
	require.Len(t, deps, 1)
	assert.Equal(t, "npm:react@18.2.0", deps[0].Coordinate.String())
	assert.True(t, deps[0].Unpinned)

	// Unresolvable ranges are recorded, not dropped silently
	assert.Equal(t, []types.ManifestErrorKind{types.ManifestUnresolvableVersion, types.ManifestUnresolvableVersion}, manifestKinds(err))
}

func TestNpmResolver_BrokenManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "package.json"), `{"dependencies": `)

	deps, err := (&NpmResolver{}).Resolve(dir)
	assert.Empty(t, deps)
	var me *types.ManifestError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, types.ManifestUnparseableSyntax, me.Kind)
}

func TestCargoResolver_Workspace(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Cargo.toml"), `
[workspace]
members = ["crates/*"]

[workspace.dependencies]
serde = { version = "1.0", features = ["derive"] }
tokio = "1"

[dependencies]
anyhow = "1.0.80"
local = { path = "../local" }
forked = { git = "https://example.com/forked" }
`)
	writeFile(t, filepath.Join(dir, "crates", "core", "Cargo.toml"), `
[package]
name = "core"

[dependencies]
serde = { workspace = true }
tokio = { workspace = true }

[dev-dependencies]
insta = "1.34"
`)
	writeFile(t, filepath.Join(dir, "Cargo.lock"), `
version = 3

[[package]]
name = "anyhow"
version = "1.0.81"
source = "registry+https://github.com/rust-lang/crates.io-index"

[[package]]
name = "serde"
version = "0.9.15"
source = "registry+https://github.com/rust-lang/crates.io-index"

[[package]]
name = "serde"
version = "1.0.197"
source = "registry+https://github.com/rust-lang/crates.io-index"

[[package]]
name = "core"
version = "0.1.0"
`)

	deps, err := (&CargoResolver{}).Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"crates:anyhow@1.0.81",
		"crates:insta@1.34.0",
		"crates:serde@1.0.197",
		"crates:tokio@1.0.0",
	}, coords(deps))

	unpinned := map[string]bool{}
	for _, d := range deps {
		unpinned[d.Coordinate.Name] = d.Unpinned
	}
	assert.False(t, unpinned["serde"])
	assert.True(t, unpinned["insta"])
	assert.True(t, unpinned["tokio"])
}

func TestPythonResolver(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "pyproject.toml"), `
[project]
dependencies = [
  "requests==2.31.0",
  "numpy>=1.26.0",
  "torch[cuda]~=2.1.0 ; sys_platform == 'linux'",
]

[tool.poetry.dependencies]
python = "^3.11"
pydantic = "2.5.3"
httpx = { version = "^0.26.0" }
`)
	writeFile(t, filepath.Join(dir, "requirements.txt"), `
# comment
-r extra.txt
Requests==2.0.0
flask==3.0.0  # inline
-e .
`)
	writeFile(t, filepath.Join(dir, "extra.txt"), "rich==13.7.0\n")

	deps, err := (&PythonResolver{}).Resolve(dir)
	require.NoError(t, err)

	got := map[string]Dependency{}
	for _, d := range deps {
		got[d.Coordinate.Name] = d
	}
	assert.Equal(t, "2.31.0", got["requests"].Coordinate.Version)
	assert.False(t, got["requests"].Unpinned)
	assert.True(t, got["numpy"].Unpinned)
	assert.Equal(t, "2.1.0", got["torch"].Coordinate.Version)
	assert.False(t, got["pydantic"].Unpinned)
	assert.True(t, got["httpx"].Unpinned)
	assert.Equal(t, "3.0.0", got["flask"].Coordinate.Version)
	assert.Equal(t, "13.7.0", got["rich"].Coordinate.Version)
	assert.NotContains(t, got, "python")
	// requests from requirements.txt is a duplicate by normalized name
	assert.NotContains(t, got, "Requests")
}

func TestPythonResolver_MissingInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "requirements.txt"), "-r missing.txt\nclick==8.1.7\n")

	deps, err := (&PythonResolver{}).Resolve(dir)
	assert.Equal(t, []string{"pypi:click@8.1.7"}, coords(deps))
	assert.Equal(t, []types.ManifestErrorKind{types.ManifestMissingRequiredFile}, manifestKinds(err))
}

func TestMavenResolver(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "pom.xml"), `<?xml version="1.0"?>
<project>
  <groupId>com.example</groupId>
  <artifactId>app</artifactId>
  <version>1.2.0</version>
  <properties>
    <guava.version>33.0.0-jre</guava.version>
    <slf4j.base>2.0</slf4j.base>
    <slf4j.version>${slf4j.base}.9</slf4j.version>
  </properties>
  <dependencyManagement>
    <dependencies>
      <dependency>
        <groupId>managed</groupId><artifactId>only</artifactId><version>9.9</version>
      </dependency>
    </dependencies>
  </dependencyManagement>
  <dependencies>
    <dependency>
      <groupId>com.google.guava</groupId><artifactId>guava</artifactId><version>${guava.version}</version>
    </dependency>
    <dependency>
      <groupId>org.slf4j</groupId><artifactId>slf4j-api</artifactId><version>${slf4j.version}</version>
    </dependency>
    <dependency>
      <groupId>${project.groupId}</groupId><artifactId>sibling</artifactId><version>${project.version}</version>
    </dependency>
    <dependency>
      <groupId>junit</groupId><artifactId>junit</artifactId><version>4.13.2</version><scope>test</scope>
    </dependency>
    <dependency>
      <groupId>broken</groupId><artifactId>dep</artifactId><version>${nope}</version>
    </dependency>
  </dependencies>
</project>`)

	deps, err := (&MavenResolver{}).Resolve(dir)
	assert.Equal(t, []string{
		"maven:com.google.guava:guava@33.0.0-jre",
		"maven:org.slf4j:slf4j-api@2.0.9",
		"maven:com.example:sibling@1.2.0",
	}, coords(deps))

	var me *types.ManifestError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, types.ManifestUnresolvedPlaceholder, me.Kind)
	assert.Contains(t, me.Error(), "${nope}")
}

func TestGoResolver(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), `module example.com/app

go 1.22

require (
	github.com/spf13/cobra v1.10.1
	github.com/rs/zerolog v1.32.0
	golang.org/x/sys v0.37.0 // indirect
	example.com/local v0.0.0
	example.com/old v1.0.0
)

replace example.com/local => ../local

replace example.com/old v1.0.0 => example.com/new v1.1.0
`)

	deps, err := (&GoResolver{}).Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"go:github.com/spf13/cobra@v1.10.1",
		"go:github.com/rs/zerolog@v1.32.0",
		"go:example.com/new@v1.1.0",
	}, coords(deps))
}

func TestResolve_MonorepoIsolatesFailures(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "web", "package.json"), `{"dependencies": {"lodash": "4.17.21"}}`)
	writeFile(t, filepath.Join(root, "web", "node_modules", "lodash", "package.json"), `{"dependencies": {"ignored": "1.0.0"}}`)
	writeFile(t, filepath.Join(root, "api", "go.mod"), "module api\n\nrequire github.com/google/uuid v1.6.0\n")
	writeFile(t, filepath.Join(root, "broken", "pom.xml"), "<project><dependencies>")
	writeFile(t, filepath.Join(root, "svc", "package.json"), `{"dependencies": {"lodash": "4.17.21"}}`)

	res, err := Resolve(root)
	require.NoError(t, err)

	assert.Equal(t, []string{"go:github.com/google/uuid@v1.6.0", "npm:lodash@4.17.21"}, coords(res.Dependencies))
	require.Len(t, res.Errors, 1)
	assert.Equal(t, types.RegistryMaven, res.Errors[0].Ecosystem)
	assert.Equal(t, types.ManifestUnparseableSyntax, res.Errors[0].Kind)
}

func TestDiscoverDirs_Config(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "package.json"), "{}")
	writeFile(t, filepath.Join(root, "b", "go.mod"), "module b\n")
	writeFile(t, filepath.Join(root, "examples", "c", "go.mod"), "module c\n")

	writeFile(t, filepath.Join(root, DiscoveryFile), `exclude = ["examples"]`)
	dirs, err := DiscoverDirs(root)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "a"), filepath.Join(root, "b")}, dirs)

	writeFile(t, filepath.Join(root, DiscoveryFile), `roots = ["b", "missing"]`)
	dirs, err = DiscoverDirs(root)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "b")}, dirs)
}

func TestCleanRange(t *testing.T) {
	tests := map[string]string{
		"^1.2.3":          "1.2.3",
		"~1.2.3":          "1.2.3",
		"=1.0.0":          "1.0.0",
		"v2.0.0":          "2.0.0",
		">=1.0.0 <2.0.0":  "",
		"*":               "",
		"1.x":             "",
		"latest":          "",
		"1.0.0 || 2.0.0":  "",
		"git+https://x/y": "",
	}
	for in, want := range tests {
		assert.Equal(t, want, cleanRange(in), in)
	}
}

func TestPickLocked(t *testing.T) {
	assert.Equal(t, "1.0.197", pickLocked([]string{"0.9.15", "1.0.197"}, "1.0"))
	assert.Equal(t, "0.9.15", pickLocked([]string{"0.9.15", "1.0.197"}, "0.9"))
	assert.Equal(t, "1.0.197", pickLocked([]string{"0.9.15", "1.0.197"}, "not a range"))
	assert.Equal(t, "", pickLocked(nil, "1.0"))
}
