//go:build treesitter && cgo && !purego
// +build treesitter,cgo,!purego

package parser

import (
	"strings"
	"testing"

	"github.com/dshills/depcontext/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeParser_Registered(t *testing.T) {
	for _, path := range []string{"a.js", "a.ts", "a.tsx", "A.java", "a.kt", "lib.rs", "a.py"} {
		p, ok := ForPath(path)
		require.True(t, ok, path)
		_, isTree := p.(*treeParser)
		assert.True(t, isTree, path)
	}
	p, _ := ForPath("main.go")
	assert.Equal(t, "go", p.Language())
}

func TestTreeParser_TypeScript(t *testing.T) {
	src := `/** Options for cloning. */
export interface Options {
  deep: boolean;
}

export class Cloner<T> {
  private cache = new Map<T, T>();

  /** Clone one value. */
  clone(value: T): T {
    return structuredClone(value);
  }
}

export const identity = (x: unknown) => x;
`
	result := parse(t, "cloner.ts", src)
	require.False(t, result.HasErrors())
	decls := result.Declarations
	require.Equal(t, []string{"Options", "Cloner", "identity"}, names(decls))
	assert.Equal(t, []types.ChunkKind{types.ChunkInterface, types.ChunkClass, types.ChunkFunction}, kinds(decls))
	assert.Equal(t, "Options for cloning.", decls[0].Doc)
	assert.True(t, strings.HasPrefix(text(src, decls[0]), "export interface Options"))

	require.Equal(t, []string{"clone"}, names(decls[1].Children))
	clone := decls[1].Children[0]
	assert.Equal(t, types.ChunkMethod, clone.Kind)
	assert.Equal(t, "Clone one value.", clone.Doc)
	assert.Equal(t, "clone(value: T): T", clone.Signature)
}

func TestTreeParser_Rust(t *testing.T) {
	src := `/// A wrapper that prints its inner value.
#[derive(Debug, Clone)]
pub struct Wrapper<T> {
    inner: T,
}

impl<T: fmt::Display> fmt::Display for Wrapper<T> {
    fn fmt(&self, f: &mut fmt::Formatter<'_>) -> fmt::Result {
        write!(f, "[{}]", self.inner)
    }
}

mod tests;
`
	result := parse(t, "lib.rs", src)
	require.False(t, result.HasErrors())
	decls := result.Declarations
	require.Equal(t, []string{"Wrapper", "fmt::Display for Wrapper<T>"}, names(decls))

	wrapper := decls[0]
	assert.Equal(t, "A wrapper that prints its inner value.", wrapper.Doc)
	assert.True(t, strings.HasPrefix(text(src, wrapper), "#[derive(Debug, Clone)]"))

	require.Len(t, decls[1].Children, 1)
	assert.Equal(t, types.ChunkMethod, decls[1].Children[0].Kind)
}

func TestTreeParser_PythonDocstrings(t *testing.T) {
	src := `class Cache:
    """An in-memory cache."""

    @property
    def size(self):
        """Number of entries."""
        return len(self.data)
`
	result := parse(t, "cache.py", src)
	require.False(t, result.HasErrors())
	require.Len(t, result.Declarations, 1)

	cache := result.Declarations[0]
	assert.Equal(t, "An in-memory cache.", cache.Doc)
	require.Equal(t, []string{"size"}, names(cache.Children))
	assert.Equal(t, "Number of entries.", cache.Children[0].Doc)
	assert.True(t, strings.HasPrefix(text(src, cache.Children[0]), "@property"))
}

func TestTreeParser_JavaInterfaceMethods(t *testing.T) {
	src := "public interface Joiner {\n    String join(List<String> parts);\n}\n"
	result := parse(t, "Joiner.java", src)
	require.False(t, result.HasErrors())
	require.Len(t, result.Declarations, 1)
	require.Equal(t, []string{"join"}, names(result.Declarations[0].Children))
}

func TestTreeParser_FallsBackOnSyntaxError(t *testing.T) {
	// Balanced braces the grammar still rejects
	src := "function ok() {\n  return 1;\n}\n\nfunction bad( {\n}\n"
	result := parse(t, "a.js", src)
	assert.Equal(t, scan(t, "a.js", src), result)
}
