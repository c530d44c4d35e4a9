package parser

import (
	"path"
	"sort"
	"strings"

	"github.com/dshills/depcontext/pkg/types"
)

// Parser extracts declarations with byte ranges from one source file.
// Syntax problems are reported in ParseResult.Errors, not as an error return.
type Parser interface {
	Language() string
	Parse(filePath string, src []byte) *types.ParseResult
}

// scanners are the pure Go parsers. They serve every build and back the
// tree-sitter parsers when a grammar reports a syntax error.
var scanners = map[string]Parser{
	".go": &GoParser{},

	".js":  newBraceParser(javascript),
	".jsx": newBraceParser(javascript),
	".mjs": newBraceParser(javascript),
	".cjs": newBraceParser(javascript),
	".ts":  newBraceParser(typescript),
	".tsx": newBraceParser(typescript),
	".mts": newBraceParser(typescript),
	".cts": newBraceParser(typescript),

	".java": newBraceParser(java),
	".kt":   newBraceParser(kotlin),
	".kts":  newBraceParser(kotlin),
	".rs":   newBraceParser(rust),

	".py":  &PythonParser{},
	".pyi": &PythonParser{},

	".md":       &MarkdownParser{},
	".markdown": &MarkdownParser{},
}

// ForPath selects a parser by file extension
func ForPath(filePath string) (Parser, bool) {
	p, ok := byExtension[strings.ToLower(path.Ext(filePath))]
	return p, ok
}

// Language returns the language name for a path, or "" when unsupported
func Language(filePath string) string {
	if p, ok := ForPath(filePath); ok {
		return p.Language()
	}
	return ""
}

// lineIndex maps byte offsets to 1-based line and column numbers
type lineIndex []int

func newLineIndex(src []byte) lineIndex {
	starts := []int{0}
	for i, c := range src {
		if c == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

func (li lineIndex) position(offset int) types.Position {
	line := sort.Search(len(li), func(i int) bool { return li[i] > offset }) - 1
	if line < 0 {
		line = 0
	}
	return types.Position{Line: line + 1, Column: offset - li[line] + 1, Offset: offset}
}

// endPosition reports the position of the last byte in [.., end)
func (li lineIndex) endPosition(end int) types.Position {
	if end <= 0 {
		return li.position(0)
	}
	p := li.position(end - 1)
	p.Offset = end
	return p
}

const maxSignatureLen = 240

// signature collapses whitespace in a declaration header
func signature(header []byte) string {
	s := strings.Join(strings.Fields(string(header)), " ")
	s = strings.TrimRight(s, " {=;:")
	if len(s) > maxSignatureLen {
		cut := maxSignatureLen
		for cut > 0 && (s[cut]&0xC0) == 0x80 {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}

// node is a mutable declaration used while building nesting
type node struct {
	decl      types.Declaration
	container bool
	children  []*node
}

func (n *node) freeze() types.Declaration {
	d := n.decl
	d.Children = nil
	for _, c := range n.children {
		d.Children = append(d.Children, c.freeze())
	}
	return d
}

func freezeAll(nodes []*node) []types.Declaration {
	out := make([]types.Declaration, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.freeze())
	}
	return out
}
