package parser

import (
	"regexp"
	"sort"
	"strings"

	"github.com/dshills/depcontext/pkg/types"
)

var pyDecl = regexp.MustCompile(`^([ \t]*)(?:async[ \t]+)?(def|class)[ \t]+(\w+)`)

// PythonParser finds def and class blocks by indentation
type PythonParser struct{}

func (p *PythonParser) Language() string { return "python" }

func (p *PythonParser) Parse(filePath string, src []byte) *types.ParseResult {
	result := &types.ParseResult{Language: p.Language()}
	m := maskSource(src, scanOptions{lineComment: "#", tripleQuotes: true})
	if m.unterminated {
		result.AddError(filePath, 0, 0, "unterminated string literal")
		return result
	}

	lines := newLineIndex(src)
	lineText := func(li int) []byte {
		end := len(m.text)
		if li+1 < len(lines) {
			end = lines[li+1] - 1
		}
		return m.text[lines[li]:end]
	}
	blank := func(li int) bool { return len(strings.TrimSpace(string(lineText(li)))) == 0 }

	var roots, stack []*node

	for li := range lines {
		text := lineText(li)
		sub := pyDecl.FindSubmatchIndex(text)
		if sub == nil {
			continue
		}
		indent := indentColumns(text[sub[2]:sub[3]])
		keyword := string(text[sub[4]:sub[5]])
		name := string(text[sub[6]:sub[7]])

		start := lines[li] + sub[3]
		startLine := li
		for startLine > 0 && strings.HasPrefix(strings.TrimSpace(string(lineText(startLine-1))), "@") {
			startLine--
			start = lines[startLine] + indentWidth(lineText(startLine))
		}

		header := pyHeaderEnd(m.text, lines[li]+sub[7])
		headerLine := lines.position(header).Line - 1

		// The block runs until the next non-blank line indented at or left of the header
		last := headerLine
		for k := headerLine + 1; k < len(lines); k++ {
			if blank(k) {
				continue
			}
			if indentColumns(lineText(k)) <= indent {
				break
			}
			last = k
		}
		end := len(src)
		if last+1 < len(lines) {
			end = lines[last+1] - 1
		}
		if end <= start {
			continue
		}

		for len(stack) > 0 && stack[len(stack)-1].decl.End.Offset <= start {
			stack = stack[:len(stack)-1]
		}
		var parent *node
		if len(stack) > 0 {
			parent = stack[len(stack)-1]
		}

		kind := types.ChunkFunction
		if keyword == "class" {
			kind = types.ChunkClass
		} else if parent != nil && parent.container {
			kind = types.ChunkMethod
		}

		n := &node{
			container: keyword == "class",
			decl: types.Declaration{
				Kind:      kind,
				Name:      name,
				Signature: signature(src[lines[li]+sub[3] : min(header+1, len(src))]),
				Doc:       pyDocstring(src, m, header+1, end),
				Start:     lines.position(start),
				End:       lines.endPosition(end),
				DocStart:  start,
			},
		}
		if parent != nil {
			parent.children = append(parent.children, n)
		} else {
			roots = append(roots, n)
		}
		stack = append(stack, n)
	}

	result.Declarations = freezeAll(roots)
	return result
}

// pyHeaderEnd returns the offset of the colon closing a def/class header
func pyHeaderEnd(text []byte, from int) int {
	depth := 0
	for j := from; j < len(text); j++ {
		switch text[j] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ':':
			if depth == 0 {
				return j
			}
		}
	}
	return len(text) - 1
}

// pyDocstring extracts a string literal that is the first statement of a block
func pyDocstring(src []byte, m *masked, from, end int) string {
	i := sort.Search(len(m.strings), func(k int) bool { return m.strings[k].start >= from })
	if i == len(m.strings) {
		return ""
	}
	s := m.strings[i]
	if s.start >= end || strings.TrimSpace(string(m.text[from:s.start])) != "" {
		return ""
	}
	return unquoteDocstring(string(src[s.start:s.end]))
}

// unquoteDocstring strips string prefixes and quotes and dedents the body
func unquoteDocstring(body string) string {
	body = strings.TrimLeft(body, "rRuUbBfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(body, q) && strings.HasSuffix(body, q) && len(body) >= 2*len(q) {
			body = body[len(q) : len(body)-len(q)]
			break
		}
	}
	return dedent(body)
}

func dedent(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.Join(lines, "\n")
}

func indentColumns(b []byte) int {
	col := 0
	for _, c := range b {
		switch c {
		case ' ':
			col++
		case '\t':
			col += 8 - col%8
		default:
			return col
		}
	}
	return col
}
