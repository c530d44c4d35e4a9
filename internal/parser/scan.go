package parser

import (
	"bytes"
	"strings"
)

type span struct{ start, end int }

// scanOptions describes the lexical quirks of a language
type scanOptions struct {
	lineComment  string // "//" or "#"
	blockComment bool   // /* ... */
	backticks    bool   // JS template literals
	regexLiteral bool   // JS /re/ literals
	tripleQuotes bool   // """ text blocks / docstrings, and ''' for Python
	rustChars    bool   // 'a' is a char, 'a alone is a lifetime
	rawStrings   bool   // Rust r#"..."#
}

// masked is the source with comment and string contents blanked out.
// Offsets and newlines are preserved so structure can be found with
// simple scanning over the masked bytes.
type masked struct {
	text     []byte
	comments []span
	strings  []span
	// unterminated is set when a comment or string runs off the end of input
	unterminated bool
}

func maskSource(src []byte, o scanOptions) *masked {
	m := &masked{text: bytes.Clone(src)}
	out := m.text
	blank := func(from, to int) {
		for k := from; k < to && k < len(out); k++ {
			if out[k] != '\n' {
				out[k] = ' '
			}
		}
	}

	n := len(src)
	var last byte // last significant byte emitted
	for i := 0; i < n; {
		c := src[i]

		if o.lineComment != "" && bytes.HasPrefix(src[i:], []byte(o.lineComment)) {
			j := i + bytes.IndexByte(src[i:], '\n')
			if j < i {
				j = n
			}
			m.comments = append(m.comments, span{i, j})
			blank(i, j)
			i = j
			continue
		}
		if o.blockComment && c == '/' && i+1 < n && src[i+1] == '*' {
			j := bytes.Index(src[i+2:], []byte("*/"))
			end := n
			if j < 0 {
				m.unterminated = true
			} else {
				end = i + 2 + j + 2
			}
			m.comments = append(m.comments, span{i, end})
			blank(i, end)
			i = end
			continue
		}
		if o.regexLiteral && c == '/' && regexAllowed(last) {
			if j := scanRegex(src, i); j > 0 {
				blank(i+1, j-1)
				last = '/'
				i = j
				continue
			}
		}
		if o.rawStrings && c == 'r' && (i == 0 || !isIdent(src[i-1])) {
			if j, ok := scanRawString(src, i); ok {
				m.strings = append(m.strings, span{i, j})
				blank(i+1, j)
				last = '"'
				i = j
				continue
			}
		}
		if o.tripleQuotes && (c == '"' || c == '\'') && i+2 < n && src[i+1] == c && src[i+2] == c {
			delim := src[i : i+3]
			j := bytes.Index(src[i+3:], delim)
			end := n
			if j < 0 {
				m.unterminated = true
			} else {
				end = i + 3 + j + 3
			}
			m.strings = append(m.strings, span{i, end})
			blank(i+3, end-3)
			last = c
			i = end
			continue
		}
		if c == '\'' && o.rustChars {
			if j := scanRustChar(src, i); j > 0 {
				blank(i+1, j-1)
				last = '\''
				i = j
				continue
			}
			// lifetime or label
			last = c
			i++
			continue
		}
		if c == '"' || c == '\'' || (c == '`' && o.backticks) {
			j, ok := scanString(src, i, c)
			if !ok {
				m.unterminated = true
			}
			m.strings = append(m.strings, span{i, j})
			blank(i+1, j-1)
			last = c
			i = j
			continue
		}

		if !isSpace(c) {
			last = c
		}
		i++
	}
	return m
}

// scanString returns the offset just past the closing quote.
// Single-line quotes end at a newline without failing.
func scanString(src []byte, i int, q byte) (int, bool) {
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case q:
			return j + 1, true
		case '\n':
			if q != '`' {
				return j + 1, true
			}
		}
	}
	return len(src), false
}

func scanRegex(src []byte, i int) int {
	inClass := false
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case '\n':
			return -1
		case '[':
			inClass = true
		case ']':
			inClass = false
		case '/':
			if !inClass {
				if j == i+1 {
					return -1
				}
				return j + 1
			}
		}
	}
	return -1
}

func regexAllowed(last byte) bool {
	return last == 0 || strings.IndexByte("(,=:[!&|?{};+-*%<>~^", last) >= 0
}

func scanRustChar(src []byte, i int) int {
	// 'x', '\n', '\u{1F600}', or a multi-byte rune
	if i+2 < len(src) && src[i+1] == '\\' {
		for j := i + 2; j < len(src) && j < i+12; j++ {
			if src[j] == '\'' {
				return j + 1
			}
		}
		return -1
	}
	for j := i + 2; j < len(src) && j <= i+5; j++ {
		if src[j] == '\'' {
			return j + 1
		}
		if src[j] < 0x80 && j > i+2 {
			break
		}
	}
	return -1
}

func scanRawString(src []byte, i int) (int, bool) {
	j := i + 1
	hashes := 0
	for j < len(src) && src[j] == '#' {
		hashes++
		j++
	}
	if j >= len(src) || src[j] != '"' {
		return 0, false
	}
	closer := "\"" + strings.Repeat("#", hashes)
	k := bytes.Index(src[j+1:], []byte(closer))
	if k < 0 {
		return len(src), true
	}
	return j + 1 + k + len(closer), true
}

// bracePairs maps each '{' offset to its matching '}' offset.
// ok is false when braces do not balance.
func bracePairs(text []byte) (pairs map[int]int, ok bool) {
	pairs = make(map[int]int)
	var stack []int
	for i, c := range text {
		switch c {
		case '{':
			stack = append(stack, i)
		case '}':
			if len(stack) == 0 {
				return pairs, false
			}
			pairs[stack[len(stack)-1]] = i
			stack = stack[:len(stack)-1]
		}
	}
	return pairs, len(stack) == 0
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isIdent(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// cleanComment strips comment markers and leading decoration
func cleanComment(text string) string {
	text = strings.TrimSpace(text)
	for _, p := range []string{"/**", "/*!", "/*"} {
		if strings.HasPrefix(text, p) {
			text = text[len(p):]
			break
		}
	}
	text = strings.TrimSuffix(text, "*/")

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(l)
		for _, p := range []string{"///", "//!", "//", "#", "*"} {
			if strings.HasPrefix(l, p) {
				l = strings.TrimPrefix(l[len(p):], " ")
				break
			}
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
