package parser

import (
	"regexp"
	"sort"
	"strings"

	"github.com/dshills/depcontext/pkg/types"
)

// headerWindow bounds how far a declaration pattern may look past its line start
const headerWindow = 2048

// rule is a declaration pattern matched at the start of a line of masked text.
// Patterns capture the declared name in the "name" group and, optionally,
// the keyword selecting the kind in the "kw" group.
type rule struct {
	kind      types.ChunkKind
	re        *regexp.Regexp
	reject    *regexp.Regexp
	container bool // may hold members
	member    bool // only valid directly inside a container
	topLevel  bool // only at brace depth 0
	rename    func(string) string
}

type braceLanguage struct {
	name        string
	scan        scanOptions
	newlineEnds bool // statements may end at a newline
	kinds       map[string]types.ChunkKind
	rules       []rule
}

var reserved = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"return": true, "function": true, "new": true, "else": true, "do": true,
	"try": true, "synchronized": true, "typeof": true, "throw": true,
	"delete": true, "await": true, "yield": true, "case": true, "default": true,
	"super": true, "this": true, "with": true, "when": true,
}

const (
	jsIdent   = `[A-Za-z_$][\w$]*`
	jvmAnnot  = `(?:@[\w.]+(?:\([^)\n]*\))?[ \t]+)*`
	rustVis   = `(?:pub(?:\([^)\n]*\))?[ \t]+)?`
	jsExport  = `(?:export[ \t]+)?(?:default[ \t]+)?(?:declare[ \t]+)?`
	jsMethods = `(?:(?:static|async|get|set|public|private|protected|readonly|override|abstract|declare)[ \t]+)*`
)

func jsRules(ts bool) []rule {
	rules := []rule{
		{kind: types.ChunkClass, container: true,
			re: regexp.MustCompile(`^[ \t]*` + jsExport + `(?:abstract[ \t]+)?class[ \t]+(?P<name>` + jsIdent + `)`)},
		{kind: types.ChunkFunction,
			re: regexp.MustCompile(`^[ \t]*` + jsExport + `(?:async[ \t]+)?function[ \t]*\*?[ \t]*(?P<name>` + jsIdent + `)`)},
		{kind: types.ChunkFunction,
			re: regexp.MustCompile(`^[ \t]*` + jsExport + `(?:const|let|var)[ \t]+(?P<name>` + jsIdent + `)[ \t]*(?::[^=\n]+)?=[ \t]*(?:async[ \t]+)?(?:function\b|\([^)]*\)[ \t]*(?::[^=\n]+)?=>|` + jsIdent + `[ \t]*=>)`)},
		{kind: types.ChunkFunction,
			re: regexp.MustCompile(`^[ \t]*(?P<name>(?:` + jsIdent + `\.)*` + jsIdent + `)[ \t]*=[ \t]*(?:async[ \t]+)?function\b`)},
		{kind: types.ChunkMethod, member: true,
			re: regexp.MustCompile(`^[ \t]*` + jsMethods + `\*?[ \t]*(?P<name>#?` + jsIdent + `)[ \t]*(?:<[^>\n]*>)?[ \t]*\([^;{]*\)[ \t]*(?::[^{;\n]+)?\s*\{`)},
		// Class fields holding functions: handle = (e) => {...}
		{kind: types.ChunkMethod, member: true,
			re: regexp.MustCompile(`^[ \t]*` + jsMethods + `(?P<name>#?` + jsIdent + `)[ \t]*[?!]?[ \t]*(?::[^=\n]+)?=[ \t]*(?:async[ \t]+)?(?:function\b|\([^)]*\)[ \t]*(?::[^=\n]+)?=>|` + jsIdent + `[ \t]*=>)`)},
	}
	if ts {
		rules = append([]rule{
			{kind: types.ChunkInterface, container: true,
				re: regexp.MustCompile(`^[ \t]*` + jsExport + `interface[ \t]+(?P<name>` + jsIdent + `)`)},
			{kind: types.ChunkType,
				re: regexp.MustCompile(`^[ \t]*` + jsExport + `type[ \t]+(?P<name>` + jsIdent + `)[ \t]*(?:<[^=\n]*>)?[ \t]*=`)},
			{kind: types.ChunkType,
				re: regexp.MustCompile(`^[ \t]*` + jsExport + `(?:const[ \t]+)?enum[ \t]+(?P<name>` + jsIdent + `)`)},
			{kind: types.ChunkModule, container: true,
				re: regexp.MustCompile(`^[ \t]*` + jsExport + `(?:namespace|module)[ \t]+(?P<name>` + jsIdent + `(?:\.` + jsIdent + `)*)[ \t]*\{`)},
		}, rules...)
	}
	return append(rules, rule{
		kind: types.ChunkVar, topLevel: true,
		re:     regexp.MustCompile(`^[ \t]*` + jsExport + `(?:const|let|var)[ \t]+(?P<name>` + jsIdent + `)`),
		reject: regexp.MustCompile(`^[ \t]*` + jsExport + `(?:const|let|var)[ \t]+[^=;\n]*=[ \t]*require\(`),
	})
}

var javascript = &braceLanguage{
	name:        "javascript",
	scan:        scanOptions{lineComment: "//", blockComment: true, backticks: true, regexLiteral: true},
	newlineEnds: true,
	rules:       jsRules(false),
}

var typescript = &braceLanguage{
	name:        "typescript",
	scan:        scanOptions{lineComment: "//", blockComment: true, backticks: true, regexLiteral: true},
	newlineEnds: true,
	rules:       jsRules(true),
}

var jvmKinds = map[string]types.ChunkKind{
	"class":      types.ChunkClass,
	"object":     types.ChunkClass,
	"interface":  types.ChunkInterface,
	"@interface": types.ChunkInterface,
	"enum":       types.ChunkType,
	"record":     types.ChunkType,
}

var java = &braceLanguage{
	name:  "java",
	scan:  scanOptions{lineComment: "//", blockComment: true, tripleQuotes: true},
	kinds: jvmKinds,
	rules: []rule{
		{kind: types.ChunkClass, container: true,
			re: regexp.MustCompile(`^[ \t]*` + jvmAnnot + `(?:(?:public|protected|private|abstract|final|static|sealed|non-sealed|strictfp)[ \t]+)*(?P<kw>class|interface|enum|record|@interface)[ \t]+(?P<name>\w+)`)},
		{kind: types.ChunkMethod, member: true,
			re: regexp.MustCompile(`^[ \t]*` + jvmAnnot + `(?:(?:public|protected|private|static|final|abstract|synchronized|native|default|strictfp)[ \t]+)*(?:<[^>\n]+>[ \t]+)?[\w.$]+(?:<[^;{()]*>)?(?:\[\])*[ \t]+(?P<name>\w+)[ \t]*\([^;{]*\)\s*(?:throws[ \t]+[\w.$, \t]+)?\s*\{`)},
		{kind: types.ChunkMethod, member: true,
			re: regexp.MustCompile(`^[ \t]*` + jvmAnnot + `(?:public|protected|private)[ \t]+(?P<name>[A-Z]\w*)[ \t]*\([^;{]*\)\s*(?:throws[ \t]+[\w.$, \t]+)?\s*\{`)},
	},
}

var kotlin = &braceLanguage{
	name:        "kotlin",
	scan:        scanOptions{lineComment: "//", blockComment: true, tripleQuotes: true},
	newlineEnds: true,
	kinds:       jvmKinds,
	rules: []rule{
		{kind: types.ChunkClass, container: true,
			re: regexp.MustCompile(`^[ \t]*` + jvmAnnot + `(?:(?:public|protected|private|internal|abstract|final|open|sealed|data|inner|enum|annotation|value|inline|expect|actual|companion)[ \t]+)*(?P<kw>class|interface|object)[ \t]+(?P<name>\w+)`)},
		{kind: types.ChunkFunction,
			re: regexp.MustCompile(`^[ \t]*` + jvmAnnot + `(?:(?:public|protected|private|internal|override|open|suspend|inline|operator|infix|abstract|final|tailrec|external|actual|expect)[ \t]+)*fun[ \t]+(?:<[^>\n]+>[ \t]*)?(?:[\w.<>?]+\.)?(?P<name>\w+)`)},
		{kind: types.ChunkType,
			re: regexp.MustCompile(`^[ \t]*(?:(?:public|private|internal)[ \t]+)?typealias[ \t]+(?P<name>\w+)`)},
		{kind: types.ChunkVar, topLevel: true,
			re: regexp.MustCompile(`^(?:(?:public|private|internal|const)[ \t]+)*(?:val|var)[ \t]+(?P<name>\w+)`)},
	},
}

var rust = &braceLanguage{
	name: "rust",
	scan: scanOptions{lineComment: "//", blockComment: true, rustChars: true, rawStrings: true},
	kinds: map[string]types.ChunkKind{
		"struct": types.ChunkType,
		"enum":   types.ChunkType,
		"union":  types.ChunkType,
		"const":  types.ChunkConst,
		"static": types.ChunkConst,
	},
	rules: []rule{
		{kind: types.ChunkFunction,
			re: regexp.MustCompile(`^[ \t]*` + rustVis + `(?:default[ \t]+)?(?:const[ \t]+)?(?:async[ \t]+)?(?:unsafe[ \t]+)?(?:extern[ \t]+(?:"[^"\n]*"[ \t]+)?)?fn[ \t]+(?P<name>\w+)`)},
		{kind: types.ChunkType,
			re: regexp.MustCompile(`^[ \t]*` + rustVis + `(?P<kw>struct|enum|union)[ \t]+(?P<name>\w+)`)},
		{kind: types.ChunkInterface, container: true,
			re: regexp.MustCompile(`^[ \t]*` + rustVis + `(?:unsafe[ \t]+)?(?:auto[ \t]+)?trait[ \t]+(?P<name>\w+)`)},
		{kind: types.ChunkClass, container: true, rename: implName,
			re: regexp.MustCompile(`^[ \t]*(?:unsafe[ \t]+)?impl\b(?P<name>[^{;]*)`)},
		{kind: types.ChunkModule, container: true,
			re: regexp.MustCompile(`^[ \t]*` + rustVis + `mod[ \t]+(?P<name>\w+)[ \t]*\{`)},
		{kind: types.ChunkFunction,
			re: regexp.MustCompile(`^[ \t]*macro_rules![ \t]*(?P<name>\w+)`)},
		{kind: types.ChunkConst,
			re: regexp.MustCompile(`^[ \t]*` + rustVis + `(?P<kw>const|static)[ \t]+(?:mut[ \t]+)?(?P<name>[A-Za-z_]\w*)[ \t]*:`)},
		{kind: types.ChunkType,
			re: regexp.MustCompile(`^[ \t]*` + rustVis + `type[ \t]+(?P<name>\w+)`)},
	},
}

// implName reduces "<T: Clone> Display for Wrapper<T> where ..." to "Display for Wrapper<T>"
func implName(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		depth := 0
		for i, c := range s {
			if c == '<' {
				depth++
			} else if c == '>' {
				depth--
				if depth == 0 {
					s = s[i+1:]
					break
				}
			}
		}
	}
	if i := strings.Index(s, " where "); i >= 0 {
		s = s[:i]
	}
	return strings.Join(strings.Fields(s), " ")
}

// braceParser finds declarations in C-family languages by pattern matching
// declaration heads over comment- and string-masked text and pairing braces.
type braceParser struct {
	lang  *braceLanguage
	names []int // "name" group index per rule
	kws   []int // "kw" group index per rule, or -1
}

func newBraceParser(lang *braceLanguage) *braceParser {
	p := &braceParser{lang: lang}
	for _, r := range lang.rules {
		p.names = append(p.names, r.re.SubexpIndex("name"))
		p.kws = append(p.kws, r.re.SubexpIndex("kw"))
	}
	return p
}

func (p *braceParser) Language() string { return p.lang.name }

type candidate struct {
	rule       *rule
	kind       types.ChunkKind
	name       string
	start, end int
	header     int // end of the declaration head
}

func (p *braceParser) Parse(filePath string, src []byte) *types.ParseResult {
	result := &types.ParseResult{Language: p.lang.name}

	m := maskSource(src, p.lang.scan)
	if m.unterminated {
		result.AddError(filePath, 0, 0, "unterminated comment or string literal")
		return result
	}
	pairs, ok := bracePairs(m.text)
	if !ok {
		result.AddError(filePath, 0, 0, "unbalanced braces")
		return result
	}

	lines := newLineIndex(src)
	depths := lineDepths(m.text, lines)

	var cands []candidate
	for li, ls := range lines {
		window := m.text[ls:min(ls+headerWindow, len(m.text))]
		for ri := range p.lang.rules {
			r := &p.lang.rules[ri]
			if r.topLevel && depths[li] != 0 {
				continue
			}
			loc := r.re.FindSubmatchIndex(window)
			if loc == nil {
				continue
			}
			ni := p.names[ri]
			if loc[2*ni] < 0 {
				continue
			}
			if r.reject != nil && r.reject.Match(window) {
				break
			}
			name := string(window[loc[2*ni]:loc[2*ni+1]])
			if r.rename != nil {
				name = r.rename(name)
			}
			if name == "" || reserved[name] {
				continue
			}
			kind := r.kind
			if ki := p.kws[ri]; ki > 0 && loc[2*ki] >= 0 {
				if k, ok := p.lang.kinds[string(window[loc[2*ki]:loc[2*ki+1]])]; ok {
					kind = k
				}
			}

			nameEnd := ls + loc[2*ni+1]
			end, header := statementEnd(m.text, nameEnd, pairs, p.lang.newlineEnds)
			start := ls + indentWidth(window)
			cands = append(cands, candidate{rule: r, kind: kind, name: name, start: start, end: end, header: header})
			break
		}
	}

	result.Declarations = p.nest(src, m, lines, cands)
	return result
}

// nest arranges candidates into a containment tree and attaches docs
func (p *braceParser) nest(src []byte, m *masked, lines lineIndex, cands []candidate) []types.Declaration {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].start < cands[j].start })

	var roots, stack []*node
	for _, c := range cands {
		for len(stack) > 0 && stack[len(stack)-1].decl.End.Offset <= c.start {
			stack = stack[:len(stack)-1]
		}
		var parent *node
		if len(stack) > 0 {
			parent = stack[len(stack)-1]
			if c.end > parent.decl.End.Offset {
				c.end = parent.decl.End.Offset
			}
		}
		inContainer := parent != nil && parent.container
		if c.rule.member && !inContainer {
			continue
		}
		kind := c.kind
		if kind == types.ChunkFunction && inContainer {
			kind = types.ChunkMethod
		}
		if c.end <= c.start {
			continue
		}

		start := annotationStart(m.text, lines, c.start)
		doc, docStart := leadingDoc(src, m, start)
		header := c.header
		if header <= c.start || header > c.end {
			header = c.end
		}
		n := &node{
			container: c.rule.container,
			decl: types.Declaration{
				Kind:      kind,
				Name:      c.name,
				Signature: signature(src[c.start:header]),
				Doc:       doc,
				Start:     lines.position(start),
				End:       lines.endPosition(c.end),
				DocStart:  docStart,
			},
		}
		if parent != nil {
			parent.children = append(parent.children, n)
		} else {
			roots = append(roots, n)
		}
		stack = append(stack, n)
	}
	return freezeAll(roots)
}

// statementEnd finds where a declaration starting before from ends.
// It returns the end offset and the offset of the body's opening brace
// (or the end when there is no body).
func statementEnd(text []byte, from int, pairs map[int]int, newlineEnds bool) (end, header int) {
	depth := 0
	for j := from; j < len(text); j++ {
		switch text[j] {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
			if depth < 0 {
				return j, j
			}
		case '{':
			closeAt, ok := pairs[j]
			if !ok {
				return len(text), j
			}
			if depth == 0 {
				return closeAt + 1, j
			}
			j = closeAt
		case '}':
			if depth == 0 {
				return j, j
			}
		case ';':
			if depth == 0 {
				return j + 1, j
			}
		case '\n':
			if depth == 0 && newlineEnds && !continues(text, j) {
				return j, j
			}
		}
	}
	return len(text), len(text)
}

// continues reports whether the statement broken by the newline at j goes on
func continues(text []byte, j int) bool {
	var prev, next byte
	for k := j - 1; k >= 0; k-- {
		if !isSpace(text[k]) {
			prev = text[k]
			break
		}
	}
	for k := j + 1; k < len(text); k++ {
		if !isSpace(text[k]) {
			next = text[k]
			break
		}
	}
	if prev == 0 || strings.IndexByte("=,([+-*/%&|<>.:?!", prev) >= 0 {
		return true
	}
	return next != 0 && strings.IndexByte("{.?:=|&", next) >= 0
}

// lineDepths records the brace depth at the start of each line
func lineDepths(text []byte, lines lineIndex) []int {
	depths := make([]int, len(lines))
	depth, li := 0, 0
	for i, c := range text {
		for li+1 < len(lines) && lines[li+1] <= i {
			li++
			depths[li] = depth
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
		}
	}
	for li+1 < len(lines) {
		li++
		depths[li] = depth
	}
	return depths
}

func indentWidth(b []byte) int {
	n := 0
	for n < len(b) && (b[n] == ' ' || b[n] == '\t') {
		n++
	}
	return n
}

// annotationStart extends a declaration upward over attribute and annotation lines
func annotationStart(text []byte, lines lineIndex, start int) int {
	li := lines.position(start).Line - 1
	for li > 0 {
		prev := strings.TrimSpace(string(text[lines[li-1]:lines[li]]))
		if !strings.HasPrefix(prev, "@") && !strings.HasPrefix(prev, "#[") {
			break
		}
		li--
		start = lines[li] + indentWidth(text[lines[li]:])
	}
	return start
}

// leadingDoc returns the comment block that directly precedes offset,
// only counting comments that begin their own line
func leadingDoc(src []byte, m *masked, offset int) (string, int) {
	i := sort.Search(len(m.comments), func(k int) bool { return m.comments[k].end > offset }) - 1
	if i < 0 || !adjacent(m.text, m.comments[i].end, offset) || !ownLine(m.text, m.comments[i].start) {
		return "", offset
	}
	first := i
	for first > 0 && adjacent(m.text, m.comments[first-1].end, m.comments[first].start) && ownLine(m.text, m.comments[first-1].start) {
		first--
	}
	parts := make([]string, 0, i-first+1)
	for k := first; k <= i; k++ {
		c := m.comments[k]
		parts = append(parts, cleanComment(string(src[c.start:c.end])))
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), m.comments[first].start
}

// adjacent reports whether only whitespace with at most one newline separates a and b
func adjacent(text []byte, a, b int) bool {
	if a > b {
		return false
	}
	newlines := 0
	for _, c := range text[a:b] {
		if c == '\n' {
			newlines++
		} else if !isSpace(c) {
			return false
		}
	}
	return newlines <= 1
}

func ownLine(text []byte, at int) bool {
	for k := at - 1; k >= 0 && text[k] != '\n'; k-- {
		if !isSpace(text[k]) {
			return false
		}
	}
	return true
}
