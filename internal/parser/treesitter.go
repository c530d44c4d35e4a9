//go:build treesitter && cgo && !purego
// +build treesitter,cgo,!purego

package parser

// This file is compiled when building with CGO and the treesitter tag:
//
//   CGO_ENABLED=1 go build -tags treesitter ./...
//
// JavaScript, TypeScript, Java, Kotlin, Rust and Python are parsed with
// tree-sitter grammars. Go and Markdown keep their dedicated parsers, and a
// file the grammar cannot parse cleanly goes to the scanner.
//
// Grammars used: github.com/smacker/go-tree-sitter

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	tsjava "github.com/smacker/go-tree-sitter/java"
	tsjavascript "github.com/smacker/go-tree-sitter/javascript"
	tskotlin "github.com/smacker/go-tree-sitter/kotlin"
	tspython "github.com/smacker/go-tree-sitter/python"
	tsrust "github.com/smacker/go-tree-sitter/rust"
	tstsx "github.com/smacker/go-tree-sitter/typescript/tsx"
	tstypescript "github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/dshills/depcontext/pkg/types"
)

// Backend names the parser implementation compiled in
const Backend = "tree-sitter"

var byExtension = func() map[string]Parser {
	m := make(map[string]Parser, len(scanners))
	for ext, p := range scanners {
		m[ext] = p
	}
	grammars := map[string]*grammar{
		".js": jsGrammar, ".jsx": jsGrammar, ".mjs": jsGrammar, ".cjs": jsGrammar,
		".ts": tsGrammar, ".mts": tsGrammar, ".cts": tsGrammar,
		".tsx":  tsxGrammar,
		".java": javaGrammar,
		".kt":   kotlinGrammar, ".kts": kotlinGrammar,
		".rs":   rustGrammar,
		".py":   pythonGrammar, ".pyi": pythonGrammar,
	}
	for ext, g := range grammars {
		m[ext] = &treeParser{grammar: g, fallback: scanners[ext]}
	}
	return m
}()

// treeRule maps one syntax node type to a declaration
type treeRule struct {
	kind      types.ChunkKind
	container bool // may hold members
	member    bool // only valid directly inside a container
	// resolve overrides kind and name; an empty name skips the node
	resolve func(n *sitter.Node, src []byte, top bool) (types.ChunkKind, string)
}

type grammar struct {
	name     string
	language *sitter.Language
	rules    map[string]treeRule
	// wrappers lend their range and docs to the declaration held in the field
	wrappers map[string]string
	comments map[string]bool
	// attributes precede a declaration as siblings and belong to its range
	attributes map[string]bool
	docstrings bool
}

var (
	jsComments   = map[string]bool{"comment": true}
	jsWrappers   = map[string]string{"export_statement": "declaration"}
	jvmComments  = map[string]bool{"comment": true, "line_comment": true, "block_comment": true, "multiline_comment": true}
	rustComments = map[string]bool{"line_comment": true, "block_comment": true}
)

var jsGrammar = &grammar{
	name:     "javascript",
	language: tsjavascript.GetLanguage(),
	rules:    jsTreeRules(false),
	wrappers: jsWrappers,
	comments: jsComments,
}

var tsGrammar = &grammar{
	name:     "typescript",
	language: tstypescript.GetLanguage(),
	rules:    jsTreeRules(true),
	wrappers: jsWrappers,
	comments: jsComments,
}

var tsxGrammar = &grammar{
	name:     "typescript",
	language: tstsx.GetLanguage(),
	rules:    jsTreeRules(true),
	wrappers: jsWrappers,
	comments: jsComments,
}

func jsTreeRules(ts bool) map[string]treeRule {
	rules := map[string]treeRule{
		"function_declaration":           {kind: types.ChunkFunction},
		"generator_function_declaration": {kind: types.ChunkFunction},
		"class_declaration":              {kind: types.ChunkClass, container: true},
		"method_definition":              {kind: types.ChunkMethod, member: true},
		"field_definition":               {kind: types.ChunkMethod, member: true, resolve: fieldDecl},
		"lexical_declaration":            {resolve: variableDecl},
		"variable_declaration":           {resolve: variableDecl},
		"expression_statement":           {resolve: assignmentDecl},
	}
	if ts {
		rules["abstract_class_declaration"] = treeRule{kind: types.ChunkClass, container: true}
		rules["public_field_definition"] = treeRule{kind: types.ChunkMethod, member: true, resolve: fieldDecl}
		rules["interface_declaration"] = treeRule{kind: types.ChunkInterface, container: true}
		rules["type_alias_declaration"] = treeRule{kind: types.ChunkType}
		rules["enum_declaration"] = treeRule{kind: types.ChunkType}
		rules["internal_module"] = treeRule{kind: types.ChunkModule, container: true}
		rules["module"] = treeRule{kind: types.ChunkModule, container: true}
	}
	return rules
}

var javaGrammar = &grammar{
	name:     "java",
	language: tsjava.GetLanguage(),
	rules: map[string]treeRule{
		"class_declaration":           {kind: types.ChunkClass, container: true},
		"interface_declaration":       {kind: types.ChunkInterface, container: true},
		"annotation_type_declaration": {kind: types.ChunkInterface, container: true},
		"enum_declaration":            {kind: types.ChunkType, container: true},
		"record_declaration":          {kind: types.ChunkType, container: true},
		"method_declaration":          {kind: types.ChunkMethod, member: true},
		"constructor_declaration":     {kind: types.ChunkMethod, member: true},
	},
	comments: jvmComments,
}

var kotlinGrammar = &grammar{
	name:     "kotlin",
	language: tskotlin.GetLanguage(),
	rules: map[string]treeRule{
		"class_declaration":    {kind: types.ChunkClass, container: true, resolve: kotlinClass},
		"object_declaration":   {kind: types.ChunkClass, container: true},
		"function_declaration": {kind: types.ChunkFunction},
		"property_declaration": {resolve: kotlinProperty},
		"type_alias":           {kind: types.ChunkType},
	},
	comments: jvmComments,
}

var rustGrammar = &grammar{
	name:     "rust",
	language: tsrust.GetLanguage(),
	rules: map[string]treeRule{
		"function_item":           {kind: types.ChunkFunction},
		"function_signature_item": {kind: types.ChunkFunction},
		"struct_item":             {kind: types.ChunkType},
		"enum_item":               {kind: types.ChunkType},
		"union_item":              {kind: types.ChunkType},
		"trait_item":              {kind: types.ChunkInterface, container: true},
		"impl_item":               {kind: types.ChunkClass, container: true, resolve: rustImpl},
		"mod_item":                {kind: types.ChunkModule, container: true, resolve: rustMod},
		"macro_definition":        {kind: types.ChunkFunction},
		"const_item":              {kind: types.ChunkConst},
		"static_item":             {kind: types.ChunkConst},
		"type_item":               {kind: types.ChunkType},
	},
	comments:   rustComments,
	attributes: map[string]bool{"attribute_item": true},
}

var pythonGrammar = &grammar{
	name:     "python",
	language: tspython.GetLanguage(),
	rules: map[string]treeRule{
		"function_definition": {kind: types.ChunkFunction},
		"class_definition":    {kind: types.ChunkClass, container: true},
	},
	wrappers:   map[string]string{"decorated_definition": "definition"},
	docstrings: true,
}

// treeParser parses with a tree-sitter grammar. It is safe for concurrent
// use: every Parse gets its own tree-sitter parser.
type treeParser struct {
	grammar  *grammar
	fallback Parser
}

func (p *treeParser) Language() string { return p.grammar.name }

func (p *treeParser) Parse(filePath string, src []byte) *types.ParseResult {
	result := &types.ParseResult{Language: p.grammar.name}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(p.grammar.language)
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		result.AddError(filePath, 0, 0, err.Error())
		return result
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		// The scanner reports its own errors when it cannot cope either
		return p.fallback.Parse(filePath, src)
	}

	w := &treeWalker{grammar: p.grammar, src: src, lines: newLineIndex(src)}
	var roots []*node
	w.walk(root, &roots, false, true)
	result.Declarations = freezeAll(roots)
	return result
}

type treeWalker struct {
	grammar *grammar
	src     []byte
	lines   lineIndex
}

// walk collects the declarations among the named children of n into dst.
// inContainer holds inside class-like bodies; top only for direct children
// of the file.
func (w *treeWalker) walk(n *sitter.Node, dst *[]*node, inContainer, top bool) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child == nil {
			continue
		}
		decl := child
		for {
			field, ok := w.grammar.wrappers[decl.Type()]
			if !ok {
				break
			}
			inner := decl.ChildByFieldName(field)
			if inner == nil {
				break
			}
			decl = inner
		}

		rule, ok := w.grammar.rules[decl.Type()]
		if !ok {
			w.walk(decl, dst, inContainer, false)
			continue
		}
		kind, name := rule.kind, nodeName(decl, w.src)
		if rule.resolve != nil {
			kind, name = rule.resolve(decl, w.src, top)
		}
		if name == "" || (rule.member && !inContainer) {
			w.walk(decl, dst, false, false)
			continue
		}
		if kind == types.ChunkFunction && inContainer {
			kind = types.ChunkMethod
		}

		nd := w.declaration(child, decl, kind, name)
		nd.container = rule.container
		*dst = append(*dst, nd)
		w.walk(decl, &nd.children, rule.container, false)
	}
}

// declaration builds the node for decl. anchor is decl or the wrapper
// around it and sets the range.
func (w *treeWalker) declaration(anchor, decl *sitter.Node, kind types.ChunkKind, name string) *node {
	first := anchor
	for prev := first.PrevNamedSibling(); prev != nil && w.grammar.attributes[prev.Type()]; prev = prev.PrevNamedSibling() {
		if !adjacent(w.src, int(prev.EndByte()), int(first.StartByte())) {
			break
		}
		first = prev
	}
	start, end := int(first.StartByte()), int(anchor.EndByte())

	doc, docStart := w.leadingDoc(first)
	if doc == "" && w.grammar.docstrings {
		doc = w.docstring(decl)
	}
	header := end
	if body := bodyOf(decl); body != nil && int(body.StartByte()) > int(decl.StartByte()) {
		header = int(body.StartByte())
	}

	return &node{decl: types.Declaration{
		Kind:      kind,
		Name:      name,
		Signature: signature(w.src[decl.StartByte():header]),
		Doc:       doc,
		Start:     w.lines.position(start),
		End:       w.lines.endPosition(end),
		DocStart:  docStart,
	}}
}

// leadingDoc joins the comments that directly precede n on their own lines
func (w *treeWalker) leadingDoc(n *sitter.Node) (string, int) {
	docStart := int(n.StartByte())
	var parts []string
	for prev := n.PrevNamedSibling(); prev != nil && w.grammar.comments[prev.Type()]; prev = prev.PrevNamedSibling() {
		ps, pe := int(prev.StartByte()), int(prev.EndByte())
		if !adjacent(w.src, pe, docStart) || !ownLine(w.src, ps) {
			break
		}
		parts = append([]string{cleanComment(string(w.src[ps:pe]))}, parts...)
		docStart = ps
	}
	if len(parts) == 0 {
		return "", int(n.StartByte())
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), docStart
}

// docstring returns the string literal opening the body of n
func (w *treeWalker) docstring(n *sitter.Node) string {
	body := n.ChildByFieldName("body")
	if body == nil {
		return ""
	}
	for i := 0; i < int(body.NamedChildCount()); i++ {
		stmt := body.NamedChild(i)
		if stmt == nil || stmt.Type() == "comment" {
			continue
		}
		if stmt.Type() != "expression_statement" || stmt.NamedChildCount() == 0 {
			return ""
		}
		if s := stmt.NamedChild(0); s != nil && s.Type() == "string" {
			return unquoteDocstring(s.Content(w.src))
		}
		return ""
	}
	return ""
}

var identifierTypes = map[string]bool{
	"identifier":                  true,
	"type_identifier":             true,
	"simple_identifier":           true,
	"property_identifier":         true,
	"private_property_identifier": true,
}

// nodeName reads the name field, or the first identifier child for
// grammars that do not label it
func nodeName(n *sitter.Node, src []byte) string {
	if id := n.ChildByFieldName("name"); id != nil {
		return id.Content(src)
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c != nil && identifierTypes[c.Type()] {
			return c.Content(src)
		}
	}
	return ""
}

var bodyTypes = map[string]bool{
	"class_body":             true,
	"enum_class_body":        true,
	"function_body":          true,
	"statement_block":        true,
	"block":                  true,
	"declaration_list":       true,
	"field_declaration_list": true,
	"interface_body":         true,
	"enum_body":              true,
}

// bodyOf finds the node whose start ends a declaration header
func bodyOf(n *sitter.Node) *sitter.Node {
	if b := n.ChildByFieldName("body"); b != nil {
		return b
	}
	if v := n.ChildByFieldName("value"); v != nil {
		return bodyOf(v)
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch {
		case c == nil:
		case bodyTypes[c.Type()]:
			return c
		case c.Type() == "variable_declarator":
			return bodyOf(c)
		}
	}
	return nil
}

var functionValues = map[string]bool{
	"arrow_function":      true,
	"function":            true,
	"function_expression": true,
	"generator_function":  true,
}

// variableDecl resolves const, let and var. A function value makes a
// function at any depth; other values are variables at file level unless
// they only require a module.
func variableDecl(n *sitter.Node, src []byte, top bool) (types.ChunkKind, string) {
	var declarator *sitter.Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c != nil && c.Type() == "variable_declarator" {
			declarator = c
			break
		}
	}
	if declarator == nil {
		return "", ""
	}
	id := declarator.ChildByFieldName("name")
	if id == nil || id.Type() != "identifier" {
		return "", ""
	}
	value := declarator.ChildByFieldName("value")
	switch {
	case value != nil && functionValues[value.Type()]:
		return types.ChunkFunction, id.Content(src)
	case !top:
		return "", ""
	case value != nil && isRequire(value, src):
		return "", ""
	}
	return types.ChunkVar, id.Content(src)
}

func isRequire(n *sitter.Node, src []byte) bool {
	if n.Type() != "call_expression" {
		return false
	}
	fn := n.ChildByFieldName("function")
	return fn != nil && fn.Content(src) == "require"
}

// fieldDecl keeps class fields that hold functions: handle = (e) => {...}
func fieldDecl(n *sitter.Node, src []byte, _ bool) (types.ChunkKind, string) {
	value := n.ChildByFieldName("value")
	if value == nil || !functionValues[value.Type()] {
		return "", ""
	}
	id := n.ChildByFieldName("property")
	if id == nil {
		id = n.ChildByFieldName("name")
	}
	if id == nil {
		return "", ""
	}
	return types.ChunkMethod, id.Content(src)
}

// assignmentDecl keeps "a.b = function () {...}" statements
func assignmentDecl(n *sitter.Node, src []byte, _ bool) (types.ChunkKind, string) {
	if n.NamedChildCount() == 0 {
		return "", ""
	}
	a := n.NamedChild(0)
	if a == nil || a.Type() != "assignment_expression" {
		return "", ""
	}
	right := a.ChildByFieldName("right")
	if right == nil || (right.Type() != "function" && right.Type() != "function_expression") {
		return "", ""
	}
	left := a.ChildByFieldName("left")
	if left == nil {
		return "", ""
	}
	return types.ChunkFunction, left.Content(src)
}

// kotlinClass tells interfaces from classes by their keyword token
func kotlinClass(n *sitter.Node, src []byte, _ bool) (types.ChunkKind, string) {
	kind := types.ChunkClass
	for i := 0; i < int(n.ChildCount()); i++ {
		if c := n.Child(i); c != nil && !c.IsNamed() && c.Type() == "interface" {
			kind = types.ChunkInterface
			break
		}
	}
	return kind, nodeName(n, src)
}

func kotlinProperty(n *sitter.Node, src []byte, top bool) (types.ChunkKind, string) {
	if !top {
		return "", ""
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c != nil && c.Type() == "variable_declaration" {
			return types.ChunkVar, nodeName(c, src)
		}
	}
	return "", ""
}

// rustImpl names an impl block "Trait for Type", or "Type" for inherent impls
func rustImpl(n *sitter.Node, src []byte, _ bool) (types.ChunkKind, string) {
	typ := n.ChildByFieldName("type")
	if typ == nil {
		return "", ""
	}
	name := typ.Content(src)
	if trait := n.ChildByFieldName("trait"); trait != nil {
		name = trait.Content(src) + " for " + name
	}
	return types.ChunkClass, strings.Join(strings.Fields(name), " ")
}

// rustMod skips out-of-line "mod name;" items
func rustMod(n *sitter.Node, src []byte, _ bool) (types.ChunkKind, string) {
	if n.ChildByFieldName("body") == nil {
		return "", ""
	}
	return types.ChunkModule, nodeName(n, src)
}
