// Package parser extracts declarations with exact byte ranges from dependency source files.
//
// Go files are parsed with the standard library (go/parser, go/ast). Other
// languages have two backends.
//
// The default build uses lightweight scanners:
//
//   - JavaScript, TypeScript, Java, Kotlin and Rust: comment- and string-aware
//     masking followed by line-anchored declaration patterns and brace pairing
//   - Python: def/class blocks delimited by indentation, with docstrings
//   - Markdown: heading sections
//
// Building with CGO and the treesitter tag parses JavaScript, TypeScript,
// Java, Kotlin, Rust and Python with tree-sitter grammars instead. A file
// whose syntax tree contains errors is handed to the scanner for the same
// language. Backend names the compiled-in choice.
//
//	CGO_ENABLED=1 go build -tags treesitter ./cmd/idx
//
// # Basic Usage
//
//	p, ok := parser.ForPath("lodash/cloneDeep.js")
//	if !ok {
//	    // unsupported language
//	}
//	result := p.Parse("lodash/cloneDeep.js", src)
//	for _, d := range result.Declarations {
//	    fmt.Printf("%s %s [%d,%d)\n", d.Kind, d.Name, d.Start.Offset, d.End.Offset)
//	}
//
// # Error Handling
//
// Syntax problems never panic and never return an error. They are recorded in
// ParseResult.Errors and the declarations are left empty, so callers can fall
// back to indexing the whole file.
//
// Declarations nest: a class holds its methods and a function may hold inner
// functions in Children. Parsers are stateless and safe for concurrent use.
package parser
