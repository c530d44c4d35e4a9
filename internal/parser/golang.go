package parser

import (
	"fmt"
	"go/ast"
	goparser "go/parser"
	"go/scanner"
	"go/token"
	"strings"

	"github.com/dshills/depcontext/pkg/types"
)

// GoParser handles AST-based parsing of Go source files
type GoParser struct{}

func (p *GoParser) Language() string { return "go" }

// Parse extracts functions, methods, types and const/var groups.
// A fresh FileSet per call keeps the parser safe for concurrent use.
func (p *GoParser) Parse(filePath string, src []byte) *types.ParseResult {
	result := &types.ParseResult{Language: p.Language()}
	fset := token.NewFileSet()

	file, err := goparser.ParseFile(fset, filePath, src, goparser.ParseComments)
	if err != nil {
		// Partial ASTs are discarded; the chunker falls back to the whole file
		if list, ok := err.(scanner.ErrorList); ok && len(list) > 0 {
			for _, e := range list {
				result.AddError(filePath, e.Pos.Line, e.Pos.Column, e.Msg)
			}
		} else {
			result.AddError(filePath, 0, 0, fmt.Sprintf("syntax error: %v", err))
		}
		return result
	}

	e := &goExtractor{fset: fset, src: src}
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			e.function(d)
		case *ast.GenDecl:
			e.genDecl(d)
		}
	}
	result.Declarations = e.decls
	return result
}

type goExtractor struct {
	fset  *token.FileSet
	src   []byte
	decls []types.Declaration
}

func (e *goExtractor) offset(pos token.Pos) int {
	return e.fset.Position(pos).Offset
}

func (e *goExtractor) add(kind types.ChunkKind, name, sig string, doc *ast.CommentGroup, from, to token.Pos) {
	d := types.Declaration{
		Kind:      kind,
		Name:      name,
		Signature: sig,
		Doc:       docText(doc),
		Start:     e.position(from),
		End:       e.position(to),
		DocStart:  e.offset(from),
	}
	if doc != nil {
		d.DocStart = e.offset(doc.Pos())
	}
	e.decls = append(e.decls, d)
}

func (e *goExtractor) position(pos token.Pos) types.Position {
	p := e.fset.Position(pos)
	return types.Position{Line: p.Line, Column: p.Column, Offset: p.Offset}
}

func (e *goExtractor) function(fn *ast.FuncDecl) {
	kind := types.ChunkFunction
	name := fn.Name.Name
	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		kind = types.ChunkMethod
		if recv := receiverType(fn.Recv.List[0].Type); recv != "" {
			name = recv + "." + name
		}
	}
	header := e.src[e.offset(fn.Pos()):e.offset(fn.Type.End())]
	e.add(kind, name, signature(header), fn.Doc, fn.Pos(), fn.End())
}

func (e *goExtractor) genDecl(gd *ast.GenDecl) {
	switch gd.Tok {
	case token.TYPE:
		for _, spec := range gd.Specs {
			ts := spec.(*ast.TypeSpec)
			kind := types.ChunkType
			if _, ok := ts.Type.(*ast.InterfaceType); ok {
				kind = types.ChunkInterface
			}
			doc := ts.Doc
			from, to := ts.Pos(), ts.End()
			if !gd.Lparen.IsValid() {
				doc, from, to = gd.Doc, gd.Pos(), gd.End()
			}
			e.add(kind, ts.Name.Name, typeSignature(ts), doc, from, to)
		}
	case token.CONST, token.VAR:
		kind := types.ChunkVar
		if gd.Tok == token.CONST {
			kind = types.ChunkConst
		}
		var names []string
		for _, spec := range gd.Specs {
			for _, n := range spec.(*ast.ValueSpec).Names {
				if n.Name != "_" {
					names = append(names, n.Name)
				}
			}
		}
		if len(names) == 0 {
			return
		}
		sig := gd.Tok.String() + " " + names[0]
		if len(names) > 1 {
			shown := names
			if len(shown) > 5 {
				shown = append(shown[:5:5], "...")
			}
			sig = fmt.Sprintf("%s (%s)", gd.Tok, strings.Join(shown, ", "))
		}
		e.add(kind, names[0], sig, gd.Doc, gd.Pos(), gd.End())
	}
}

func typeSignature(ts *ast.TypeSpec) string {
	switch t := ts.Type.(type) {
	case *ast.StructType:
		n := 0
		if t.Fields != nil {
			n = t.Fields.NumFields()
		}
		return fmt.Sprintf("type %s struct { ... } // %d fields", ts.Name.Name, n)
	case *ast.InterfaceType:
		n := 0
		if t.Methods != nil {
			n = t.Methods.NumFields()
		}
		return fmt.Sprintf("type %s interface { ... } // %d methods", ts.Name.Name, n)
	}
	if ts.Assign.IsValid() {
		return fmt.Sprintf("type %s = %s", ts.Name.Name, exprString(ts.Type))
	}
	return fmt.Sprintf("type %s %s", ts.Name.Name, exprString(ts.Type))
}

func receiverType(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverType(t.X)
	case *ast.IndexExpr:
		return receiverType(t.X)
	case *ast.IndexListExpr:
		return receiverType(t.X)
	case *ast.Ident:
		return t.Name
	}
	return ""
}

func exprString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + exprString(t.X)
	case *ast.ArrayType:
		return "[]" + exprString(t.Elt)
	case *ast.MapType:
		return fmt.Sprintf("map[%s]%s", exprString(t.Key), exprString(t.Value))
	case *ast.ChanType:
		return "chan " + exprString(t.Value)
	case *ast.FuncType:
		return "func(...)"
	case *ast.SelectorExpr:
		return exprString(t.X) + "." + t.Sel.Name
	default:
		return "..."
	}
}

func docText(doc *ast.CommentGroup) string {
	if doc == nil {
		return ""
	}
	return strings.TrimSpace(doc.Text())
}
