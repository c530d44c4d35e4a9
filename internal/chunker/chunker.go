package chunker

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dshills/depcontext/internal/parser"
	"github.com/dshills/depcontext/pkg/types"
)

// DefaultMaxChunkBytes is the size above which a declaration is split into its children
const DefaultMaxChunkBytes = 8 * 1024

// Chunker creates semantic chunks from dependency source files
type Chunker struct {
	maxBytes int
}

// New creates a Chunker; maxBytes <= 0 selects DefaultMaxChunkBytes
func New(maxBytes int) *Chunker {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxChunkBytes
	}
	return &Chunker{maxBytes: maxBytes}
}

// Chunk splits one file into chunks ordered by start byte.
//
// An unsupported language returns a ChunkError of kind unsupported and no
// chunks. A file the parser cannot make sense of yields one whole-file chunk
// together with a ChunkError of kind malformed; callers should index the
// chunk and record the error.
func (c *Chunker) Chunk(filePath string, src []byte) ([]types.Chunk, error) {
	p, ok := parser.ForPath(filePath)
	if !ok {
		return nil, &types.ChunkError{Path: filePath, Kind: types.ChunkUnsupported}
	}
	if len(bytes.TrimSpace(src)) == 0 {
		return nil, nil
	}
	if !utf8.Valid(src) {
		return c.fallback(src), &types.ChunkError{
			Path: filePath, Kind: types.ChunkMalformed, Err: errors.New("invalid UTF-8"),
		}
	}

	result := p.Parse(filePath, src)
	if result.HasErrors() {
		first := result.Errors[0]
		return c.fallback(src), &types.ChunkError{Path: filePath, Kind: types.ChunkMalformed, Err: &first}
	}

	decls := c.flatten(result.Declarations, nil)
	if len(decls) == 0 {
		return []types.Chunk{wholeFile(src, types.ChunkModule)}, nil
	}

	chunks := make([]types.Chunk, 0, len(decls))
	for i := range decls {
		chunks = append(chunks, fromDeclaration(src, &decls[i]))
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].StartByte != chunks[j].StartByte {
			return chunks[i].StartByte < chunks[j].StartByte
		}
		return chunks[i].EndByte < chunks[j].EndByte
	})
	return chunks, nil
}

// flatten replaces oversized declarations with their children, recursively.
// Oversized leaves are kept whole; their embedding text is truncated later.
func (c *Chunker) flatten(decls []types.Declaration, out []types.Declaration) []types.Declaration {
	for _, d := range decls {
		if d.Size() > c.maxBytes && len(d.Children) > 0 {
			out = c.flatten(d.Children, out)
			continue
		}
		out = append(out, d)
	}
	return out
}

func fromDeclaration(src []byte, d *types.Declaration) types.Chunk {
	chunk := types.Chunk{
		Kind:      d.Kind,
		StartByte: d.Start.Offset,
		EndByte:   d.End.Offset,
		StartLine: d.Start.Line,
		EndLine:   d.End.Line,
		Symbol:    d.Name,
		Signature: d.Signature,
		Doc:       d.Doc,
		Text:      string(src[d.Start.Offset:d.End.Offset]),
	}
	chunk.ComputeContentHash()
	return chunk
}

func (c *Chunker) fallback(src []byte) []types.Chunk {
	return []types.Chunk{wholeFile(src, types.ChunkFile)}
}

func wholeFile(src []byte, kind types.ChunkKind) types.Chunk {
	text := strings.ToValidUTF8(string(src), "�")
	chunk := types.Chunk{
		Kind:      kind,
		StartByte: 0,
		EndByte:   len(src),
		StartLine: 1,
		EndLine:   bytes.Count(src, []byte("\n")) + 1,
		Text:      text,
	}
	if bytes.HasSuffix(src, []byte("\n")) {
		chunk.EndLine--
	}
	chunk.ComputeContentHash()
	return chunk
}
