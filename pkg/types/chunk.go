package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"unicode/utf8"
)

// ChunkKind represents the kind of declaration a chunk was extracted from
type ChunkKind string

const (
	ChunkFunction  ChunkKind = "function"
	ChunkMethod    ChunkKind = "method"
	ChunkClass     ChunkKind = "class"
	ChunkType      ChunkKind = "type"
	ChunkInterface ChunkKind = "interface"
	ChunkConst     ChunkKind = "const"
	ChunkVar       ChunkKind = "var"
	ChunkModule    ChunkKind = "module"
	ChunkDoc       ChunkKind = "doc"
	ChunkFile      ChunkKind = "file" // Whole-file fallback
)

// MaxEmbeddingCodeBytes caps how much code text goes into the embedding input
const MaxEmbeddingCodeBytes = 1000

// Chunk represents a semantically meaningful unit extracted from one source file
type Chunk struct {
	// Identification
	ID     int64
	FileID int64

	// Provenance
	Kind      ChunkKind
	StartByte int
	EndByte   int
	StartLine int
	EndLine   int

	// Content
	Symbol    string
	Signature string
	Doc       string
	Text      string

	// ContentHash is sha256 hex of the full chunk content and is the embedding key
	ContentHash string
}

// EmbeddingText combines documentation, signature and a code preview.
// The preview is truncated on a rune boundary so the text stays valid UTF-8.
func (c *Chunk) EmbeddingText() string {
	parts := make([]string, 0, 4)
	if c.Symbol != "" {
		parts = append(parts, string(c.Kind)+" "+c.Symbol)
	}
	if c.Doc != "" {
		parts = append(parts, c.Doc)
	}
	if c.Signature != "" {
		parts = append(parts, c.Signature)
	}
	parts = append(parts, truncateUTF8(c.Text, MaxEmbeddingCodeBytes))
	return strings.Join(parts, "\n\n")
}

// ComputeContentHash computes the SHA-256 hash of the full chunk content.
// It covers every field EmbeddingText draws on, with the untruncated text,
// so chunks that differ past the embedding preview never share a key.
func (c *Chunk) ComputeContentHash() {
	h := sha256.New()
	for _, part := range []string{string(c.Kind), c.Symbol, c.Doc, c.Signature, c.Text} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	c.ContentHash = hex.EncodeToString(h.Sum(nil))
}

// ValidateContent checks if the chunk content is valid
func (c *Chunk) ValidateContent() error {
	if c.Text == "" {
		return errors.New("chunk content cannot be empty")
	}
	if c.StartByte < 0 || c.EndByte <= c.StartByte {
		return errors.New("byte range must be non-empty")
	}
	if c.StartLine <= 0 || c.StartLine > c.EndLine {
		return errors.New("line range must be positive and ordered")
	}
	return nil
}

// Validate performs comprehensive validation of the chunk
func (c *Chunk) Validate() error {
	if err := c.ValidateContent(); err != nil {
		return err
	}
	if c.Kind == "" {
		return errors.New("chunk kind is required")
	}
	if len(c.ContentHash) != 64 {
		return errors.New("content hash must be computed")
	}
	return nil
}

// Snippet returns the signature and the first maxLen bytes of text for display
func (c *Chunk) Snippet(maxLen int) string {
	var b strings.Builder
	if c.Signature != "" {
		b.WriteString(c.Signature)
		b.WriteByte('\n')
	}
	if remaining := maxLen - b.Len(); remaining > 0 {
		b.WriteString(truncateUTF8(c.Text, remaining))
	}
	return b.String()
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// HashBytes returns the sha256 hex digest used for blob addressing
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
