package types

// SearchResult represents a single search result with relevance information
type SearchResult struct {
	// Identification
	ChunkID int64
	Rank    int // Position in result set (1-based)

	// Scoring
	Score float64 // Cosine similarity, BM25-derived or RRF depending on mode

	// Provenance
	Package PackageCoordinate
	File    FileInfo
	Chunk   ChunkInfo

	// Source is the exact byte range read back from the blob store
	Source string
}

// FileInfo contains file metadata for a search result
type FileInfo struct {
	Path     string // Relative to package root
	Language string
}

// ChunkInfo describes the declaration a result came from
type ChunkInfo struct {
	Kind      ChunkKind
	Symbol    string
	Signature string
	Doc       string
	StartByte int
	EndByte   int
	StartLine int
	EndLine   int
}

// Validate checks if the search result is valid
func (sr *SearchResult) Validate() error {
	if sr.ChunkID == 0 {
		return ErrInvalidChunkID
	}

	if sr.Rank < 1 {
		return ErrInvalidRank
	}

	if sr.Package.Name == "" {
		return ErrMissingPackage
	}

	if sr.Source == "" {
		return ErrEmptyContent
	}

	return nil
}
