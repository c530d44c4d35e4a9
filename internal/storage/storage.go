package storage

import (
	"context"
	"time"

	"github.com/dshills/depcontext/pkg/types"
)

// Storage defines the metadata view of the index
type Storage interface {
	// Package operations
	UpsertPackage(ctx context.Context, pkg *types.Package) error
	GetPackage(ctx context.Context, coord types.PackageCoordinate) (*types.Package, error)
	GetPackageByID(ctx context.Context, id int64) (*types.Package, error)
	ListPackages(ctx context.Context, filter PackageFilter) ([]*types.Package, error)
	SetPackageStatus(ctx context.Context, id int64, status types.PackageStatus, reason string) error
	MarkIndexed(ctx context.Context, id int64, model string) (bool, error)
	DeletePackage(ctx context.Context, id int64) error

	// File operations
	UpsertFile(ctx context.Context, file *types.SourceFile) error
	GetFileByID(ctx context.Context, id int64) (*types.SourceFile, error)
	ListFiles(ctx context.Context, packageID int64) ([]*types.SourceFile, error)
	DeleteFile(ctx context.Context, id int64) error

	// Chunk operations
	ReplaceChunks(ctx context.Context, fileID int64, chunks []types.Chunk) error
	GetChunk(ctx context.Context, chunkID int64) (*ChunkDetail, error)
	ListChunksByFile(ctx context.Context, fileID int64) ([]*types.Chunk, error)

	// Embedding operations
	PendingChunks(ctx context.Context, model string, packageIDs []int64) ([]PendingChunk, error)
	InsertEmbeddings(ctx context.Context, rows []EmbeddingRow) error
	ListEmbeddingKeys(ctx context.Context) ([]EmbeddingKey, error)
	OrphanEmbeddings(ctx context.Context) ([]EmbeddingKey, error)
	DeleteEmbeddings(ctx context.Context, keys []EmbeddingKey) error
	RecordEmbeddingFailure(ctx context.Context, failure EmbeddingFailure) error
	ListEmbeddingFailures(ctx context.Context, model string) ([]EmbeddingFailure, error)

	// Search operations
	VectorCandidates(ctx context.Context, model string, filters *SearchFilters) ([]Candidate, error)
	SearchText(ctx context.Context, query string, limit int, filters *SearchFilters) ([]TextResult, error)

	// Blob reference counts
	IncrementBlobRef(ctx context.Context, hash string, size int64) (int64, error)
	DecrementBlobRef(ctx context.Context, hash string) (int64, error)
	BlobRefCount(ctx context.Context, hash string) (int64, error)
	ListBlobRefs(ctx context.Context) (map[string]int64, error)

	// Repair operations
	DemoteIncomplete(ctx context.Context, model string) (int64, error)
	RecountBlobRefs(ctx context.Context) (int64, error)

	// Index settings
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	BumpGeneration(ctx context.Context) (int64, error)

	// Status operations
	GetStats(ctx context.Context) (*IndexStats, error)

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Storage // Embed Storage interface for transaction operations
}

// Meta keys
const (
	MetaModel      = "model"
	MetaDimension  = "dimension"
	MetaProvider   = "provider"
	MetaGeneration = "generation"
	// MetaDirty is "1" while a write operation is in flight
	MetaDirty = "dirty"
)

// PackageFilter narrows ListPackages; zero values match everything
type PackageFilter struct {
	Registry types.Registry
	Name     string
	Statuses []types.PackageStatus
}

// ChunkDetail is a chunk with the file and package it belongs to
type ChunkDetail struct {
	Chunk     types.Chunk
	File      types.SourceFile
	Package   types.PackageCoordinate
	PackageID int64
}

// PendingChunk is a chunk whose content hash has no embedding for the model
type PendingChunk struct {
	ChunkID     int64
	PackageID   int64
	PackageName string
	FilePath    string
	StartByte   int
	ContentHash string
	Text        string // Embedding input
}

// EmbeddingKey identifies one embedding
type EmbeddingKey struct {
	ContentHash string
	Model       string
}

// EmbeddingRow is the metadata of a persisted vector
type EmbeddingRow struct {
	ContentHash string
	Model       string
	Dimension   int
}

// EmbeddingFailure records a chunk that could not be embedded
type EmbeddingFailure struct {
	ContentHash string
	Model       string
	Kind        types.EmbeddingErrorKind
	Reason      string
	Attempts    int
	FailedAt    time.Time
}

// SearchFilters contains filters for narrowing search results
type SearchFilters struct {
	Registry types.Registry
	Name     string
	Version  string
}

// Candidate is an embedded chunk eligible for vector scoring
type Candidate struct {
	ChunkID     int64
	ContentHash string
	PackageName string
	FilePath    string
	StartByte   int
}

// TextResult represents a result from full-text search
type TextResult struct {
	ChunkID     int64
	BM25Score   float64
	PackageName string
	FilePath    string
	StartByte   int
}

// IndexStats contains statistics about the metadata view
type IndexStats struct {
	PackagesByStatus   map[types.PackageStatus]int
	PackagesByRegistry map[types.Registry]int
	Files              int
	UnsupportedFiles   int
	Chunks             int
	Embeddings         int
	EmbeddingFailures  int
	Blobs              int
	BlobReferences     int64
	BlobBytes          int64
	DatabaseBytes      int64
}

// Packages returns the total package count
func (s *IndexStats) Packages() int {
	n := 0
	for _, c := range s.PackagesByStatus {
		n += c
	}
	return n
}
