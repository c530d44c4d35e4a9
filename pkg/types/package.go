package types

import (
	"errors"
	"time"
)

// PackageStatus tracks where a package is in the indexing lifecycle
type PackageStatus string

const (
	StatusPending PackageStatus = "pending"
	StatusFetched PackageStatus = "fetched"
	StatusIndexed PackageStatus = "indexed"
	StatusFailed  PackageStatus = "failed"
	StatusSkipped PackageStatus = "skipped"
)

// Valid reports whether s is a known status
func (s PackageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusFetched, StatusIndexed, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Package is the persisted record for one coordinate
type Package struct {
	ID         int64
	Coordinate PackageCoordinate
	Status     PackageStatus
	Unpinned   bool

	FailureReason string
	FailedAt      *time.Time
	IndexedAt     *time.Time

	FileCount  int
	ChunkCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SourceFile is one fetched file of a package; its bytes live in the blob store
type SourceFile struct {
	ID          int64
	PackageID   int64
	Path        string // Relative to the package root
	ContentHash string // sha256 hex of the raw bytes, key into the blob store
	Size        int64
	Language    string
	Unsupported bool // No grammar available, file kept but not chunked
}

// Validate checks the file is addressable
func (f *SourceFile) Validate() error {
	if f.Path == "" {
		return errors.New("file path is required")
	}
	if len(f.ContentHash) != 64 {
		return errors.New("content hash must be a sha256 hex digest")
	}
	return nil
}
