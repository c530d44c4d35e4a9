package types

import (
	"errors"
	"fmt"
)

// Domain errors for type validation
var (
	// Search result errors
	ErrInvalidChunkID = errors.New("invalid chunk ID")
	ErrInvalidRank    = errors.New("rank must be >= 1")
	ErrMissingPackage = errors.New("package coordinate is required")
	ErrEmptyContent   = errors.New("content cannot be empty")
)

// ManifestErrorKind classifies manifest resolution failures
type ManifestErrorKind string

const (
	ManifestMissingRequiredFile   ManifestErrorKind = "missing_required_file"
	ManifestUnparseableSyntax     ManifestErrorKind = "unparseable_syntax"
	ManifestUnresolvedPlaceholder ManifestErrorKind = "unresolved_placeholder"
	ManifestUnresolvableVersion   ManifestErrorKind = "unresolvable_version"
)

// ManifestError is scoped to one manifest of one ecosystem
type ManifestError struct {
	Ecosystem Registry
	Path      string
	Kind      ManifestErrorKind
	Detail    string
	Err       error
}

func (e *ManifestError) Error() string {
	msg := fmt.Sprintf("%s manifest %s: %s", e.Ecosystem, e.Path, e.Kind)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ManifestError) Unwrap() error { return e.Err }

// FetchErrorKind classifies package acquisition failures
type FetchErrorKind string

const (
	FetchNotFound FetchErrorKind = "not_found"
	FetchNetwork  FetchErrorKind = "network"
	FetchInvalid  FetchErrorKind = "invalid"
)

// FetchError is scoped to one package
type FetchError struct {
	Coordinate PackageCoordinate
	Kind       FetchErrorKind
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.Coordinate, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed
func (e *FetchError) Retryable() bool {
	return e.Kind == FetchNetwork
}

// ChunkErrorKind classifies chunking failures
type ChunkErrorKind string

const (
	ChunkUnsupported ChunkErrorKind = "unsupported"
	ChunkMalformed   ChunkErrorKind = "malformed"
)

// ChunkError is scoped to one file
type ChunkError struct {
	Path string
	Kind ChunkErrorKind
	Err  error
}

func (e *ChunkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chunk %s: %s", e.Path, e.Kind)
	}
	return fmt.Sprintf("chunk %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// EmbeddingErrorKind classifies provider failures
type EmbeddingErrorKind string

const (
	EmbeddingRateLimited EmbeddingErrorKind = "rate_limited"
	EmbeddingAuth        EmbeddingErrorKind = "auth"
	EmbeddingTransient   EmbeddingErrorKind = "transient"
	EmbeddingInvalid     EmbeddingErrorKind = "invalid"
)

// EmbeddingError is scoped to one batch
type EmbeddingError struct {
	Kind       EmbeddingErrorKind
	StatusCode int
	Err        error
}

func (e *EmbeddingError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("embedding %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("embedding %s: %v", e.Kind, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// Fatal reports whether the whole run must stop
func (e *EmbeddingError) Fatal() bool {
	return e.Kind == EmbeddingAuth
}

// StoreLayer names the persistence layer that failed
type StoreLayer string

const (
	LayerMetadata StoreLayer = "metadata"
	LayerVector   StoreLayer = "vector"
	LayerBlob     StoreLayer = "blob"
)

// StoreError wraps persistence failures with the layer that produced them
type StoreError struct {
	Layer StoreLayer
	Op    string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store %s: %v", e.Layer, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ModelMismatchError is returned when the query embedder differs from the index model
type ModelMismatchError struct {
	IndexModel string
	QueryModel string
}

func (e *ModelMismatchError) Error() string {
	return fmt.Sprintf("model mismatch: index built with %q, query embedder is %q (run update with --reembed)",
		e.IndexModel, e.QueryModel)
}
