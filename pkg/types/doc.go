// Package types provides shared type definitions for depcontext.
//
// This package defines domain types used across the indexing pipeline:
// package coordinates, source files, declarations, chunks, search results,
// and the error taxonomy.
//
// # Coordinates
//
// A PackageCoordinate identifies one version of one package in one registry.
// It is a comparable value and renders as registry:name@version:
//
//	coord, err := types.ParseCoordinate("npm:lodash@4.17.21")
//	fmt.Println(coord) // npm:lodash@4.17.21
//
// The registry prefix may be omitted for npm packages. Maven names contain a
// colon (groupId:artifactId), so the prefix is only recognised when it names
// a supported registry.
//
// # Chunks
//
// Chunk represents a declaration-sized section of one source file. Its
// ContentHash is the sha256 of EmbeddingText, which makes the hash the key
// for embeddings:
//
//	chunk := &types.Chunk{
//	    Kind:      types.ChunkFunction,
//	    Symbol:    "cloneDeep",
//	    Doc:       "This method is like _.clone except that it recursively clones value.",
//	    Text:      source[start:end],
//	    StartByte: start,
//	    EndByte:   end,
//	}
//	chunk.ComputeContentHash()
//
// # Errors
//
// Every failure carries the scope it applies to:
//
//	ManifestError       one manifest of one ecosystem
//	FetchError          one package
//	ChunkError          one file
//	EmbeddingError      one batch
//	StoreError          one persistence layer
//	ModelMismatchError  the query embedder disagrees with the index
//
// Callers match them with errors.As.
package types
