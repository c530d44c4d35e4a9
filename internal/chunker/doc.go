// Package chunker divides dependency source files into chunks for embedding and search.
//
// Chunks follow declaration boundaries reported by the parser package:
// functions, methods, classes, types and heading sections. Each chunk keeps
// the exact byte and line range of its declaration so search results can be
// sliced straight out of the stored file.
//
// # Size Policy
//
// A declaration larger than the configured cap is replaced by its children.
// This matters for bundles that wrap everything in one closure. A leaf over
// the cap stays whole and only its embedding input is truncated.
//
// # Fallbacks
//
//	chunks, err := chunker.New(0).Chunk("lib/index.js", src)
//	var ce *types.ChunkError
//	if errors.As(err, &ce) && ce.Kind == types.ChunkUnsupported {
//	    // record the file as unsupported, nothing to index
//	}
//	// for ChunkMalformed, chunks holds one whole-file chunk
//
// Files without declarations produce a single module chunk.
//
// # Content Hashing
//
// ContentHash is the SHA-256 of the embedding text. Identical declarations in
// different packages or versions share the hash, and therefore the embedding.
package chunker
