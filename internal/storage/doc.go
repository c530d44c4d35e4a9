// Package storage provides the SQLite metadata view of a dependency index.
//
// The metadata view records which packages are indexed, the files each
// package contributed, their chunks, and which content hashes have a vector
// under which model. Vectors themselves live in vectors.bin and are owned by
// the vectorindex package; raw file bytes live in the blob store.
//
// # Database Schema
//
// Tables:
//   - packages: one row per registry:name@version with its lifecycle status
//   - files: relative paths, sizes and blob hashes of fetched files
//   - chunks: declaration-aligned chunks with their embedding hash
//   - chunks_fts: FTS5 index over chunk symbols, docs and code
//   - embeddings: (content_hash, model) pairs that have a persisted vector
//   - embedding_failures: chunks that could not be embedded, with attempts
//   - blobs: blob reference counts
//   - index_meta: model, dimension and the search generation counter
//
// # Basic Usage
//
//	store, err := storage.NewSQLiteStorage(filepath.Join(root, "index.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	pkg := &types.Package{Coordinate: coord}
//	if err := store.UpsertPackage(ctx, pkg); err != nil {
//	    return err
//	}
//
// # Transactions
//
// Operations that span several statements run in their own transaction.
// Callers composing several operations use BeginTx:
//
//	tx, err := store.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer func() { _ = tx.Rollback() }()
//
//	if err := tx.UpsertFile(ctx, file); err != nil {
//	    return err
//	}
//	if err := tx.ReplaceChunks(ctx, file.ID, chunks); err != nil {
//	    return err
//	}
//	return tx.Commit()
//
// # Indexed status
//
// A package only becomes indexed through MarkIndexed, which checks in the
// same statement that every chunk of the package has an embedding under the
// index model. SetPackageStatus refuses the indexed status.
//
// # Build Modes
//
// The default build uses modernc.org/sqlite (pure Go). Building with the
// sqlite_vec tag switches to github.com/mattn/go-sqlite3:
//
//	CGO_ENABLED=1 go build -tags "sqlite_vec,sqlite_fts5" ./...
package storage
