package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/dshills/depcontext/pkg/types"
)

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return storeErr("commit", t.tx.Commit())
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// querier returns the transaction querier
func (t *sqliteTx) querier() querier {
	return t.tx
}

// Transaction methods delegate to the storage helpers with the tx querier

func (t *sqliteTx) UpsertPackage(ctx context.Context, pkg *types.Package) error {
	return t.storage.upsertPackageWithQuerier(ctx, t.querier(), pkg)
}

func (t *sqliteTx) GetPackage(ctx context.Context, coord types.PackageCoordinate) (*types.Package, error) {
	return t.storage.getPackageWithQuerier(ctx, t.querier(), coord)
}

func (t *sqliteTx) GetPackageByID(ctx context.Context, id int64) (*types.Package, error) {
	return t.storage.getPackageByIDWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) ListPackages(ctx context.Context, filter PackageFilter) ([]*types.Package, error) {
	return t.storage.listPackagesWithQuerier(ctx, t.querier(), filter)
}

func (t *sqliteTx) SetPackageStatus(ctx context.Context, id int64, status types.PackageStatus, reason string) error {
	return t.storage.setPackageStatusWithQuerier(ctx, t.querier(), id, status, reason)
}

func (t *sqliteTx) MarkIndexed(ctx context.Context, id int64, model string) (bool, error) {
	return t.storage.markIndexedWithQuerier(ctx, t.querier(), id, model)
}

func (t *sqliteTx) DeletePackage(ctx context.Context, id int64) error {
	return t.storage.deletePackageWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) UpsertFile(ctx context.Context, file *types.SourceFile) error {
	return t.storage.upsertFileWithQuerier(ctx, t.querier(), file)
}

func (t *sqliteTx) GetFileByID(ctx context.Context, id int64) (*types.SourceFile, error) {
	return t.storage.getFileByIDWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) ListFiles(ctx context.Context, packageID int64) ([]*types.SourceFile, error) {
	return t.storage.listFilesWithQuerier(ctx, t.querier(), packageID)
}

func (t *sqliteTx) DeleteFile(ctx context.Context, id int64) error {
	return t.storage.deleteFileWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) ReplaceChunks(ctx context.Context, fileID int64, chunks []types.Chunk) error {
	return t.storage.replaceChunksWithQuerier(ctx, t.querier(), fileID, chunks)
}

func (t *sqliteTx) GetChunk(ctx context.Context, chunkID int64) (*ChunkDetail, error) {
	return t.storage.getChunkWithQuerier(ctx, t.querier(), chunkID)
}

func (t *sqliteTx) ListChunksByFile(ctx context.Context, fileID int64) ([]*types.Chunk, error) {
	return t.storage.listChunksByFileWithQuerier(ctx, t.querier(), fileID)
}

func (t *sqliteTx) PendingChunks(ctx context.Context, model string, packageIDs []int64) ([]PendingChunk, error) {
	return t.storage.pendingChunksWithQuerier(ctx, t.querier(), model, packageIDs)
}

func (t *sqliteTx) InsertEmbeddings(ctx context.Context, rows []EmbeddingRow) error {
	return t.storage.insertEmbeddingsWithQuerier(ctx, t.querier(), rows)
}

func (t *sqliteTx) ListEmbeddingKeys(ctx context.Context) ([]EmbeddingKey, error) {
	return t.storage.listEmbeddingKeysWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) OrphanEmbeddings(ctx context.Context) ([]EmbeddingKey, error) {
	return t.storage.orphanEmbeddingsWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) DeleteEmbeddings(ctx context.Context, keys []EmbeddingKey) error {
	return t.storage.deleteEmbeddingsWithQuerier(ctx, t.querier(), keys)
}

func (t *sqliteTx) RecordEmbeddingFailure(ctx context.Context, failure EmbeddingFailure) error {
	return t.storage.recordEmbeddingFailureWithQuerier(ctx, t.querier(), failure)
}

func (t *sqliteTx) ListEmbeddingFailures(ctx context.Context, model string) ([]EmbeddingFailure, error) {
	return t.storage.listEmbeddingFailuresWithQuerier(ctx, t.querier(), model)
}

func (t *sqliteTx) VectorCandidates(ctx context.Context, model string, filters *SearchFilters) ([]Candidate, error) {
	return t.storage.vectorCandidatesWithQuerier(ctx, t.querier(), model, filters)
}

func (t *sqliteTx) SearchText(ctx context.Context, query string, limit int, filters *SearchFilters) ([]TextResult, error) {
	return t.storage.searchTextWithQuerier(ctx, t.querier(), query, limit, filters)
}

func (t *sqliteTx) IncrementBlobRef(ctx context.Context, hash string, size int64) (int64, error) {
	return t.storage.incrementBlobRefWithQuerier(ctx, t.querier(), hash, size)
}

func (t *sqliteTx) DecrementBlobRef(ctx context.Context, hash string) (int64, error) {
	return t.storage.decrementBlobRefWithQuerier(ctx, t.querier(), hash)
}

func (t *sqliteTx) BlobRefCount(ctx context.Context, hash string) (int64, error) {
	return t.storage.blobRefCountWithQuerier(ctx, t.querier(), hash)
}

func (t *sqliteTx) ListBlobRefs(ctx context.Context) (map[string]int64, error) {
	return t.storage.listBlobRefsWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) DemoteIncomplete(ctx context.Context, model string) (int64, error) {
	return t.storage.demoteIncompleteWithQuerier(ctx, t.querier(), model)
}

func (t *sqliteTx) RecountBlobRefs(ctx context.Context) (int64, error) {
	return t.storage.recountBlobRefsWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) GetMeta(ctx context.Context, key string) (string, error) {
	return t.storage.getMetaWithQuerier(ctx, t.querier(), key)
}

func (t *sqliteTx) SetMeta(ctx context.Context, key, value string) error {
	return t.storage.setMetaWithQuerier(ctx, t.querier(), key, value)
}

func (t *sqliteTx) BumpGeneration(ctx context.Context) (int64, error) {
	return t.storage.bumpGenerationWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) GetStats(ctx context.Context) (*IndexStats, error) {
	return t.storage.getStatsWithQuerier(ctx, t.querier())
}

// Database operations are not available inside a transaction

func (t *sqliteTx) Close() error {
	return errors.New("cannot close storage from within a transaction")
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	return nil, errors.New("nested transactions are not supported")
}
