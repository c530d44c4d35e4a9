package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dshills/depcontext/pkg/types"
)

// Embedding operations

// pendingChunksWithQuerier lists chunks without an embedding for model,
// ordered by package name, file path and start byte. No package IDs means
// every package that is not skipped.
func (s *SQLiteStorage) pendingChunksWithQuerier(ctx context.Context, q querier, model string, packageIDs []int64) ([]PendingChunk, error) {
	query := `
		SELECT c.id, f.package_id, p.name, f.path, c.start_byte, c.content_hash,
		       c.kind, c.symbol, c.signature, c.doc, c.content
		FROM chunks c
		JOIN files f ON c.file_id = f.id
		JOIN packages p ON f.package_id = p.id
		WHERE NOT EXISTS (
			SELECT 1 FROM embeddings e WHERE e.content_hash = c.content_hash AND e.model = ?
		)
	`
	args := []interface{}{model}
	if len(packageIDs) > 0 {
		query += " AND f.package_id IN (" + placeholders(len(packageIDs)) + ")"
		for _, id := range packageIDs {
			args = append(args, id)
		}
	} else {
		query += " AND p.status != 'skipped'"
	}
	query += " ORDER BY p.name, f.path, c.start_byte, c.id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("pending chunks", err)
	}
	defer func() { _ = rows.Close() }()

	var pending []PendingChunk
	for rows.Next() {
		var pc PendingChunk
		var c types.Chunk
		if err := rows.Scan(&pc.ChunkID, &pc.PackageID, &pc.PackageName, &pc.FilePath, &pc.StartByte,
			&pc.ContentHash, &c.Kind, &c.Symbol, &c.Signature, &c.Doc, &c.Text); err != nil {
			return nil, storeErr("pending chunks", err)
		}
		pc.Text = c.EmbeddingText()
		pending = append(pending, pc)
	}
	return pending, storeErr("pending chunks", rows.Err())
}

func (s *SQLiteStorage) PendingChunks(ctx context.Context, model string, packageIDs []int64) ([]PendingChunk, error) {
	return s.pendingChunksWithQuerier(ctx, s.querier(), model, packageIDs)
}

// insertEmbeddingsWithQuerier records persisted vectors and clears their failures
func (s *SQLiteStorage) insertEmbeddingsWithQuerier(ctx context.Context, q querier, rows []EmbeddingRow) error {
	now := time.Now().UTC()
	for _, r := range rows {
		_, err := q.ExecContext(ctx, `
			INSERT INTO embeddings (content_hash, model, dimension, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(content_hash, model) DO NOTHING
		`, r.ContentHash, r.Model, r.Dimension, now)
		if err != nil {
			return storeErr("insert embeddings", fmt.Errorf("failed to insert embedding: %w", err))
		}
		_, err = q.ExecContext(ctx,
			`DELETE FROM embedding_failures WHERE content_hash = ? AND model = ?`, r.ContentHash, r.Model)
		if err != nil {
			return storeErr("insert embeddings", err)
		}
	}
	return nil
}

func (s *SQLiteStorage) InsertEmbeddings(ctx context.Context, rows []EmbeddingRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.withTx(ctx, func(q querier) error {
		return s.insertEmbeddingsWithQuerier(ctx, q, rows)
	})
}

func scanKeys(rows *sql.Rows) ([]EmbeddingKey, error) {
	defer func() { _ = rows.Close() }()
	keys := make([]EmbeddingKey, 0)
	for rows.Next() {
		var k EmbeddingKey
		if err := rows.Scan(&k.ContentHash, &k.Model); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStorage) listEmbeddingKeysWithQuerier(ctx context.Context, q querier) ([]EmbeddingKey, error) {
	rows, err := q.QueryContext(ctx, `SELECT content_hash, model FROM embeddings ORDER BY model, content_hash`)
	if err != nil {
		return nil, storeErr("list embeddings", err)
	}
	keys, err := scanKeys(rows)
	return keys, storeErr("list embeddings", err)
}

func (s *SQLiteStorage) ListEmbeddingKeys(ctx context.Context) ([]EmbeddingKey, error) {
	return s.listEmbeddingKeysWithQuerier(ctx, s.querier())
}

// orphanEmbeddingsWithQuerier lists embeddings no chunk refers to any more
func (s *SQLiteStorage) orphanEmbeddingsWithQuerier(ctx context.Context, q querier) ([]EmbeddingKey, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT e.content_hash, e.model FROM embeddings e
		WHERE NOT EXISTS (SELECT 1 FROM chunks c WHERE c.content_hash = e.content_hash)
		ORDER BY e.model, e.content_hash
	`)
	if err != nil {
		return nil, storeErr("orphan embeddings", err)
	}
	keys, err := scanKeys(rows)
	return keys, storeErr("orphan embeddings", err)
}

func (s *SQLiteStorage) OrphanEmbeddings(ctx context.Context) ([]EmbeddingKey, error) {
	return s.orphanEmbeddingsWithQuerier(ctx, s.querier())
}

func (s *SQLiteStorage) deleteEmbeddingsWithQuerier(ctx context.Context, q querier, keys []EmbeddingKey) error {
	for _, k := range keys {
		if _, err := q.ExecContext(ctx,
			`DELETE FROM embeddings WHERE content_hash = ? AND model = ?`, k.ContentHash, k.Model); err != nil {
			return storeErr("delete embeddings", err)
		}
	}
	return nil
}

func (s *SQLiteStorage) DeleteEmbeddings(ctx context.Context, keys []EmbeddingKey) error {
	if len(keys) == 0 {
		return nil
	}
	return s.withTx(ctx, func(q querier) error {
		return s.deleteEmbeddingsWithQuerier(ctx, q, keys)
	})
}

func (s *SQLiteStorage) recordEmbeddingFailureWithQuerier(ctx context.Context, q querier, f EmbeddingFailure) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO embedding_failures (content_hash, model, kind, reason, attempts, failed_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(content_hash, model) DO UPDATE SET
			kind = excluded.kind,
			reason = excluded.reason,
			attempts = embedding_failures.attempts + 1,
			failed_at = excluded.failed_at
	`, f.ContentHash, f.Model, f.Kind, f.Reason, time.Now().UTC())
	return storeErr("record failure", err)
}

func (s *SQLiteStorage) RecordEmbeddingFailure(ctx context.Context, f EmbeddingFailure) error {
	return s.recordEmbeddingFailureWithQuerier(ctx, s.querier(), f)
}

func (s *SQLiteStorage) listEmbeddingFailuresWithQuerier(ctx context.Context, q querier, model string) ([]EmbeddingFailure, error) {
	query := `SELECT content_hash, model, kind, reason, attempts, failed_at FROM embedding_failures`
	var args []interface{}
	if model != "" {
		query += " WHERE model = ?"
		args = append(args, model)
	}
	query += " ORDER BY failed_at, content_hash"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list failures", err)
	}
	defer func() { _ = rows.Close() }()

	failures := make([]EmbeddingFailure, 0)
	for rows.Next() {
		var f EmbeddingFailure
		var reason sql.NullString
		if err := rows.Scan(&f.ContentHash, &f.Model, &f.Kind, &reason, &f.Attempts, &f.FailedAt); err != nil {
			return nil, storeErr("list failures", err)
		}
		f.Reason = reason.String
		failures = append(failures, f)
	}
	return failures, storeErr("list failures", rows.Err())
}

func (s *SQLiteStorage) ListEmbeddingFailures(ctx context.Context, model string) ([]EmbeddingFailure, error) {
	return s.listEmbeddingFailuresWithQuerier(ctx, s.querier(), model)
}

// Blob reference counts

func (s *SQLiteStorage) incrementBlobRefWithQuerier(ctx context.Context, q querier, hash string, size int64) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO blobs (hash, size, refcount) VALUES (?, ?, 1)
		ON CONFLICT(hash) DO UPDATE SET refcount = blobs.refcount + 1
		RETURNING refcount
	`, hash, size).Scan(&n)
	if err != nil {
		return 0, storeErr("increment blob ref", err)
	}
	return n, nil
}

// IncrementBlobRef adds one reference, creating the row on first use
func (s *SQLiteStorage) IncrementBlobRef(ctx context.Context, hash string, size int64) (int64, error) {
	return s.incrementBlobRefWithQuerier(ctx, s.querier(), hash, size)
}

// decrementBlobRefWithQuerier removes one reference; the row goes with the last one
func (s *SQLiteStorage) decrementBlobRefWithQuerier(ctx context.Context, q querier, hash string) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx,
		`UPDATE blobs SET refcount = refcount - 1 WHERE hash = ? AND refcount > 1 RETURNING refcount`, hash).Scan(&n)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, storeErr("decrement blob ref", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM blobs WHERE hash = ?`, hash); err != nil {
		return 0, storeErr("decrement blob ref", err)
	}
	return 0, nil
}

func (s *SQLiteStorage) DecrementBlobRef(ctx context.Context, hash string) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(q querier) error {
		var err error
		n, err = s.decrementBlobRefWithQuerier(ctx, q, hash)
		return err
	})
	return n, err
}

func (s *SQLiteStorage) blobRefCountWithQuerier(ctx context.Context, q querier, hash string) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `SELECT refcount FROM blobs WHERE hash = ?`, hash).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("blob ref count", err)
	}
	return n, nil
}

func (s *SQLiteStorage) BlobRefCount(ctx context.Context, hash string) (int64, error) {
	return s.blobRefCountWithQuerier(ctx, s.querier(), hash)
}

func (s *SQLiteStorage) listBlobRefsWithQuerier(ctx context.Context, q querier) (map[string]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT hash, refcount FROM blobs`)
	if err != nil {
		return nil, storeErr("list blob refs", err)
	}
	defer func() { _ = rows.Close() }()

	refs := make(map[string]int64)
	for rows.Next() {
		var hash string
		var n int64
		if err := rows.Scan(&hash, &n); err != nil {
			return nil, storeErr("list blob refs", err)
		}
		refs[hash] = n
	}
	return refs, storeErr("list blob refs", rows.Err())
}

func (s *SQLiteStorage) ListBlobRefs(ctx context.Context) (map[string]int64, error) {
	return s.listBlobRefsWithQuerier(ctx, s.querier())
}

// recountBlobRefsWithQuerier rebuilds reference counts from the files table
// and returns how many blob rows were wrong.
func (s *SQLiteStorage) recountBlobRefsWithQuerier(ctx context.Context, q querier) (int64, error) {
	var wrong int64
	err := q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM blobs b WHERE NOT EXISTS (SELECT 1 FROM files f WHERE f.content_hash = b.hash))
			+
			(SELECT COUNT(*) FROM (
				SELECT f.content_hash AS h, COUNT(*) AS n FROM files f GROUP BY f.content_hash
			) x LEFT JOIN blobs b ON b.hash = x.h
			WHERE b.refcount IS NULL OR b.refcount != x.n)
	`).Scan(&wrong)
	if err != nil {
		return 0, storeErr("recount blobs", err)
	}
	if wrong == 0 {
		return 0, nil
	}

	stmts := []string{
		`DELETE FROM blobs WHERE NOT EXISTS (SELECT 1 FROM files f WHERE f.content_hash = blobs.hash)`,
		`UPDATE blobs SET refcount = (SELECT COUNT(*) FROM files f WHERE f.content_hash = blobs.hash)`,
		`INSERT INTO blobs (hash, size, refcount)
		 SELECT f.content_hash, MAX(f.size_bytes), COUNT(*) FROM files f WHERE true GROUP BY f.content_hash
		 ON CONFLICT(hash) DO NOTHING`,
	}
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return 0, storeErr("recount blobs", err)
		}
	}
	return wrong, nil
}

func (s *SQLiteStorage) RecountBlobRefs(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(q querier) error {
		var err error
		n, err = s.recountBlobRefsWithQuerier(ctx, q)
		return err
	})
	return n, err
}

// Index settings

func (s *SQLiteStorage) getMetaWithQuerier(ctx context.Context, q querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storeErr("get meta", err)
	}
	return value, nil
}

func (s *SQLiteStorage) GetMeta(ctx context.Context, key string) (string, error) {
	return s.getMetaWithQuerier(ctx, s.querier(), key)
}

func (s *SQLiteStorage) setMetaWithQuerier(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO index_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return storeErr("set meta", err)
}

func (s *SQLiteStorage) SetMeta(ctx context.Context, key, value string) error {
	return s.setMetaWithQuerier(ctx, s.querier(), key, value)
}

// bumpGenerationWithQuerier increments the index generation counter used to
// invalidate cached search results.
func (s *SQLiteStorage) bumpGenerationWithQuerier(ctx context.Context, q querier) (int64, error) {
	var value string
	err := q.QueryRowContext(ctx, `
		INSERT INTO index_meta (key, value) VALUES (?, '1')
		ON CONFLICT(key) DO UPDATE SET value = CAST(CAST(index_meta.value AS INTEGER) + 1 AS TEXT)
		RETURNING value
	`, MetaGeneration).Scan(&value)
	if err != nil {
		return 0, storeErr("bump generation", err)
	}
	return strconv.ParseInt(value, 10, 64)
}

func (s *SQLiteStorage) BumpGeneration(ctx context.Context) (int64, error) {
	return s.bumpGenerationWithQuerier(ctx, s.querier())
}

// Status operations

func (s *SQLiteStorage) getStatsWithQuerier(ctx context.Context, q querier) (*IndexStats, error) {
	stats := &IndexStats{
		PackagesByStatus:   make(map[types.PackageStatus]int),
		PackagesByRegistry: make(map[types.Registry]int),
	}

	rows, err := q.QueryContext(ctx, `SELECT registry, status, COUNT(*) FROM packages GROUP BY registry, status`)
	if err != nil {
		return nil, storeErr("stats", err)
	}
	for rows.Next() {
		var reg types.Registry
		var status types.PackageStatus
		var n int
		if err := rows.Scan(&reg, &status, &n); err != nil {
			_ = rows.Close()
			return nil, storeErr("stats", err)
		}
		stats.PackagesByRegistry[reg] += n
		stats.PackagesByStatus[status] += n
	}
	if err := rows.Close(); err != nil {
		return nil, storeErr("stats", err)
	}

	counts := []struct {
		query string
		dest  interface{}
	}{
		{`SELECT COUNT(*) FROM files`, &stats.Files},
		{`SELECT COUNT(*) FROM files WHERE unsupported = 1`, &stats.UnsupportedFiles},
		{`SELECT COUNT(*) FROM chunks`, &stats.Chunks},
		{`SELECT COUNT(*) FROM embeddings`, &stats.Embeddings},
		{`SELECT COUNT(*) FROM embedding_failures`, &stats.EmbeddingFailures},
		{`SELECT COUNT(*) FROM blobs`, &stats.Blobs},
		{`SELECT COALESCE(SUM(refcount), 0) FROM blobs`, &stats.BlobReferences},
		{`SELECT COALESCE(SUM(size), 0) FROM blobs`, &stats.BlobBytes},
	}
	for _, c := range counts {
		if err := q.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, storeErr("stats", err)
		}
	}

	// Calculate database size
	var pageCount, pageSize int64
	if err := q.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		_ = q.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		stats.DatabaseBytes = pageCount * pageSize
	}

	return stats, nil
}

func (s *SQLiteStorage) GetStats(ctx context.Context) (*IndexStats, error) {
	return s.getStatsWithQuerier(ctx, s.querier())
}
