package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/depcontext/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidTransition is returned for status changes that need a dedicated operation
	ErrInvalidTransition = errors.New("invalid status transition")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Single writer; every statement shares the one connection so the
	// pragmas below apply everywhere.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, storeErr("open", fmt.Errorf("failed to open database: %w", err))
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, storeErr("migrate", fmt.Errorf("failed to apply migrations: %w", err))
	}

	return &SQLiteStorage{db: db, path: dbPath}, nil
}

// Path returns the database file path
func (s *SQLiteStorage) Path() string {
	return s.path
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin", err)
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// withTx runs fn in its own transaction, for operations spanning several statements
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func storeErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *types.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &types.StoreError{Layer: types.LayerMetadata, Op: op, Err: err}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// Package operations

const packageColumns = `
	p.id, p.registry, p.name, p.version, p.status, p.unpinned,
	p.failure_reason, p.failed_at, p.indexed_at, p.created_at, p.updated_at,
	(SELECT COUNT(*) FROM files f WHERE f.package_id = p.id),
	(SELECT COUNT(*) FROM chunks c JOIN files f ON c.file_id = f.id WHERE f.package_id = p.id)
`

func scanPackage(row scanner) (*types.Package, error) {
	var pkg types.Package
	var reason sql.NullString
	var failedAt, indexedAt sql.NullTime
	err := row.Scan(
		&pkg.ID, &pkg.Coordinate.Registry, &pkg.Coordinate.Name, &pkg.Coordinate.Version,
		&pkg.Status, &pkg.Unpinned, &reason, &failedAt, &indexedAt,
		&pkg.CreatedAt, &pkg.UpdatedAt, &pkg.FileCount, &pkg.ChunkCount,
	)
	if err != nil {
		return nil, err
	}
	pkg.FailureReason = reason.String
	if failedAt.Valid {
		t := failedAt.Time
		pkg.FailedAt = &t
	}
	if indexedAt.Valid {
		t := indexedAt.Time
		pkg.IndexedAt = &t
	}
	return &pkg, nil
}

// upsertPackageWithQuerier inserts the coordinate or refreshes its flags.
// An existing row keeps its status.
func (s *SQLiteStorage) upsertPackageWithQuerier(ctx context.Context, q querier, pkg *types.Package) error {
	if err := pkg.Coordinate.Validate(); err != nil {
		return err
	}
	status := pkg.Status
	if status == "" {
		status = types.StatusPending
	}
	query := `
		INSERT INTO packages (registry, name, version, status, unpinned, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(registry, name, version) DO UPDATE SET
			unpinned = excluded.unpinned,
			updated_at = excluded.updated_at
		RETURNING id, status, created_at
	`
	now := time.Now().UTC()
	c := pkg.Coordinate
	err := q.QueryRowContext(ctx, query,
		c.Registry, c.Name, c.Version, status, pkg.Unpinned, now, now,
	).Scan(&pkg.ID, &pkg.Status, &pkg.CreatedAt)
	if err != nil {
		return storeErr("upsert package", fmt.Errorf("failed to upsert package %s: %w", c, err))
	}
	pkg.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) UpsertPackage(ctx context.Context, pkg *types.Package) error {
	return s.upsertPackageWithQuerier(ctx, s.querier(), pkg)
}

func (s *SQLiteStorage) getPackageWithQuerier(ctx context.Context, q querier, coord types.PackageCoordinate) (*types.Package, error) {
	query := `SELECT ` + packageColumns + ` FROM packages p WHERE p.registry = ? AND p.name = ? AND p.version = ?`
	pkg, err := scanPackage(q.QueryRowContext(ctx, query, coord.Registry, coord.Name, coord.Version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get package", err)
	}
	return pkg, nil
}

func (s *SQLiteStorage) GetPackage(ctx context.Context, coord types.PackageCoordinate) (*types.Package, error) {
	return s.getPackageWithQuerier(ctx, s.querier(), coord)
}

func (s *SQLiteStorage) getPackageByIDWithQuerier(ctx context.Context, q querier, id int64) (*types.Package, error) {
	query := `SELECT ` + packageColumns + ` FROM packages p WHERE p.id = ?`
	pkg, err := scanPackage(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get package", err)
	}
	return pkg, nil
}

func (s *SQLiteStorage) GetPackageByID(ctx context.Context, id int64) (*types.Package, error) {
	return s.getPackageByIDWithQuerier(ctx, s.querier(), id)
}

func (s *SQLiteStorage) listPackagesWithQuerier(ctx context.Context, q querier, filter PackageFilter) ([]*types.Package, error) {
	query := `SELECT ` + packageColumns + ` FROM packages p WHERE 1=1`
	var args []interface{}
	if filter.Registry != "" {
		query += " AND p.registry = ?"
		args = append(args, filter.Registry)
	}
	if filter.Name != "" {
		query += " AND p.name = ?"
		args = append(args, filter.Name)
	}
	if len(filter.Statuses) > 0 {
		query += " AND p.status IN (" + placeholders(len(filter.Statuses)) + ")"
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	query += " ORDER BY p.registry, p.name, p.version"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list packages", err)
	}
	defer func() { _ = rows.Close() }()

	packages := make([]*types.Package, 0)
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, storeErr("list packages", err)
		}
		packages = append(packages, pkg)
	}
	return packages, storeErr("list packages", rows.Err())
}

func (s *SQLiteStorage) ListPackages(ctx context.Context, filter PackageFilter) ([]*types.Package, error) {
	return s.listPackagesWithQuerier(ctx, s.querier(), filter)
}

// setPackageStatusWithQuerier moves a package to any status except indexed,
// which is only reachable through MarkIndexed.
func (s *SQLiteStorage) setPackageStatusWithQuerier(ctx context.Context, q querier, id int64, status types.PackageStatus, reason string) error {
	if !status.Valid() || status == types.StatusIndexed {
		return fmt.Errorf("%w: %q", ErrInvalidTransition, status)
	}
	now := time.Now().UTC()
	var failedAt interface{}
	if status == types.StatusFailed {
		failedAt = now
	}
	query := `
		UPDATE packages
		SET status = ?, failure_reason = NULLIF(?, ''), failed_at = ?, indexed_at = NULL, updated_at = ?
		WHERE id = ?
	`
	res, err := q.ExecContext(ctx, query, status, reason, failedAt, now, id)
	if err != nil {
		return storeErr("set status", fmt.Errorf("failed to set package status: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) SetPackageStatus(ctx context.Context, id int64, status types.PackageStatus, reason string) error {
	return s.setPackageStatusWithQuerier(ctx, s.querier(), id, status, reason)
}

// missingEmbeddingClause matches packages with a chunk lacking an embedding for the model
const missingEmbeddingClause = `
	EXISTS (
		SELECT 1 FROM chunks c
		JOIN files f ON c.file_id = f.id
		WHERE f.package_id = packages.id
		AND NOT EXISTS (
			SELECT 1 FROM embeddings e
			WHERE e.content_hash = c.content_hash AND e.model = ?
		)
	)
`

// markIndexedWithQuerier sets indexed only if every chunk of the package has
// an embedding under model. The check and the update are one statement.
func (s *SQLiteStorage) markIndexedWithQuerier(ctx context.Context, q querier, id int64, model string) (bool, error) {
	query := `
		UPDATE packages
		SET status = 'indexed', indexed_at = ?, failure_reason = NULL, failed_at = NULL, updated_at = ?
		WHERE id = ?
		AND status IN ('pending', 'fetched', 'indexed')
		AND NOT ` + missingEmbeddingClause
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, query, now, now, id, model)
	if err != nil {
		return false, storeErr("mark indexed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("mark indexed", err)
	}
	return n == 1, nil
}

func (s *SQLiteStorage) MarkIndexed(ctx context.Context, id int64, model string) (bool, error) {
	return s.markIndexedWithQuerier(ctx, s.querier(), id, model)
}

// demoteIncompleteWithQuerier moves indexed packages with missing embeddings back to fetched
func (s *SQLiteStorage) demoteIncompleteWithQuerier(ctx context.Context, q querier, model string) (int64, error) {
	query := `
		UPDATE packages
		SET status = 'fetched', indexed_at = NULL, updated_at = ?
		WHERE status = 'indexed' AND ` + missingEmbeddingClause
	res, err := q.ExecContext(ctx, query, time.Now().UTC(), model)
	if err != nil {
		return 0, storeErr("demote", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStorage) DemoteIncomplete(ctx context.Context, model string) (int64, error) {
	return s.demoteIncompleteWithQuerier(ctx, s.querier(), model)
}

// deletePackageWithQuerier removes the package with its files and chunks.
// Blob references and vectors are released by the caller.
func (s *SQLiteStorage) deletePackageWithQuerier(ctx context.Context, q querier, id int64) error {
	res, err := q.ExecContext(ctx, `DELETE FROM packages WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete package", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = q.ExecContext(ctx, `
		DELETE FROM embedding_failures
		WHERE NOT EXISTS (SELECT 1 FROM chunks c WHERE c.content_hash = embedding_failures.content_hash)
	`)
	return storeErr("delete package", err)
}

func (s *SQLiteStorage) DeletePackage(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(q querier) error {
		return s.deletePackageWithQuerier(ctx, q, id)
	})
}

// File operations

func (s *SQLiteStorage) upsertFileWithQuerier(ctx context.Context, q querier, file *types.SourceFile) error {
	if err := file.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO files (package_id, path, content_hash, size_bytes, language, unsupported, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(package_id, path) DO UPDATE SET
			content_hash = excluded.content_hash,
			size_bytes = excluded.size_bytes,
			language = excluded.language,
			unsupported = excluded.unsupported
		RETURNING id
	`
	err := q.QueryRowContext(ctx, query,
		file.PackageID, file.Path, file.ContentHash, file.Size, file.Language, file.Unsupported, time.Now().UTC(),
	).Scan(&file.ID)
	if err != nil {
		return storeErr("upsert file", fmt.Errorf("failed to upsert file %s: %w", file.Path, err))
	}
	return nil
}

func (s *SQLiteStorage) UpsertFile(ctx context.Context, file *types.SourceFile) error {
	return s.upsertFileWithQuerier(ctx, s.querier(), file)
}

func (s *SQLiteStorage) deleteFileWithQuerier(ctx context.Context, q querier, id int64) error {
	res, err := q.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete file", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFile removes a file and its chunks. The blob reference is released by the caller.
func (s *SQLiteStorage) DeleteFile(ctx context.Context, id int64) error {
	return s.deleteFileWithQuerier(ctx, s.querier(), id)
}

const fileColumns = `f.id, f.package_id, f.path, f.content_hash, f.size_bytes, f.language, f.unsupported`

func scanFile(row scanner, file *types.SourceFile) error {
	var language sql.NullString
	if err := row.Scan(&file.ID, &file.PackageID, &file.Path, &file.ContentHash,
		&file.Size, &language, &file.Unsupported); err != nil {
		return err
	}
	file.Language = language.String
	return nil
}

func (s *SQLiteStorage) getFileByIDWithQuerier(ctx context.Context, q querier, id int64) (*types.SourceFile, error) {
	var file types.SourceFile
	err := scanFile(q.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files f WHERE f.id = ?`, id), &file)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get file", err)
	}
	return &file, nil
}

func (s *SQLiteStorage) GetFileByID(ctx context.Context, id int64) (*types.SourceFile, error) {
	return s.getFileByIDWithQuerier(ctx, s.querier(), id)
}

func (s *SQLiteStorage) listFilesWithQuerier(ctx context.Context, q querier, packageID int64) ([]*types.SourceFile, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files f WHERE f.package_id = ? ORDER BY f.path`, packageID)
	if err != nil {
		return nil, storeErr("list files", err)
	}
	defer func() { _ = rows.Close() }()

	files := make([]*types.SourceFile, 0)
	for rows.Next() {
		var file types.SourceFile
		if err := scanFile(rows, &file); err != nil {
			return nil, storeErr("list files", err)
		}
		files = append(files, &file)
	}
	return files, storeErr("list files", rows.Err())
}

func (s *SQLiteStorage) ListFiles(ctx context.Context, packageID int64) ([]*types.SourceFile, error) {
	return s.listFilesWithQuerier(ctx, s.querier(), packageID)
}

// Chunk operations

// replaceChunksWithQuerier swaps the chunk set of a file and fills in IDs
func (s *SQLiteStorage) replaceChunksWithQuerier(ctx context.Context, q querier, fileID int64, chunks []types.Chunk) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return storeErr("replace chunks", err)
	}
	query := `
		INSERT INTO chunks (
			file_id, kind, start_byte, end_byte, start_line, end_line,
			symbol, signature, doc, content, content_hash, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id, start_byte, end_byte) DO UPDATE SET
			kind = excluded.kind,
			symbol = excluded.symbol,
			signature = excluded.signature,
			doc = excluded.doc,
			content_hash = excluded.content_hash
		RETURNING id
	`
	now := time.Now().UTC()
	for i := range chunks {
		c := &chunks[i]
		if c.ContentHash == "" {
			c.ComputeContentHash()
		}
		c.FileID = fileID
		err := q.QueryRowContext(ctx, query,
			fileID, c.Kind, c.StartByte, c.EndByte, c.StartLine, c.EndLine,
			c.Symbol, c.Signature, c.Doc, c.Text, c.ContentHash, now,
		).Scan(&c.ID)
		if err != nil {
			return storeErr("replace chunks", fmt.Errorf("failed to insert chunk: %w", err))
		}
	}
	return nil
}

func (s *SQLiteStorage) ReplaceChunks(ctx context.Context, fileID int64, chunks []types.Chunk) error {
	return s.withTx(ctx, func(q querier) error {
		return s.replaceChunksWithQuerier(ctx, q, fileID, chunks)
	})
}

const chunkColumns = `
	c.id, c.file_id, c.kind, c.start_byte, c.end_byte, c.start_line, c.end_line,
	c.symbol, c.signature, c.doc, c.content, c.content_hash
`

func chunkDest(c *types.Chunk) []interface{} {
	return []interface{}{
		&c.ID, &c.FileID, &c.Kind, &c.StartByte, &c.EndByte, &c.StartLine, &c.EndLine,
		&c.Symbol, &c.Signature, &c.Doc, &c.Text, &c.ContentHash,
	}
}

func (s *SQLiteStorage) getChunkWithQuerier(ctx context.Context, q querier, chunkID int64) (*ChunkDetail, error) {
	query := `
		SELECT ` + chunkColumns + `, ` + fileColumns + `, p.registry, p.name, p.version
		FROM chunks c
		JOIN files f ON c.file_id = f.id
		JOIN packages p ON f.package_id = p.id
		WHERE c.id = ?
	`
	var d ChunkDetail
	var language sql.NullString
	dest := chunkDest(&d.Chunk)
	dest = append(dest,
		&d.File.ID, &d.File.PackageID, &d.File.Path, &d.File.ContentHash, &d.File.Size, &language, &d.File.Unsupported,
		&d.Package.Registry, &d.Package.Name, &d.Package.Version,
	)
	err := q.QueryRowContext(ctx, query, chunkID).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get chunk", err)
	}
	d.File.Language = language.String
	d.PackageID = d.File.PackageID
	return &d, nil
}

func (s *SQLiteStorage) GetChunk(ctx context.Context, chunkID int64) (*ChunkDetail, error) {
	return s.getChunkWithQuerier(ctx, s.querier(), chunkID)
}

func (s *SQLiteStorage) listChunksByFileWithQuerier(ctx context.Context, q querier, fileID int64) ([]*types.Chunk, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks c WHERE c.file_id = ? ORDER BY c.start_byte, c.end_byte`, fileID)
	if err != nil {
		return nil, storeErr("list chunks", err)
	}
	defer func() { _ = rows.Close() }()

	chunks := make([]*types.Chunk, 0)
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(chunkDest(&c)...); err != nil {
			return nil, storeErr("list chunks", err)
		}
		chunks = append(chunks, &c)
	}
	return chunks, storeErr("list chunks", rows.Err())
}

func (s *SQLiteStorage) ListChunksByFile(ctx context.Context, fileID int64) ([]*types.Chunk, error) {
	return s.listChunksByFileWithQuerier(ctx, s.querier(), fileID)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
