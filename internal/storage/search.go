package storage

import (
	"context"
	"strings"
	"unicode"
)

// searchableStatuses are the package states whose chunks queries may return.
// Pending, failed and skipped packages can still hold rows from an earlier
// version or an interrupted run.
const searchableStatuses = "('indexed', 'fetched')"

// vectorCandidatesWithQuerier lists every chunk with an embedding under model
// that passes the filters. Scoring happens in the vector view.
func (s *SQLiteStorage) vectorCandidatesWithQuerier(ctx context.Context, q querier, model string, filters *SearchFilters) ([]Candidate, error) {
	query := `
		SELECT c.id, c.content_hash, p.name, f.path, c.start_byte
		FROM chunks c
		JOIN files f ON c.file_id = f.id
		JOIN packages p ON f.package_id = p.id
		JOIN embeddings e ON e.content_hash = c.content_hash AND e.model = ?
		WHERE p.status IN ` + searchableStatuses + `
	`
	args := []interface{}{model}
	query, args = applyFilters(query, args, filters)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("vector candidates", err)
	}
	defer func() { _ = rows.Close() }()

	candidates := make([]Candidate, 0)
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ChunkID, &c.ContentHash, &c.PackageName, &c.FilePath, &c.StartByte); err != nil {
			return nil, storeErr("vector candidates", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, storeErr("vector candidates", rows.Err())
}

func (s *SQLiteStorage) VectorCandidates(ctx context.Context, model string, filters *SearchFilters) ([]Candidate, error) {
	return s.vectorCandidatesWithQuerier(ctx, s.querier(), model, filters)
}

// searchTextWithQuerier performs BM25 full-text search using FTS5.
// Scores are negated so that higher is better.
func (s *SQLiteStorage) searchTextWithQuerier(ctx context.Context, q querier, query string, limit int, filters *SearchFilters) ([]TextResult, error) {
	match := ftsQuery(query)
	if match == "" || limit <= 0 {
		return []TextResult{}, nil
	}

	sqlQuery := `
		SELECT c.id, -bm25(chunks_fts) AS score, p.name, f.path, c.start_byte
		FROM chunks_fts
		JOIN chunks c ON chunks_fts.rowid = c.id
		JOIN files f ON c.file_id = f.id
		JOIN packages p ON f.package_id = p.id
		WHERE chunks_fts MATCH ? AND p.status IN ` + searchableStatuses + `
	`
	args := []interface{}{match}
	sqlQuery, args = applyFilters(sqlQuery, args, filters)
	sqlQuery += " ORDER BY score DESC, p.name, f.path, c.start_byte, c.id LIMIT ?"
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, storeErr("search text", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]TextResult, 0, limit)
	for rows.Next() {
		var r TextResult
		if err := rows.Scan(&r.ChunkID, &r.BM25Score, &r.PackageName, &r.FilePath, &r.StartByte); err != nil {
			return nil, storeErr("search text", err)
		}
		results = append(results, r)
	}
	return results, storeErr("search text", rows.Err())
}

func (s *SQLiteStorage) SearchText(ctx context.Context, query string, limit int, filters *SearchFilters) ([]TextResult, error) {
	return s.searchTextWithQuerier(ctx, s.querier(), query, limit, filters)
}

// applyFilters adds WHERE clause filters on the joined packages row
func applyFilters(query string, args []interface{}, filters *SearchFilters) (string, []interface{}) {
	if filters == nil {
		return query, args
	}
	if filters.Registry != "" {
		query += " AND p.registry = ?"
		args = append(args, filters.Registry)
	}
	if filters.Name != "" {
		query += " AND p.name = ?"
		args = append(args, filters.Name)
	}
	if filters.Version != "" {
		query += " AND p.version = ?"
		args = append(args, filters.Version)
	}
	return query, args
}

// ftsQuery turns free text into an FTS5 expression: each distinct word is
// quoted, which disables FTS5 operators, and the words are OR-ed together.
func ftsQuery(query string) string {
	words := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	seen := make(map[string]bool, len(words))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(w)
		if seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}
