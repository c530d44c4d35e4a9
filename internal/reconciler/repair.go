package reconciler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dshills/depcontext/internal/blobstore"
	"github.com/dshills/depcontext/internal/storage"
	"github.com/dshills/depcontext/internal/vectorindex"
)

// Stores are the three views Reconcile keeps consistent
type Stores struct {
	Storage storage.Storage
	Vectors *vectorindex.Index
	Blobs   *blobstore.Store
}

// RepairReport counts what Reconcile fixed
type RepairReport struct {
	RowsWithoutVector int   // Embedding rows deleted
	VectorsWithoutRow int   // Vectors dropped
	OrphanEmbeddings  int   // Embeddings no chunk refers to
	Demoted           int64 // Indexed packages moved back to fetched
	RefsFixed         int64 // Blob reference counts corrected
	BlobsSwept        int
	Compacted         bool
}

// Clean reports whether nothing needed repair
func (r *RepairReport) Clean() bool {
	return r.RowsWithoutVector == 0 && r.VectorsWithoutRow == 0 && r.OrphanEmbeddings == 0 &&
		r.Demoted == 0 && r.RefsFixed == 0 && r.BlobsSwept == 0
}

// Reconcile restores the cross-view invariants after a crash or an
// interrupted deletion. It is safe to run at any time no indexing run is
// active; model is the active embedding model.
func Reconcile(ctx context.Context, s Stores, model string) (*RepairReport, error) {
	report := &RepairReport{}

	rows, err := s.Storage.ListEmbeddingKeys(ctx)
	if err != nil {
		return nil, err
	}
	hasRow := make(map[vectorindex.Key]bool, len(rows))
	var missing []storage.EmbeddingKey
	for _, k := range rows {
		key := vectorindex.Key{Hash: k.ContentHash, Model: k.Model}
		hasRow[key] = true
		if !s.Vectors.Has(key) {
			missing = append(missing, k)
		}
	}
	if err := s.Storage.DeleteEmbeddings(ctx, missing); err != nil {
		return nil, fmt.Errorf("delete rows without vectors: %w", err)
	}
	report.RowsWithoutVector = len(missing)

	var stray []vectorindex.Key
	for _, key := range s.Vectors.Keys() {
		if !hasRow[key] {
			stray = append(stray, key)
		}
	}
	if len(stray) > 0 {
		if err := s.Vectors.Delete(stray); err != nil {
			return nil, fmt.Errorf("drop vectors without rows: %w", err)
		}
	}
	report.VectorsWithoutRow = len(stray)

	orphans, err := s.Storage.OrphanEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	if len(orphans) > 0 {
		if err := s.Storage.DeleteEmbeddings(ctx, orphans); err != nil {
			return nil, fmt.Errorf("delete orphan embeddings: %w", err)
		}
		keys := make([]vectorindex.Key, len(orphans))
		for i, o := range orphans {
			keys[i] = vectorindex.Key{Hash: o.ContentHash, Model: o.Model}
		}
		if err := s.Vectors.Delete(keys); err != nil {
			return nil, fmt.Errorf("drop orphan vectors: %w", err)
		}
	}
	report.OrphanEmbeddings = len(orphans)

	if report.Demoted, err = s.Storage.DemoteIncomplete(ctx, model); err != nil {
		return nil, fmt.Errorf("demote incomplete packages: %w", err)
	}
	if report.RefsFixed, err = s.Storage.RecountBlobRefs(ctx); err != nil {
		return nil, fmt.Errorf("recount blob references: %w", err)
	}
	if report.BlobsSwept, err = s.Blobs.Sweep(ctx); err != nil {
		return nil, fmt.Errorf("sweep blobs: %w", err)
	}

	if s.Vectors.NeedsCompaction() {
		if err := s.Vectors.Compact(); err != nil {
			return nil, fmt.Errorf("compact vectors: %w", err)
		}
		report.Compacted = true
	}

	if !report.Clean() {
		if _, err := s.Storage.BumpGeneration(ctx); err != nil {
			return nil, err
		}
		log.Warn().
			Int("rows_without_vector", report.RowsWithoutVector).
			Int("vectors_without_row", report.VectorsWithoutRow).
			Int("orphan_embeddings", report.OrphanEmbeddings).
			Int64("demoted", report.Demoted).
			Int64("refs_fixed", report.RefsFixed).
			Int("blobs_swept", report.BlobsSwept).
			Msg("index repaired")
	}
	return report, nil
}
