package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/dshills/depcontext/internal/blobstore"
	"github.com/dshills/depcontext/internal/storage"
	"github.com/dshills/depcontext/internal/vectorindex"
)

// StatsReport describes the three views of the index
type StatsReport struct {
	Model      string
	Generation int64

	Index   *storage.IndexStats
	Blobs   blobstore.Stats // Measured on disk
	Vectors vectorindex.Stats

	Failures []storage.EmbeddingFailure // Under the active model
}

// StatLine is one labelled, human-readable value
type StatLine struct {
	Label string
	Value string
}

// Stats collects the package, file, chunk, embedding and storage figures
func (s *Service) Stats(ctx context.Context) (*StatsReport, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	idx, err := s.store.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := s.blobs.Stats(ctx)
	if err != nil {
		return nil, err
	}
	generation, err := s.generation(ctx)
	if err != nil {
		return nil, err
	}
	failures, err := s.store.ListEmbeddingFailures(ctx, s.emb.Model())
	if err != nil {
		return nil, err
	}
	return &StatsReport{
		Model:      s.emb.Model(),
		Generation: generation,
		Index:      idx,
		Blobs:      blobs,
		Vectors:    s.vectors.Stats(),
		Failures:   failures,
	}, nil
}

func (s *Service) generation(ctx context.Context) (int64, error) {
	value, err := s.store.GetMeta(ctx, storage.MetaGeneration)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}

// Lines renders the report for display
func (r *StatsReport) Lines() []StatLine {
	ix := r.Index
	lines := []StatLine{
		{"Model", r.Model},
		{"Generation", humanize.Comma(r.Generation)},
		{"Packages", humanize.Comma(int64(ix.Packages()))},
		{"  by status", formatCounts(ix.PackagesByStatus)},
		{"  by registry", formatCounts(ix.PackagesByRegistry)},
		{"Files", fmt.Sprintf("%s (%s unsupported)", humanize.Comma(int64(ix.Files)), humanize.Comma(int64(ix.UnsupportedFiles)))},
		{"Chunks", humanize.Comma(int64(ix.Chunks))},
		{"Embeddings", humanize.Comma(int64(ix.Embeddings))},
		{"Embedding failures", humanize.Comma(int64(len(r.Failures)))},
		{"Blobs", fmt.Sprintf("%s files, %s references", humanize.Comma(int64(r.Blobs.Blobs)), humanize.Comma(r.Blobs.References))},
		{"Source bytes", humanize.Bytes(uint64(max64(r.Blobs.Bytes, 0)))},
		{"Deduplicated", humanize.Comma(r.Blobs.References - int64(r.Blobs.Blobs))},
		{"Metadata size", humanize.Bytes(uint64(max64(ix.DatabaseBytes, 0)))},
		{"Vector log", fmt.Sprintf("%s (%s live of %s records)",
			humanize.Bytes(uint64(max64(r.Vectors.Bytes, 0))),
			humanize.Comma(int64(r.Vectors.Vectors)), humanize.Comma(int64(r.Vectors.Records)))},
	}
	return lines
}

func formatCounts[K ~string](m map[K]int) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, humanize.Comma(int64(m[K(k)])))
	}
	return strings.Join(parts, " ")
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
