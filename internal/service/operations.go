package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dshills/depcontext/internal/embedder"
	"github.com/dshills/depcontext/internal/indexer"
	"github.com/dshills/depcontext/internal/manifest"
	"github.com/dshills/depcontext/internal/reconciler"
	"github.com/dshills/depcontext/internal/searcher"
	"github.com/dshills/depcontext/internal/storage"
	"github.com/dshills/depcontext/pkg/types"
)

// ErrWatching is returned by Watch when a watch is already running
var ErrWatching = errors.New("already watching")

// Update reconciles the index with the manifests
func (s *Service) Update(ctx context.Context) (*reconciler.UpdateReport, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var report *reconciler.UpdateReport
	err := s.write(ctx, func() error {
		if _, err := s.checkModel(ctx); err != nil {
			return err
		}
		var err error
		report, err = s.update(ctx)
		return err
	})
	return report, err
}

// update pings the provider only when there is work, so a no-op update
// makes no embedding calls
func (s *Service) update(ctx context.Context) (*reconciler.UpdateReport, error) {
	status, err := s.reconciler.Status(ctx)
	if err != nil {
		return nil, err
	}
	if status.Stale() {
		if err := embedder.Ping(ctx, s.emb); err != nil {
			return nil, err
		}
	}
	report, err := s.reconciler.Update(ctx)
	if report != nil {
		logUpdate(report)
	}
	return report, err
}

func logUpdate(r *reconciler.UpdateReport) {
	ev := log.Info().
		Int("added", len(r.Plan.Added)).
		Int("changed", len(r.Plan.Changed)).
		Int("kept", len(r.Plan.Kept)).
		Int("extra", len(r.Plan.Extra)).
		Int("manifest_errors", len(r.ManifestErrors))
	if r.Index != nil {
		ev = ev.Str("run", r.Index.RunID).Int("indexed", r.Index.Indexed).Int("failed", r.Index.Failed)
	}
	ev.Msg("update finished")
}

// Index indexes one coordinate whether or not a manifest declares it
func (s *Service) Index(ctx context.Context, coord types.PackageCoordinate) (*indexer.Statistics, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if err := coord.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.checkModel(ctx); err != nil {
		return nil, err
	}
	if err := embedder.Ping(ctx, s.emb); err != nil {
		return nil, err
	}
	var stats *indexer.Statistics
	err := s.write(ctx, func() error {
		var err error
		stats, err = s.indexer.IndexPackages(ctx, []manifest.Dependency{{Coordinate: coord}})
		return err
	})
	return stats, err
}

// Search runs a query against the index
func (s *Service) Search(ctx context.Context, req searcher.SearchRequest) (*searcher.SearchResponse, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if req.Limit == 0 {
		req.Limit = s.cfg.Search.DefaultLimit
	}
	return s.searcher.Search(ctx, req)
}

// List returns the stored packages matching filter
func (s *Service) List(ctx context.Context, filter storage.PackageFilter) ([]*types.Package, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return s.store.ListPackages(ctx, filter)
}

// Status reports the plan an update would apply plus failed and pending packages
func (s *Service) Status(ctx context.Context) (*reconciler.StatusReport, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return s.reconciler.Status(ctx)
}

// Remove deletes one package; blobs shared with other packages survive
func (s *Service) Remove(ctx context.Context, coord types.PackageCoordinate) (*indexer.RemoveResult, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var res *indexer.RemoveResult
	err := s.write(ctx, func() error {
		var err error
		res, err = s.indexer.Remove(ctx, coord)
		return err
	})
	return res, err
}

// Prune removes every package no manifest declares
func (s *Service) Prune(ctx context.Context) (*reconciler.PruneReport, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var report *reconciler.PruneReport
	err := s.write(ctx, func() error {
		var err error
		report, err = s.reconciler.Prune(ctx)
		return err
	})
	return report, err
}

// Skip marks a package skipped so updates leave it alone. Unknown
// coordinates are recorded as skipped.
func (s *Service) Skip(ctx context.Context, coord types.PackageCoordinate) (*types.Package, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	pkg := &types.Package{Coordinate: coord, Status: types.StatusSkipped}
	if err := s.store.UpsertPackage(ctx, pkg); err != nil {
		return nil, err
	}
	if pkg.Status != types.StatusSkipped {
		if err := s.store.SetPackageStatus(ctx, pkg.ID, types.StatusSkipped, ""); err != nil {
			return nil, err
		}
		pkg.Status = types.StatusSkipped
	}
	log.Info().Str("package", coord.String()).Msg("package skipped")
	return pkg, nil
}

// Retry moves packages back to pending so the next update indexes them.
// With no coordinates every failed package is retried; a named coordinate
// may also be skipped, which un-skips it.
func (s *Service) Retry(ctx context.Context, coords ...types.PackageCoordinate) ([]*types.Package, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	var targets []*types.Package
	if len(coords) == 0 {
		failed, err := s.store.ListPackages(ctx, storage.PackageFilter{Statuses: []types.PackageStatus{types.StatusFailed}})
		if err != nil {
			return nil, err
		}
		targets = failed
	} else {
		for _, c := range coords {
			pkg, err := s.store.GetPackage(ctx, c)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", c, err)
			}
			if pkg.Status != types.StatusFailed && pkg.Status != types.StatusSkipped {
				continue
			}
			targets = append(targets, pkg)
		}
	}

	for _, pkg := range targets {
		if err := s.store.SetPackageStatus(ctx, pkg.ID, types.StatusPending, ""); err != nil {
			return nil, err
		}
		pkg.Status = types.StatusPending
		pkg.FailureReason = ""
		pkg.FailedAt = nil
	}
	if len(targets) > 0 {
		log.Info().Int("packages", len(targets)).Msg("packages queued for retry")
	}
	return targets, nil
}

// Watch starts a watcher that runs Update whenever a manifest changes
func (s *Service) Watch(ctx context.Context) (*reconciler.Watcher, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil, ErrWatching
	}

	w := reconciler.NewWatcher(s.root, s.cfg.Indexing.WatchDebounce, func(ctx context.Context) error {
		_, err := s.Update(ctx)
		if errors.Is(err, indexer.ErrIndexInProgress) {
			return fmt.Errorf("%w: %w", reconciler.ErrBusy, err)
		}
		return err
	})
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	s.watcher = w
	return w, nil
}

// StopWatch stops the running watch; it is a no-op when none is running
func (s *Service) StopWatch() {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}
