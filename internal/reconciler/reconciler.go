package reconciler

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/dshills/depcontext/internal/indexer"
	"github.com/dshills/depcontext/internal/manifest"
	"github.com/dshills/depcontext/internal/storage"
	"github.com/dshills/depcontext/pkg/types"
)

// Change pairs a stored package with the version the manifests now pin
type Change struct {
	Old *types.Package
	New manifest.Dependency
}

// Plan is the difference between the manifests and the index
type Plan struct {
	Added   []manifest.Dependency // Declared, not indexed under any version
	Changed []Change              // Same package, different version
	Kept    []*types.Package      // Declared and stored at the same version
	Extra   []*types.Package      // Stored, no longer declared
}

// Empty reports whether the plan has nothing to fetch or remove
func (p *Plan) Empty() bool {
	return len(p.Added) == 0 && len(p.Changed) == 0 && len(p.Extra) == 0
}

type packageKey struct {
	registry types.Registry
	name     string
}

// Diff computes the plan that turns stored into current.
// Within one registry and name, versions present on both sides are kept;
// the rest are paired in version order as changes, and leftovers become
// additions or extras.
func Diff(current []manifest.Dependency, stored []*types.Package) Plan {
	cur := make(map[packageKey][]manifest.Dependency)
	old := make(map[packageKey][]*types.Package)
	var keys []packageKey
	seen := make(map[packageKey]bool)
	track := func(k packageKey) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, d := range current {
		k := packageKey{d.Coordinate.Registry, d.Coordinate.Name}
		cur[k] = append(cur[k], d)
		track(k)
	}
	for _, p := range stored {
		k := packageKey{p.Coordinate.Registry, p.Coordinate.Name}
		old[k] = append(old[k], p)
		track(k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].registry != keys[j].registry {
			return keys[i].registry < keys[j].registry
		}
		return keys[i].name < keys[j].name
	})

	var plan Plan
	for _, k := range keys {
		byVersion := make(map[string]*types.Package, len(old[k]))
		for _, p := range old[k] {
			byVersion[p.Coordinate.Version] = p
		}

		var added []manifest.Dependency
		declared := make(map[string]bool, len(cur[k]))
		for _, d := range cur[k] {
			if declared[d.Coordinate.Version] {
				continue
			}
			declared[d.Coordinate.Version] = true
			if p, ok := byVersion[d.Coordinate.Version]; ok {
				plan.Kept = append(plan.Kept, p)
				continue
			}
			added = append(added, d)
		}
		var extra []*types.Package
		for _, p := range old[k] {
			if !declared[p.Coordinate.Version] {
				extra = append(extra, p)
			}
		}
		sort.Slice(added, func(i, j int) bool { return added[i].Coordinate.Version < added[j].Coordinate.Version })
		sort.Slice(extra, func(i, j int) bool { return extra[i].Coordinate.Version < extra[j].Coordinate.Version })

		n := min(len(added), len(extra))
		for i := 0; i < n; i++ {
			plan.Changed = append(plan.Changed, Change{Old: extra[i], New: added[i]})
		}
		plan.Added = append(plan.Added, added[n:]...)
		plan.Extra = append(plan.Extra, extra[n:]...)
	}
	return plan
}

// Reconciler keeps the index in step with the project's manifests
type Reconciler struct {
	root      string
	storage   storage.Storage
	indexer   *indexer.Indexer
	resolvers []manifest.Resolver
}

// New creates a reconciler for the project at root. No resolvers selects
// manifest.DefaultResolvers.
func New(root string, store storage.Storage, idx *indexer.Indexer, resolvers ...manifest.Resolver) *Reconciler {
	return &Reconciler{root: root, storage: store, indexer: idx, resolvers: resolvers}
}

// Root returns the project directory
func (r *Reconciler) Root() string { return r.root }

// Snapshot is the resolved manifests together with the plan against the index
type Snapshot struct {
	Plan           Plan
	Dependencies   []manifest.Dependency
	ManifestErrors []*types.ManifestError
}

// Unpinned returns the dependencies whose version came from a range
func (s *Snapshot) Unpinned() []manifest.Dependency {
	var out []manifest.Dependency
	for _, d := range s.Dependencies {
		if d.Unpinned {
			out = append(out, d)
		}
	}
	return out
}

// Plan resolves the manifests and diffs them against the stored packages
func (r *Reconciler) Plan(ctx context.Context) (*Snapshot, error) {
	res, err := manifest.Resolve(r.root, r.resolvers...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifests: %w", err)
	}
	stored, err := r.storage.ListPackages(ctx, storage.PackageFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	return &Snapshot{
		Plan:           Diff(res.Dependencies, stored),
		Dependencies:   res.Dependencies,
		ManifestErrors: res.Errors,
	}, nil
}

// UpdateReport is the outcome of one Update
type UpdateReport struct {
	Snapshot
	Removed []indexer.RemoveResult // Old sides of changes
	Index   *indexer.Statistics
}

// Update applies the plan: the old side of each change is removed, added
// and changed coordinates are indexed, and kept packages left pending or
// fetched by an earlier run are retried. Extras are only reported.
func (r *Reconciler) Update(ctx context.Context) (*UpdateReport, error) {
	snap, err := r.Plan(ctx)
	if err != nil {
		return nil, err
	}
	report := &UpdateReport{Snapshot: *snap}
	plan := &snap.Plan

	if len(plan.Changed) > 0 {
		olds := make([]types.PackageCoordinate, len(plan.Changed))
		for i, c := range plan.Changed {
			olds[i] = c.Old.Coordinate
		}
		removed, err := r.indexer.RemoveAll(ctx, olds)
		report.Removed = removed
		if err != nil {
			return report, fmt.Errorf("failed to remove replaced versions: %w", err)
		}
	}

	work := make([]manifest.Dependency, 0, len(plan.Added)+len(plan.Changed))
	work = append(work, plan.Added...)
	for _, c := range plan.Changed {
		work = append(work, c.New)
	}
	declared := make(map[types.PackageCoordinate]manifest.Dependency, len(snap.Dependencies))
	for _, d := range snap.Dependencies {
		declared[d.Coordinate] = d
	}
	for _, p := range plan.Kept {
		if p.Status == types.StatusPending || p.Status == types.StatusFetched {
			work = append(work, declared[p.Coordinate])
		}
	}

	for _, p := range plan.Extra {
		log.Info().Str("package", p.Coordinate.String()).Msg("package no longer declared, run prune to remove")
	}

	stats, err := r.indexer.IndexPackages(ctx, work)
	report.Index = stats
	return report, err
}

// StatusReport describes how far the index is from the manifests
type StatusReport struct {
	Snapshot
	Failed  []*types.Package // With their persisted reasons
	Pending []*types.Package // Pending or fetched, waiting for a run
	Skipped []*types.Package
}

// Stale reports whether an update would change anything
func (s *StatusReport) Stale() bool {
	return len(s.Plan.Added) > 0 || len(s.Plan.Changed) > 0 || len(s.Pending) > 0
}

// Status computes the plan without applying it
func (r *Reconciler) Status(ctx context.Context) (*StatusReport, error) {
	snap, err := r.Plan(ctx)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Snapshot: *snap}

	lists := []struct {
		into     *[]*types.Package
		statuses []types.PackageStatus
	}{
		{&report.Failed, []types.PackageStatus{types.StatusFailed}},
		{&report.Pending, []types.PackageStatus{types.StatusPending, types.StatusFetched}},
		{&report.Skipped, []types.PackageStatus{types.StatusSkipped}},
	}
	for _, l := range lists {
		pkgs, err := r.storage.ListPackages(ctx, storage.PackageFilter{Statuses: l.statuses})
		if err != nil {
			return nil, fmt.Errorf("failed to list packages: %w", err)
		}
		*l.into = pkgs
	}
	return report, nil
}

// PruneReport lists what Prune removed
type PruneReport struct {
	Removed []indexer.RemoveResult
}

// Prune removes packages no manifest declares any more
func (r *Reconciler) Prune(ctx context.Context) (*PruneReport, error) {
	snap, err := r.Plan(ctx)
	if err != nil {
		return nil, err
	}
	coords := make([]types.PackageCoordinate, len(snap.Plan.Extra))
	for i, p := range snap.Plan.Extra {
		coords[i] = p.Coordinate
	}
	report := &PruneReport{}
	if len(coords) == 0 {
		return report, nil
	}
	removed, err := r.indexer.RemoveAll(ctx, coords)
	report.Removed = removed
	if err != nil {
		return report, fmt.Errorf("failed to prune: %w", err)
	}
	log.Info().Int("packages", len(removed)).Msg("pruned undeclared packages")
	return report, nil
}
