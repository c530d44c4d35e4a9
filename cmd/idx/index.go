package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/depcontext/internal/indexer"
	"github.com/dshills/depcontext/internal/reconciler"
	"github.com/dshills/depcontext/internal/service"
	"github.com/dshills/depcontext/pkg/types"
)

var reembed bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the index and index every declared dependency",
	Long: `Creates .index/ in the project directory, writes its config.yaml and
indexes every direct dependency the manifests declare.

Running init again is safe: unchanged packages are neither fetched nor
re-embedded. If the configured embedding model differs from the one the
index was built with, init stops unless --reembed is given.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Reconcile the index with the manifests",
	Args:  cobra.NoArgs,
	RunE:  runUpdate,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run update whenever a manifest or lockfile changes",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var indexCmd = &cobra.Command{
	Use:   "index <registry:name@version>",
	Short: "Index one package version, declared or not",
	Example: `  idx index npm:lodash@4.17.21
  idx index maven:com.google.guava:guava@33.0.0-jre`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

var removeCmd = &cobra.Command{
	Use:   "remove <registry:name@version>...",
	Short: "Remove packages and release their blobs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRemove,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove packages no manifest declares anymore",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete the whole index",
	Args:  cobra.NoArgs,
	RunE:  runClean,
}

var skipCmd = &cobra.Command{
	Use:   "skip <registry:name@version>...",
	Short: "Exclude packages from indexing",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSkip,
}

var retryCmd = &cobra.Command{
	Use:   "retry [registry:name@version...]",
	Short: "Queue failed (or named) packages for the next update",
	RunE:  runRetry,
}

func init() {
	initCmd.Flags().BoolVar(&reembed, "reembed", false, "replace embeddings built with another model")
	updateCmd.Flags().BoolVar(&reembed, "reembed", false, "replace embeddings built with another model")
	rootCmd.AddCommand(initCmd, updateCmd, watchCmd, indexCmd, removeCmd, pruneCmd, cleanCmd, skipCmd, retryCmd)
}

func runInit(cmd *cobra.Command, _ []string) error {
	root, err := startDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, root)
	if err != nil {
		return err
	}

	svc, report, err := service.Init(cmd.Context(), root, service.Options{Config: cfg, Reembed: reembed})
	if svc != nil {
		defer svc.Close()
	}
	out := cmd.OutOrStdout()
	if report != nil {
		if report.Created {
			fmt.Fprintf(out, "Created %s\n", svc.Dir())
		}
		if report.Reembedded {
			fmt.Fprintf(out, "Re-embedding with %s\n", svc.Model())
		}
		if r := report.Repair; r != nil && !r.Clean() {
			fmt.Fprintf(out, "Repaired index: %d rows without vectors, %d vectors without rows, %d packages demoted\n",
				r.RowsWithoutVector, r.VectorsWithoutRow, r.Demoted)
		}
		if report.Update != nil {
			printUpdate(out, report.Update)
		}
	}
	return err
}

func runUpdate(cmd *cobra.Command, _ []string) error {
	svc, err := openService(cmd, reembed)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := svc.Update(cmd.Context())
	if report != nil {
		printUpdate(cmd.OutOrStdout(), report)
	}
	return err
}

func runWatch(cmd *cobra.Command, _ []string) error {
	svc, err := openService(cmd, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := cmd.Context()
	if _, err := svc.Update(ctx); err != nil && !errors.Is(err, indexer.ErrIndexInProgress) {
		return err
	}
	if _, err := svc.Watch(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for manifest changes (Ctrl-C to stop)\n", svc.Root())
	<-ctx.Done()
	svc.StopWatch()
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	coord, err := types.ParseCoordinate(args[0])
	if err != nil {
		return err
	}
	svc, err := openService(cmd, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	stats, err := svc.Index(cmd.Context(), coord)
	if stats != nil {
		printIndexStats(cmd.OutOrStdout(), stats)
	}
	return err
}

func runRemove(cmd *cobra.Command, args []string) error {
	coords, err := parseCoordinates(args)
	if err != nil {
		return err
	}
	svc, err := openService(cmd, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	out := cmd.OutOrStdout()
	for _, c := range coords {
		res, err := svc.Remove(cmd.Context(), c)
		if err != nil {
			return fmt.Errorf("remove %s: %w", c, err)
		}
		printRemoved(out, res)
	}
	return nil
}

func runPrune(cmd *cobra.Command, _ []string) error {
	svc, err := openService(cmd, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := svc.Prune(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(report.Removed) == 0 {
		fmt.Fprintln(out, "Nothing to prune.")
		return nil
	}
	for i := range report.Removed {
		printRemoved(out, &report.Removed[i])
	}
	return nil
}

func runClean(cmd *cobra.Command, _ []string) error {
	svc, err := openService(cmd, false)
	if err != nil {
		return err
	}
	dir := svc.Dir()
	if err := svc.Clean(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", dir)
	return nil
}

func runSkip(cmd *cobra.Command, args []string) error {
	coords, err := parseCoordinates(args)
	if err != nil {
		return err
	}
	svc, err := openService(cmd, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	for _, c := range coords {
		if _, err := svc.Skip(cmd.Context(), c); err != nil {
			return fmt.Errorf("skip %s: %w", c, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Skipped %s\n", c)
	}
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	coords, err := parseCoordinates(args)
	if err != nil {
		return err
	}
	svc, err := openService(cmd, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	pkgs, err := svc.Retry(cmd.Context(), coords...)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(pkgs) == 0 {
		fmt.Fprintln(out, "Nothing to retry.")
		return nil
	}
	for _, p := range pkgs {
		fmt.Fprintf(out, "Queued %s\n", p.Coordinate)
	}
	fmt.Fprintln(out, "Run idx update to index them.")
	return nil
}

func parseCoordinates(args []string) ([]types.PackageCoordinate, error) {
	coords := make([]types.PackageCoordinate, 0, len(args))
	for _, a := range args {
		c, err := types.ParseCoordinate(a)
		if err != nil {
			return nil, err
		}
		coords = append(coords, c)
	}
	return coords, nil
}

func printUpdate(w io.Writer, r *reconciler.UpdateReport) {
	printPlan(w, &r.Snapshot)
	for i := range r.Removed {
		printRemoved(w, &r.Removed[i])
	}
	if r.Index != nil {
		printIndexStats(w, r.Index)
	}
}

func printPlan(w io.Writer, snap *reconciler.Snapshot) {
	plan := &snap.Plan
	fmt.Fprintf(w, "Plan: %d added, %d changed, %d kept, %d extra\n",
		len(plan.Added), len(plan.Changed), len(plan.Kept), len(plan.Extra))
	for _, d := range plan.Added {
		fmt.Fprintf(w, "  + %s\n", d.Coordinate)
	}
	for _, c := range plan.Changed {
		fmt.Fprintf(w, "  ~ %s -> %s\n", c.Old.Coordinate, c.New.Coordinate.Version)
	}
	for _, p := range plan.Extra {
		fmt.Fprintf(w, "  ? %s (no longer declared, run idx prune)\n", p.Coordinate)
	}
	for _, d := range snap.Unpinned() {
		fmt.Fprintf(w, "  ! %s is not pinned by a lockfile\n", d.Coordinate)
	}
	for _, e := range snap.ManifestErrors {
		fmt.Fprintf(w, "  ! %v\n", e)
	}
}

func printIndexStats(w io.Writer, s *indexer.Statistics) {
	for _, p := range s.Packages {
		switch p.Outcome {
		case indexer.OutcomeCurrent, indexer.OutcomeSkipped:
			continue
		case indexer.OutcomeFailed:
			fmt.Fprintf(w, "  x %s: %s\n", p.Coordinate, p.Reason)
		case indexer.OutcomePartial:
			fmt.Fprintf(w, "  - %s: %d files, %d chunks, %d without embeddings\n", p.Coordinate, p.Files, p.Chunks, p.Missing)
		default:
			fmt.Fprintf(w, "  ✓ %s: %d files, %d chunks\n", p.Coordinate, p.Files, p.Chunks)
		}
	}
	fmt.Fprintf(w, "Indexed %d, partial %d, failed %d, unchanged %d in %s (%d fetched, %d embedded)\n",
		s.Indexed, s.Partial, s.Failed, s.Current, s.Duration.Round(time.Millisecond), s.Fetches, s.Embedding.Embedded)
}

func printRemoved(w io.Writer, r *indexer.RemoveResult) {
	fmt.Fprintf(w, "Removed %s: %d files, %d blobs freed\n", r.Coordinate, r.Files, r.BlobsDeleted)
}
