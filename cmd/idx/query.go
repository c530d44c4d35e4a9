package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/depcontext/internal/searcher"
	"github.com/dshills/depcontext/internal/storage"
	"github.com/dshills/depcontext/pkg/types"
)

var (
	searchLimit    int
	searchMode     string
	searchRegistry string
	searchPackage  string
	searchVersion  string
	searchJSON     bool

	listRegistry string
	listStatus   string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search dependency source",
	Long: `Searches the indexed dependency source. The default vector mode ranks
chunks by meaning; keyword mode uses BM25 and hybrid fuses both.`,
	Example: `  idx search "deep clone an object"
  idx search --mode keyword --package lodash cloneDeep`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed packages",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what an update would change",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "maximum number of results (default from config)")
	searchCmd.Flags().StringVarP(&searchMode, "mode", "m", "vector", "search mode (vector|keyword|hybrid)")
	searchCmd.Flags().StringVar(&searchRegistry, "registry", "", "only this registry")
	searchCmd.Flags().StringVarP(&searchPackage, "package", "p", "", "only this package name")
	searchCmd.Flags().StringVar(&searchVersion, "version", "", "only this package version")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")

	listCmd.Flags().StringVar(&listRegistry, "registry", "", "only this registry")
	listCmd.Flags().StringVar(&listStatus, "status", "", "only this status")

	rootCmd.AddCommand(searchCmd, listCmd, statusCmd, statsCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	mode, err := searcher.ParseMode(searchMode)
	if err != nil {
		return err
	}
	filters := &storage.SearchFilters{Name: searchPackage, Version: searchVersion}
	if searchRegistry != "" {
		if filters.Registry, err = types.ParseRegistry(searchRegistry); err != nil {
			return err
		}
	}

	svc, err := openService(cmd, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	resp, err := svc.Search(cmd.Context(), searcher.SearchRequest{
		Query:   strings.Join(args, " "),
		Limit:   searchLimit,
		Mode:    mode,
		Filters: filters,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if searchJSON {
		data, err := json.MarshalIndent(resp.Results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	printResults(out, resp)
	return nil
}

func printResults(w io.Writer, resp *searcher.SearchResponse) {
	if len(resp.Results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	for _, r := range resp.Results {
		name := r.Chunk.Symbol
		if name == "" {
			name = string(r.Chunk.Kind)
		}
		fmt.Fprintf(w, "[%d] %s  %s:%d-%d  %s (%.3f)\n",
			r.Rank, r.Package, r.File.Path, r.Chunk.StartLine, r.Chunk.EndLine, name, r.Score)
		for _, line := range strings.Split(strings.TrimRight(r.Source, "\n"), "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d of %d results, %s mode, %s\n", len(resp.Results), resp.TotalResults, resp.SearchMode, resp.Duration)
}

func runList(cmd *cobra.Command, _ []string) error {
	var filter storage.PackageFilter
	if listRegistry != "" {
		r, err := types.ParseRegistry(listRegistry)
		if err != nil {
			return err
		}
		filter.Registry = r
	}
	if listStatus != "" {
		st := types.PackageStatus(listStatus)
		if !st.Valid() {
			return fmt.Errorf("invalid status %q", listStatus)
		}
		filter.Statuses = []types.PackageStatus{st}
	}

	svc, err := openService(cmd, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	pkgs, err := svc.List(cmd.Context(), filter)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PACKAGE\tSTATUS\tFILES\tCHUNKS\tNOTE")
	for _, p := range pkgs {
		note := p.FailureReason
		if p.Unpinned {
			note = strings.TrimSpace("unpinned " + note)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", p.Coordinate, p.Status, p.FileCount, p.ChunkCount, note)
	}
	return tw.Flush()
}

func runStatus(cmd *cobra.Command, _ []string) error {
	svc, err := openService(cmd, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := svc.Status(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printPlan(out, &report.Snapshot)
	for _, p := range report.Failed {
		fmt.Fprintf(out, "  x %s: %s\n", p.Coordinate, p.FailureReason)
	}
	for _, p := range report.Pending {
		fmt.Fprintf(out, "  . %s is %s\n", p.Coordinate, p.Status)
	}
	for _, p := range report.Skipped {
		fmt.Fprintf(out, "  - %s is skipped\n", p.Coordinate)
	}
	if report.Stale() {
		fmt.Fprintln(out, "Run idx update to apply.")
	} else {
		fmt.Fprintln(out, "Index is up to date.")
	}
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	svc, err := openService(cmd, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := svc.Stats(cmd.Context())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, line := range report.Lines() {
		fmt.Fprintf(tw, "%s\t%s\n", line.Label, line.Value)
	}
	return tw.Flush()
}
