package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/depcontext/internal/indexer"
	"github.com/dshills/depcontext/internal/reconciler"
	"github.com/dshills/depcontext/internal/searcher"
	"github.com/dshills/depcontext/internal/storage"
	"github.com/dshills/depcontext/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeIndexingInProgress = -32002 // Another indexing operation is already running
	ErrorCodeEmptyQuery         = -32004 // Query parameter is empty
	ErrorCodeModelMismatch      = -32005 // Index built with another embedding model
)

// handleSearch handles the search_dependencies tool invocation
func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	query := getStringDefault(args, "query", "")
	if query == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	// 0 selects the configured default
	limit := getIntDefault(args, "limit", 0)
	if limit < 0 || limit > searcher.MaxLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	mode, err := searcher.ParseMode(getStringDefault(args, "mode", ""))
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid mode", map[string]interface{}{
			"param":   "mode",
			"value":   args["mode"],
			"allowed": []string{"vector", "keyword", "hybrid"},
		})
	}

	filters := &storage.SearchFilters{
		Registry: types.Registry(getStringDefault(args, "registry", "")),
		Name:     getStringDefault(args, "package", ""),
		Version:  getStringDefault(args, "version", ""),
	}
	if filters.Registry != "" && !filters.Registry.Valid() {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid registry", map[string]interface{}{
			"param": "registry",
			"value": filters.Registry,
		})
	}

	resp, err := s.service.Search(ctx, searcher.SearchRequest{
		Query:   query,
		Limit:   limit,
		Mode:    mode,
		Filters: filters,
	})
	var mismatch *types.ModelMismatchError
	if errors.As(err, &mismatch) {
		return nil, newMCPError(ErrorCodeModelMismatch, "index was built with a different embedding model", map[string]interface{}{
			"index_model": mismatch.IndexModel,
			"query_model": mismatch.QueryModel,
		})
	}
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "search failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	results := make([]map[string]interface{}, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, map[string]interface{}{
			"rank":       r.Rank,
			"score":      r.Score,
			"package":    r.Package.String(),
			"path":       r.File.Path,
			"language":   r.File.Language,
			"kind":       r.Chunk.Kind,
			"symbol":     r.Chunk.Symbol,
			"signature":  r.Chunk.Signature,
			"start_line": r.Chunk.StartLine,
			"end_line":   r.Chunk.EndLine,
			"source":     r.Source,
		})
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"query":         query,
		"mode":          resp.SearchMode,
		"model":         resp.Model,
		"total_results": resp.TotalResults,
		"results":       results,
		"duration_ms":   resp.Duration.Milliseconds(),
		"cache_hit":     resp.CacheHit,
	})), nil
}

// handleUpdate handles the update_index tool invocation
func (s *Server) handleUpdate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.service.Update(ctx)
	if errors.Is(err, indexer.ErrIndexInProgress) {
		return nil, newMCPError(ErrorCodeIndexingInProgress, "an indexing run is already in progress", nil)
	}
	var mismatch *types.ModelMismatchError
	if errors.As(err, &mismatch) {
		return nil, newMCPError(ErrorCodeModelMismatch, "configured model differs from the index; run idx update --reembed", map[string]interface{}{
			"index_model":      mismatch.IndexModel,
			"configured_model": mismatch.QueryModel,
		})
	}
	if err != nil && report == nil {
		return nil, newMCPError(ErrorCodeInternalError, "update failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	response := planJSON(&report.Snapshot)
	removed := make([]string, 0, len(report.Removed))
	for _, r := range report.Removed {
		removed = append(removed, r.Coordinate.String())
	}
	response["removed"] = removed
	if st := report.Index; st != nil {
		outcomes := make([]map[string]interface{}, 0, len(st.Packages))
		for _, p := range st.Packages {
			entry := map[string]interface{}{
				"package": p.Coordinate.String(),
				"outcome": p.Outcome,
				"files":   p.Files,
				"chunks":  p.Chunks,
			}
			if p.Reason != "" {
				entry["reason"] = p.Reason
			}
			if p.Missing > 0 {
				entry["missing_embeddings"] = p.Missing
			}
			outcomes = append(outcomes, entry)
		}
		response["run"] = st.RunID
		response["packages"] = outcomes
		response["indexed"] = st.Indexed
		response["partial"] = st.Partial
		response["failed"] = st.Failed
		response["embedded"] = st.Embedding.Embedded
		response["duration_ms"] = st.Duration.Milliseconds()
	}
	if err != nil {
		response["error"] = err.Error()
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleStatus handles the get_status tool invocation
func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.service.Status(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to get status", map[string]interface{}{
			"error": err.Error(),
		})
	}

	response := planJSON(&report.Snapshot)
	failed := make([]map[string]interface{}, 0, len(report.Failed))
	for _, p := range report.Failed {
		failed = append(failed, map[string]interface{}{
			"package": p.Coordinate.String(),
			"reason":  p.FailureReason,
		})
	}
	response["failed"] = failed
	response["pending"] = coordinates(report.Pending)
	response["skipped"] = coordinates(report.Skipped)
	response["stale"] = report.Stale()
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleList handles the list_packages tool invocation
func (s *Server) handleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	filter := storage.PackageFilter{Registry: types.Registry(getStringDefault(args, "registry", ""))}
	if status := getStringDefault(args, "status", ""); status != "" {
		st := types.PackageStatus(status)
		if !st.Valid() {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid status", map[string]interface{}{
				"param": "status",
				"value": status,
			})
		}
		filter.Statuses = []types.PackageStatus{st}
	}

	pkgs, err := s.service.List(ctx, filter)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to list packages", map[string]interface{}{
			"error": err.Error(),
		})
	}

	packages := make([]map[string]interface{}, 0, len(pkgs))
	for _, p := range pkgs {
		entry := map[string]interface{}{
			"registry": p.Coordinate.Registry,
			"name":     p.Coordinate.Name,
			"version":  p.Coordinate.Version,
			"status":   p.Status,
			"files":    p.FileCount,
			"chunks":   p.ChunkCount,
		}
		if p.Unpinned {
			entry["unpinned"] = true
		}
		if p.FailureReason != "" {
			entry["reason"] = p.FailureReason
		}
		packages = append(packages, entry)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"count":    len(packages),
		"packages": packages,
	})), nil
}

// handleStats handles the get_stats tool invocation
func (s *Server) handleStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.service.Stats(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to get stats", map[string]interface{}{
			"error": err.Error(),
		})
	}

	summary := make(map[string]interface{}, 16)
	for _, line := range report.Lines() {
		summary[line.Label] = line.Value
	}
	ix := report.Index
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"model":              report.Model,
		"generation":         report.Generation,
		"packages":           ix.Packages(),
		"files":              ix.Files,
		"chunks":             ix.Chunks,
		"embeddings":         ix.Embeddings,
		"embedding_failures": len(report.Failures),
		"blobs":              report.Blobs.Blobs,
		"blob_references":    report.Blobs.References,
		"blob_bytes":         report.Blobs.Bytes,
		"database_bytes":     ix.DatabaseBytes,
		"vector_bytes":       report.Vectors.Bytes,
		"summary":            summary,
	})), nil
}

// Helper functions

func planJSON(snap *reconciler.Snapshot) map[string]interface{} {
	added := make([]string, 0, len(snap.Plan.Added))
	for _, d := range snap.Plan.Added {
		added = append(added, d.Coordinate.String())
	}
	changed := make([]map[string]string, 0, len(snap.Plan.Changed))
	for _, c := range snap.Plan.Changed {
		changed = append(changed, map[string]string{
			"from": c.Old.Coordinate.String(),
			"to":   c.New.Coordinate.String(),
		})
	}
	manifestErrors := make([]string, 0, len(snap.ManifestErrors))
	for _, e := range snap.ManifestErrors {
		manifestErrors = append(manifestErrors, e.Error())
	}
	unpinned := make([]string, 0)
	for _, d := range snap.Unpinned() {
		unpinned = append(unpinned, d.Coordinate.String())
	}
	return map[string]interface{}{
		"added":           added,
		"changed":         changed,
		"kept":            len(snap.Plan.Kept),
		"extra":           coordinates(snap.Plan.Extra),
		"unpinned":        unpinned,
		"manifest_errors": manifestErrors,
	}
}

func coordinates(pkgs []*types.Package) []string {
	out := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, p.Coordinate.String())
	}
	return out
}

// arguments returns the call arguments; tools without parameters may get none
func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
