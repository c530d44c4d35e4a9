package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// searchDependenciesTool returns the tool definition for search_dependencies
func searchDependenciesTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_dependencies",
		Description: "Search the source of the project's third-party dependencies, at the exact versions the project uses, with a natural language or keyword query",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query, for example \"deep clone an object\"",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
				"mode": map[string]interface{}{
					"type":        "string",
					"description": "vector (semantic), keyword (BM25) or hybrid (both, fused with RRF)",
					"enum":        []string{"vector", "keyword", "hybrid"},
					"default":     "vector",
				},
				"registry": map[string]interface{}{
					"type":        "string",
					"description": "Only search packages from this registry",
					"enum":        []string{"npm", "crates", "pypi", "maven", "go"},
				},
				"package": map[string]interface{}{
					"type":        "string",
					"description": "Only search this package name",
				},
				"version": map[string]interface{}{
					"type":        "string",
					"description": "Only search this package version",
				},
			},
			Required: []string{"query"},
		},
	}
}

// updateIndexTool returns the tool definition for update_index
func updateIndexTool() mcp.Tool {
	return mcp.Tool{
		Name:        "update_index",
		Description: "Reconcile the dependency index with the project's manifests and lockfiles, indexing added or changed versions",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report how the index differs from the manifests, plus failed, pending and skipped packages",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// listPackagesTool returns the tool definition for list_packages
func listPackagesTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_packages",
		Description: "List indexed dependency packages with their status",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"registry": map[string]interface{}{
					"type":        "string",
					"description": "Only list packages from this registry",
					"enum":        []string{"npm", "crates", "pypi", "maven", "go"},
				},
				"status": map[string]interface{}{
					"type":        "string",
					"description": "Only list packages in this status",
					"enum":        []string{"pending", "fetched", "indexed", "failed", "skipped"},
				},
			},
		},
	}
}

// getStatsTool returns the tool definition for get_stats
func getStatsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_stats",
		Description: "Report package, file, chunk, embedding and storage statistics of the index",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
