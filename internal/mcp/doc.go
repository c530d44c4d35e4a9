// Package mcp serves a project's dependency index over the Model Context
// Protocol (MCP), so coding assistants can search dependency source at the
// versions the project actually uses.
//
// The server exposes five tools:
//   - search_dependencies: vector, keyword or hybrid search over indexed chunks
//   - update_index: reconcile the index with the manifests and lockfiles
//   - get_status: what an update would change, plus failed and skipped packages
//   - list_packages: indexed packages, optionally by registry or status
//   - get_stats: package, chunk, embedding and storage figures
//
// It is started from the project directory (or any directory below it):
//
//	idx mcp
//
// and speaks JSON-RPC 2.0 on stdin/stdout. Logs go to stderr.
//
// # Tool: search_dependencies
//
//	Request:
//	{
//	  "name": "search_dependencies",
//	  "arguments": {
//	    "query": "deep clone an object",
//	    "limit": 5,
//	    "registry": "npm"
//	  }
//	}
//
//	Response:
//	{
//	  "results": [
//	    {
//	      "rank": 1,
//	      "score": 0.81,
//	      "package": "npm:lodash@4.17.21",
//	      "path": "cloneDeep.js",
//	      "symbol": "cloneDeep",
//	      "start_line": 18,
//	      "end_line": 20,
//	      "source": "function cloneDeep(value) { ... }"
//	    }
//	  ]
//	}
//
// # Error Handling
//
// Handler errors are *MCPError values carrying a JSON-RPC style code:
//   - -32602: Invalid params
//   - -32603: Internal error
//   - -32002: Indexing in progress
//   - -32004: Empty query
//   - -32005: Index built with a different embedding model
//
// # Client Configuration
//
//	{
//	  "mcpServers": {
//	    "deps": {
//	      "command": "idx",
//	      "args": ["mcp"],
//	      "env": {
//	        "IDX_EMBED_API_KEY": "your-api-key"
//	      }
//	    }
//	  }
//	}
package mcp
