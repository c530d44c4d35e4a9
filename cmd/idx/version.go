package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/depcontext/internal/parser"
	"github.com/dshills/depcontext/internal/storage"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "idx version %s\n", version)
		fmt.Fprintf(out, "Build Time: %s\n", buildTime)
		fmt.Fprintf(out, "Build Mode: %s\n", storage.BuildMode)
		fmt.Fprintf(out, "SQLite Driver: %s (native: %v)\n", storage.DriverName, storage.NativeDriver)
		fmt.Fprintf(out, "Parser: %s\n", parser.Backend)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
