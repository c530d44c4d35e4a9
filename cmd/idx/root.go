package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dshills/depcontext/internal/config"
	"github.com/dshills/depcontext/internal/logging"
	"github.com/dshills/depcontext/internal/service"
)

var projectDir string

var rootCmd = &cobra.Command{
	Use:   "idx",
	Short: "Semantic index of your dependencies' source",
	Long: `idx indexes the source of a project's direct third-party dependencies,
at the exact versions its lockfiles pin, and searches it by meaning.

The index lives in .index/ at the project root. Commands other than init
find it by walking up from the current directory.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", "", "project directory (default: current directory)")
	config.BindFlags(rootCmd.PersistentFlags())
}

// startDir is where root discovery begins
func startDir() (string, error) {
	dir := projectDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}
	return filepath.Abs(dir)
}

// loadConfig layers .index/config.yaml, the environment and changed flags,
// then installs the logger
func loadConfig(cmd *cobra.Command, root string) (config.Specification, error) {
	if err := config.LoadDotEnv(root); err != nil {
		return config.Specification{}, err
	}
	cfg, err := config.Load(service.ConfigPath(root), cmd.Flags())
	if err != nil {
		return config.Specification{}, err
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
		return config.Specification{}, err
	}
	return cfg, nil
}

// openService opens the index enclosing the working directory
func openService(cmd *cobra.Command, reembed bool) (*service.Service, error) {
	start, err := startDir()
	if err != nil {
		return nil, err
	}
	root, err := service.FindIndexRoot(start)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(cmd, root)
	if err != nil {
		return nil, err
	}
	svc, err := service.Open(root, service.Options{Config: cfg, Reembed: reembed})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return svc, nil
}
