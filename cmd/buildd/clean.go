package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Forget remembered compile state",
	Long: `Remove the persisted project state so the next request compiles every
project again. A running server keeps its in-memory state until restarted.
--outputs also removes the project output directories.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().Bool("outputs", false, "also remove project output directories")
}

func runClean(cmd *cobra.Command, _ []string) error {
	outputs, err := cmd.Flags().GetBool("outputs")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	disk, err := openStateCache(cfg)
	if err != nil {
		return err
	}
	if err := disk.DropAll(); err != nil {
		return fmt.Errorf("failed to drop state in %q: %w", disk.Dir(), err)
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "dropped state in %s\n", disk.Dir())
	if !outputs {
		return nil
	}
	for _, p := range cfg.Projects {
		if _, err := os.Stat(p.OutputDir); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to stat %q: %w", p.OutputDir, err)
		}
		if err := os.RemoveAll(p.OutputDir); err != nil {
			return fmt.Errorf("failed to remove %q: %w", p.OutputDir, err)
		}
		_, _ = fmt.Fprintf(out, "removed %s\n", formatPath(cfg.Root, p.OutputDir))
	}
	return nil
}

func formatPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
