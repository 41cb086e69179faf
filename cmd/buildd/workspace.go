package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"buildd/internal/compile"
	"buildd/internal/compiler"
	"buildd/internal/config"
	"buildd/internal/project"
	"buildd/internal/statecache"
	"buildd/internal/trace"
)

const noManifestMessage = "no buildd.toml found in the current directory or its parents"

// loadConfig loads --manifest or the nearest buildd.toml.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Root().PersistentFlags().GetString("manifest")
	if err != nil {
		return nil, err
	}
	if path != "" {
		return config.Load(path)
	}
	cfg, ok, err := config.Find(".")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(noManifestMessage)
	}
	return cfg, nil
}

// openStateCache opens the persistent project state. Without cache_dir
// every workspace gets its own subdirectory of $XDG_CACHE_HOME/buildd.
func openStateCache(cfg *config.Config) (*statecache.Disk, error) {
	if cfg.Server.CacheDir != "" {
		return statecache.OpenDir(cfg.Server.CacheDir)
	}
	base, err := statecache.Open("buildd")
	if err != nil {
		return nil, fmt.Errorf("open state cache: %w", err)
	}
	return statecache.OpenDir(filepath.Join(base.Dir(), workspaceKey(cfg.Root)))
}

func workspaceKey(root string) string {
	return project.DigestBytes([]byte(filepath.Clean(root))).Short()
}

// newScheduler wires the manifest into a scheduler backed by the state cache.
func newScheduler(cfg *config.Config, logger *log.Logger, tracer trace.Tracer) (*compile.Scheduler, *statecache.Layered, error) {
	ws, err := cfg.Workspace()
	if err != nil {
		return nil, nil, err
	}
	disk, err := openStateCache(cfg)
	if err != nil {
		return nil, nil, err
	}
	store := statecache.NewLayered(disk)
	sched, err := compile.New(compile.Options{
		Workspace: ws,
		Compiler: compiler.Select{
			Builtin: compiler.Builtin{},
			Command: compiler.Command{Dir: cfg.Root},
		},
		State:  store,
		Policy: cfg.Server.Policy(),
		Jobs:   cfg.Server.Jobs,
		Logger: logger,
		Tracer: tracer,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("scheduler ready", "projects", len(ws.Names()), "cache", disk.Dir(), "policy", cfg.Server.OnDependencyFailure)
	return sched, store, nil
}
