// Package config loads buildd.toml: the [server] settings and the
// [[project]] definitions that make up the workspace.
package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"

	"buildd/internal/compile"
	"buildd/internal/project"
)

// StateDir is the per-workspace directory for the socket and default
// outputs.
const StateDir = ".buildd"

// Server holds the [server] section after validation.
type Server struct {
	Listen              string
	Timeout             time.Duration // 0 = callers wait forever
	Jobs                int           // 0 = GOMAXPROCS
	CancelOnLastDetach  bool
	OnDependencyFailure compile.DependencyPolicy
	CacheDir            string // "" = $XDG_CACHE_HOME/buildd
	LogLevel            log.Level
}

// Policy returns the scheduler policy of the section.
func (s Server) Policy() compile.Policy {
	return compile.Policy{
		OnDependencyFailure: s.OnDependencyFailure,
		CancelOnLastDetach:  s.CancelOnLastDetach,
	}
}

// Config is a loaded manifest.
type Config struct {
	Path     string
	Root     string
	Server   Server
	Projects []project.Project
}

type fileConfig struct {
	Server  serverConfig    `toml:"server"`
	Project []projectConfig `toml:"project"`
}

type serverConfig struct {
	Listen              string `toml:"listen"`
	Timeout             string `toml:"timeout"`
	Jobs                int    `toml:"jobs"`
	CancelOnLastDetach  bool   `toml:"cancel_on_last_detach"`
	OnDependencyFailure string `toml:"on_dependency_failure"`
	CacheDir            string `toml:"cache_dir"`
	LogLevel            string `toml:"log_level"`
}

type projectConfig struct {
	Name         string   `toml:"name"`
	Sources      []string `toml:"sources"`
	Dependencies []string `toml:"dependencies"`
	Output       string   `toml:"output"`
	Command      []string `toml:"command"`
}

// DefaultListen is the socket a workspace server listens on when the
// manifest does not say.
func DefaultListen(root string) string {
	return "unix:" + filepath.Join(root, StateDir, "buildd.sock")
}

// Find walks up from startDir to buildd.toml and loads it.
func Find(startDir string) (*Config, bool, error) {
	path, ok, err := project.FindManifest(startDir)
	if err != nil || !ok {
		return nil, ok, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, true, err
	}
	return cfg, true, nil
}

// Load reads and validates the manifest at path. Relative paths inside it
// are resolved against its directory.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	var raw fileConfig
	meta, err := toml.DecodeFile(abs, &raw)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", abs, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", abs, strings.Join(keys, ", "))
	}
	if !meta.IsDefined("project") || len(raw.Project) == 0 {
		return nil, fmt.Errorf("%s: missing [[project]]", abs)
	}

	cfg := &Config{Path: abs, Root: filepath.Dir(abs)}
	if cfg.Server, err = parseServer(cfg.Root, meta, raw.Server); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	for i, pc := range raw.Project {
		p, err := resolveProject(cfg.Root, pc)
		if err != nil {
			return nil, fmt.Errorf("%s: project #%d: %w", abs, i+1, err)
		}
		cfg.Projects = append(cfg.Projects, p)
	}
	// имена и зависимости проверяет Workspace
	if _, err := project.NewWorkspace(cfg.Projects); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	return cfg, nil
}

func parseServer(root string, meta toml.MetaData, sc serverConfig) (Server, error) {
	s := Server{
		Listen:             strings.TrimSpace(sc.Listen),
		Jobs:               sc.Jobs,
		CancelOnLastDetach: sc.CancelOnLastDetach,
		CacheDir:           sc.CacheDir,
		LogLevel:           log.InfoLevel,
	}
	if s.Listen == "" {
		s.Listen = DefaultListen(root)
	}
	if meta.IsDefined("server", "timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(sc.Timeout))
		if err != nil {
			return Server{}, fmt.Errorf("[server].timeout: %w", err)
		}
		if d < 0 {
			return Server{}, fmt.Errorf("[server].timeout must not be negative")
		}
		s.Timeout = d
	}
	if s.Jobs < 0 {
		return Server{}, fmt.Errorf("[server].jobs must not be negative")
	}
	policy, err := compile.ParseDependencyPolicy(sc.OnDependencyFailure)
	if err != nil {
		return Server{}, fmt.Errorf("[server].on_dependency_failure: %w", err)
	}
	s.OnDependencyFailure = policy
	if meta.IsDefined("server", "log_level") {
		level, err := log.ParseLevel(sc.LogLevel)
		if err != nil {
			return Server{}, fmt.Errorf("[server].log_level: %w", err)
		}
		s.LogLevel = level
	}
	if s.CacheDir != "" && !filepath.IsAbs(s.CacheDir) {
		s.CacheDir = filepath.Join(root, s.CacheDir)
	}
	return s, nil
}

func resolveProject(root string, pc projectConfig) (project.Project, error) {
	name := strings.TrimSpace(pc.Name)
	if name == "" {
		return project.Project{}, fmt.Errorf("missing name")
	}
	p := project.Project{
		Name:         name,
		Dependencies: pc.Dependencies,
		Command:      pc.Command,
	}
	for _, pattern := range pc.Sources {
		paths, err := expandSource(root, pattern)
		if err != nil {
			return project.Project{}, fmt.Errorf("%s: %w", name, err)
		}
		p.Sources = append(p.Sources, paths...)
	}
	switch out := strings.TrimSpace(pc.Output); {
	case out == "":
		p.OutputDir = filepath.Join(root, StateDir, "out", name)
	case filepath.IsAbs(out):
		p.OutputDir = filepath.Clean(out)
	default:
		p.OutputDir = filepath.Join(root, filepath.FromSlash(out))
	}
	if len(p.Command) > 0 && strings.TrimSpace(p.Command[0]) == "" {
		return project.Project{}, fmt.Errorf("%s: empty command", name)
	}
	return p, nil
}

// expandSource resolves one sources entry. Literal paths are kept even when
// missing (the compile request reports them); a glob must match something.
func expandSource(root, pattern string) ([]string, error) {
	path := filepath.FromSlash(pattern)
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return []string{path}, nil
	}
	matches, err := filepath.Glob(path)
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("pattern %q matches no files", pattern)
	}
	sort.Strings(matches)
	return matches, nil
}

// Workspace builds the workspace for the loaded projects.
func (c *Config) Workspace() (*project.Workspace, error) {
	return project.NewWorkspace(c.Projects)
}
