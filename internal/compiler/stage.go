package compiler

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"buildd/internal/project"
)

// promotion into one output dir is serialized; runs with different
// fingerprints of the same project may finish together
var promoteLocks sync.Map // dir -> *sync.Mutex

// Stage is a scratch directory next to the output dir. Nothing a run writes
// is visible in the output dir until Promote, so a failed run leaves the
// previous artifacts untouched.
type Stage struct {
	outputDir string
	Dir       string
	done      bool
}

// NewStage creates a fresh staging directory for outputDir.
func NewStage(outputDir string) (*Stage, error) {
	if outputDir == "" {
		return nil, fmt.Errorf("missing output dir")
	}
	parent := filepath.Dir(outputDir)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create output parent: %w", err)
	}
	dir, err := os.MkdirTemp(parent, "."+filepath.Base(outputDir)+".staging-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	return &Stage{outputDir: outputDir, Dir: dir}, nil
}

// Discard removes the staging directory. Safe to call after Promote.
func (s *Stage) Discard() {
	if s == nil || s.done {
		return
	}
	s.done = true
	_ = os.RemoveAll(s.Dir)
}

// Promote atomically replaces the output dir with the staged content.
func (s *Stage) Promote() (*Artifacts, error) {
	if s == nil || s.done {
		return nil, fmt.Errorf("stage already finished")
	}
	lockAny, _ := promoteLocks.LoadOrStore(s.outputDir, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	backup := ""
	if _, err := os.Stat(s.outputDir); err == nil {
		backup = s.Dir + ".old"
		if err := os.Rename(s.outputDir, backup); err != nil {
			return nil, fmt.Errorf("failed to move previous output aside: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := os.Rename(s.Dir, s.outputDir); err != nil {
		if backup != "" {
			_ = os.Rename(backup, s.outputDir)
		}
		return nil, fmt.Errorf("failed to promote staged output: %w", err)
	}
	s.done = true
	if backup != "" {
		_ = os.RemoveAll(backup)
	}
	return ScanArtifacts(s.outputDir)
}

// ScanArtifacts describes the files currently in dir.
func ScanArtifacts(dir string) (*Artifacts, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan artifacts: %w", err)
	}
	sort.Strings(files)

	digests := make([]project.Digest, 0, len(files)*2)
	for _, rel := range files {
		// #nosec G304 -- path comes from walking our own output dir
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		digests = append(digests, project.DigestBytes([]byte(rel)), project.DigestBytes(data))
	}
	return &Artifacts{
		Dir:    dir,
		Digest: project.Combine(project.Digest{}, digests...),
		Files:  files,
	}, nil
}
