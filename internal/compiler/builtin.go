package compiler

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"buildd/internal/diag"
)

// Builtin is the reference backend used when a project has no command.
//
// It "compiles" by copying every source into the output directory and reports
// a diagnostic for each marker line:
//
//	#error <message>
//	#warning <message>
//	#info <message>
//
// The output is promoted only when no error was reported.
type Builtin struct{}

func (Builtin) Compile(ctx context.Context, in *Input, r diag.Reporter) (Output, error) {
	if in == nil || in.Project == nil {
		return Output{}, fmt.Errorf("missing compile input")
	}
	stage, err := NewStage(in.Project.OutputDir)
	if err != nil {
		return Output{}, err
	}
	defer stage.Discard()

	var counts diag.Counts
	report := diag.ReporterFunc(func(d diag.Diagnostic) {
		counts.Add(d)
		r.Report(d)
	})

	for _, dep := range in.Dependencies {
		if dep.Artifacts == nil {
			diag.ReportWarning(report, "", diag.Range{}, fmt.Sprintf("dependency %q has no artifacts; compiling without it", dep.Name))
		}
	}

	used := make(map[string]int, len(in.Sources))
	for _, src := range in.Sources {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		scanMarkers(src.Path, src.Content, report)

		name := filepath.Base(src.Path)
		if n := used[name]; n > 0 {
			name = fmt.Sprintf("%d-%s", n, name)
		}
		used[filepath.Base(src.Path)]++
		if err := os.WriteFile(filepath.Join(stage.Dir, name), src.Content, 0o600); err != nil {
			return Output{}, fmt.Errorf("failed to write %q: %w", name, err)
		}
	}
	if err := writeClasspath(stage.Dir, in.Dependencies); err != nil {
		return Output{}, err
	}

	if counts.Errors > 0 {
		return Output{}, nil
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	artifacts, err := stage.Promote()
	if err != nil {
		return Output{}, err
	}
	return Output{Artifacts: artifacts}, nil
}

func scanMarkers(path string, content []byte, r diag.Reporter) {
	sc := bufio.NewScanner(bytes.NewReader(content))
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		trimmed := strings.TrimSpace(text)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		word, msg, _ := strings.Cut(trimmed[1:], " ")
		sev, err := diag.ParseSeverity(word)
		if err != nil {
			continue
		}
		col := strings.Index(text, "#") + 1
		pos, err := diag.NewPosition(line, col)
		if err != nil {
			continue
		}
		end, err := diag.NewPosition(line, col+len(trimmed))
		if err != nil {
			end = pos
		}
		r.Report(diag.Diagnostic{
			File:     path,
			Range:    diag.Range{Start: pos, End: end},
			Severity: sev,
			Message:  strings.TrimSpace(msg),
		})
	}
}

func writeClasspath(dir string, deps []Dependency) error {
	if len(deps) == 0 {
		return nil
	}
	var b strings.Builder
	for _, dep := range deps {
		if dep.Artifacts == nil {
			continue
		}
		fmt.Fprintf(&b, "%s %s %s\n", dep.Name, dep.Artifacts.Digest.Short(), dep.Artifacts.Dir)
	}
	return os.WriteFile(filepath.Join(dir, ".classpath"), []byte(b.String()), 0o600)
}
