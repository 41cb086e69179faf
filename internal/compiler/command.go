package compiler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"buildd/internal/diag"
)

// Environment handed to external compile commands.
const (
	EnvProject   = "BUILDD_PROJECT"
	EnvOutput    = "BUILDD_OUTPUT"
	EnvSources   = "BUILDD_SOURCES"
	EnvClasspath = "BUILDD_CLASSPATH"
)

// file:line[:col]: severity: message
var diagLine = regexp.MustCompile(`^(.+?):(\d+)(?::(\d+))?:\s*(error|fatal|warning|warn|info|note|hint):\s*(.*)$`)

// Command runs Project.Command as the compiler. The command writes into the
// directory named by BUILDD_OUTPUT (a staging dir) and prints diagnostics on
// stdout or stderr in the common "file:line:col: severity: message" form.
// Lines that do not parse are ignored.
type Command struct {
	// Dir is the working directory for the command; empty means the current one.
	Dir string
	// Env is appended to the server's environment.
	Env []string
}

func (c Command) Compile(ctx context.Context, in *Input, r diag.Reporter) (Output, error) {
	if in == nil || in.Project == nil {
		return Output{}, fmt.Errorf("missing compile input")
	}
	if len(in.Project.Command) == 0 {
		return Output{}, fmt.Errorf("project %q has no command", in.Project.Name)
	}
	stage, err := NewStage(in.Project.OutputDir)
	if err != nil {
		return Output{}, err
	}
	defer stage.Discard()

	// #nosec G204 -- the command comes from the workspace manifest
	cmd := exec.CommandContext(ctx, in.Project.Command[0], in.Project.Command[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env, commandEnv(in, stage.Dir)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Output{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Output{}, err
	}

	dedup := diag.NewDedupReporter(r)
	var (
		mu     sync.Mutex
		counts diag.Counts
	)
	report := diag.ReporterFunc(func(d diag.Diagnostic) {
		mu.Lock()
		counts.Add(d)
		mu.Unlock()
		dedup.Report(d)
	})

	if err := cmd.Start(); err != nil {
		return Output{}, fmt.Errorf("failed to start %q: %w", in.Project.Command[0], err)
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); parseDiagnostics(stdout, report) }()
	go func() { defer wg.Done(); parseDiagnostics(stderr, report) }()
	wg.Wait()
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Output{}, ctxErr
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return Output{}, waitErr
		}
		if counts.Errors == 0 {
			diag.ReportError(report, "", diag.Range{}, fmt.Sprintf("%s exited with status %d", filepath.Base(in.Project.Command[0]), exitErr.ExitCode()))
		}
		return Output{}, nil
	}
	if counts.Errors > 0 {
		return Output{}, nil
	}
	artifacts, err := stage.Promote()
	if err != nil {
		return Output{}, err
	}
	return Output{Artifacts: artifacts}, nil
}

func commandEnv(in *Input, outDir string) []string {
	sources := make([]string, 0, len(in.Sources))
	for _, src := range in.Sources {
		sources = append(sources, src.Path)
	}
	classpath := make([]string, 0, len(in.Dependencies))
	for _, dep := range in.Dependencies {
		if dep.Artifacts != nil {
			classpath = append(classpath, dep.Artifacts.Dir)
		}
	}
	return []string{
		EnvProject + "=" + in.Project.Name,
		EnvOutput + "=" + outDir,
		EnvSources + "=" + strings.Join(sources, string(os.PathListSeparator)),
		EnvClasspath + "=" + strings.Join(classpath, string(os.PathListSeparator)),
	}
}

func parseDiagnostics(rd io.Reader, r diag.Reporter) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if d, ok := ParseDiagnosticLine(sc.Text()); ok {
			r.Report(d)
		}
	}
	// drain whatever is left so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, rd)
}

// ParseDiagnosticLine parses one line of compiler output.
func ParseDiagnosticLine(line string) (diag.Diagnostic, bool) {
	m := diagLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if m == nil {
		return diag.Diagnostic{}, false
	}
	sev, err := diag.ParseSeverity(m[4])
	if err != nil {
		return diag.Diagnostic{}, false
	}
	lineNo, err := strconv.Atoi(m[2])
	if err != nil {
		return diag.Diagnostic{}, false
	}
	col := 0
	if m[3] != "" {
		if col, err = strconv.Atoi(m[3]); err != nil {
			return diag.Diagnostic{}, false
		}
	}
	pos, err := diag.NewPosition(lineNo, col)
	if err != nil {
		return diag.Diagnostic{}, false
	}
	return diag.Diagnostic{
		File:     m[1],
		Range:    diag.PointRange(pos),
		Severity: sev,
		Message:  m[5],
	}, true
}
