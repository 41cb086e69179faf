// Package compiler defines the contract between the compile server core and
// the tool that actually compiles a project, plus two backends.
//
// A backend reports diagnostics through a diag.Reporter as it finds them and
// returns the produced artifacts. Compilation errors are data: a backend that
// found errors still returns a nil error. A non-nil error means the
// invocation itself could not complete (tool missing, IO failure, context
// cancelled) and the run is treated as aborted.
package compiler

import (
	"context"

	"buildd/internal/diag"
	"buildd/internal/project"
)

// Artifacts references the output of a successful compilation.
type Artifacts struct {
	Dir    string
	Digest project.Digest
	Files  []string // relative to Dir, sorted
}

// Dependency is one entry of the classpath handed to a backend.
type Dependency struct {
	Name      string
	Succeeded bool
	Artifacts *Artifacts // best-effort: last successful output, nil if none
}

// Input describes one invocation. Sources are snapshots taken when the
// request was fingerprinted; backends must not re-read the files.
type Input struct {
	Project      *project.Project
	Sources      []project.SourceSnapshot
	Dependencies []Dependency
	Previous     *Artifacts
}

// Output is what a backend hands back when the invocation completed.
// Artifacts is nil when the run reported errors.
type Output struct {
	Artifacts *Artifacts
}

// Compiler compiles one project snapshot.
type Compiler interface {
	Compile(ctx context.Context, in *Input, r diag.Reporter) (Output, error)
}

// Func adapts a function to Compiler.
type Func func(ctx context.Context, in *Input, r diag.Reporter) (Output, error)

func (f Func) Compile(ctx context.Context, in *Input, r diag.Reporter) (Output, error) {
	return f(ctx, in, r)
}

// Select routes projects with a configured command to Command and everything
// else to Builtin.
type Select struct {
	Builtin Compiler
	Command Compiler
}

func (s Select) Compile(ctx context.Context, in *Input, r diag.Reporter) (Output, error) {
	if in != nil && in.Project != nil && len(in.Project.Command) > 0 && s.Command != nil {
		return s.Command.Compile(ctx, in, r)
	}
	return s.Builtin.Compile(ctx, in, r)
}
