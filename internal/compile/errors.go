package compile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"buildd/internal/project"
)

var (
	// ErrTimedOut is returned to a caller whose own wait deadline passed.
	// The unit keeps running.
	ErrTimedOut = fmt.Errorf("compile timed out: %w", context.DeadlineExceeded)
	// ErrCancelled is returned to a caller that cancelled its own handle.
	ErrCancelled = errors.New("compile request cancelled")
	// ErrUnitCancelled is returned when the unit itself was aborted.
	ErrUnitCancelled = errors.New("compilation cancelled")
	// ErrDependencyCycle is matched by every *CycleError.
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrUnknownProject is the workspace sentinel, re-exported for callers.
	ErrUnknownProject = project.ErrUnknownProject
	// ErrClosed is returned by a scheduler that was shut down.
	ErrClosed = errors.New("scheduler closed")
)

// CycleError names the projects that could not be ordered.
type CycleError struct {
	Project string
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cannot compile %s: dependency cycle between %s", e.Project, strings.Join(e.Members, ", "))
}

func (e *CycleError) Is(target error) bool { return target == ErrDependencyCycle }
