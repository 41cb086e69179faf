package compile

import (
	"fmt"
	"strings"
)

// DependencyPolicy decides what happens to a project whose dependency did
// not succeed.
type DependencyPolicy uint8

const (
	// DependencyContinue compiles the dependent anyway against the last
	// successful artifacts of the dependency, if any.
	DependencyContinue DependencyPolicy = iota
	// DependencyFail fails the dependent without invoking the compiler.
	DependencyFail
)

func (p DependencyPolicy) String() string {
	if p == DependencyFail {
		return "fail"
	}
	return "continue"
}

// ParseDependencyPolicy accepts "continue" and "fail".
func ParseDependencyPolicy(s string) (DependencyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continue":
		return DependencyContinue, nil
	case "fail":
		return DependencyFail, nil
	}
	return DependencyContinue, fmt.Errorf("invalid dependency policy %q (expected: continue|fail)", s)
}

// Policy is the execution policy of a scheduler.
type Policy struct {
	OnDependencyFailure DependencyPolicy
	// CancelOnLastDetach aborts a unit when its last attached caller
	// cancels explicitly. Timeouts never count as a detach.
	CancelOnLastDetach bool
}
