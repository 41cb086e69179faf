// Package fingerprint derives the identity of "the compilation that would be
// performed right now" for a project.
//
// Two requests with equal fingerprints are, by definition, the same
// compilation: the fingerprint covers the project name, its output directory
// and compiler command, every source input (path and content digest, in
// declaration order) and the terminal state of every dependency (name,
// fingerprint and outcome, in declaration order).
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/text/unicode/norm"

	"buildd/internal/project"
)

// formatTag is mixed into every fingerprint; bump it when the layout changes.
const formatTag = "buildd-fingerprint/2"

// Fingerprint identifies one compilation.
type Fingerprint project.Digest

// IsZero reports whether f was never computed.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// String returns the hex form.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns a 12 character prefix for logs.
func (f Fingerprint) Short() string {
	return f.String()[:12]
}

// Dependency is the view a dependent gets of one of its dependencies.
// Terminal must be true: fingerprints are only meaningful once upstream work
// has finished.
type Dependency struct {
	Name        string
	Fingerprint Fingerprint
	Status      string
	Terminal    bool
}

// Input is everything Compute looks at.
type Input struct {
	Project      *project.Project
	Sources      []project.SourceSnapshot
	Dependencies []Dependency
}

// InconsistentError reports a dependency that was still running when a
// dependent's fingerprint was requested. Callers treat it as a defect.
type InconsistentError struct {
	Project    string
	Dependency string
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("inconsistent fingerprint: project %q computed while dependency %q is not terminal", e.Project, e.Dependency)
}

// Compute hashes in. The result is stable for the lifetime of the request:
// it only depends on the snapshot values passed in.
func Compute(in Input) (Fingerprint, error) {
	p := in.Project
	if p == nil {
		return Fingerprint{}, fmt.Errorf("missing project")
	}
	if len(in.Sources) != len(p.Sources) {
		return Fingerprint{}, fmt.Errorf("project %q: %d source snapshots for %d sources", p.Name, len(in.Sources), len(p.Sources))
	}
	if len(in.Dependencies) != len(p.Dependencies) {
		return Fingerprint{}, fmt.Errorf("project %q: %d dependency states for %d dependencies", p.Name, len(in.Dependencies), len(p.Dependencies))
	}

	h := sha256.New()
	writeString(h, formatTag)
	writeString(h, norm.NFC.String(p.Name))
	writeString(h, p.OutputDir)
	// пустая команда = встроенный компилятор
	writeCount(h, len(p.Command))
	for _, arg := range p.Command {
		writeString(h, arg)
	}

	writeCount(h, len(in.Sources))
	for i, src := range in.Sources {
		if src.Path != p.Sources[i] {
			return Fingerprint{}, fmt.Errorf("project %q: source #%d is %q, snapshot has %q", p.Name, i+1, p.Sources[i], src.Path)
		}
		writeString(h, norm.NFC.String(src.Path))
		_, _ = h.Write(src.Digest[:])
	}

	writeCount(h, len(in.Dependencies))
	for i, dep := range in.Dependencies {
		if dep.Name != p.Dependencies[i] {
			return Fingerprint{}, fmt.Errorf("project %q: dependency #%d is %q, state has %q", p.Name, i+1, p.Dependencies[i], dep.Name)
		}
		if !dep.Terminal {
			return Fingerprint{}, &InconsistentError{Project: p.Name, Dependency: dep.Name}
		}
		writeString(h, norm.NFC.String(dep.Name))
		_, _ = h.Write(dep.Fingerprint[:])
		writeString(h, dep.Status)
	}

	var out Fingerprint
	copy(out[:], h.Sum(nil))
	return out, nil
}

// length-prefixed so that ("ab","c") and ("a","bc") never collide
func writeString(h hash.Hash, s string) {
	writeCount(h, len(s))
	_, _ = h.Write([]byte(s))
}

func writeCount(h hash.Hash, n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	_, _ = h.Write(buf[:])
}
