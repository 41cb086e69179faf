package project

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWorkspaceValidation(t *testing.T) {
	_, err := NewWorkspace([]Project{
		{Name: "app", Dependencies: []string{"lib"}},
	})
	if !errors.Is(err, ErrUnknownProject) {
		t.Fatalf("expected ErrUnknownProject, got %v", err)
	}

	if _, err := NewWorkspace([]Project{{Name: "a"}, {Name: "a"}}); err == nil {
		t.Fatal("expected duplicate project error")
	}
	if _, err := NewWorkspace([]Project{{Name: "a", Dependencies: []string{"a"}}}); err == nil {
		t.Fatal("expected self dependency error")
	}
}

func TestWorkspaceReplaceBumpsGeneration(t *testing.T) {
	ws, err := NewWorkspace([]Project{{Name: "lib"}, {Name: "app", Dependencies: []string{"lib"}}})
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	if ws.Generation() != 1 {
		t.Fatalf("generation = %d, want 1", ws.Generation())
	}
	names := ws.Names()
	if len(names) != 2 || names[0] != "app" || names[1] != "lib" {
		t.Fatalf("names = %v", names)
	}

	p, ok := ws.Project("app")
	if !ok {
		t.Fatal("app missing")
	}
	p.Dependencies[0] = "mutated"
	again, _ := ws.Project("app")
	if again.Dependencies[0] != "lib" {
		t.Fatal("workspace project was mutated through a returned copy")
	}

	if err := ws.Replace([]Project{{Name: "bad", Dependencies: []string{"nope"}}}); err == nil {
		t.Fatal("expected replace to fail")
	}
	if ws.Generation() != 1 {
		t.Fatal("failed replace must keep previous generation")
	}
	if err := ws.Replace([]Project{{Name: "lib"}}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if ws.Generation() != 2 {
		t.Fatalf("generation = %d, want 2", ws.Generation())
	}
}

func TestReadSourcesSnapshotsContent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(a, []byte("alpha"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := &Project{Name: "x", Sources: []string{a}}
	snaps, err := ReadSources(p, nil)
	if err != nil {
		t.Fatalf("ReadSources: %v", err)
	}
	if len(snaps) != 1 || string(snaps[0].Content) != "alpha" {
		t.Fatalf("unexpected snapshot: %+v", snaps)
	}
	if snaps[0].Digest != DigestBytes([]byte("alpha")) {
		t.Fatal("digest mismatch")
	}

	p.Sources = append(p.Sources, filepath.Join(dir, "missing.txt"))
	if _, err := ReadSources(p, nil); err == nil {
		t.Fatal("expected missing source error")
	}
}

func TestFindManifestWalksUp(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ManifestName), []byte(""), 0o600); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o750); err != nil {
		t.Fatal(err)
	}
	got, ok, err := FindManifest(nested)
	if err != nil || !ok {
		t.Fatalf("FindManifest: ok=%v err=%v", ok, err)
	}
	want, _ := filepath.Abs(filepath.Join(root, ManifestName))
	if got != want {
		t.Fatalf("manifest = %q, want %q", got, want)
	}
	if _, ok, err := FindManifest(t.TempDir()); ok || err != nil {
		t.Fatalf("manifest found outside any workspace: ok=%v err=%v", ok, err)
	}
}

func TestCombineIsOrderSensitive(t *testing.T) {
	a := DigestBytes([]byte("a"))
	b := DigestBytes([]byte("b"))
	var base Digest
	if Combine(base, a, b) == Combine(base, b, a) {
		t.Fatal("Combine must depend on dependency order")
	}
	if Combine(base, a, b) != Combine(base, a, b) {
		t.Fatal("Combine must be deterministic")
	}
}
