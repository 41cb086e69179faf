package diagfmt

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"buildd/internal/diag"
)

func sample(t *testing.T) (string, []diag.Diagnostic) {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "src", "main.txt")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("first\nlet x = broken\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return root, []diag.Diagnostic{
		{
			File:     path,
			Range:    diag.Range{Start: diag.Position{Line: 2, Column: 9}, End: diag.Position{Line: 2, Column: 15}},
			Severity: diag.SevError,
			Code:     "E1",
			Message:  "broken value",
		},
		{File: path, Severity: diag.SevWarning, Message: "file is old"},
	}
}

func TestPrettyWithPreview(t *testing.T) {
	root, items := sample(t)
	var buf bytes.Buffer
	if err := Pretty(&buf, items, PrettyOpts{Root: root, Preview: true}); err != nil {
		t.Fatalf("pretty: %v", err)
	}
	want := strings.Join([]string{
		filepath.Join("src", "main.txt") + ":2:9: error [E1]: broken value",
		"    2 | let x = broken",
		"      |         ^~~~~~",
		filepath.Join("src", "main.txt") + ": warning: file is old",
		"",
	}, "\n")
	if buf.String() != want {
		t.Fatalf("pretty output:\n%q\nwant:\n%q", buf.String(), want)
	}
}

func TestPrettyMaxAndPathModes(t *testing.T) {
	root, items := sample(t)
	var buf bytes.Buffer
	if err := Pretty(&buf, items, PrettyOpts{PathMode: PathModeBasename, Max: 1}); err != nil {
		t.Fatalf("pretty: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "main.txt:2:9: error") || !strings.Contains(out, "1 more diagnostics not shown") {
		t.Fatalf("output:\n%s", out)
	}

	if got := displayPath(items[0].File, PathModeAuto, filepath.Join(root, "other")); got != items[0].File {
		t.Fatalf("path outside root rewritten: %s", got)
	}
	if got := displayPath(items[0].File, PathModeRelative, filepath.Join(root, "other")); got != filepath.Join("..", "src", "main.txt") {
		t.Fatalf("relative path = %s", got)
	}
	for in, want := range map[string]PathMode{"": PathModeAuto, "absolute": PathModeAbsolute, "basename": PathModeBasename} {
		if got, ok := ParsePathMode(in); !ok || got != want {
			t.Fatalf("ParsePathMode(%q) = %v %v", in, got, ok)
		}
	}
	if _, ok := ParsePathMode("short"); ok {
		t.Fatalf("unknown path mode accepted")
	}
}

func TestUnderlineKeepsTabs(t *testing.T) {
	r := diag.Range{Start: diag.Position{Line: 1, Column: 3}, End: diag.Position{Line: 1, Column: 4}}
	if got := underline("\t\tx", r); got != "\t\t^" {
		t.Fatalf("underline = %q", got)
	}
}

func TestJSONCountsTruncatedItems(t *testing.T) {
	root, items := sample(t)
	out := BuildDiagnosticsOutput(items, JSONOpts{Root: root, Max: 1})
	out.Project = "app"
	if out.Errors != 1 || out.Warnings != 1 || out.Truncated != 1 || len(out.Diagnostics) != 1 {
		t.Fatalf("output %+v", out)
	}
	if loc := out.Diagnostics[0].Location; loc.File != filepath.Join("src", "main.txt") || loc.StartLine != 2 || loc.EndCol != 15 {
		t.Fatalf("location %+v", loc)
	}

	var buf bytes.Buffer
	if err := JSON(&buf, []DiagnosticsOutput{out}); err != nil {
		t.Fatalf("json: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 1 || decoded[0]["project"] != "app" {
		t.Fatalf("decoded %v", decoded)
	}
}
