package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"buildd/internal/compile"
	"buildd/internal/diag"
	"buildd/internal/diagfmt"
	"buildd/internal/project"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newManifest(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", filepath.Join(root, "xdg"))
	writeFile(t, filepath.Join(root, "lib", "a.txt"), "code\n  #warning lib is old\n")
	writeFile(t, filepath.Join(root, "app", "main.txt"), "main\n")
	path := filepath.Join(root, "buildd.toml")
	writeFile(t, path, `
[server]
cache_dir = "cache"

[[project]]
name = "lib"
sources = ["lib/*.txt"]

[[project]]
name = "app"
sources = ["app/main.txt"]
dependencies = ["lib"]
`)
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func compileArgs(manifest string, extra ...string) []string {
	args := []string{"--manifest", manifest, "--color", "off", "compile", "--local", "--ui", "off", "--format", "pretty"}
	return append(args, extra...)
}

func TestCompileCommandInProcess(t *testing.T) {
	manifest := newManifest(t)

	out, err := execute(t, compileArgs(manifest)...)
	if err != nil {
		t.Fatalf("compile: %v\n%s", err, out)
	}
	for _, want := range []string{
		filepath.Join("lib", "a.txt") + ":2:3: warning: lib is old",
		"    2 |   #warning lib is old",
		"lib: compiled lib (0 errors, 1 warnings)",
		"app: compiled app (0 errors, 0 warnings)",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output misses %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "warning: lib is old") != 1 {
		t.Fatalf("dependency diagnostics printed twice:\n%s", out)
	}

	out, err = execute(t, "--manifest", manifest, "--color", "off", "diagnostics", "--local", "--format", "pretty", "lib")
	if err != nil || !strings.Contains(out, "warning: lib is old") {
		t.Fatalf("diagnostics: %v\n%s", err, out)
	}

	// state survives the in-process server
	out, err = execute(t, compileArgs(manifest, "app")...)
	if err != nil {
		t.Fatalf("second compile: %v", err)
	}
	if !strings.Contains(out, "app: no-op compilation") {
		t.Fatalf("second compile was not a no-op:\n%s", out)
	}

	out, err = execute(t, "--manifest", manifest, "clean")
	if err != nil || !strings.Contains(out, "dropped state in") {
		t.Fatalf("clean: %v\n%s", err, out)
	}
	out, err = execute(t, compileArgs(manifest, "app")...)
	if err != nil || !strings.Contains(out, "app: compiled app") {
		t.Fatalf("compile after clean: %v\n%s", err, out)
	}
}

func TestCompileCommandJSONAndUnknownTarget(t *testing.T) {
	manifest := newManifest(t)

	args := []string{"--manifest", manifest, "compile", "--local", "--ui", "off", "--format", "json", "lib", "nope"}
	out, err := execute(t, args...)
	if err == nil {
		t.Fatalf("unknown target did not fail the command")
	}
	var outputs []diagfmt.DiagnosticsOutput
	if err := json.Unmarshal([]byte(out), &outputs); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	var lib, nope *diagfmt.DiagnosticsOutput
	for i := range outputs {
		switch outputs[i].Project {
		case "lib":
			lib = &outputs[i]
		case "nope":
			nope = &outputs[i]
		}
	}
	if lib == nil || lib.Warnings != 1 || lib.Status != "succeeded" {
		t.Fatalf("lib output %+v", lib)
	}
	if nope == nil || nope.Error == "" {
		t.Fatalf("missing error for unknown target: %+v", outputs)
	}
}

func TestProjectsCommand(t *testing.T) {
	manifest := newManifest(t)
	out, err := execute(t, "--manifest", manifest, "projects")
	if err != nil {
		t.Fatalf("projects: %v", err)
	}
	want := "batch 0\n  lib (1 sources)\nbatch 1\n  app (1 sources) <- lib\n"
	if out != want {
		t.Fatalf("projects output:\n%q\nwant:\n%q", out, want)
	}
}

func TestTraceCommandWithoutRing(t *testing.T) {
	manifest := newManifest(t)
	out, err := execute(t, "--manifest", manifest, "trace", "--local", "app")
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if !strings.Contains(out, "tracing is off on the in-process server") {
		t.Fatalf("trace output:\n%s", out)
	}
	if _, err := execute(t, "--manifest", manifest, "trace", "--local", "--format", "yaml"); err == nil {
		t.Fatalf("invalid format accepted")
	}
}

func TestVersionCommandJSON(t *testing.T) {
	out, err := execute(t, "version", "--format", "json", "--hash")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var payload versionPayload
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Tool != "buildd" || payload.GitCommit != "unknown" {
		t.Fatalf("payload %+v", payload)
	}
}

func TestMissingManifest(t *testing.T) {
	_, err := execute(t, "--manifest", filepath.Join(t.TempDir(), "buildd.toml"), "projects")
	if err == nil {
		t.Fatalf("missing manifest accepted")
	}
}

func TestReadUIMode(t *testing.T) {
	for in, want := range map[string]uiMode{"": uiModeAuto, "AUTO": uiModeAuto, "on": uiModeOn, " off ": uiModeOff} {
		got, err := readUIMode(in)
		if err != nil || got != want {
			t.Fatalf("readUIMode(%q) = %q %v", in, got, err)
		}
	}
	if _, err := readUIMode("sometimes"); err == nil {
		t.Fatalf("invalid mode accepted")
	}
	if on, err := useColor("on"); err != nil || !on {
		t.Fatalf("useColor(on) = %v %v", on, err)
	}
}

func TestEventLogDeduplicatesUnits(t *testing.T) {
	l := newEventLog()
	warn := diag.Diagnostic{Severity: diag.SevWarning, Message: "old"}
	stream := []compile.Event{
		{Kind: compile.EventStart, Project: "lib", Unit: "u1", Seq: 0},
		{Kind: compile.EventStart, Project: "lib", Unit: "u1", Seq: 0},
		{Kind: compile.EventDiagnostic, Project: "lib", Unit: "u1", Seq: 1, Diagnostic: warn},
		{Kind: compile.EventDiagnostic, Project: "lib", Unit: "u1", Seq: 1, Diagnostic: warn},
		{Kind: compile.EventFinish, Project: "lib", Unit: "u1", Seq: 2, Status: compile.StatusSucceeded},
	}
	for _, ev := range stream {
		l.add(ev)
	}
	p := l.projects["lib"]
	if len(p.diagnostics) != 1 || p.finish == nil {
		t.Fatalf("lib events %+v", p)
	}

	l.add(compile.Event{Kind: compile.EventStart, Project: "lib", Unit: "u2", Seq: 0})
	if p := l.projects["lib"]; len(p.diagnostics) != 0 || p.finish != nil {
		t.Fatalf("new unit kept old events %+v", p)
	}
	if len(l.order) != 1 {
		t.Fatalf("order %v", l.order)
	}
}

func TestFormatPathAndWorkspaceKey(t *testing.T) {
	if got := formatPath("/w", "/w/out/app"); got != filepath.Join("out", "app") {
		t.Fatalf("formatPath = %q", got)
	}
	if got := formatPath("/w", "/elsewhere/app"); got != "/elsewhere/app" {
		t.Fatalf("formatPath outside root = %q", got)
	}
	if workspaceKey("/w/") != workspaceKey("/w") || workspaceKey("/w") == workspaceKey("/v") {
		t.Fatalf("workspace keys are not stable per root")
	}
}

func TestRootTargets(t *testing.T) {
	projects := []project.Project{
		{Name: "app", Dependencies: []string{"lib"}},
		{Name: "lib", Dependencies: []string{"base"}},
		{Name: "base"},
		{Name: "tool"},
	}
	got := rootTargets(projects, []string{"app", "base", "lib", "tool"})
	if strings.Join(got, ",") != "app,tool" {
		t.Fatalf("roots = %v", got)
	}
}
