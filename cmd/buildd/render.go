package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"buildd/internal/bsp"
	"buildd/internal/compile"
	"buildd/internal/diag"
	"buildd/internal/diagfmt"
)

// eventLog collects streamed events per project in arrival order. add is
// called from the client reader goroutine. A project can stream the same
// unit twice (as a target and as a dependency of another target), so
// events are keyed by unit and sequence number.
type eventLog struct {
	mu       sync.Mutex
	order    []string
	projects map[string]*projectEvents
}

type projectEvents struct {
	unit        string
	seen        map[int]bool
	diagnostics []diag.Diagnostic
	finish      *compile.Event
}

func newEventLog() *eventLog {
	return &eventLog{projects: make(map[string]*projectEvents)}
}

func (l *eventLog) add(ev compile.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.projects[ev.Project]
	if !ok {
		p = &projectEvents{}
		l.projects[ev.Project] = p
		l.order = append(l.order, ev.Project)
	}
	if p.unit != ev.Unit {
		*p = projectEvents{unit: ev.Unit, seen: make(map[int]bool)}
	}
	if p.seen[ev.Seq] {
		return
	}
	p.seen[ev.Seq] = true
	switch ev.Kind {
	case compile.EventDiagnostic:
		p.diagnostics = append(p.diagnostics, ev.Diagnostic)
	case compile.EventFinish:
		finish := ev
		p.finish = &finish
	}
}

type renderOptions struct {
	format   string
	pathMode diagfmt.PathMode
	preview  bool
	color    bool
	max      int
	quiet    bool
	root     string
}

func readRenderOptions(cmd *cobra.Command) (renderOptions, error) {
	var opts renderOptions
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return opts, err
	}
	opts.format = strings.ToLower(format)
	if opts.format != "pretty" && opts.format != "json" {
		return opts, fmt.Errorf("unsupported format %q (must be pretty or json)", format)
	}
	pathMode, err := cmd.Flags().GetString("path-mode")
	if err != nil {
		return opts, err
	}
	var ok bool
	if opts.pathMode, ok = diagfmt.ParsePathMode(pathMode); !ok {
		return opts, fmt.Errorf("invalid --path-mode %q (expected auto|absolute|relative|basename)", pathMode)
	}
	if opts.preview, err = cmd.Flags().GetBool("preview"); err != nil {
		return opts, err
	}
	root := cmd.Root().PersistentFlags()
	colorValue, err := root.GetString("color")
	if err != nil {
		return opts, err
	}
	if opts.color, err = useColor(colorValue); err != nil {
		return opts, err
	}
	if opts.max, err = root.GetInt("max-diagnostics"); err != nil {
		return opts, err
	}
	if opts.quiet, err = root.GetBool("quiet"); err != nil {
		return opts, err
	}
	return opts, nil
}

// renderCompile prints diagnostics of every project that reported events,
// then one line per project and per failed request.
func renderCompile(w io.Writer, res bsp.CompileResult, events *eventLog, opts renderOptions) error {
	events.mu.Lock()
	defer events.mu.Unlock()

	if opts.format == "json" {
		outputs := make([]diagfmt.DiagnosticsOutput, 0, len(events.order)+len(res.Results))
		for _, name := range events.order {
			p := events.projects[name]
			out := diagfmt.BuildDiagnosticsOutput(p.diagnostics, diagfmt.JSONOpts{PathMode: opts.pathMode, Root: opts.root, Max: opts.max})
			out.Project = name
			if p.finish != nil {
				out.Status = p.finish.Status.String()
			}
			outputs = append(outputs, out)
		}
		for _, r := range res.Results {
			if r.Error != "" {
				outputs = append(outputs, diagfmt.DiagnosticsOutput{Project: r.Target, Status: r.Status, Error: r.Error, Diagnostics: []diagfmt.DiagnosticJSON{}})
			}
		}
		return diagfmt.JSON(w, outputs)
	}

	pretty := diagfmt.PrettyOpts{Color: opts.color, PathMode: opts.pathMode, Root: opts.root, Preview: opts.preview, Max: opts.max}
	for _, name := range events.order {
		p := events.projects[name]
		if err := diagfmt.Pretty(w, p.diagnostics, pretty); err != nil {
			return err
		}
		if p.finish == nil || (opts.quiet && p.finish.Status == compile.StatusSucceeded) {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", name, p.finish); err != nil {
			return err
		}
	}
	for _, r := range res.Results {
		if r.Error == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: error: %s\n", r.Target, r.Error); err != nil {
			return err
		}
	}
	return nil
}
