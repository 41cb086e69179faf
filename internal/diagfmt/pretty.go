// Package diagfmt renders compile diagnostics for terminals and tools.
package diagfmt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"buildd/internal/diag"
)

// Pretty печатает диагностики в виде
//
//	<path>:<line>:<col>: <sev> [<code>]: <message>
//
// и, если включён Preview, строку исходника с подчёркиванием ^~~~ по Range.
func Pretty(w io.Writer, items []diag.Diagnostic, opts PrettyOpts) error {
	p := newPalette(opts.Color)
	shown := items
	if opts.Max > 0 && len(shown) > opts.Max {
		shown = shown[:opts.Max]
	}
	lines := newLineCache()
	for _, d := range shown {
		if _, err := fmt.Fprintln(w, formatHeader(d, opts, p)); err != nil {
			return err
		}
		if !opts.Preview || d.File == "" || d.Range.Start.Line == 0 {
			continue
		}
		text, ok := lines.line(d.File, d.Range.Start.Line)
		if !ok {
			continue
		}
		gutter := fmt.Sprintf("%5d | ", d.Range.Start.Line)
		if _, err := fmt.Fprintf(w, "%s%s\n", p.gutter.Sprint(gutter), text); err != nil {
			return err
		}
		marker := underline(text, d.Range)
		if _, err := fmt.Fprintf(w, "%s%s\n", p.gutter.Sprint(strings.Repeat(" ", len(gutter)-2)+"| "), p.sev(d.Severity).Sprint(marker)); err != nil {
			return err
		}
	}
	if hidden := len(items) - len(shown); hidden > 0 {
		if _, err := fmt.Fprintf(w, "... %d more diagnostics not shown\n", hidden); err != nil {
			return err
		}
	}
	return nil
}

func formatHeader(d diag.Diagnostic, opts PrettyOpts, p palette) string {
	loc := displayPath(d.File, opts.PathMode, opts.Root)
	if loc == "" {
		loc = "<unknown>"
	}
	if d.Range.Start.Line > 0 {
		loc = fmt.Sprintf("%s:%d", loc, d.Range.Start.Line)
		if d.Range.Start.Column > 0 {
			loc = fmt.Sprintf("%s:%d", loc, d.Range.Start.Column)
		}
	}
	sev := d.Severity.Label()
	if d.Code != "" {
		sev = fmt.Sprintf("%s [%s]", sev, d.Code)
	}
	return fmt.Sprintf("%s: %s: %s", p.path.Sprint(loc), p.sev(d.Severity).Sprint(sev), d.Message)
}

// underline строит маркер под строкой: ^ в начале диапазона и ~ до его конца.
func underline(text string, r diag.Range) string {
	col := int(r.Start.Column)
	if col < 1 {
		col = 1
	}
	prefix := text
	if col-1 < len(prefix) {
		prefix = prefix[:col-1]
	}
	// табы оставляем табами, чтобы маркер совпал с исходником
	var pad strings.Builder
	for _, ch := range prefix {
		if ch == '\t' {
			pad.WriteByte('\t')
			continue
		}
		pad.WriteString(strings.Repeat(" ", runewidth.RuneWidth(ch)))
	}
	width := 1
	if r.End.Line == r.Start.Line && r.End.Column > r.Start.Column {
		width = int(r.End.Column - r.Start.Column)
	}
	return pad.String() + "^" + strings.Repeat("~", width-1)
}

func displayPath(path string, mode PathMode, root string) string {
	if path == "" {
		return ""
	}
	switch mode {
	case PathModeAbsolute:
		if abs, err := filepath.Abs(path); err == nil {
			return abs
		}
		return path
	case PathModeBasename:
		return filepath.Base(path)
	case PathModeRelative:
		if root == "" {
			return path
		}
		if rel, err := filepath.Rel(root, path); err == nil {
			return rel
		}
		return path
	default:
		if root == "" || !filepath.IsAbs(path) {
			return path
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return path
		}
		return rel
	}
}

type palette struct {
	path   *color.Color
	gutter *color.Color
	err    *color.Color
	warn   *color.Color
	info   *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		path:   color.New(color.Bold),
		gutter: color.New(color.FgBlue),
		err:    color.New(color.FgRed, color.Bold),
		warn:   color.New(color.FgYellow, color.Bold),
		info:   color.New(color.FgCyan),
	}
	for _, c := range []*color.Color{p.path, p.gutter, p.err, p.warn, p.info} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) sev(s diag.Severity) *color.Color {
	switch s {
	case diag.SevError:
		return p.err
	case diag.SevWarning:
		return p.warn
	}
	return p.info
}

// lineCache reads each file at most once per Pretty call.
type lineCache struct {
	files map[string][]string
}

func newLineCache() *lineCache {
	return &lineCache{files: make(map[string][]string)}
}

func (c *lineCache) line(path string, n uint32) (string, bool) {
	lines, ok := c.files[path]
	if !ok {
		lines = readLines(path)
		c.files[path] = lines
	}
	if n == 0 || int(n) > len(lines) {
		return "", false
	}
	return lines[n-1], true
}

func readLines(path string) []string {
	f, err := os.Open(path) // #nosec G304 -- path comes from a compiler diagnostic
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}
