package trace

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Format is the encoding of a stream sink.
type Format uint8

const (
	FormatAuto   Format = iota // pick by output path
	FormatText                 // one readable line per event
	FormatNDJSON               // Event as JSON per line
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return FormatAuto, nil
	case "text":
		return FormatText, nil
	case "ndjson", "json":
		return FormatNDJSON, nil
	}
	return FormatAuto, fmt.Errorf("invalid trace format: %q (expected: auto|text|ndjson)", s)
}

// FormatEvent encodes ev as one line.
func FormatEvent(ev *Event, format Format) []byte {
	if format == FormatNDJSON {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil
		}
		return append(data, '\n')
	}
	return []byte(formatText(ev))
}

// formatText:
//
//	15:04:05.000 [unit] ← unit app@1a2b3c4d5e6f unit=7f0c.. 12ms (compiled app) {status=succeeded}
func formatText(ev *Event) string {
	var sb strings.Builder
	sb.WriteString(ev.Time.Format("15:04:05.000"))
	fmt.Fprintf(&sb, " [%s] ", ev.Scope)
	if ev.ParentID > 0 {
		sb.WriteString("  ")
	}
	switch ev.Kind {
	case KindBegin:
		sb.WriteString("→ ")
	case KindEnd:
		sb.WriteString("← ")
	case KindPoint:
		sb.WriteString("• ")
	case KindHeartbeat:
		sb.WriteString("♡ ")
	}
	sb.WriteString(ev.Name)
	if ev.Project != "" {
		sb.WriteString(" ")
		sb.WriteString(ev.Project)
		if ev.Fingerprint != "" {
			sb.WriteString("@")
			sb.WriteString(ev.Fingerprint)
		}
	}
	if ev.Unit != "" {
		fmt.Fprintf(&sb, " unit=%s", shortUnit(ev.Unit))
	}
	if ev.Kind == KindEnd {
		fmt.Fprintf(&sb, " %s", ev.Elapsed.Round(time.Microsecond))
	}
	if ev.Detail != "" {
		fmt.Fprintf(&sb, " (%s)", ev.Detail)
	}
	if len(ev.Extra) > 0 {
		keys := make([]string, 0, len(ev.Extra))
		for k := range ev.Extra {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%s", k, ev.Extra[k])
		}
		sb.WriteString("}")
	}
	sb.WriteString("\n")
	return sb.String()
}

// uuid ids are long; eight characters are enough to tell units apart in a log
func shortUnit(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
