package diag

import (
	"fmt"
	"strings"
)

// Severity defines the importance of a diagnostic.
type Severity uint8

const (
	// SevInfo is for informational diagnostics.
	SevInfo Severity = iota
	// SevWarning is for warning diagnostics.
	SevWarning
	SevError
)

func (s Severity) String() string {
	switch s {
	case SevInfo:
		return "INFO"
	case SevWarning:
		return "WARNING"
	case SevError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Label is the lower-case form used in compiler-style output.
func (s Severity) Label() string {
	return strings.ToLower(s.String())
}

// ParseSeverity accepts the spellings compilers commonly print.
func ParseSeverity(value string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "error", "fatal", "err":
		return SevError, nil
	case "warning", "warn":
		return SevWarning, nil
	case "info", "note", "hint":
		return SevInfo, nil
	default:
		return SevInfo, fmt.Errorf("unknown severity %q", value)
	}
}
