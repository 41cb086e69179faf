package trace

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Tracer receives trace events. Implementations are goroutine-safe.
type Tracer interface {
	Emit(ev *Event)
	Flush() error
	Close() error
	Level() Level
	Enabled() bool
}

// StorageMode says where a server keeps its trace.
type StorageMode uint8

const (
	ModeStream StorageMode = iota + 1 // write to --trace as events happen
	ModeRing                          // keep recent events for buildd/trace
	ModeBoth
)

func (m StorageMode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModeRing:
		return "ring"
	case ModeBoth:
		return "both"
	}
	return "unknown"
}

func ParseMode(s string) (StorageMode, error) {
	switch strings.ToLower(s) {
	case "stream":
		return ModeStream, nil
	case "ring":
		return ModeRing, nil
	case "both":
		return ModeBoth, nil
	}
	return ModeRing, fmt.Errorf("invalid storage mode: %q (expected: stream|ring|both)", s)
}

// Config describes the tracer of one buildd process.
type Config struct {
	Level      Level
	Mode       StorageMode
	Format     Format    // FormatAuto picks by OutputPath extension
	Output     io.Writer // overrides OutputPath
	OutputPath string    // "-" or "" is stderr
	RingSize   int
}

// New builds the tracer for cfg. The ring is returned separately, nil unless
// the mode keeps one, so the server can serve it.
func New(cfg Config) (Tracer, *Ring, error) {
	if cfg.Level == LevelOff {
		return Nop, nil, nil
	}
	var stream, ring Tracer
	var r *Ring
	if cfg.Mode == ModeRing || cfg.Mode == ModeBoth {
		r = NewRing(cfg.RingSize, cfg.Level)
		ring = r
	}
	if cfg.Mode == ModeStream || cfg.Mode == ModeBoth {
		w, err := openOutput(cfg)
		if err != nil {
			return nil, nil, err
		}
		stream = NewStreamTracer(w, cfg.Level, pickFormat(cfg))
	}
	switch {
	case stream != nil && ring != nil:
		return NewMulti(cfg.Level, stream, ring), r, nil
	case stream != nil:
		return stream, nil, nil
	case ring != nil:
		return ring, r, nil
	}
	return nil, nil, fmt.Errorf("unknown storage mode: %v", cfg.Mode)
}

func pickFormat(cfg Config) Format {
	if cfg.Format != FormatAuto {
		return cfg.Format
	}
	if strings.HasSuffix(cfg.OutputPath, ".ndjson") || strings.HasSuffix(cfg.OutputPath, ".json") {
		return FormatNDJSON
	}
	return FormatText
}

func openOutput(cfg Config) (io.Writer, error) {
	if cfg.Output != nil {
		return cfg.Output, nil
	}
	if cfg.OutputPath == "" || cfg.OutputPath == "-" {
		// Close на трейсере не должен закрывать stderr
		return struct{ io.Writer }{os.Stderr}, nil
	}
	f, err := os.Create(cfg.OutputPath) // #nosec G304 -- path from --trace flag
	if err != nil {
		return nil, fmt.Errorf("failed to open trace output: %w", err)
	}
	return f, nil
}
