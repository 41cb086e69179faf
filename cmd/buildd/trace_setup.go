package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"buildd/internal/compile"
	"buildd/internal/trace"
)

// tracing is the tracer of one command. ring is non-nil when the trace mode
// keeps recent events; a server serves them through buildd/trace.
type tracing struct {
	tracer   trace.Tracer
	ring     *trace.Ring
	interval time.Duration
	beat     *trace.Heartbeat
	errOut   io.Writer
}

// setupTracing inspects trace-related flags and initializes the tracer.
// The tracer is also attached to the command context.
func setupTracing(cmd *cobra.Command) (*tracing, error) {
	pf := cmd.Root().PersistentFlags()

	traceOutput, err := pf.GetString("trace")
	if err != nil {
		return nil, fmt.Errorf("failed to get trace flag: %w", err)
	}
	levelStr, err := pf.GetString("trace-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get trace-level flag: %w", err)
	}
	modeStr, err := pf.GetString("trace-mode")
	if err != nil {
		return nil, fmt.Errorf("failed to get trace-mode flag: %w", err)
	}
	ringSize, err := pf.GetInt("trace-ring-size")
	if err != nil {
		return nil, fmt.Errorf("failed to get trace-ring-size flag: %w", err)
	}
	interval, err := pf.GetDuration("trace-heartbeat")
	if err != nil {
		return nil, fmt.Errorf("failed to get trace-heartbeat flag: %w", err)
	}

	level, err := trace.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}
	mode, err := trace.ParseMode(modeStr)
	if err != nil {
		return nil, err
	}
	// --trace без уровня включает фазы и пишет поток
	if level == trace.LevelOff && traceOutput != "" {
		level = trace.LevelPhase
	}
	if traceOutput != "" && mode == trace.ModeRing {
		mode = trace.ModeBoth
	}

	tracer, ring, err := trace.New(trace.Config{
		Level:      level,
		Mode:       mode,
		OutputPath: traceOutput,
		RingSize:   ringSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	cmd.SetContext(trace.WithTracer(cmd.Context(), tracer))
	return &tracing{tracer: tracer, ring: ring, interval: interval, errOut: cmd.ErrOrStderr()}, nil
}

// startHeartbeat reports the scheduler counters every --trace-heartbeat.
func (t *tracing) startHeartbeat(sched *compile.Scheduler) {
	t.beat = trace.StartHeartbeat(t.tracer, t.interval, func() string {
		st := sched.Stats()
		return fmt.Sprintf("live=%d units=%d runs=%d noops=%d", st.Live, st.UnitsCreated, st.CompilerRuns, st.NoOps)
	})
}

func (t *tracing) close() {
	t.beat.Stop()
	if err := t.tracer.Flush(); err != nil {
		fmt.Fprintf(t.errOut, "trace: flush error: %v\n", err)
	}
	if err := t.tracer.Close(); err != nil {
		fmt.Fprintf(t.errOut, "trace: close error: %v\n", err)
	}
}
