package trace

import "errors"

// multi fans events out to several tracers.
type multi struct {
	tracers []Tracer
	level   Level
}

// NewMulti combines tracers under one level.
func NewMulti(level Level, tracers ...Tracer) Tracer {
	return &multi{tracers: tracers, level: level}
}

func (m *multi) Emit(ev *Event) {
	for _, t := range m.tracers {
		cp := *ev
		t.Emit(&cp)
	}
}

func (m *multi) Flush() error {
	var errs []error
	for _, t := range m.tracers {
		errs = append(errs, t.Flush())
	}
	return errors.Join(errs...)
}

func (m *multi) Close() error {
	var errs []error
	for _, t := range m.tracers {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}

func (m *multi) Level() Level  { return m.level }
func (m *multi) Enabled() bool { return m.level > LevelOff }
