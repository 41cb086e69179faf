package compile

import "sync/atomic"

// Stats are cumulative scheduler counters.
type Stats struct {
	UnitsCreated  uint64
	Attaches      uint64 // requests that joined an existing unit
	NoOps         uint64
	CompilerRuns  uint64
	Cancellations uint64
	Timeouts      uint64
	Live          int
}

type counters struct {
	created       atomic.Uint64
	attaches      atomic.Uint64
	noOps         atomic.Uint64
	compilerRuns  atomic.Uint64
	cancellations atomic.Uint64
	timeouts      atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		UnitsCreated:  c.created.Load(),
		Attaches:      c.attaches.Load(),
		NoOps:         c.noOps.Load(),
		CompilerRuns:  c.compilerRuns.Load(),
		Cancellations: c.cancellations.Load(),
		Timeouts:      c.timeouts.Load(),
	}
}
