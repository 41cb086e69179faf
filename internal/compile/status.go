package compile

import "fmt"

// Status is the state of a compile unit.
type Status uint8

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// pending -> running -> {succeeded, failed}; pending|running -> cancelled
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusCancelled},
}

// validateTransition returns an error when from -> to is not an edge of the
// unit state machine.
func validateTransition(from, to Status) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid unit transition %s -> %s", from, to)
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (Status, error) {
	for st := StatusPending; st <= StatusCancelled; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return StatusPending, fmt.Errorf("unknown unit status %q", s)
}
