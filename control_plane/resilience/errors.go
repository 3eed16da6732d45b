package resilience

import (
	"fmt"
)

// TickError reports a tick in which some per-service units failed.
// The tick itself is considered complete; the error is informational.
type TickError struct {
	Tick      string
	Total     int
	Succeeded int
	Failed    int
	Panicked  int
}

func (e *TickError) Error() string {
	return fmt.Sprintf("tick %s partial failure: %d succeeded, %d failed, %d panicked (total: %d)",
		e.Tick, e.Succeeded, e.Failed, e.Panicked, e.Total)
}

// UnitPanic wraps a value recovered from a panicking unit of work.
type UnitPanic struct {
	Unit  string
	Value any
}

func (p *UnitPanic) Error() string {
	return fmt.Sprintf("unit %s panicked: %v", p.Unit, p.Value)
}
