package guardian

import (
	"fmt"
	"sort"
	"time"
)

// A Scope identifies which of the two monitors observed a value.
type Scope int

const (
	// PerProcess is the scope of the monitor watching this process alone.
	PerProcess Scope = iota
	// Aggregate is the scope of the monitor watching all workers on the host.
	Aggregate
)

func (s Scope) String() string {
	if s == Aggregate {
		return "aggregate"
	}
	return "process"
}

// A SampleResult is a single observation of a process' resident memory.
type SampleResult struct {
	PID        int
	ResidentKB uint64
	Taken      time.Time
}

// A PIDSet is a set of process IDs.
type PIDSet map[int]struct{}

// NewPIDSet returns a set containing the given PIDs.
func NewPIDSet(pids ...int) PIDSet {
	s := make(PIDSet, len(pids))
	for _, pid := range pids {
		s[pid] = struct{}{}
	}
	return s
}

// Sorted returns the PIDs in ascending order.
func (s PIDSet) Sorted() []int {
	pids := make([]int, 0, len(s))
	for pid := range s {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// An AggregateSample is the combined resident memory of a set of worker processes.
type AggregateSample struct {
	PIDs    PIDSet
	TotalKB uint64
}

// A BreachEvent describes a limit being exceeded.
type BreachEvent struct {
	Scope      Scope
	ObservedKB uint64
	LimitKB    uint64
	// PID is the process that detected the breach.
	PID int
	// PIDs are the workers contributing to an aggregate breach.
	PIDs PIDSet
	Job  string
}

// Message returns the human-readable alert for this event.
func (b BreachEvent) Message() string {
	if b.Scope == Aggregate {
		return fmt.Sprintf("Aggregated memory sum of workers exceeds memory threshold (%d KB > %d KB); PIDs: %v\nSource of alert: job %s on worker %d", b.ObservedKB, b.LimitKB, b.PIDs.Sorted(), b.Job, b.PID)
	}
	return fmt.Sprintf("worker (pid: %d) with job %s exceeds memory threshold (%d KB > %d KB)", b.PID, b.Job, b.ObservedKB, b.LimitKB)
}

// Exceeds returns true if the observed value breaches the given limit.
// A value equal to the limit is not a breach.
func Exceeds(observedKB, limitKB uint64) bool {
	return observedKB > limitKB
}
