package scheduler

import (
	"sync/atomic"
)

// LoopState represents the current state of the event loop.
//
// State machine:
//
//	StateAwake → StateRunning                [Run]
//	StateRunning ⇄ StateSleeping             [sleep/wake]
//	StateRunning|StateSleeping → StateTerminating [Shutdown / ctx cancel]
//	StateAwake → StateTerminated             [Shutdown before Run]
//	StateTerminating → StateTerminated       [drain complete]
//
// Temporary transitions (Running, Sleeping) use TryTransition (CAS);
// Terminated is stored unconditionally once the drain completes.
type LoopState uint32

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = iota
	// StateRunning indicates the loop is actively processing work.
	StateRunning
	// StateSleeping indicates the loop is blocked waiting for work or timers.
	StateSleeping
	// StateTerminating indicates shutdown has been requested but the final
	// drain has not completed.
	StateTerminating
	// StateTerminated indicates the loop has fully stopped.
	StateTerminated
)

// String returns a human-readable state name.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// loopState is an atomic wrapper over LoopState.
type loopState struct {
	v atomic.Uint32
}

// Load returns the current state.
func (s *loopState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store unconditionally sets the state. Reserved for irreversible
// transitions (Terminated).
func (s *loopState) Store(state LoopState) {
	s.v.Store(uint32(state))
}

// TryTransition atomically moves from one state to another, reporting
// whether the transition happened.
func (s *loopState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
