package scheduler

import (
	"time"
)

// Host is the narrow interface through which the [Scheduler] consumes its
// runtime. It abstracts the three yield primitives the scheduler multiplexes
// over (a message-port round trip, a millisecond timer, and an optional
// idle-time callback), plus microtask scheduling for promise reactions.
//
// [*Loop] is the production implementation. Alternative hosts (e.g. test
// fakes, or an embedding into a foreign event loop) need only honor the
// documented contracts: callbacks run on a single goroutine, one at a time,
// and cancellation prevents a callback that has not yet started.
type Host interface {
	// NewMessageChannel creates an entangled port pair for the message-port
	// yield primitive. A host without this primitive returns nil; the
	// scheduler then falls back to zero-delay timers.
	NewMessageChannel() *MessageChannel

	// ScheduleTimer schedules fn to run on the host thread no earlier than
	// delay from now, returning a cancellation handle.
	ScheduleTimer(delay time.Duration, fn func()) (TimerID, error)

	// CancelTimer cancels a pending timer; [ErrTimerNotFound] if it already
	// fired or never existed.
	CancelTimer(id TimerID) error

	// RequestIdleCallback schedules fn to run when the host is idle.
	// Hosts reporting SupportsIdleCallback() == false may reject this.
	RequestIdleCallback(fn func()) (IdleCallbackID, error)

	// CancelIdleCallback cancels a pending idle callback;
	// [ErrIdleCallbackNotFound] if it already ran or never existed.
	CancelIdleCallback(id IdleCallbackID) error

	// SupportsIdleCallback reports whether the idle-time primitive is
	// available on this host.
	SupportsIdleCallback() bool

	// ScheduleMicrotask schedules fn to run on the host thread before the
	// next macrotask. Used for promise reactions.
	ScheduleMicrotask(fn func()) error
}
