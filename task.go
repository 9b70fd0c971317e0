package scheduler

import (
	"time"
)

// TaskCallback is the unit of work submitted via [Scheduler.PostTask]. Its
// return value fulfils the task's promise; a non-nil error (or a panic,
// wrapped in [PanicError]) rejects it.
type TaskCallback func() (Result, error)

// PostTaskOptions configures a single [Scheduler.PostTask] submission.
type PostTaskOptions struct {
	// Signal optionally associates the task with a cancellation signal.
	// If the signal is a [*TaskSignal], its priority also applies (unless
	// overridden by Priority) and the task follows the signal between
	// priority queues when the signal's priority changes.
	Signal Signal

	// Priority overrides the signal's priority for this task only.
	// The zero value defers to the signal, then to [PriorityUserVisible].
	Priority TaskPriority

	// Delay is the minimum time before the task becomes eligible to run.
	// Negative values are a *[TypeError]; zero means immediately eligible.
	Delay time.Duration
}

// taskOptions is the scheduler-owned snapshot of a submission's options.
type taskOptions struct {
	signal   Signal
	priority TaskPriority
	delay    time.Duration
}

// task is the internal record for one submitted unit of work. Its prev/next
// link fields make it a node of exactly one [taskQueue] at a time; a record
// is pushed exactly once (after any delay elapses), may be moved between
// queues by priority migration, and is taken off its queue exactly once, by
// dispatch.
type task struct {
	callback TaskCallback
	resolve  ResolveFunc
	reject   RejectFunc

	options        taskOptions
	isContinuation bool

	// delayCallback is the pending host callback backing this task's delay
	// timer, nil once the delay has elapsed or been cancelled.
	delayCallback *hostCallback

	// abortListener is the single-shot abort listener installed at
	// submission, detached when the task runs.
	abortListener ListenerID

	// sequenceID is assigned at queue-insertion time; strictly increasing in
	// insertion order across all queues.
	sequenceID uint64

	prev, next *task
}
