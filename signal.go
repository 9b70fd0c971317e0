// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package scheduler

import (
	"sync"
	"sync/atomic"
)

// priorityChangeEventType is the event type dispatched when a task signal's
// priority is mutated via [TaskController.SetPriority].
const priorityChangeEventType = "prioritychange"

// signalIDCounter issues process-unique identities for task signals; the
// scheduler's weak registry is keyed by these rather than by the signals
// themselves.
var signalIDCounter atomic.Uint64

// Signal is the cancellation surface a task submission accepts. It is
// satisfied by [*AbortSignal] and [*TaskSignal].
type Signal interface {
	// Aborted reports whether the signal has been aborted.
	Aborted() bool
	// Reason returns the abort reason, or nil if not aborted.
	Reason() any
	// OnAbort registers a single-shot abort callback; see [AbortSignal.OnAbort].
	OnAbort(handler func(reason any)) ListenerID
	// RemoveAbortListener detaches a callback registered via OnAbort.
	RemoveAbortListener(id ListenerID) bool
}

var (
	_ Signal = (*AbortSignal)(nil)
	_ Signal = (*TaskSignal)(nil)
)

// PriorityChangeEvent is the payload of a "prioritychange" event. It records
// the priority the signal had before the mutation; the signal itself already
// reports the new priority by the time listeners run.
type PriorityChangeEvent struct {
	// PreviousPriority is the signal's priority before the change.
	PreviousPriority TaskPriority
}

// TaskSignal is a [Signal] that additionally carries a mutable
// [TaskPriority], mirroring the web platform's TaskSignal interface.
//
// The priority is mutated only through the owning [TaskController]; each
// mutation dispatches a "prioritychange" event carrying the previous
// priority. The base cancellation behavior is composed from [AbortSignal]
// rather than inherited: Aborted, Reason, and the abort listener surface
// forward to an internal AbortSignal.
//
// TaskSignal is safe for concurrent access from multiple goroutines.
type TaskSignal struct {
	base     *AbortSignal
	target   *EventTarget
	id       uint64
	priority TaskPriority
	onchange ListenerID
	mu       sync.RWMutex
}

// newTaskSignal creates a TaskSignal at the given priority, composing the
// supplied base signal for cancellation; signals are created via
// [NewTaskController].
func newTaskSignal(priority TaskPriority, base *AbortSignal) *TaskSignal {
	return &TaskSignal{
		base:     base,
		target:   NewEventTarget(),
		id:       signalIDCounter.Add(1),
		priority: priority,
	}
}

// Aborted reports whether the signal has been aborted.
func (s *TaskSignal) Aborted() bool { return s.base.Aborted() }

// Reason returns the abort reason, or nil if the signal has not been aborted.
func (s *TaskSignal) Reason() any { return s.base.Reason() }

// OnAbort registers a single-shot abort callback; see [AbortSignal.OnAbort].
func (s *TaskSignal) OnAbort(handler func(reason any)) ListenerID {
	return s.base.OnAbort(handler)
}

// RemoveAbortListener detaches a callback registered via OnAbort.
func (s *TaskSignal) RemoveAbortListener(id ListenerID) bool {
	return s.base.RemoveAbortListener(id)
}

// ThrowIfAborted returns an [AbortError] if the signal has been aborted.
func (s *TaskSignal) ThrowIfAborted() error { return s.base.ThrowIfAborted() }

// Priority returns the signal's current priority.
func (s *TaskSignal) Priority() TaskPriority {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priority
}

// OnPriorityChange registers a callback invoked whenever the signal's
// priority changes, and returns a [ListenerID] usable with
// [TaskSignal.RemovePriorityChangeListener].
//
// Listeners run synchronously on the goroutine performing the
// [TaskController.SetPriority] call, after the priority has been updated.
func (s *TaskSignal) OnPriorityChange(handler func(event *PriorityChangeEvent)) ListenerID {
	if handler == nil {
		return 0
	}
	return s.target.AddEventListener(priorityChangeEventType, func(e *Event) {
		handler(e.Detail.(*PriorityChangeEvent))
	})
}

// RemovePriorityChangeListener detaches a callback registered via
// [TaskSignal.OnPriorityChange].
func (s *TaskSignal) RemovePriorityChangeListener(id ListenerID) bool {
	if id == 0 {
		return false
	}
	return s.target.RemoveEventListener(priorityChangeEventType, id)
}

// SetOnPriorityChange installs handler as the signal's sole "event handler"
// style listener, replacing any handler installed by a previous call. This
// mirrors the onprioritychange attribute; listeners registered via
// [TaskSignal.OnPriorityChange] are unaffected. A nil handler removes the
// current one.
func (s *TaskSignal) SetOnPriorityChange(handler func(event *PriorityChangeEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onchange != 0 {
		s.target.RemoveEventListener(priorityChangeEventType, s.onchange)
		s.onchange = 0
	}
	if handler != nil {
		s.onchange = s.target.AddEventListener(priorityChangeEventType, func(e *Event) {
			handler(e.Detail.(*PriorityChangeEvent))
		})
	}
}

// setPriority updates the priority and dispatches "prioritychange"; called by
// the owning controller, which holds the reentrancy guard.
func (s *TaskSignal) setPriority(priority TaskPriority) {
	s.mu.Lock()
	previous := s.priority
	s.priority = priority
	s.mu.Unlock()

	s.target.DispatchEvent(&Event{
		Type:   priorityChangeEventType,
		Detail: &PriorityChangeEvent{PreviousPriority: previous},
	})
}

// TaskControllerOptions configures [NewTaskController].
type TaskControllerOptions struct {
	// Priority is the initial priority of the controller's signal.
	// The zero value selects [PriorityUserVisible].
	Priority TaskPriority
}

// TaskController owns a [TaskSignal] and is the sole authority over both its
// cancellation and its priority. It composes an [AbortController] for the
// cancellation half, mirroring the web platform's TaskController.
//
// TaskController is safe for concurrent access from multiple goroutines.
type TaskController struct {
	base   *AbortController
	signal *TaskSignal

	// changing guards against reentrant SetPriority: a "prioritychange"
	// listener invoking SetPriority on the same controller is an error.
	changing atomic.Bool
}

// NewTaskController creates a TaskController. A nil options value selects
// the default priority, [PriorityUserVisible]. An invalid priority tag is a
// *[TypeError].
func NewTaskController(options *TaskControllerOptions) (*TaskController, error) {
	priority := PriorityUserVisible
	if options != nil && options.Priority != "" {
		if err := checkPriority(options.Priority); err != nil {
			return nil, err
		}
		priority = options.Priority
	}

	base := NewAbortController()
	return &TaskController{
		base:   base,
		signal: newTaskSignal(priority, base.Signal()),
	}, nil
}

// NewTaskControllerWithPriority creates a TaskController at the given
// priority tag. An invalid tag is a *[TypeError].
func NewTaskControllerWithPriority(priority TaskPriority) (*TaskController, error) {
	return NewTaskController(&TaskControllerOptions{Priority: priority})
}

// Signal returns the TaskSignal associated with this controller.
// Always returns the same signal.
func (c *TaskController) Signal() *TaskSignal {
	return c.signal
}

// Abort aborts the controller's signal with the given reason; see
// [AbortController.Abort].
func (c *TaskController) Abort(reason any) {
	c.base.Abort(reason)
}

// SetPriority changes the signal's priority to the given tag.
//
// An invalid tag is a *[TypeError]. Setting the priority to its current
// value is a no-op and dispatches no event. A SetPriority call made from
// within a "prioritychange" listener of this controller's signal is a
// *[NotAllowedError].
func (c *TaskController) SetPriority(priority TaskPriority) error {
	if err := checkPriority(priority); err != nil {
		return err
	}

	if !c.changing.CompareAndSwap(false, true) {
		return &NotAllowedError{Message: "scheduler: reentrant SetPriority during prioritychange dispatch"}
	}
	defer c.changing.Store(false)

	if c.signal.Priority() == priority {
		return nil
	}

	c.signal.setPriority(priority)
	return nil
}
