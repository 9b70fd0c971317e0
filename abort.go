// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package scheduler

import (
	"sync"
)

// abortEventType is the event type dispatched when a signal aborts.
const abortEventType = "abort"

// AbortSignal communicates cancellation to asynchronous operations, following
// the W3C DOM AbortController/AbortSignal contract:
// https://dom.spec.whatwg.org/#interface-abortsignal
//
// Listener registration uses the [EventTarget] ID scheme so individual
// listeners can be detached again; the scheduler relies on this to unhook a
// task's abort listener when the task is dispatched, before its callback
// starts.
//
// AbortSignal is safe for concurrent access from multiple goroutines.
type AbortSignal struct {
	reason  any
	target  *EventTarget
	mu      sync.RWMutex
	aborted bool
}

// newAbortSignal creates a new AbortSignal; signals are created via
// [NewAbortController].
func newAbortSignal() *AbortSignal {
	return &AbortSignal{target: NewEventTarget()}
}

// Aborted returns true if the signal has been aborted.
func (s *AbortSignal) Aborted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aborted
}

// Reason returns the abort reason, or nil if the signal has not been aborted.
func (s *AbortSignal) Reason() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// OnAbort registers a single-shot callback invoked when the signal aborts,
// and returns a [ListenerID] usable with [AbortSignal.RemoveAbortListener].
//
// If the signal is already aborted, the callback is invoked immediately with
// the abort reason and 0 is returned.
func (s *AbortSignal) OnAbort(handler func(reason any)) ListenerID {
	if handler == nil {
		return 0
	}

	s.mu.Lock()
	if s.aborted {
		reason := s.reason
		s.mu.Unlock()
		handler(reason)
		return 0
	}
	id := s.target.AddEventListenerOnce(abortEventType, func(e *Event) {
		handler(e.Detail)
	})
	s.mu.Unlock()
	return id
}

// RemoveAbortListener detaches a listener previously registered via
// [AbortSignal.OnAbort]. It reports whether a listener was removed; removing
// an already-fired or unknown listener is a no-op.
func (s *AbortSignal) RemoveAbortListener(id ListenerID) bool {
	if id == 0 {
		return false
	}
	return s.target.RemoveEventListener(abortEventType, id)
}

// ThrowIfAborted returns an [AbortError] carrying the abort reason if the
// signal has been aborted, following AbortSignal.throwIfAborted().
// Returns nil if not aborted.
func (s *AbortSignal) ThrowIfAborted() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.aborted {
		return &AbortError{Reason: s.reason}
	}
	return nil
}

// abort transitions the signal to the aborted state; called by
// AbortController. Repeated aborts are no-ops and the first reason wins.
func (s *AbortSignal) abort(reason any) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.reason = reason
	s.mu.Unlock()

	// Dispatch outside the lock; abort handlers may inspect the signal.
	s.target.DispatchEvent(&Event{Type: abortEventType, Detail: reason})
}

// AbortController aborts one or more asynchronous operations through its
// associated [AbortSignal], following the W3C DOM specification:
// https://dom.spec.whatwg.org/#interface-abortcontroller
//
// AbortController is safe for concurrent access; Abort may be called from
// any goroutine.
type AbortController struct {
	signal *AbortSignal
}

// NewAbortController creates a new AbortController with a fresh AbortSignal.
func NewAbortController() *AbortController {
	return &AbortController{signal: newAbortSignal()}
}

// Signal returns the AbortSignal associated with this controller.
// Always returns the same signal.
func (c *AbortController) Signal() *AbortSignal {
	return c.signal
}

// Abort aborts the controller's signal with the given reason.
//
// If reason is nil, a default [AbortError] is used. Once aborted, the
// signal's Aborted method returns true, Reason returns the abort reason, and
// registered abort listeners are invoked. Subsequent calls have no effect.
func (c *AbortController) Abort(reason any) {
	if reason == nil {
		reason = &AbortError{Reason: "Aborted"}
	}
	c.signal.abort(reason)
}

// AbortError represents an aborted operation, corresponding to the
// DOMException with name "AbortError".
type AbortError struct {
	// Reason contains the abort reason provided to [AbortController.Abort].
	Reason any
}

// Error implements the error interface.
func (e *AbortError) Error() string {
	if s, ok := e.Reason.(string); ok {
		return "AbortError: " + s
	}
	if err, ok := e.Reason.(error); ok {
		return "AbortError: " + err.Error()
	}
	return "AbortError: The operation was aborted"
}

// Is implements errors.Is support for AbortError.
func (e *AbortError) Is(target error) bool {
	_, ok := target.(*AbortError)
	return ok
}

// Unwrap returns the underlying error if Reason is an error type, enabling
// [errors.Is] and [errors.As] through the cause chain.
func (e *AbortError) Unwrap() error {
	if err, ok := e.Reason.(error); ok {
		return err
	}
	return nil
}

// AbortAny returns a composite AbortSignal that aborts when any of the input
// signals abort, implementing AbortSignal.any() from the DOM specification.
// The composite's reason is that of the first signal to abort. Nil entries
// are skipped; an empty input yields a signal that never aborts.
func AbortAny(signals []*AbortSignal) *AbortSignal {
	composite := newAbortSignal()

	for _, sig := range signals {
		if sig == nil {
			continue
		}
		if sig.Aborted() {
			composite.abort(sig.Reason())
			return composite
		}
	}

	var abortOnce sync.Once
	for _, sig := range signals {
		if sig == nil {
			continue
		}
		sig.OnAbort(func(reason any) {
			abortOnce.Do(func() {
				composite.abort(reason)
			})
		})
	}

	return composite
}
