package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Result represents the value of a fulfilled or rejected promise. For
// fulfilled promises it holds the success value; for rejected promises it
// typically holds an error or other rejection reason.
type Result = any

// PromiseState represents the lifecycle state of a [TaskPromise]. A promise
// starts [Pending] and transitions irreversibly to [Fulfilled] or [Rejected].
type PromiseState int32

const (
	// Pending indicates the promise has not settled yet.
	Pending PromiseState = iota
	// Fulfilled indicates the promise completed successfully with a value.
	Fulfilled
	// Rejected indicates the promise failed with a reason.
	Rejected
)

// ResolveFunc fulfils a promise with a value. Calling it on an
// already-settled promise has no effect. Safe from any goroutine.
type ResolveFunc func(Result)

// RejectFunc rejects a promise with a reason. Calling it on an
// already-settled promise has no effect. Safe from any goroutine.
type RejectFunc func(Result)

// promiseHandler is one reaction to a promise's settlement. Exactly one of
// the following applies: settled (a raw observer receiving state and
// result), or the onFulfilled/onRejected pair feeding target.
type promiseHandler struct {
	onFulfilled func(Result) Result
	onRejected  func(Result) Result
	settled     func(state PromiseState, result Result)
	target      *TaskPromise
}

// TaskPromise is a future settled with a [Result]. It is the promise type
// returned by [Scheduler.PostTask] and [Scheduler.Yield], and the underlying
// settlement carrier of [PrioritizedPromise].
//
// Reactions registered via [TaskPromise.Then], Catch, and Finally run as
// host microtasks, so they observe settlement asynchronously even when the
// promise is already settled at registration time.
//
// TaskPromise is safe for concurrent use; the resolve/reject functions may
// be called from any goroutine, while reactions always execute on the host
// thread.
type TaskPromise struct {
	host     Host
	result   Result
	handlers []promiseHandler
	channels []chan Result
	state    atomic.Int32
	mu       sync.Mutex
}

// NewTaskPromise creates a pending promise along with its resolve and reject
// functions. Reactions run as microtasks on host; a nil host degrades to
// synchronous reaction execution (useful for standalone tests).
func NewTaskPromise(host Host) (*TaskPromise, ResolveFunc, RejectFunc) {
	p := &TaskPromise{host: host}
	return p, p.resolve, p.reject
}

// State returns the current [PromiseState].
func (p *TaskPromise) State() PromiseState {
	return PromiseState(p.state.Load())
}

// Value returns the fulfilment value, or nil if the promise is pending or
// rejected. A fulfilled promise can legitimately hold a nil value.
func (p *TaskPromise) Value() Result {
	if p.State() == Fulfilled {
		return p.result
	}
	return nil
}

// Reason returns the rejection reason, or nil if the promise is pending or
// fulfilled.
func (p *TaskPromise) Reason() Result {
	if p.State() == Rejected {
		return p.result
	}
	return nil
}

// ToChannel returns a buffered channel that receives the result (value or
// rejection reason) when the promise settles, then closes. If the promise
// is already settled, the channel is pre-filled.
func (p *TaskPromise) ToChannel() <-chan Result {
	ch := make(chan Result, 1)

	p.mu.Lock()
	if p.State() != Pending {
		result := p.result
		p.mu.Unlock()
		ch <- result
		close(ch)
		return ch
	}
	p.channels = append(p.channels, ch)
	p.mu.Unlock()
	return ch
}

// addHandler attaches a reaction. If the promise is already settled, the
// reaction is scheduled immediately; otherwise it is stored until
// settlement.
func (p *TaskPromise) addHandler(h promiseHandler) {
	p.mu.Lock()
	if state := p.State(); state != Pending {
		result := p.result
		p.mu.Unlock()
		p.scheduleHandler(h, state, result)
		return
	}
	p.handlers = append(p.handlers, h)
	p.mu.Unlock()
}

// onSettled registers a raw settlement observer, scheduled like any other
// reaction. Used by [PrioritizedPromise] to forward settlements into the
// scheduler.
func (p *TaskPromise) onSettled(fn func(state PromiseState, result Result)) {
	p.addHandler(promiseHandler{settled: fn})
}

// scheduleHandler enqueues a reaction as a host microtask, falling back to
// synchronous execution when no host is available (or it has terminated).
func (p *TaskPromise) scheduleHandler(h promiseHandler, state PromiseState, result Result) {
	if p.host != nil {
		if err := p.host.ScheduleMicrotask(func() {
			p.executeHandler(h, state, result)
		}); err == nil {
			return
		}
	}
	p.executeHandler(h, state, result)
}

// executeHandler runs a single reaction: raw observers get the settlement
// as-is; nil handlers pass the settlement through to the target; handler
// panics reject the target with [PanicError].
func (p *TaskPromise) executeHandler(h promiseHandler, state PromiseState, result Result) {
	if h.settled != nil {
		h.settled(state, result)
		return
	}

	var fn func(Result) Result
	if state == Fulfilled {
		fn = h.onFulfilled
	} else {
		fn = h.onRejected
	}

	if fn == nil {
		if h.target == nil {
			return
		}
		if state == Fulfilled {
			h.target.resolve(result)
		} else {
			h.target.reject(result)
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			if h.target != nil {
				h.target.reject(PanicError{Value: r})
			}
		}
	}()

	res := fn(result)
	if h.target != nil {
		h.target.resolve(res)
	}
}

// resolve fulfils the promise. If value is itself a *TaskPromise, its state
// is adopted; resolving a promise with itself rejects with a *TypeError.
func (p *TaskPromise) resolve(value Result) {
	if other, ok := value.(*TaskPromise); ok {
		if other == p {
			p.reject(newTypeError("chaining cycle detected"))
			return
		}
		other.addHandler(promiseHandler{target: p})
		return
	}
	p.settle(Fulfilled, value)
}

// reject rejects the promise with the given reason.
func (p *TaskPromise) reject(reason Result) {
	p.settle(Rejected, reason)
}

// settle performs the one-shot state transition and schedules reactions.
// Reactions are scheduled while holding the lock so their order is
// consistent with concurrent addHandler calls.
func (p *TaskPromise) settle(state PromiseState, result Result) {
	p.mu.Lock()
	if p.State() != Pending {
		p.mu.Unlock()
		return
	}

	handlers := p.handlers
	p.handlers = nil
	channels := p.channels
	p.channels = nil

	p.result = result
	p.state.Store(int32(state))

	for _, h := range handlers {
		p.scheduleHandler(h, state, result)
	}
	for _, ch := range channels {
		ch <- result
		close(ch)
	}
	p.mu.Unlock()
}

// Then adds reactions called when the promise settles, returning a new
// promise that settles with the handler's outcome.
//
//   - A handler's return value fulfils the returned promise.
//   - A handler panic rejects it with [PanicError].
//   - A nil handler passes the settlement through unchanged.
func (p *TaskPromise) Then(onFulfilled, onRejected func(Result) Result) *TaskPromise {
	child := &TaskPromise{host: p.host}
	p.addHandler(promiseHandler{
		onFulfilled: onFulfilled,
		onRejected:  onRejected,
		target:      child,
	})
	return child
}

// Catch adds a rejection reaction; equivalent to Then(nil, onRejected).
func (p *TaskPromise) Catch(onRejected func(Result) Result) *TaskPromise {
	return p.Then(nil, onRejected)
}

// Finally adds a reaction that runs regardless of how the promise settles,
// returning a promise that preserves the original settlement. The callback
// receives no arguments and its return is ignored. A panic inside the
// callback is discarded and the original settlement still propagates, per
// the convention that cleanup must not swallow the result.
func (p *TaskPromise) Finally(onFinally func()) *TaskPromise {
	child := &TaskPromise{host: p.host}

	if onFinally == nil {
		onFinally = func() {}
	}

	runFinally := func(res Result, rejected bool) {
		defer func() {
			if r := recover(); r != nil {
				if rejected {
					child.reject(res)
				} else {
					child.resolve(res)
				}
			}
		}()
		onFinally()
		if rejected {
			child.reject(res)
		} else {
			child.resolve(res)
		}
	}

	p.addHandler(promiseHandler{
		settled: func(state PromiseState, result Result) {
			runFinally(result, state == Rejected)
		},
	})
	return child
}

// AggregateError is the rejection reason produced when [Scheduler.Any]
// fails because every input promise rejected. Errors preserves the order of
// the input promises.
type AggregateError struct {
	Message string
	Errors  []error
}

// Error implements the error interface.
func (e *AggregateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "all promises were rejected"
}

// Unwrap returns the contained errors for multi-error matching via
// [errors.Is] and [errors.As].
func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

// ErrorWrapper adapts a non-error rejection reason to the error interface
// for inclusion in an [AggregateError].
type ErrorWrapper struct {
	// Value is the original non-error rejection reason.
	Value Result
}

// Error implements the error interface.
func (e *ErrorWrapper) Error() string {
	return fmt.Sprintf("%v", e.Value)
}
