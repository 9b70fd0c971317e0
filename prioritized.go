package scheduler

import (
	"sync"
	"sync/atomic"
)

// PrioritizedExecutor is the executor callback passed to
// [Scheduler.NewPrioritizedPromise]. It runs synchronously during
// construction; the resolve and reject handles it receives do not settle the
// promise directly but submit the settlement to the scheduler at the owning
// controller's current priority.
type PrioritizedExecutor func(resolve ResolveFunc, reject RejectFunc)

// PrioritizedPromise is a promise whose settlement is itself scheduled work.
//
// Every PrioritizedPromise owns a [TaskController]. Settling the promise
// (via the executor's handles) and running chained reactions (via Then,
// Catch, Finally) are submitted to the scheduler as continuation tasks
// signed by that controller, so:
//
//   - settlement observers run at the controller's current priority;
//   - changing the controller's priority re-prioritizes a not-yet-dispatched
//     settlement along with every pending downstream reaction;
//   - aborting the controller rejects any not-yet-dispatched settlement or
//     reaction with the abort reason.
//
// Promises derived via [PrioritizedPromise.Then], Catch, and Finally share
// the parent's controller; a whole chain is one schedulable unit.
type PrioritizedPromise struct {
	s          *Scheduler
	controller *TaskController
	inner      *TaskPromise
}

// newPrioritized creates a pending prioritized promise bound to controller.
func (s *Scheduler) newPrioritized(controller *TaskController) *PrioritizedPromise {
	inner, _, _ := NewTaskPromise(s.host)
	return &PrioritizedPromise{
		s:          s,
		controller: controller,
		inner:      inner,
	}
}

// defaultController builds a fresh controller from the scheduler's current
// default controller options.
func (s *Scheduler) defaultController() *TaskController {
	opts := s.DefaultControllerOptions()
	controller, err := NewTaskController(&opts)
	if err != nil {
		// The options were validated when stored.
		panic(err)
	}
	return controller
}

// NewPrioritizedPromise creates a [PrioritizedPromise] running executor.
//
// A nil controller selects a fresh one built from
// [Scheduler.DefaultControllerOptions]. The executor runs synchronously
// before NewPrioritizedPromise returns; a panic inside it rejects the
// promise with [PanicError]. A nil executor yields a promise settled only
// through a later call to the handles of a wrapping helper (used by
// [Scheduler.WithResolvers]).
func (s *Scheduler) NewPrioritizedPromise(executor PrioritizedExecutor, controller *TaskController) *PrioritizedPromise {
	if controller == nil {
		controller = s.defaultController()
	}
	p := s.newPrioritized(controller)

	if executor != nil {
		resolve, reject := p.settlementHandles()
		func() {
			defer func() {
				if r := recover(); r != nil {
					reject(PanicError{Value: r})
				}
			}()
			executor(resolve, reject)
		}()
	}
	return p
}

// NewPrioritizedPromiseWithOptions creates a [PrioritizedPromise] with a
// fresh controller built from the given options. An invalid priority tag is
// a *[TypeError].
func (s *Scheduler) NewPrioritizedPromiseWithOptions(executor PrioritizedExecutor, options *TaskControllerOptions) (*PrioritizedPromise, error) {
	controller, err := NewTaskController(options)
	if err != nil {
		return nil, err
	}
	return s.NewPrioritizedPromise(executor, controller), nil
}

// NewPrioritizedPromiseWithPriority creates a [PrioritizedPromise] with a
// fresh controller at the given bare priority tag. An invalid tag is a
// *[TypeError].
func (s *Scheduler) NewPrioritizedPromiseWithPriority(executor PrioritizedExecutor, priority TaskPriority) (*PrioritizedPromise, error) {
	controller, err := NewTaskControllerWithPriority(priority)
	if err != nil {
		return nil, err
	}
	return s.NewPrioritizedPromise(executor, controller), nil
}

// settlementHandles returns resolve/reject functions that submit the
// settlement through the scheduler rather than settling synchronously.
// Only the first invocation across both handles takes effect.
func (p *PrioritizedPromise) settlementHandles() (ResolveFunc, RejectFunc) {
	var once atomic.Bool

	resolve := func(value Result) {
		if !once.CompareAndSwap(false, true) {
			return
		}
		p.s.submitReaction(p.controller, func() {
			p.inner.resolve(value)
		}, p.inner.reject)
	}
	reject := func(reason Result) {
		if !once.CompareAndSwap(false, true) {
			return
		}
		p.s.submitReaction(p.controller, func() {
			p.inner.reject(reason)
		}, p.inner.reject)
	}
	return resolve, reject
}

// Controller returns the [TaskController] owned by this promise. All
// promises of one chain return the same controller.
func (p *PrioritizedPromise) Controller() *TaskController {
	return p.controller
}

// Scheduler returns the scheduler this promise settles through.
func (p *PrioritizedPromise) Scheduler() *Scheduler {
	return p.s
}

// State returns the current [PromiseState].
func (p *PrioritizedPromise) State() PromiseState { return p.inner.State() }

// Value returns the fulfilment value, or nil if pending or rejected.
func (p *PrioritizedPromise) Value() Result { return p.inner.Value() }

// Reason returns the rejection reason, or nil if pending or fulfilled.
func (p *PrioritizedPromise) Reason() Result { return p.inner.Reason() }

// ToChannel returns a buffered channel receiving the result on settlement;
// see [TaskPromise.ToChannel].
func (p *PrioritizedPromise) ToChannel() <-chan Result { return p.inner.ToChannel() }

// Then derives a new prioritized promise from this one. The handlers run as
// a continuation task at the shared controller's priority as of dispatch
// time; handler semantics follow [TaskPromise.Then].
func (p *PrioritizedPromise) Then(onFulfilled, onRejected func(Result) Result) *PrioritizedPromise {
	child := p.s.newPrioritized(p.controller)

	p.inner.onSettled(func(state PromiseState, result Result) {
		p.s.submitReaction(p.controller, func() {
			var fn func(Result) Result
			if state == Fulfilled {
				fn = onFulfilled
			} else {
				fn = onRejected
			}

			if fn == nil {
				if state == Fulfilled {
					child.inner.resolve(result)
				} else {
					child.inner.reject(result)
				}
				return
			}

			defer func() {
				if r := recover(); r != nil {
					child.inner.reject(PanicError{Value: r})
				}
			}()
			child.inner.resolve(fn(result))
		}, child.inner.reject)
	})

	return child
}

// Catch derives a promise handling rejections; equivalent to
// Then(nil, onRejected).
func (p *PrioritizedPromise) Catch(onRejected func(Result) Result) *PrioritizedPromise {
	return p.Then(nil, onRejected)
}

// Finally derives a promise that runs onFinally at the controller's
// priority once this promise settles, then re-settles identically. A panic
// in onFinally is discarded; the original settlement still propagates.
func (p *PrioritizedPromise) Finally(onFinally func()) *PrioritizedPromise {
	child := p.s.newPrioritized(p.controller)

	if onFinally == nil {
		onFinally = func() {}
	}

	p.inner.onSettled(func(state PromiseState, result Result) {
		p.s.submitReaction(p.controller, func() {
			func() {
				defer func() { _ = recover() }()
				onFinally()
			}()
			if state == Rejected {
				child.inner.reject(result)
			} else {
				child.inner.resolve(result)
			}
		}, child.inner.reject)
	})

	return child
}

// PromiseWithResolvers bundles a pending [PrioritizedPromise] with its
// scheduler-routed resolve and reject handles, mirroring
// Promise.withResolvers().
type PromiseWithResolvers struct {
	// Promise is the pending prioritized promise.
	Promise *PrioritizedPromise
	// Resolve fulfils the promise via the scheduler. Only the first call
	// across Resolve and Reject takes effect.
	Resolve ResolveFunc
	// Reject rejects the promise via the scheduler.
	Reject RejectFunc
}

// WithResolvers creates a pending prioritized promise along with its
// settlement handles, for call sites where the executor pattern is awkward.
// The promise owns a fresh controller at the scheduler's default options.
func (s *Scheduler) WithResolvers() *PromiseWithResolvers {
	p := s.NewPrioritizedPromise(nil, nil)
	resolve, reject := p.settlementHandles()
	return &PromiseWithResolvers{
		Promise: p,
		Resolve: resolve,
		Reject:  reject,
	}
}

// Resolve returns a prioritized promise (fresh controller, default options)
// whose settlement with value has already been submitted to the scheduler.
func (s *Scheduler) Resolve(value Result) *PrioritizedPromise {
	return s.NewPrioritizedPromise(func(resolve ResolveFunc, _ RejectFunc) {
		resolve(value)
	}, nil)
}

// Reject returns a prioritized promise (fresh controller, default options)
// whose rejection with reason has already been submitted to the scheduler.
func (s *Scheduler) Reject(reason Result) *PrioritizedPromise {
	return s.NewPrioritizedPromise(func(_ ResolveFunc, reject RejectFunc) {
		reject(reason)
	}, nil)
}

// Try runs fn synchronously and returns a prioritized promise settling with
// its outcome: the returned value fulfils, an error or panic rejects. This
// mirrors Promise.try().
func (s *Scheduler) Try(fn TaskCallback) *PrioritizedPromise {
	return s.NewPrioritizedPromise(func(resolve ResolveFunc, reject RejectFunc) {
		if fn == nil {
			resolve(nil)
			return
		}
		value, err := fn()
		if err != nil {
			reject(err)
			return
		}
		resolve(value)
	}, nil)
}

// All returns a promise fulfilling with every input's value, in input
// order, once all fulfil; it rejects with the first rejection reason. An
// empty input fulfils immediately with an empty slice. The result owns a
// fresh controller.
func (s *Scheduler) All(promises []*PrioritizedPromise) *PrioritizedPromise {
	r := s.WithResolvers()

	if len(promises) == 0 {
		r.Resolve([]Result{})
		return r.Promise
	}

	var mu sync.Mutex
	var completed atomic.Int32
	var rejected atomic.Bool
	values := make([]Result, len(promises))

	for i, p := range promises {
		idx := i
		p.Then(
			func(v Result) Result {
				mu.Lock()
				values[idx] = v
				mu.Unlock()
				if completed.Add(1) == int32(len(promises)) && !rejected.Load() {
					r.Resolve(values)
				}
				return nil
			},
			func(reason Result) Result {
				if rejected.CompareAndSwap(false, true) {
					r.Reject(reason)
				}
				return nil
			},
		)
	}

	return r.Promise
}

// Race returns a promise settling identically to whichever input settles
// first. An empty input never settles. The result owns a fresh controller.
func (s *Scheduler) Race(promises []*PrioritizedPromise) *PrioritizedPromise {
	r := s.WithResolvers()

	var settled atomic.Bool
	for _, p := range promises {
		p.Then(
			func(v Result) Result {
				if settled.CompareAndSwap(false, true) {
					r.Resolve(v)
				}
				return nil
			},
			func(reason Result) Result {
				if settled.CompareAndSwap(false, true) {
					r.Reject(reason)
				}
				return nil
			},
		)
	}

	return r.Promise
}

// SettledResult describes one input's outcome in a [Scheduler.AllSettled]
// result slice.
type SettledResult struct {
	// Value is the fulfilment value; meaningful only when Status is
	// "fulfilled".
	Value Result
	// Reason is the rejection reason; meaningful only when Status is
	// "rejected".
	Reason Result
	// Status is "fulfilled" or "rejected".
	Status string
}

// AllSettled returns a promise fulfilling (never rejecting) with a
// [SettledResult] per input, in input order, once every input has settled.
// An empty input fulfils immediately with an empty slice.
func (s *Scheduler) AllSettled(promises []*PrioritizedPromise) *PrioritizedPromise {
	r := s.WithResolvers()

	if len(promises) == 0 {
		r.Resolve([]SettledResult{})
		return r.Promise
	}

	var mu sync.Mutex
	var completed atomic.Int32
	results := make([]SettledResult, len(promises))

	record := func(idx int, outcome SettledResult) {
		mu.Lock()
		results[idx] = outcome
		mu.Unlock()
		if completed.Add(1) == int32(len(promises)) {
			r.Resolve(results)
		}
	}

	for i, p := range promises {
		idx := i
		p.Then(
			func(v Result) Result {
				record(idx, SettledResult{Status: "fulfilled", Value: v})
				return nil
			},
			func(reason Result) Result {
				record(idx, SettledResult{Status: "rejected", Reason: reason})
				return nil
			},
		)
	}

	return r.Promise
}

// Any returns a promise fulfilling with the first input to fulfil; it
// rejects with an [AggregateError] only when every input rejects. An empty
// input rejects immediately with an empty AggregateError.
func (s *Scheduler) Any(promises []*PrioritizedPromise) *PrioritizedPromise {
	r := s.WithResolvers()

	if len(promises) == 0 {
		r.Reject(&AggregateError{Message: "no promises were provided"})
		return r.Promise
	}

	var mu sync.Mutex
	var rejectedCount atomic.Int32
	var resolved atomic.Bool
	reasons := make([]Result, len(promises))

	for i, p := range promises {
		idx := i
		p.Then(
			func(v Result) Result {
				if resolved.CompareAndSwap(false, true) {
					r.Resolve(v)
				}
				return nil
			},
			func(reason Result) Result {
				mu.Lock()
				reasons[idx] = reason
				mu.Unlock()
				if rejectedCount.Add(1) == int32(len(promises)) && !resolved.Load() {
					errs := make([]error, len(reasons))
					for j, reason := range reasons {
						if err, ok := reason.(error); ok {
							errs[j] = err
						} else {
							errs[j] = &ErrorWrapper{Value: reason}
						}
					}
					r.Reject(&AggregateError{
						Message: "all promises were rejected",
						Errors:  errs,
					})
				}
				return nil
			},
		)
	}

	return r.Promise
}
