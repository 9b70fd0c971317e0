// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package scheduler

import (
	"sync"

	"github.com/joeycumines/logiface"
)

// signalScavengeBatch is the number of signal-registry slots inspected per
// dispatch for garbage-collected signals.
const signalScavengeBatch = 16

// prioritySignal is the subset of [Signal] implementations that carry a
// priority. Effective-priority resolution accepts any implementation;
// live migration additionally requires a [*TaskSignal].
type prioritySignal interface {
	Priority() TaskPriority
}

// Scheduler dispatches submitted tasks on its [Host], highest priority
// first, FIFO within a priority, continuations before fresh tasks at equal
// priority.
//
// The scheduler maintains one queue pair per priority (continuations and
// fresh tasks), at most one pending host callback at any instant, and a weak
// registry of the task signals it has subscribed to for "prioritychange"
// events. Each host wakeup runs exactly one task; the host regains control
// between tasks to run its own timers, microtasks, and I/O.
//
// Submission is safe from any goroutine; task callbacks always run on the
// host thread. Lower priorities receive no work while higher priorities
// have any queued.
type Scheduler struct {
	host      Host
	logger    *logiface.Logger[logiface.Event]
	callbacks *callbackChannel
	signals   *signalRegistry

	mu sync.Mutex
	// queues is indexed by priority rank, then kind: 0 continuations,
	// 1 fresh tasks.
	queues [numPriorities][2]taskQueue
	// pending is the single outstanding host callback, nil when no queue has
	// work or a dispatch is in flight.
	pending *hostCallback

	controllerOptions TaskControllerOptions
}

// New creates a Scheduler on the given host.
func New(host Host, opts ...SchedulerOption) (*Scheduler, error) {
	if host == nil {
		return nil, newTypeError("host is required")
	}
	cfg, err := resolveSchedulerOptions(opts)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		host:              host,
		logger:            cfg.logger,
		callbacks:         newCallbackChannel(host),
		signals:           newSignalRegistry(),
		controllerOptions: cfg.controllerOptions,
	}, nil
}

// Host returns the host this scheduler dispatches on.
func (s *Scheduler) Host() Host {
	return s.host
}

// PostTask submits callback as a fresh task.
//
// The returned promise fulfils with the callback's return value, or rejects
// with the callback's error (a panic is wrapped in [PanicError]), or, if the
// submission's signal aborts before the task runs, with the signal's exact
// abort reason.
//
// Invalid options (unknown priority tag, negative delay, missing callback)
// are reported synchronously as a *[TypeError]; they never become promise
// rejections. A nil options value is equivalent to zero options.
func (s *Scheduler) PostTask(callback TaskCallback, options *PostTaskOptions) (*TaskPromise, error) {
	if callback == nil {
		return nil, newTypeError("callback is required")
	}

	// Snapshot the options so the scheduler owns a stable view.
	var opts taskOptions
	if options != nil {
		opts = taskOptions{
			signal:   options.Signal,
			priority: options.Priority,
			delay:    options.Delay,
		}
	}

	if opts.signal != nil {
		if ps, ok := opts.signal.(prioritySignal); ok {
			if err := checkPriority(ps.Priority()); err != nil {
				return nil, err
			}
		}
	}
	if opts.priority != "" {
		if err := checkPriority(opts.priority); err != nil {
			return nil, err
		}
	}
	if opts.delay < 0 {
		return nil, newTypeError("delay must not be negative")
	}

	promise, resolve, reject := NewTaskPromise(s.host)

	// A signal that is already aborted settles the submission immediately,
	// without enqueueing anything.
	if opts.signal != nil && opts.signal.Aborted() {
		reject(opts.signal.Reason())
		return promise, nil
	}

	t := &task{
		callback: callback,
		resolve:  resolve,
		reject:   reject,
		options:  opts,
	}

	if opts.signal != nil {
		t.abortListener = opts.signal.OnAbort(func(reason any) {
			s.onTaskAborted(t, reason)
		})
	}

	if opts.delay > 0 {
		hc, err := newHostCallback(s.host, nil, "", opts.delay, func() {
			s.onDelayExpired(t)
		})
		if err != nil {
			if t.abortListener != 0 {
				opts.signal.RemoveAbortListener(t.abortListener)
			}
			return nil, err
		}
		s.mu.Lock()
		t.delayCallback = hc
		s.mu.Unlock()
		return promise, nil
	}

	s.mu.Lock()
	s.enqueueLocked(t)
	s.scheduleHostCallbackLocked()
	s.mu.Unlock()

	return promise, nil
}

// Yield submits an empty continuation at the default priority. Awaiting the
// returned promise cedes the host thread: every queued task of higher
// priority, and every continuation queued earlier at the default priority,
// runs before the promise settles. Fresh tasks of the default priority run
// after it.
func (s *Scheduler) Yield() *TaskPromise {
	promise, resolve, reject := NewTaskPromise(s.host)

	t := &task{
		resolve:        resolve,
		reject:         reject,
		isContinuation: true,
	}

	s.mu.Lock()
	s.enqueueLocked(t)
	s.scheduleHostCallbackLocked()
	s.mu.Unlock()

	return promise
}

// onTaskAborted is the single-shot abort listener installed at submission:
// it cancels the task's pending delay timer, if any, and rejects the task's
// promise with the signal's reason. The task record itself stays queued;
// dispatch discards it when it reaches the head.
func (s *Scheduler) onTaskAborted(t *task, reason any) {
	s.mu.Lock()
	if hc := t.delayCallback; hc != nil {
		t.delayCallback = nil
		s.mu.Unlock()
		hc.Cancel()
	} else {
		s.mu.Unlock()
	}

	t.reject(reason)
}

// onDelayExpired moves a delayed task into its queue and dispatches
// immediately, cancelling any already-armed host callback so the expired
// task cannot starve behind a lazier wakeup. Runs on the host thread.
func (s *Scheduler) onDelayExpired(t *task) {
	s.mu.Lock()
	t.delayCallback = nil
	s.enqueueLocked(t)
	if s.pending != nil {
		s.pending.Cancel()
		s.pending = nil
	}
	s.mu.Unlock()

	s.dispatch()
}

// enqueueLocked resolves the task's effective priority and pushes it onto
// the matching queue. Resolution happens here, at enqueue time rather than
// submission time, so a delayed task observes its signal's priority as of
// the moment it becomes ready. Caller holds s.mu.
func (s *Scheduler) enqueueLocked(t *task) {
	priority := t.options.priority

	if ts, ok := t.options.signal.(*TaskSignal); ok {
		s.observeSignalLocked(ts)
		if priority == "" {
			priority = ts.Priority()
		}
	} else if priority == "" {
		if ps, ok := t.options.signal.(prioritySignal); ok {
			priority = ps.Priority()
		}
	}
	if priority == "" {
		priority = PriorityUserVisible
	}

	kind := 1
	if t.isContinuation {
		kind = 0
	}
	s.queues[priority.rank()][kind].push(t)
}

// observeSignalLocked subscribes to a signal's "prioritychange" events on
// first sight and records it in the weak registry. The listener closure
// holds the scheduler, not the other way around, so the registry never
// keeps a signal alive. Caller holds s.mu.
func (s *Scheduler) observeSignalLocked(ts *TaskSignal) {
	if !s.signals.register(ts, ts.Priority()) {
		return
	}
	ts.OnPriorityChange(func(*PriorityChangeEvent) {
		s.onSignalPriorityChange(ts)
	})
}

// onSignalPriorityChange migrates the signal's queued tasks from the queue
// pair of its last-observed priority to that of its new priority,
// preserving sequence-id order in the destination, then re-arms the host
// callback in case the pending one is now too lazy.
func (s *Scheduler) onSignalPriorityChange(ts *TaskSignal) {
	newPriority := ts.Priority()

	s.mu.Lock()
	oldPriority, known := s.signals.lastPriority(ts.id)
	if !known || oldPriority == newPriority {
		s.mu.Unlock()
		return
	}

	for kind := 0; kind < 2; kind++ {
		s.queues[newPriority.rank()][kind].merge(
			&s.queues[oldPriority.rank()][kind],
			func(t *task) bool { return t.options.signal == ts },
		)
	}
	s.signals.setPriority(ts.id, newPriority)
	s.scheduleHostCallbackLocked()
	s.mu.Unlock()

	s.logger.Debug().
		Uint64("signal", ts.id).
		Str("from", string(oldPriority)).
		Str("to", string(newPriority)).
		Log("migrated tasks for signal priority change")
}

// highestNonEmptyLocked returns the highest priority with a non-empty queue
// pair. Caller holds s.mu.
func (s *Scheduler) highestNonEmptyLocked() (TaskPriority, bool) {
	for rank, priority := range priorityRanks {
		if !s.queues[rank][0].isEmpty() || !s.queues[rank][1].isEmpty() {
			return priority, true
		}
	}
	return "", false
}

// scheduleHostCallbackLocked enforces the arming policy: ensure exactly one
// pending host callback whenever any queue has work, upgrading a pending
// idle-primitive callback that would be too lazy for newly arrived
// non-background work. Caller holds s.mu.
func (s *Scheduler) scheduleHostCallbackLocked() {
	highest, ok := s.highestNonEmptyLocked()
	if !ok {
		return
	}

	if s.pending != nil && s.pending.IsIdleCallback() && highest != PriorityBackground {
		s.pending.Cancel()
		s.pending = nil
		s.logger.Debug().Str("priority", string(highest)).Log("upgraded idle host callback")
	}
	if s.pending != nil {
		return
	}

	hc, err := newHostCallback(s.host, s.callbacks, highest, 0, s.dispatch)
	if err != nil {
		s.logger.Err().Err(err).Log("failed to arm host callback")
		return
	}
	s.pending = hc
}

// dispatch is the host-callback thunk: it releases the pending slot, runs
// one task, and re-arms if work remains. Runs on the host thread.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()

	s.runOneTask()

	s.mu.Lock()
	s.scheduleHostCallbackLocked()
	s.mu.Unlock()

	s.signals.scavenge(signalScavengeBatch)
}

// runOneTask pops the globally oldest task of the highest non-empty
// priority (continuations before fresh tasks) and runs it. Tasks whose
// signal has aborted since submission are discarded silently (their
// promises were already rejected by the abort listener) and the scan
// repeats.
func (s *Scheduler) runOneTask() {
	for {
		s.mu.Lock()
		var t *task
		for rank := 0; rank < numPriorities && t == nil; rank++ {
			for kind := 0; kind < 2; kind++ {
				if next := s.queues[rank][kind].takeNext(); next != nil {
					t = next
					break
				}
			}
		}
		s.mu.Unlock()

		if t == nil {
			return
		}

		if t.options.signal != nil && t.options.signal.Aborted() {
			continue
		}

		s.runTaskCallback(t)
		return
	}
}

// runTaskCallback invokes a task's callback and settles its promise: the
// return value fulfils it, an error (or wrapped panic) rejects it.
//
// The abort listener is detached before the callback starts: an abort
// performed during the callback's own execution must affect neither the
// callback nor the settlement.
func (s *Scheduler) runTaskCallback(t *task) {
	if t.options.signal != nil && t.abortListener != 0 {
		t.options.signal.RemoveAbortListener(t.abortListener)
		t.abortListener = 0
	}

	var result Result
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = PanicError{Value: r}
			}
		}()
		if t.callback != nil {
			result, err = t.callback()
		}
	}()

	if err != nil {
		t.reject(err)
	} else {
		t.resolve(result)
	}
}

// submitReaction enqueues run as a continuation-kind task signed by the
// controller's signal. Used by [PrioritizedPromise] to route settlements and
// chained reactions through the scheduler: they dispatch at the
// controller's current priority, and an abort before dispatch invokes
// rejectOnAbort with the abort reason instead.
func (s *Scheduler) submitReaction(controller *TaskController, run func(), rejectOnAbort RejectFunc) {
	sig := controller.Signal()
	if sig.Aborted() {
		rejectOnAbort(sig.Reason())
		return
	}

	t := &task{
		callback: func() (Result, error) {
			run()
			return nil, nil
		},
		resolve:        func(Result) {},
		reject:         rejectOnAbort,
		options:        taskOptions{signal: sig},
		isContinuation: true,
	}
	t.abortListener = sig.OnAbort(func(reason any) {
		s.onTaskAborted(t, reason)
	})

	s.mu.Lock()
	s.enqueueLocked(t)
	s.scheduleHostCallbackLocked()
	s.mu.Unlock()
}

// DefaultControllerOptions returns the options used to construct the
// implicit controller of a [PrioritizedPromise] created without one.
func (s *Scheduler) DefaultControllerOptions() TaskControllerOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controllerOptions
}

// SetDefaultControllerOptions replaces the default controller options as a
// whole record. An invalid priority tag is a *[TypeError]; a zero Priority
// selects [PriorityUserVisible] at controller construction.
func (s *Scheduler) SetDefaultControllerOptions(options TaskControllerOptions) error {
	if options.Priority != "" {
		if err := checkPriority(options.Priority); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.controllerOptions = options
	s.mu.Unlock()
	return nil
}
