// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package scheduler implements cooperative, priority-aware task scheduling
// for a single-threaded event-driven host, modelled on the web platform's
// Prioritized Task Scheduling API (scheduler.postTask / scheduler.yield).
//
// # Components
//
// [Scheduler] is the core: it accepts callbacks tagged with one of three
// [TaskPriority] values, optionally associated with a [TaskSignal] for
// cancellation and live re-prioritization, and dispatches them one at a time
// on the host thread, highest priority first, FIFO within a priority, with
// continuations (from [Scheduler.Yield]) running before fresh tasks of equal
// priority.
//
// [Loop] is the production [Host]: a single-threaded event loop providing
// macrotasks, microtasks, millisecond timers, idle callbacks, and
// [MessageChannel] port pairs. The scheduler drives itself with exactly one
// outstanding host wakeup at a time, selected from those primitives by
// priority and delay.
//
// [TaskController] and [TaskSignal] extend the [AbortController]/[AbortSignal]
// pair with a mutable priority and a "prioritychange" event; the scheduler
// subscribes to signals it has seen and migrates queued tasks between
// priority queues when a signal's priority changes.
//
// [PrioritizedPromise] is a future whose settlement is itself scheduled: the
// resolve/reject handles route through the scheduler at the owning
// controller's current priority, and every promise derived via
// [PrioritizedPromise.Then], Catch, or Finally shares that controller.
//
// # Threading model
//
// Task callbacks, promise handlers, and signal events all execute on the
// loop goroutine. Submission ([Scheduler.PostTask], [Loop.Submit], timer and
// promise settlement functions) is safe from any goroutine.
//
// # Quick start
//
//	loop, _ := scheduler.NewLoop()
//	go loop.Run(context.Background())
//	defer loop.Shutdown(context.Background())
//
//	s, _ := scheduler.New(loop)
//	p, err := s.PostTask(func() (scheduler.Result, error) {
//		return "done", nil
//	}, &scheduler.PostTaskOptions{Priority: scheduler.PriorityUserBlocking})
//	if err != nil {
//		// invalid options
//	}
//	result := <-p.ToChannel()
package scheduler
