// Copyright 2026 Joseph Cumines
//
// Package gojascheduler binds the [github.com/joeycumines/go-scheduler]
// prioritized task scheduler to the Goja JavaScript runtime.
//
// # Binding the Adapter
//
//	loop, _ := scheduler.NewLoop()
//	s, _ := scheduler.New(loop)
//	runtime := goja.New()
//
//	adapter, err := gojascheduler.New(s, runtime)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := adapter.Bind(); err != nil {
//	    log.Fatal(err)
//	}
//
//	runtime.RunString(`
//	    scheduler.postTask(() => 42, {priority: "user-blocking"})
//	        .then(v => console.log(v));
//	`)
//
//	loop.Run(context.Background())
//
// # Feature detection
//
// Bind checks whether a `scheduler` global already exists. If it does and
// already provides postTask, only a missing `yield` method is patched in; an
// existing complete implementation is left untouched. Otherwise the full
// API is installed: the `scheduler` global (postTask, yield), the
// `TaskController` constructor, and the `TaskPriorityChangeEvent`
// constructor.
//
// # Thread Safety
//
// The Goja runtime is not thread-safe. After Bind, JavaScript callbacks
// execute on the scheduler's host thread; the runtime must be driven from
// that same thread (typically the goroutine running [scheduler.Loop.Run],
// or before the loop starts).
package gojascheduler

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
	scheduler "github.com/joeycumines/go-scheduler"
)

// Adapter bridges a [scheduler.Scheduler] to a Goja runtime.
type Adapter struct {
	s       *scheduler.Scheduler
	runtime *goja.Runtime
}

// New creates an adapter for the given scheduler and runtime.
func New(s *scheduler.Scheduler, runtime *goja.Runtime) (*Adapter, error) {
	if s == nil {
		return nil, fmt.Errorf("gojascheduler: scheduler cannot be nil")
	}
	if runtime == nil {
		return nil, fmt.Errorf("gojascheduler: runtime cannot be nil")
	}
	return &Adapter{s: s, runtime: runtime}, nil
}

// Scheduler returns the bound scheduler.
func (a *Adapter) Scheduler() *scheduler.Scheduler { return a.s }

// Runtime returns the bound Goja runtime.
func (a *Adapter) Runtime() *goja.Runtime { return a.runtime }

// Bind installs the scheduling API into the runtime's global scope,
// performing feature detection first; see the package documentation.
func (a *Adapter) Bind() error {
	if existing := a.runtime.Get("scheduler"); existing != nil && !goja.IsUndefined(existing) && !goja.IsNull(existing) {
		obj := existing.ToObject(a.runtime)
		if obj == nil {
			return fmt.Errorf("gojascheduler: existing scheduler global is not an object")
		}
		post := obj.Get("postTask")
		if post != nil && !goja.IsUndefined(post) {
			yield := obj.Get("yield")
			if yield == nil || goja.IsUndefined(yield) {
				// Host has the scheduler but predates yield; patch it only.
				return obj.Set("yield", a.yield)
			}
			return nil
		}
		// A scheduler global without postTask is foreign; replace it wholesale.
	}

	obj := a.runtime.NewObject()
	if err := obj.Set("postTask", a.postTask); err != nil {
		return err
	}
	if err := obj.Set("yield", a.yield); err != nil {
		return err
	}
	if err := a.runtime.Set("scheduler", obj); err != nil {
		return err
	}
	if err := a.runtime.Set("TaskController", a.taskControllerConstructor); err != nil {
		return err
	}
	return a.runtime.Set("TaskPriorityChangeEvent", a.priorityChangeEventConstructor)
}

// postTask is the JS scheduler.postTask(callback, options?) binding.
func (a *Adapter) postTask(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(a.runtime.NewTypeError("postTask requires a function as first argument"))
	}

	opts, err := a.parseOptions(call.Argument(1))
	if err != nil {
		panic(a.runtime.NewTypeError(err.Error()))
	}

	task, err := a.s.PostTask(func() (scheduler.Result, error) {
		v, err := fn(goja.Undefined())
		if err != nil {
			return nil, err
		}
		return v.Export(), nil
	}, opts)
	if err != nil {
		panic(a.runtime.NewTypeError(err.Error()))
	}

	return a.wrapPromise(task)
}

// yield is the JS scheduler.yield() binding.
func (a *Adapter) yield(goja.FunctionCall) goja.Value {
	return a.wrapPromise(a.s.Yield())
}

// parseOptions converts a JS options object into PostTaskOptions.
func (a *Adapter) parseOptions(val goja.Value) (*scheduler.PostTaskOptions, error) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	obj := val.ToObject(a.runtime)
	if obj == nil {
		return nil, fmt.Errorf("options must be an object")
	}

	var opts scheduler.PostTaskOptions

	if v := obj.Get("priority"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		opts.Priority = scheduler.TaskPriority(v.String())
	}
	if v := obj.Get("delay"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		ms := v.ToFloat()
		if ms < 0 {
			return nil, fmt.Errorf("delay must not be negative")
		}
		opts.Delay = time.Duration(ms * float64(time.Millisecond))
	}
	if v := obj.Get("signal"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		sig, ok := v.Export().(scheduler.Signal)
		if !ok {
			return nil, fmt.Errorf("signal must be an AbortSignal or TaskSignal")
		}
		opts.Signal = sig
	}

	return &opts, nil
}

// wrapPromise adapts a task promise into a native Goja promise. The
// reactions run as host microtasks, i.e. on the same thread that drives the
// runtime.
func (a *Adapter) wrapPromise(p *scheduler.TaskPromise) goja.Value {
	promise, resolve, reject := a.runtime.NewPromise()
	p.Then(
		func(v scheduler.Result) scheduler.Result {
			resolve(v)
			return nil
		},
		func(reason scheduler.Result) scheduler.Result {
			reject(reason)
			return nil
		},
	)
	return a.runtime.ToValue(promise)
}

// taskControllerConstructor is the JS `new TaskController(options?)` binding.
//
// The constructed object exposes:
//
//	signal               the underlying *scheduler.TaskSignal (reflected)
//	setPriority(tag)     throws a GoError wrapping the *scheduler.TypeError /
//	                     *scheduler.NotAllowedError on failure
//	abort(reason?)       aborts the signal
func (a *Adapter) taskControllerConstructor(call goja.ConstructorCall) *goja.Object {
	options := &scheduler.TaskControllerOptions{}
	if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		if obj := arg.ToObject(a.runtime); obj != nil {
			if v := obj.Get("priority"); v != nil && !goja.IsUndefined(v) {
				options.Priority = scheduler.TaskPriority(v.String())
			}
		}
	}

	controller, err := scheduler.NewTaskController(options)
	if err != nil {
		panic(a.runtime.NewTypeError(err.Error()))
	}

	this := call.This
	_ = this.Set("signal", a.runtime.ToValue(controller.Signal()))
	_ = this.Set("setPriority", func(call goja.FunctionCall) goja.Value {
		if err := controller.SetPriority(scheduler.TaskPriority(call.Argument(0).String())); err != nil {
			panic(a.runtime.NewGoError(err))
		}
		return goja.Undefined()
	})
	_ = this.Set("abort", func(call goja.FunctionCall) goja.Value {
		var reason any
		if arg := call.Argument(0); !goja.IsUndefined(arg) {
			reason = arg.Export()
		}
		controller.Abort(reason)
		return goja.Undefined()
	})

	return this
}

// priorityChangeEventConstructor is the JS
// `new TaskPriorityChangeEvent(type, init?)` binding, provided for API
// completeness; the scheduler itself dispatches events through the Go
// [scheduler.TaskSignal] surface.
func (a *Adapter) priorityChangeEventConstructor(call goja.ConstructorCall) *goja.Object {
	this := call.This
	_ = this.Set("type", call.Argument(0).String())

	var previous string
	if arg := call.Argument(1); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		if obj := arg.ToObject(a.runtime); obj != nil {
			if v := obj.Get("previousPriority"); v != nil && !goja.IsUndefined(v) {
				previous = v.String()
			}
		}
	}
	_ = this.Set("previousPriority", previous)

	return this
}
