package scheduler

import (
	"sync"
	"time"
)

// hostCallbackKind identifies which host primitive backs a hostCallback.
type hostCallbackKind uint8

const (
	hostCallbackPort hostCallbackKind = iota
	hostCallbackTimer
	hostCallbackIdle
)

// hostCallback is a one-shot, cancellable request for the host to run a
// thunk "soon". The backing primitive is chosen at construction from the
// requested priority and delay:
//
//   - delay > 0: the millisecond timer, regardless of priority
//   - background priority, idle primitive available: the idle callback
//   - message-port primitive available: a port round trip
//   - otherwise: a zero-delay timer
//
// The thunk runs at most once; Cancel before the thunk starts prevents it
// entirely and is idempotent.
type hostCallback struct {
	cancelFn func()
	mu       sync.Mutex
	kind     hostCallbackKind
	canceled bool
	fired    bool
}

// newHostCallback arranges for thunk to run once via the appropriate
// primitive. channel may be nil when the host has no message port.
func newHostCallback(host Host, channel *callbackChannel, priority TaskPriority, delay time.Duration, thunk func()) (*hostCallback, error) {
	c := &hostCallback{}
	run := func() {
		c.mu.Lock()
		if c.canceled || c.fired {
			c.mu.Unlock()
			return
		}
		c.fired = true
		c.mu.Unlock()
		thunk()
	}

	switch {
	case delay > 0:
		c.kind = hostCallbackTimer
		id, err := host.ScheduleTimer(delay, run)
		if err != nil {
			return nil, err
		}
		c.cancelFn = func() { _ = host.CancelTimer(id) }

	case priority == PriorityBackground && host.SupportsIdleCallback():
		c.kind = hostCallbackIdle
		id, err := host.RequestIdleCallback(run)
		if err != nil {
			return nil, err
		}
		c.cancelFn = func() { _ = host.CancelIdleCallback(id) }

	case channel != nil:
		c.kind = hostCallbackPort
		handle, err := channel.post(run)
		if err != nil {
			return nil, err
		}
		c.cancelFn = func() { channel.cancel(handle) }

	default:
		c.kind = hostCallbackTimer
		id, err := host.ScheduleTimer(0, run)
		if err != nil {
			return nil, err
		}
		c.cancelFn = func() { _ = host.CancelTimer(id) }
	}

	return c, nil
}

// Cancel prevents the thunk from running if it has not already started.
// Safe to call multiple times and concurrently with the thunk firing.
func (c *hostCallback) Cancel() {
	c.mu.Lock()
	if c.canceled || c.fired {
		c.mu.Unlock()
		return
	}
	c.canceled = true
	cancel := c.cancelFn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// IsIdleCallback reports whether this callback is backed by the idle
// primitive. The scheduler uses this to recognize a too-lazy pending wakeup
// when higher-priority work arrives.
func (c *hostCallback) IsIdleCallback() bool {
	return c.kind == hostCallbackIdle
}

// callbackChannel multiplexes host callbacks over a single long-lived
// message-port pair. Each posted message carries a numeric handle; the
// receive side looks the thunk up by handle, which lets individual in-flight
// callbacks be cancelled by dropping their map entry.
type callbackChannel struct {
	sender  *MessagePort
	pending map[uint64]func()
	next    uint64
	mu      sync.Mutex
}

// newCallbackChannel builds the port mux, or returns nil if the host has no
// message-port primitive.
func newCallbackChannel(host Host) *callbackChannel {
	ch := host.NewMessageChannel()
	if ch == nil {
		return nil
	}

	c := &callbackChannel{
		sender:  ch.Port1,
		pending: make(map[uint64]func()),
	}
	ch.Port2.SetOnMessage(func(data any) {
		handle, ok := data.(uint64)
		if !ok {
			return
		}
		c.mu.Lock()
		fn := c.pending[handle]
		delete(c.pending, handle)
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	return c
}

// post registers fn under a fresh handle and posts the handle to the
// receiving port.
func (c *callbackChannel) post(fn func()) (uint64, error) {
	c.mu.Lock()
	c.next++
	handle := c.next
	c.pending[handle] = fn
	c.mu.Unlock()

	if err := c.sender.PostMessage(handle); err != nil {
		c.mu.Lock()
		delete(c.pending, handle)
		c.mu.Unlock()
		return 0, err
	}
	return handle, nil
}

// cancel drops the thunk for handle; the in-flight message then finds no
// entry and is discarded.
func (c *callbackChannel) cancel(handle uint64) {
	c.mu.Lock()
	delete(c.pending, handle)
	c.mu.Unlock()
}
