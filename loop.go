package scheduler

import (
	"container/heap"
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// TimerID identifies a timer scheduled via [Loop.ScheduleTimer].
type TimerID uint64

// IdleCallbackID identifies a callback scheduled via [Loop.RequestIdleCallback].
type IdleCallbackID uint64

// loopTimer is a single entry in the timer heap. Cancellation marks the
// entry rather than re-heapifying; marked entries are discarded when popped.
type loopTimer struct {
	when     time.Time
	fn       func()
	id       TimerID
	canceled bool
}

// timerHeap is a min-heap of timers ordered by fire time.
type timerHeap []*loopTimer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*loopTimer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// idleEntry is a pending idle callback.
type idleEntry struct {
	fn func()
	id IdleCallbackID
}

var loopIDCounter atomic.Uint64

// Loop is a single-threaded event loop providing the host primitives the
// [Scheduler] consumes: macrotask submission, microtasks, millisecond
// timers, idle callbacks, and [MessageChannel] port pairs.
//
// A Loop processes work in ticks. Each tick runs expired timers, then the
// current batch of macrotasks, draining microtasks after each unit of work.
// When a tick finds nothing else to do, one pending idle callback runs; when
// there is truly nothing, the loop sleeps until the next timer deadline or
// an external submission wakes it.
//
// Callbacks always execute on the goroutine that called [Loop.Run].
// Submission is safe from any goroutine. Panics in callbacks are recovered
// and logged; they never tear down the loop.
type Loop struct {
	// Prevent copying.
	_ [0]func()

	logger *logiface.Logger[logiface.Event]

	state loopState

	mu          sync.Mutex
	tasks       []func()
	taskBuf     []func()
	micro       []func()
	timers      timerHeap
	timerIndex  map[TimerID]*loopTimer
	idle        []idleEntry
	nextTimerID TimerID
	nextIdleID  IdleCallbackID

	idleSupported bool

	// wake carries at most one token; any submission deposits one so the
	// sleeping select observes work that arrived between the empty check and
	// the block.
	wake chan struct{}

	loopDone        chan struct{}
	stopOnce        sync.Once
	loopGoroutineID atomic.Uint64
	id              uint64
}

var _ Host = (*Loop)(nil)

// NewLoop creates a new, not-yet-running event loop.
func NewLoop(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	return &Loop{
		logger:        cfg.logger,
		timerIndex:    make(map[TimerID]*loopTimer),
		idleSupported: cfg.idleCallbacks,
		wake:          make(chan struct{}, 1),
		loopDone:      make(chan struct{}),
		id:            loopIDCounter.Add(1),
	}, nil
}

// Run runs the event loop on the calling goroutine and blocks until the loop
// terminates via [Loop.Shutdown] or ctx cancellation.
//
// To run in a separate goroutine, use `go loop.Run(ctx)`.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)

	l.loopGoroutineID.Store(goroutineID())
	defer l.loopGoroutineID.Store(0)

	// Watcher wakes the loop when ctx is cancelled so the sleeping select
	// does not need to include ctx.Done directly.
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.wakeUp()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.logger.Debug().Uint64("loop", l.id).Log("loop running")

	for {
		if ctx.Err() != nil {
			for {
				current := l.state.Load()
				if current == StateTerminating || current == StateTerminated {
					break
				}
				if l.state.TryTransition(current, StateTerminating) {
					break
				}
			}
			l.drainAndTerminate()
			return ctx.Err()
		}

		if l.state.Load() == StateTerminating {
			l.drainAndTerminate()
			return nil
		}

		l.tick(ctx)
	}
}

// tick is a single iteration of the event loop.
func (l *Loop) tick(ctx context.Context) {
	ran := l.runDueTimers()
	if l.runTaskBatch() {
		ran = true
	}
	// Microtasks scheduled from outside the loop may arrive with no
	// accompanying macrotask; drain them before deciding the tick was idle.
	l.drainMicrotasks()
	if ran {
		return
	}

	if l.runOneIdleCallback() {
		return
	}

	l.sleep(ctx)
}

// runDueTimers executes every expired timer, draining microtasks after each.
func (l *Loop) runDueTimers() bool {
	ran := false
	for {
		l.mu.Lock()
		if len(l.timers) == 0 {
			l.mu.Unlock()
			break
		}
		t := l.timers[0]
		if t.canceled {
			heap.Pop(&l.timers)
			l.mu.Unlock()
			continue
		}
		if t.when.After(time.Now()) {
			l.mu.Unlock()
			break
		}
		heap.Pop(&l.timers)
		delete(l.timerIndex, t.id)
		l.mu.Unlock()

		l.safeExecute(t.fn)
		l.drainMicrotasks()
		ran = true
	}
	return ran
}

// runTaskBatch runs the macrotasks queued at entry, draining microtasks
// after each. Tasks submitted while the batch runs wait for the next tick.
func (l *Loop) runTaskBatch() bool {
	l.mu.Lock()
	if len(l.tasks) == 0 {
		l.mu.Unlock()
		return false
	}
	tasks := l.tasks
	l.tasks = l.taskBuf[:0]
	l.taskBuf = tasks[:0]
	l.mu.Unlock()

	for i, fn := range tasks {
		l.safeExecute(fn)
		tasks[i] = nil
		l.drainMicrotasks()
	}
	return true
}

// drainMicrotasks runs queued microtasks to exhaustion, including those
// queued by microtasks themselves.
func (l *Loop) drainMicrotasks() {
	for {
		l.mu.Lock()
		if len(l.micro) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.micro[0]
		l.micro = l.micro[1:]
		l.mu.Unlock()

		l.safeExecute(fn)
	}
}

// runOneIdleCallback runs the oldest pending idle callback, if any.
// At most one runs per tick so newly arriving work is observed promptly.
func (l *Loop) runOneIdleCallback() bool {
	l.mu.Lock()
	if len(l.idle) == 0 {
		l.mu.Unlock()
		return false
	}
	entry := l.idle[0]
	l.idle = l.idle[1:]
	l.mu.Unlock()

	l.safeExecute(entry.fn)
	l.drainMicrotasks()
	return true
}

// sleep blocks until the next timer deadline, an external wakeup, or ctx
// cancellation. It re-checks for work under the lock before blocking; the
// buffered wake channel closes the race with concurrent submissions.
func (l *Loop) sleep(ctx context.Context) {
	l.mu.Lock()
	if len(l.tasks) > 0 || len(l.micro) > 0 || len(l.idle) > 0 {
		l.mu.Unlock()
		return
	}
	var timerC <-chan time.Time
	var tm *time.Timer
	for len(l.timers) > 0 && l.timers[0].canceled {
		heap.Pop(&l.timers)
	}
	if len(l.timers) > 0 {
		d := time.Until(l.timers[0].when)
		if d <= 0 {
			l.mu.Unlock()
			return
		}
		tm = time.NewTimer(d)
		timerC = tm.C
	}
	l.mu.Unlock()

	l.state.TryTransition(StateRunning, StateSleeping)

	select {
	case <-l.wake:
	case <-timerC:
	case <-ctx.Done():
	}

	if tm != nil {
		tm.Stop()
	}

	l.state.TryTransition(StateSleeping, StateRunning)
}

// drainAndTerminate runs all remaining queued work, then marks the loop
// terminated.
func (l *Loop) drainAndTerminate() {
	for {
		ran := l.runDueTimers()
		if l.runTaskBatch() {
			ran = true
		}
		l.drainMicrotasks()
		if !ran {
			break
		}
	}

	l.state.Store(StateTerminated)
	l.logger.Debug().Uint64("loop", l.id).Log("loop terminated")
}

// Shutdown gracefully shuts down the event loop, waiting for queued work to
// drain. It blocks until termination completes or ctx expires.
//
// If Run has not started yet, the loop is marked terminated immediately:
// work submitted so far never runs, and a later Run returns
// [ErrLoopTerminated].
func (l *Loop) Shutdown(ctx context.Context) error {
	for {
		current := l.state.Load()
		if current == StateTerminated {
			return nil
		}
		if current == StateTerminating {
			break
		}
		if l.state.TryTransition(current, StateTerminating) {
			if current == StateAwake {
				// Run has not started; terminate at once without running
				// any queued work.
				l.state.Store(StateTerminated)
				return nil
			}
			l.wakeUp()
			break
		}
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wakeUp deposits a wake token; no-op if one is already pending.
func (l *Loop) wakeUp() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Submit schedules fn to run as a macrotask on the loop goroutine.
//
// Submissions during termination are still drained; only a fully terminated
// loop rejects them with [ErrLoopTerminated].
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return nil
	}
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	l.wakeUp()
	return nil
}

// ScheduleMicrotask schedules fn to run before the next macrotask. A
// microtask queued from within another microtask runs in the same drain.
func (l *Loop) ScheduleMicrotask(fn func()) error {
	if fn == nil {
		return nil
	}
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	l.mu.Lock()
	l.micro = append(l.micro, fn)
	l.mu.Unlock()

	l.wakeUp()
	return nil
}

// ScheduleTimer schedules fn to run on the loop goroutine no earlier than
// delay from now. Delays of zero or less fire on the next tick.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (TimerID, error) {
	if fn == nil {
		return 0, nil
	}
	if l.state.Load() == StateTerminated {
		return 0, ErrLoopTerminated
	}

	l.mu.Lock()
	l.nextTimerID++
	t := &loopTimer{
		when: time.Now().Add(delay),
		fn:   fn,
		id:   l.nextTimerID,
	}
	heap.Push(&l.timers, t)
	l.timerIndex[t.id] = t
	l.mu.Unlock()

	l.wakeUp()
	return t.id, nil
}

// CancelTimer cancels a pending timer. Returns [ErrTimerNotFound] if the
// timer does not exist or has already fired.
func (l *Loop) CancelTimer(id TimerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.timerIndex[id]
	if !ok {
		return ErrTimerNotFound
	}
	t.canceled = true
	delete(l.timerIndex, id)
	return nil
}

// RequestIdleCallback schedules fn to run when the loop has no pending
// macrotasks, microtasks, or expired timers. Idle callbacks run one per
// tick, oldest first.
func (l *Loop) RequestIdleCallback(fn func()) (IdleCallbackID, error) {
	if fn == nil {
		return 0, nil
	}
	if l.state.Load() == StateTerminated {
		return 0, ErrLoopTerminated
	}

	l.mu.Lock()
	l.nextIdleID++
	id := l.nextIdleID
	l.idle = append(l.idle, idleEntry{fn: fn, id: id})
	l.mu.Unlock()

	l.wakeUp()
	return id, nil
}

// CancelIdleCallback cancels a pending idle callback. Returns
// [ErrIdleCallbackNotFound] if it does not exist or has already run.
func (l *Loop) CancelIdleCallback(id IdleCallbackID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, entry := range l.idle {
		if entry.id == id {
			l.idle = append(l.idle[:i], l.idle[i+1:]...)
			return nil
		}
	}
	return ErrIdleCallbackNotFound
}

// SupportsIdleCallback reports whether the idle-callback primitive is
// available. It is configurable via [WithIdleCallbacks], chiefly so
// consumers can exercise their fallback paths.
func (l *Loop) SupportsIdleCallback() bool {
	return l.idleSupported
}

// NewMessageChannel creates an entangled [MessagePort] pair whose deliveries
// run as macrotasks on this loop.
func (l *Loop) NewMessageChannel() *MessageChannel {
	return NewMessageChannel(l)
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// safeExecute runs fn with panic recovery.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().Uint64("loop", l.id).Any("panic", r).Log("task panicked")
		}
	}()

	fn()
}

// isLoopThread reports whether the caller is on the loop goroutine.
func (l *Loop) isLoopThread() bool {
	id := l.loopGoroutineID.Load()
	return id != 0 && goroutineID() == id
}

// goroutineID returns the current goroutine's ID, parsed from the stack
// header. Used only for reentrancy detection.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
