package scheduler

import (
	"errors"
	"testing"
)

// collectIDs walks the queue head-to-tail and returns the sequence ids.
func collectIDs(q *taskQueue) []uint64 {
	var ids []uint64
	for t := q.head; t != nil; t = t.next {
		ids = append(ids, t.sequenceID)
	}
	return ids
}

// checkLinks verifies the doubly-linked invariants: forward and backward
// walks agree, head/tail nil-ness matches, and ids strictly increase.
func checkLinks(t *testing.T, q *taskQueue) {
	t.Helper()

	if (q.head == nil) != (q.tail == nil) {
		t.Fatalf("head/tail nil mismatch: head=%v tail=%v", q.head, q.tail)
	}

	var forward []*task
	for n := q.head; n != nil; n = n.next {
		forward = append(forward, n)
	}
	var backward []*task
	for n := q.tail; n != nil; n = n.prev {
		backward = append(backward, n)
	}
	if len(forward) != len(backward) {
		t.Fatalf("forward walk found %d nodes, backward %d", len(forward), len(backward))
	}
	for i := range forward {
		if forward[i] != backward[len(backward)-1-i] {
			t.Fatal("forward and backward walks disagree")
		}
	}
	for i := 1; i < len(forward); i++ {
		if forward[i].sequenceID <= forward[i-1].sequenceID {
			t.Fatalf("sequence ids not strictly increasing: %d then %d",
				forward[i-1].sequenceID, forward[i].sequenceID)
		}
	}
}

func TestTaskQueue_PushTakeNext(t *testing.T) {
	var q taskQueue

	if !q.isEmpty() {
		t.Fatal("new queue should be empty")
	}
	if q.takeNext() != nil {
		t.Fatal("takeNext on empty queue should return nil")
	}

	a, b, c := &task{}, &task{}, &task{}
	q.push(a)
	q.push(b)
	q.push(c)
	checkLinks(t, &q)

	if a.sequenceID >= b.sequenceID || b.sequenceID >= c.sequenceID {
		t.Fatalf("push must assign increasing sequence ids: %d %d %d",
			a.sequenceID, b.sequenceID, c.sequenceID)
	}

	for _, want := range []*task{a, b, c} {
		got := q.takeNext()
		if got != want {
			t.Fatalf("takeNext returned wrong task: got %p want %p", got, want)
		}
		checkLinks(t, &q)
	}
	if !q.isEmpty() {
		t.Fatal("queue should be empty after draining")
	}
}

func TestTaskQueue_RemoveArbitrary(t *testing.T) {
	var q taskQueue
	tasks := make([]*task, 5)
	for i := range tasks {
		tasks[i] = &task{}
		q.push(tasks[i])
	}

	// Middle, head, tail.
	q.remove(tasks[2])
	checkLinks(t, &q)
	q.remove(tasks[0])
	checkLinks(t, &q)
	q.remove(tasks[4])
	checkLinks(t, &q)

	want := []*task{tasks[1], tasks[3]}
	for _, w := range want {
		if got := q.takeNext(); got != w {
			t.Fatalf("unexpected order after removals: got %p want %p", got, w)
		}
	}
	if !q.isEmpty() {
		t.Fatal("queue should be empty")
	}

	// A removed task's links must be cleared.
	if tasks[2].prev != nil || tasks[2].next != nil {
		t.Fatal("removed task retains stale links")
	}
}

func TestTaskQueue_PushNilPanics(t *testing.T) {
	var q taskQueue
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("push(nil) must panic")
		}
		err, ok := r.(error)
		if !ok || !errors.As(err, new(*TypeError)) {
			t.Fatalf("expected *TypeError panic, got %v", r)
		}
	}()
	q.push(nil)
}

func TestTaskQueue_MergeNilSourcePanics(t *testing.T) {
	var q taskQueue
	defer func() {
		if recover() == nil {
			t.Fatal("merge(nil) must panic")
		}
	}()
	q.merge(nil, func(*task) bool { return true })
}

func TestTaskQueue_MergePreservesSequenceOrder(t *testing.T) {
	sigA := &TaskSignal{}
	sigB := &TaskSignal{}

	var src, dst taskQueue
	// Interleave pushes so sequence ids alternate between the queues.
	a1 := &task{options: taskOptions{signal: sigA}}
	src.push(a1)
	d1 := &task{options: taskOptions{signal: sigB}}
	dst.push(d1)
	a2 := &task{options: taskOptions{signal: sigA}}
	src.push(a2)
	d2 := &task{options: taskOptions{signal: sigB}}
	dst.push(d2)
	a3 := &task{options: taskOptions{signal: sigA}}
	src.push(a3)

	dst.merge(&src, func(t *task) bool { return t.options.signal == sigA })

	if !src.isEmpty() {
		t.Fatal("all matching tasks should have left the source")
	}
	checkLinks(t, &dst)

	want := []*task{a1, d1, a2, d2, a3}
	for i, w := range want {
		got := dst.takeNext()
		if got != w {
			t.Fatalf("position %d: got seq %d, want seq %d", i, got.sequenceID, w.sequenceID)
		}
	}
}

func TestTaskQueue_MergeSelective(t *testing.T) {
	sigA := &TaskSignal{}
	sigB := &TaskSignal{}

	var src, dst taskQueue
	match := &task{options: taskOptions{signal: sigA}}
	skip := &task{options: taskOptions{signal: sigB}}
	src.push(match)
	src.push(skip)

	dst.merge(&src, func(t *task) bool { return t.options.signal == sigA })

	if got := collectIDs(&src); len(got) != 1 || got[0] != skip.sequenceID {
		t.Fatalf("non-matching task should remain in source, got %v", got)
	}
	if got := collectIDs(&dst); len(got) != 1 || got[0] != match.sequenceID {
		t.Fatalf("matching task should move to destination, got %v", got)
	}
	checkLinks(t, &src)
	checkLinks(t, &dst)
}

func TestTaskQueue_MergeIntoEmptyAndFromEmpty(t *testing.T) {
	var src, dst taskQueue
	a := &task{}
	src.push(a)

	dst.merge(&src, func(*task) bool { return true })
	if dst.head != a || !src.isEmpty() {
		t.Fatal("merge into empty destination failed")
	}

	// Merging from an empty queue is a no-op.
	var empty taskQueue
	dst.merge(&empty, func(*task) bool { return true })
	if got := collectIDs(&dst); len(got) != 1 {
		t.Fatalf("merge from empty source changed destination: %v", got)
	}
}
