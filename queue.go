package scheduler

import (
	"sync/atomic"
)

// taskSequence issues globally unique, strictly increasing sequence ids at
// queue-insertion time. Shared across all queues so merged queues interleave
// in true insertion order.
var taskSequence atomic.Uint64

// taskQueue is an intrusive doubly-linked FIFO of task records. The link
// fields live on the records themselves, so push, pop, and remove are O(1)
// with no per-insertion allocation.
//
// Invariants (hold after every operation): head is nil iff tail is nil;
// walking next from head reaches tail and walking prev from tail reaches
// head; sequence ids are strictly increasing along the list.
//
// taskQueue is not self-synchronizing; the scheduler guards all queues with
// its own mutex.
type taskQueue struct {
	head *task
	tail *task
}

// isEmpty reports whether the queue holds no records.
func (q *taskQueue) isEmpty() bool {
	return q.head == nil
}

// push assigns the next global sequence id to t and appends it at the tail.
// Passing nil is a programming error and panics with a *TypeError.
func (q *taskQueue) push(t *task) {
	if t == nil {
		panic(newTypeError("cannot push a nil task"))
	}
	t.sequenceID = taskSequence.Add(1)
	q.append(t)
}

// append links t at the tail without touching its sequence id. Used by push
// and by merge (which must preserve ids).
func (q *taskQueue) append(t *task) {
	t.prev = q.tail
	t.next = nil
	if q.tail != nil {
		q.tail.next = t
	} else {
		q.head = t
	}
	q.tail = t
}

// takeNext removes and returns the head record, or nil if the queue is empty.
func (q *taskQueue) takeNext() *task {
	t := q.head
	if t == nil {
		return nil
	}
	q.remove(t)
	return t
}

// remove unlinks t from the queue in constant time. t must be a member of
// this queue.
func (q *taskQueue) remove(t *task) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		q.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		q.tail = t.prev
	}
	t.prev = nil
	t.next = nil
}

// insertBefore links t immediately before pos, or at the tail when pos is
// nil. t's sequence id is left untouched.
func (q *taskQueue) insertBefore(pos, t *task) {
	if pos == nil {
		q.append(t)
		return
	}
	t.prev = pos.prev
	t.next = pos
	if pos.prev != nil {
		pos.prev.next = t
	} else {
		q.head = t
	}
	pos.prev = t
}

// merge transfers every record of source for which predicate holds into
// this queue, preserving sequence-id order in the destination.
//
// The destination cursor only ever moves forward: selected records are
// discovered in source order, which is sequence-id order, so their insertion
// positions in the destination are monotonically non-decreasing. Passing a
// nil source is a programming error and panics with a *TypeError.
func (q *taskQueue) merge(source *taskQueue, predicate func(*task) bool) {
	if source == nil {
		panic(newTypeError("cannot merge from a nil queue"))
	}
	if source == q {
		return
	}

	cursor := q.head
	for t := source.head; t != nil; {
		next := t.next
		if predicate(t) {
			source.remove(t)
			for cursor != nil && cursor.sequenceID < t.sequenceID {
				cursor = cursor.next
			}
			q.insertBefore(cursor, t)
		}
		t = next
	}
}
