// Package reorder implements a bounded priority queue that re-sequences
// time-stamped ancillary messages (typically SEI payloads extracted in
// decode order) into presentation order.
//
// Messages are ordered by presentation time, with ties resolved by
// insertion order. When the queue grows beyond its maximum size the least
// message is handed to the consumer, so a queue sized to the stream's
// reorder depth releases each message as soon as no later-arriving message
// can precede it.
//
// A Queue is not safe for concurrent use; it is owned by one producer and
// its consumer callback runs synchronously on the producer's goroutine.
package reorder

import (
	"container/heap"
	"math"
)

// Unbounded is the MaxSize reported by a queue that has no size limit.
const Unbounded = -1

// TimeUnset marks a message without a presentation time. Such messages
// bypass the queue and are delivered to the consumer immediately.
const TimeUnset int64 = math.MinInt64 + 1

// Consumer receives messages leaving the queue in ascending presentation
// order. data is only valid for the duration of the call.
type Consumer func(presentationTimeUs int64, data []byte)

// message is a pooled queue element. Every field is overwritten by init
// before the slot is reused.
type message struct {
	presentationTimeUs int64
	tieBreak           uint64
	data               []byte
}

func (m *message) init(presentationTimeUs int64, tieBreak uint64, data []byte) {
	if presentationTimeUs == TimeUnset {
		panic("reorder: cannot store a message with an unset timestamp")
	}
	m.presentationTimeUs = presentationTimeUs
	m.tieBreak = tieBreak
	m.data = append(m.data[:0], data...)
}

// pending is a min-heap of slot indices ordered by (presentationTimeUs,
// tieBreak) of the referenced slots.
type pending struct {
	slots []message
	order []int
}

func (p *pending) Len() int { return len(p.order) }

func (p *pending) Less(i, j int) bool {
	a, b := &p.slots[p.order[i]], &p.slots[p.order[j]]
	if a.presentationTimeUs != b.presentationTimeUs {
		return a.presentationTimeUs < b.presentationTimeUs
	}
	return a.tieBreak < b.tieBreak
}

func (p *pending) Swap(i, j int) { p.order[i], p.order[j] = p.order[j], p.order[i] }

func (p *pending) Push(x any) { p.order = append(p.order, x.(int)) }

func (p *pending) Pop() any {
	n := len(p.order) - 1
	idx := p.order[n]
	p.order = p.order[:n]
	return idx
}

// Queue is a bounded presentation-order reordering queue. Element storage
// is an arena of reusable slots addressed through a free-index stack, so
// steady-state operation does not allocate.
type Queue struct {
	consumer     Consumer
	maxSize      int
	pending      pending
	free         []int
	nextTieBreak uint64
}

// New creates an unbounded Queue that delivers messages to consumer.
func New(consumer Consumer) *Queue {
	return &Queue{
		consumer: consumer,
		maxSize:  Unbounded,
	}
}

// SetMaxSize sets the maximum number of messages held by the queue. If
// the queue currently holds more than n messages, the least are delivered
// to the consumer until n remain. A size of 0 makes Add a pass-through.
// SetMaxSize panics if n is negative.
func (q *Queue) SetMaxSize(n int) {
	if n < 0 {
		panic("reorder: negative max size")
	}
	q.maxSize = n
	q.flushDownTo(n)
}

// MaxSize returns the maximum queue size, or Unbounded if none was set.
func (q *Queue) MaxSize() int {
	return q.maxSize
}

// Size returns the number of messages currently held.
func (q *Queue) Size() int {
	return q.pending.Len()
}

// Add inserts a copy of data at presentationTimeUs; the caller may reuse
// data once Add returns. The message is delivered straight to the consumer
// without being stored when the timestamp is TimeUnset, when the max size
// is 0, or when the queue is full and the message would already be the
// least element. Otherwise, if the insertion takes the queue beyond its
// max size, the least message is delivered.
func (q *Queue) Add(presentationTimeUs int64, data []byte) {
	if presentationTimeUs == TimeUnset ||
		q.maxSize == 0 ||
		(q.maxSize != Unbounded && q.pending.Len() >= q.maxSize && presentationTimeUs < q.peekTime()) {
		q.consumer(presentationTimeUs, data)
		return
	}

	slot := q.alloc()
	q.pending.slots[slot].init(presentationTimeUs, q.nextTieBreak, data)
	q.nextTieBreak++
	heap.Push(&q.pending, slot)

	if q.maxSize != Unbounded {
		q.flushDownTo(q.maxSize)
	}
}

// Flush delivers every held message to the consumer in ascending order,
// leaving the queue empty. The max size is unchanged.
func (q *Queue) Flush() {
	q.flushDownTo(0)
}

// Clear discards every held message without delivering it.
func (q *Queue) Clear() {
	for _, slot := range q.pending.order {
		q.release(slot)
	}
	q.pending.order = q.pending.order[:0]
}

func (q *Queue) peekTime() int64 {
	return q.pending.slots[q.pending.order[0]].presentationTimeUs
}

func (q *Queue) flushDownTo(n int) {
	for q.pending.Len() > n {
		slot := heap.Pop(&q.pending).(int)
		m := &q.pending.slots[slot]
		q.consumer(m.presentationTimeUs, m.data)
		q.release(slot)
	}
}

func (q *Queue) alloc() int {
	if n := len(q.free); n > 0 {
		slot := q.free[n-1]
		q.free = q.free[:n-1]
		return slot
	}
	q.pending.slots = append(q.pending.slots, message{})
	return len(q.pending.slots) - 1
}

func (q *Queue) release(slot int) {
	q.free = append(q.free, slot)
}
