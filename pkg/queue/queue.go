// Package queue implements the blocking producer/consumer primitive used
// throughout the core for the global incoming-sms / outgoing-sms queues,
// per-BOX incoming queues, and retry lists (§5, "Coroutine/sleep-and-wake"
// and "Producer/consumer termination" in the Design Notes).
//
// A Queue tracks a producer count in addition to its item list. Consumers
// observe end-of-stream (Pop returning ok=false) only once the producer
// count has dropped to zero and the queue is empty -- the two-level
// "add-producer / remove-producer" idiom described in the Design Notes,
// modeled here with an explicit counter rather than the original's
// refcounted queue handles.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/protei/bearerbox/pkg/message"
)

// ErrFull is returned by Push when the queue is at its configured
// capacity (§5 "Back-pressure").
var ErrFull = errors.New("queue: full")

// Queue is a bounded (optionally unbounded) FIFO of messages with
// cooperative producer-count based termination and broadcast wakeups.
type Queue struct {
	mu        sync.Mutex
	items     []*message.Message
	producers int
	maxLen    int // < 0 means unlimited
	notify    chan struct{} // closed and replaced on every push/wake/producer-drop
}

// New creates a Queue. maxLen < 0 means unbounded.
func New(maxLen int) *Queue {
	return &Queue{maxLen: maxLen, notify: make(chan struct{})}
}

// wake closes the current notify channel (broadcasting to every waiter)
// and installs a fresh one. Caller must hold q.mu.
func (q *Queue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// AddProducer registers one producer handle. Call RemoveProducer exactly
// once per AddProducer when that producer is done.
func (q *Queue) AddProducer() {
	q.mu.Lock()
	q.producers++
	q.mu.Unlock()
}

// RemoveProducer releases one producer handle. When the count reaches
// zero, blocked consumers are woken and will observe end-of-stream once
// the queue drains.
func (q *Queue) RemoveProducer() {
	q.mu.Lock()
	q.producers--
	q.wakeLocked()
	q.mu.Unlock()
}

// Push appends msg, respecting the configured capacity. Returns ErrFull if
// over capacity; the caller is expected to signal queue-full to its peer
// (§7).
func (q *Queue) Push(msg *message.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxLen >= 0 && len(q.items) >= q.maxLen {
		return ErrFull
	}
	q.items = append(q.items, msg)
	q.wakeLocked()
	return nil
}

// Len returns the current backlog length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wake broadcasts to every blocked consumer without pushing an item,
// letting a fiber blocked in Pop re-check external state (e.g. an SMSC or
// BOX connection transitioning state) without waiting out its timeout.
func (q *Queue) Wake() {
	q.mu.Lock()
	q.wakeLocked()
	q.mu.Unlock()
}

// Pop blocks until an item is available or the producer count has dropped
// to zero with an empty queue, in which case ok is false.
func (q *Queue) Pop() (msg *message.Message, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg = q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		if q.producers == 0 {
			q.mu.Unlock()
			return nil, false
		}
		ch := q.notify
		q.mu.Unlock()
		<-ch
	}
}

// PopTimeout blocks like Pop but gives up after d with timedOut=true if
// nothing arrived and no wakeup occurred -- the "long sleep, woken on
// state change or queue push" shape used by the MT router and the MO->BOX
// dispatcher fibers.
func (q *Queue) PopTimeout(d time.Duration) (msg *message.Message, ok bool, timedOut bool) {
	q.mu.Lock()
	if len(q.items) > 0 {
		msg = q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return msg, true, false
	}
	if q.producers == 0 {
		q.mu.Unlock()
		return nil, false, false
	}
	ch := q.notify
	q.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		// Either a push landed (re-check and return it) or an explicit
		// Wake() fired to let the caller re-examine external state (an
		// SMSC/BOX connection transition) without waiting out the full
		// interval; either way we resolve against current queue state
		// immediately rather than re-arming the timer.
		q.mu.Lock()
		defer q.mu.Unlock()
		if len(q.items) > 0 {
			msg = q.items[0]
			q.items = q.items[1:]
			return msg, true, false
		}
		if q.producers == 0 {
			return nil, false, false
		}
		return nil, false, true
	case <-timer.C:
		return nil, false, true
	}
}
