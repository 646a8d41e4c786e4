// Package workqueue provides a mutex-guarded FIFO of dispatch work items.
//
// The queue is non-blocking: Dequeue reports empty instead of waiting, and
// consumers exit their loop on empty. Each enqueued item is delivered to
// exactly one dequeuing goroutine. The queue owns only its own nodes; payload
// bytes referenced by items belong to whoever enqueued them and are released
// by the consumer, never by the queue.
package workqueue

import "sync"

// Item is one unit of dispatch work: a header plus one partition's payload.
type Item struct {
	Header  []byte
	Payload []byte
	Worker  int    // originating slot index from the partitioner
	Lines   int    // record count carried for accounting
	Digest  uint64 // payload content digest carried into run reports
}

type node struct {
	item *Item
	next *node
}

// Queue is a singly-linked FIFO protected by a single mutex. Critical
// sections are O(1) pointer operations.
type Queue struct {
	mu   sync.Mutex
	head *node
	tail *node
	n    int
}

// New returns an empty queue.
func New() *Queue { return &Queue{} }

// Enqueue appends it to the tail.
func (q *Queue) Enqueue(it *Item) {
	nd := &node{item: it}
	q.mu.Lock()
	if q.tail == nil {
		q.head = nd
	} else {
		q.tail.next = nd
	}
	q.tail = nd
	q.n++
	q.mu.Unlock()
}

// Dequeue pops the head item, or reports false when the queue is empty.
func (q *Queue) Dequeue() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == nil {
		return nil, false
	}
	nd := q.head
	q.head = nd.next
	if q.head == nil {
		q.tail = nil
	}
	q.n--
	return nd.item, true
}

// Len returns an instantaneous snapshot of the queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}
