package pool

import "sync"

// Item is one unit of crawl work. Attempts counts how many times the
// item has been handed to a worker and come back failed.
type Item struct {
	Code     string
	Date     string
	Attempts int
}

// Queue is a bounded-by-usage FIFO with task accounting: Join blocks
// until every pushed item has been marked Done, so a requeued item
// keeps the queue "open" until it reaches a terminal outcome.
type Queue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	items       []Item
	outstanding int
	closed      bool
}

func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds a new item and takes a reference on the queue; the
// reference is released by Done, not by Get. Reports false if the
// queue is already closed and the item was not accepted.
func (q *Queue) Push(it Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, it)
	q.outstanding++
	q.cond.Broadcast()
	return true
}

// Requeue puts a previously dequeued item back without touching the
// outstanding count, which the original Push still holds. Reports
// false if the queue is closed: the caller still owes Done for the
// item's original reference.
func (q *Queue) Requeue(it Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, it)
	q.cond.Broadcast()
	return true
}

// Get blocks until an item is available or the queue is closed. The
// second return is false once the queue is closed and drained.
func (q *Queue) Get() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Item{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

// Done releases the reference taken by Push. Call exactly once per
// pushed item, when it reaches a terminal outcome.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outstanding--
	if q.outstanding <= 0 {
		q.cond.Broadcast()
	}
}

// Join blocks until all pushed items are Done.
func (q *Queue) Join() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.outstanding > 0 {
		q.cond.Wait()
	}
}

// Close wakes all blocked getters; subsequent Get calls drain the
// remaining items and then report exhaustion.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}
