// Package activequeue implements the reactor's priority-indexed active
// queues: once an Event is deemed ready (by I/O readiness, timeout, or
// signal delivery), it is appended to the FIFO queue for its priority and
// drained lowest-index-first by the dispatch loop, starving
// higher-numbered (lower priority) queues under sustained load. This is
// deliberate libevent-derived behavior, not a bug.
package activequeue

// Entry is the contract an element must satisfy to live on an active
// queue: a mutable next-pointer slot the queue owns exclusively while the
// entry is enqueued.
type Entry interface {
	// Next returns the entry's current successor link.
	Next() Entry
	// SetNext sets the entry's successor link.
	SetNext(e Entry)
}

// Queues holds one FIFO list per priority level, indexed 0 (highest
// priority) through len(Queues)-1 (lowest).
type Queues struct {
	heads []Entry
	tails []Entry
	count int
}

// New creates a Queues with n priority levels. n must be at least 1.
func New(n int) *Queues {
	return &Queues{
		heads: make([]Entry, n),
		tails: make([]Entry, n),
	}
}

// NumPriorities returns the number of priority levels.
func (q *Queues) NumPriorities() int { return len(q.heads) }

// Resize changes the number of priority levels to n. Existing queue
// contents for levels that still exist are preserved; it is the caller's
// responsibility to ensure no entries are queued on levels being removed
// (compare the base's PriorityInit, which refuses to run while any event
// is active).
func (q *Queues) Resize(n int) {
	heads := make([]Entry, n)
	tails := make([]Entry, n)
	copy(heads, q.heads)
	copy(tails, q.tails)
	q.heads = heads
	q.tails = tails
}

// Len returns the total number of entries across all priority levels.
func (q *Queues) Len() int { return q.count }

// Push appends e to the FIFO for priority p. O(1).
func (q *Queues) Push(p int, e Entry) {
	e.SetNext(nil)
	if q.tails[p] == nil {
		q.heads[p] = e
	} else {
		q.tails[p].SetNext(e)
	}
	q.tails[p] = e
	q.count++
}

// PopLowest removes and returns the head entry of the lowest-indexed
// (highest priority) non-empty queue, or nil if all queues are empty.
func (q *Queues) PopLowest() Entry {
	for p := 0; p < len(q.heads); p++ {
		if e := q.heads[p]; e != nil {
			q.heads[p] = e.Next()
			if q.heads[p] == nil {
				q.tails[p] = nil
			}
			e.SetNext(nil)
			q.count--
			return e
		}
	}
	return nil
}

// Empty reports whether every priority queue is empty.
func (q *Queues) Empty() bool { return q.count == 0 }

// LowestNonEmpty returns the index of the lowest-numbered (highest
// priority) non-empty queue, or -1 if every queue is empty. The dispatch
// loop calls this once per processActive invocation, then drains only
// that queue via PopFrom until it runs dry — never re-scanning to a
// different priority mid-drain.
func (q *Queues) LowestNonEmpty() int {
	for p := 0; p < len(q.heads); p++ {
		if q.heads[p] != nil {
			return p
		}
	}
	return -1
}

// PopFrom removes and returns the head entry of priority p's queue
// specifically, or nil if that queue is empty. O(1).
func (q *Queues) PopFrom(p int) Entry {
	if p < 0 || p >= len(q.heads) {
		return nil
	}
	e := q.heads[p]
	if e == nil {
		return nil
	}
	q.heads[p] = e.Next()
	if q.heads[p] == nil {
		q.tails[p] = nil
	}
	e.SetNext(nil)
	q.count--
	return e
}

// Remove deletes e from priority p's queue if present. O(queue length);
// active queues are expected to be shallow (one iteration's worth of
// ready handles), so a linear scan is acceptable here, unlike the timer
// heap's hot erase-by-handle path.
func (q *Queues) Remove(p int, e Entry) bool {
	if p < 0 || p >= len(q.heads) {
		return false
	}
	var prev Entry
	cur := q.heads[p]
	for cur != nil {
		if cur == e {
			next := cur.Next()
			if prev == nil {
				q.heads[p] = next
			} else {
				prev.SetNext(next)
			}
			if q.tails[p] == cur {
				q.tails[p] = prev
			}
			cur.SetNext(nil)
			q.count--
			return true
		}
		prev = cur
		cur = cur.Next()
	}
	return false
}
