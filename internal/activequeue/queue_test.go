package activequeue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nqreactor/reactor/internal/activequeue"
)

type fakeEntry struct {
	name string
	next activequeue.Entry
}

func (e *fakeEntry) Next() activequeue.Entry    { return e.next }
func (e *fakeEntry) SetNext(n activequeue.Entry) { e.next = n }

func TestQueuesPushPopFIFOWithinPriority(t *testing.T) {
	q := activequeue.New(1)
	a := &fakeEntry{name: "a"}
	b := &fakeEntry{name: "b"}
	c := &fakeEntry{name: "c"}
	q.Push(0, a)
	q.Push(0, b)
	q.Push(0, c)

	require.Equal(t, 3, q.Len())
	assert.Equal(t, a, q.PopLowest())
	assert.Equal(t, b, q.PopLowest())
	assert.Equal(t, c, q.PopLowest())
	assert.Nil(t, q.PopLowest())
	assert.True(t, q.Empty())
}

func TestQueuesPopLowestDrainsHighestPriorityFirst(t *testing.T) {
	q := activequeue.New(3)
	hi := &fakeEntry{name: "hi"}
	mid := &fakeEntry{name: "mid"}
	lo := &fakeEntry{name: "lo"}
	q.Push(2, lo)
	q.Push(0, hi)
	q.Push(1, mid)

	assert.Equal(t, hi, q.PopLowest())
	assert.Equal(t, mid, q.PopLowest())
	assert.Equal(t, lo, q.PopLowest())
}

func TestQueuesLowestNonEmptyAndPopFromTargetPriority(t *testing.T) {
	q := activequeue.New(3)
	a := &fakeEntry{name: "a"}
	b := &fakeEntry{name: "b"}
	q.Push(2, b)
	q.Push(0, a)

	assert.Equal(t, 0, q.LowestNonEmpty())
	assert.Equal(t, a, q.PopFrom(0))
	assert.Equal(t, 2, q.LowestNonEmpty(), "priority 0 now empty, skip to 2")
	assert.Nil(t, q.PopFrom(1), "priority 1 was never used")
	assert.Equal(t, b, q.PopFrom(2))
	assert.Equal(t, -1, q.LowestNonEmpty())
}

func TestQueuesPopFromOutOfRangeReturnsNil(t *testing.T) {
	q := activequeue.New(2)
	assert.Nil(t, q.PopFrom(-1))
	assert.Nil(t, q.PopFrom(5))
}

func TestQueuesRemoveFromMiddle(t *testing.T) {
	q := activequeue.New(1)
	a := &fakeEntry{name: "a"}
	b := &fakeEntry{name: "b"}
	c := &fakeEntry{name: "c"}
	q.Push(0, a)
	q.Push(0, b)
	q.Push(0, c)

	require.True(t, q.Remove(0, b))
	assert.False(t, q.Remove(0, b), "second remove of the same entry is a no-op")

	var got []string
	for q.Len() > 0 {
		got = append(got, q.PopLowest().(*fakeEntry).name)
	}
	assert.Equal(t, []string{"a", "c"}, got)
}

func TestQueuesRemoveHeadUpdatesHeadPointer(t *testing.T) {
	q := activequeue.New(1)
	a := &fakeEntry{name: "a"}
	b := &fakeEntry{name: "b"}
	q.Push(0, a)
	q.Push(0, b)

	require.True(t, q.Remove(0, a))
	assert.Equal(t, b, q.PopLowest())
	assert.True(t, q.Empty())
}

func TestQueuesRemoveLastEntryClearsTail(t *testing.T) {
	q := activequeue.New(1)
	a := &fakeEntry{name: "a"}
	q.Push(0, a)
	require.True(t, q.Remove(0, a))
	assert.True(t, q.Empty())

	// Pushing again after the queue emptied via Remove must not be
	// corrupted by a stale tail pointer.
	b := &fakeEntry{name: "b"}
	q.Push(0, b)
	assert.Equal(t, b, q.PopLowest())
}

func TestQueuesRemoveOutOfRangePriorityReturnsFalse(t *testing.T) {
	q := activequeue.New(1)
	a := &fakeEntry{name: "a"}
	assert.False(t, q.Remove(5, a))
}

func TestQueuesResizePreservesExistingLevels(t *testing.T) {
	q := activequeue.New(2)
	a := &fakeEntry{name: "a"}
	q.Push(0, a)

	q.Resize(4)
	assert.Equal(t, 4, q.NumPriorities())
	assert.Equal(t, a, q.PopLowest())
}

func TestQueuesEmptyOnZeroValueAfterNew(t *testing.T) {
	q := activequeue.New(1)
	assert.True(t, q.Empty())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, -1, q.LowestNonEmpty())
}
