package timerheap_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nqreactor/reactor/internal/timerheap"
)

type fakeItem struct {
	name     string
	deadline time.Time
	idx      int
}

func newFakeItem(name string, deadline time.Time) *fakeItem {
	return &fakeItem{name: name, deadline: deadline, idx: -1}
}

func (f *fakeItem) Deadline() time.Time     { return f.deadline }
func (f *fakeItem) SetDeadline(t time.Time) { f.deadline = t }
func (f *fakeItem) HeapIndex() int          { return f.idx }
func (f *fakeItem) SetHeapIndex(i int)      { f.idx = i }

func TestHeapTopReturnsEarliestDeadline(t *testing.T) {
	h := timerheap.New()
	base := time.Now()
	c := newFakeItem("c", base.Add(3*time.Second))
	a := newFakeItem("a", base.Add(1*time.Second))
	b := newFakeItem("b", base.Add(2*time.Second))

	h.Push(c)
	h.Push(a)
	h.Push(b)

	require.Equal(t, 3, h.Len())
	top := h.Top().(*fakeItem)
	assert.Equal(t, "a", top.name)
	// Top must not remove.
	assert.Equal(t, 3, h.Len())
}

func TestHeapPopDrainsInDeadlineOrder(t *testing.T) {
	h := timerheap.New()
	base := time.Now()
	names := []string{"e", "b", "d", "a", "c"}
	for _, n := range names {
		// Deadline follows the name: a earliest, e latest.
		h.Push(newFakeItem(n, base.Add(time.Duration(n[0]-'a')*time.Second)))
	}
	// Pushed out of deadline order; expect a,b,c,d,e back out.
	var got []string
	for h.Len() > 0 {
		it := h.Pop().(*fakeItem)
		got = append(got, it.name)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, got)
}

func TestHeapEmptyTopAndPopReturnNil(t *testing.T) {
	h := timerheap.New()
	assert.Nil(t, h.Top())
	assert.Nil(t, h.Pop())
}

func TestHeapEraseByHandle(t *testing.T) {
	h := timerheap.New()
	base := time.Now()
	a := newFakeItem("a", base.Add(1*time.Second))
	b := newFakeItem("b", base.Add(2*time.Second))
	c := newFakeItem("c", base.Add(3*time.Second))
	h.Push(a)
	h.Push(b)
	h.Push(c)

	h.Erase(b)
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, -1, b.HeapIndex(), "erased item loses its heap position")

	var got []string
	for h.Len() > 0 {
		got = append(got, h.Pop().(*fakeItem).name)
	}
	assert.Equal(t, []string{"a", "c"}, got)
}

func TestHeapEraseNoopWhenNotPresent(t *testing.T) {
	h := timerheap.New()
	a := newFakeItem("a", time.Now())
	h.Push(a)

	notPushed := newFakeItem("ghost", time.Now())
	h.Erase(notPushed) // must not panic or disturb a

	assert.Equal(t, 1, h.Len())
	assert.Equal(t, a, h.Top())
}

func TestHeapEraseTwiceIsNoop(t *testing.T) {
	h := timerheap.New()
	a := newFakeItem("a", time.Now())
	b := newFakeItem("b", time.Now().Add(time.Second))
	h.Push(a)
	h.Push(b)

	h.Erase(a)
	h.Erase(a) // second erase must be a no-op, not corrupt b
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, b, h.Top())
}

func TestHeapShiftPreservesRelativeOrderAndHeapProperty(t *testing.T) {
	h := timerheap.New()
	base := time.Now()
	a := newFakeItem("a", base.Add(1*time.Second))
	b := newFakeItem("b", base.Add(2*time.Second))
	c := newFakeItem("c", base.Add(3*time.Second))
	h.Push(b)
	h.Push(c)
	h.Push(a)

	h.Shift(-time.Hour)

	assert.Equal(t, base.Add(1*time.Second-time.Hour), a.Deadline())
	assert.Equal(t, base.Add(2*time.Second-time.Hour), b.Deadline())
	assert.Equal(t, base.Add(3*time.Second-time.Hour), c.Deadline())

	var got []string
	for h.Len() > 0 {
		got = append(got, h.Pop().(*fakeItem).name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestHeapReserveThenPushPopRoundTrip(t *testing.T) {
	h := timerheap.New()
	h.Reserve(100)
	base := time.Now()
	for i := 0; i < 50; i++ {
		h.Push(newFakeItem("x", base.Add(time.Duration(50-i)*time.Millisecond)))
	}
	require.Equal(t, 50, h.Len())
	prev := time.Time{}
	for h.Len() > 0 {
		it := h.Pop().(*fakeItem)
		assert.True(t, prev.IsZero() || !it.Deadline().Before(prev))
		prev = it.Deadline()
	}
}
