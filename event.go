// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package reactor

import (
	"time"

	"github.com/nqreactor/reactor/internal/activequeue"
)

// EventFlag is a subset of the kinds of readiness an Event cares about, or
// that triggered its pending activation.
type EventFlag uint16

// EventFlag bits. Read/Write/Signal/Timeout describe interest (or, in res,
// what fired); Persist is a registration modifier.
const (
	Read EventFlag = 1 << iota
	Write
	Signal
	Timeout
	Persist
)

// Has reports whether f contains all bits of other.
func (f EventFlag) Has(other EventFlag) bool { return f&other == other }

// membership tracks which internal lists an Event currently belongs to.
// It is the authoritative truth backing every invariant in §3 of the spec:
// every insert/remove flips the corresponding bit atomically with the list
// mutation that makes it true.
type membership uint8

const (
	memInit membership = 1 << iota
	memInserted            // on the backend's I/O registration (READ/WRITE)
	memSignal              // on the signal bridge's registered list
	memTimeout             // on the timer heap
	memActive              // on a priority active queue
)

// noHeapIndex is the sentinel heapIndex value for an Event not currently on
// the timer heap.
const noHeapIndex = -1

// Callback is invoked when an Event fires. res is the subset of interest
// bits that triggered this activation (e.g. Read, Timeout, Signal, or a
// combination when coalesced).
type Callback func(ev *Event, res EventFlag, arg any)

// Event is the user-visible record describing one pending registration: an
// fd (or signal number, when Signal is set), or a pure timer. Storage
// ownership stays with the caller; Base holds only a non-owning reference.
type Event struct {
	fd       int
	events   EventFlag
	callback Callback
	arg      any

	res              EventFlag
	priority         int
	priorityExplicit bool // true once SetPriority has been called; gates the nqueues/2 default

	deadline time.Time // absolute; zero means not armed

	ncalls  int
	pncalls *int

	flags membership

	heapIndex int // position in the timer heap, or noHeapIndex

	base *Base // non-owning

	// queueNext threads this Event through its priority's active FIFO
	// queue; it has no meaning outside activequeue bookkeeping.
	queueNext *Event
}

// NewEvent initializes a new Event handle for fd with the given interest
// mask, callback, and opaque argument. The handle is not yet registered
// with any Base; call Base.Add to arm it. This is the event_set analog.
func NewEvent(fd int, events EventFlag, cb Callback, arg any) *Event {
	return &Event{
		fd:        fd,
		events:    events,
		callback:  cb,
		arg:       arg,
		heapIndex: noHeapIndex,
		flags:     memInit,
	}
}

// SetPriority sets ev's priority queue index. Fails with ErrInvalidState if
// ev is currently active (on an active queue) — priority may be changed
// before activation but not after — or if p is out of range: negative, or,
// once ev is bound to a Base, >= that base's priority count. An unbound
// handle has no upper bound to validate against yet; Base.Add clamps it on
// first registration.
func (ev *Event) SetPriority(p int) error {
	if ev.flags&memActive != 0 {
		return ErrInvalidState
	}
	if p < 0 {
		return ErrInvalidState
	}
	if ev.base != nil && p >= ev.base.cfg.numPriorities {
		return ErrInvalidState
	}
	ev.priority = p
	ev.priorityExplicit = true
	return nil
}

// assignDefaultPriority gives ev the base's default priority (nqueues/2) if
// the caller never called SetPriority explicitly. Called by Base.Add.
func (ev *Event) assignDefaultPriority(nqueues int) {
	if !ev.priorityExplicit {
		ev.priority = nqueues / 2
	}
}

// Priority returns ev's current priority queue index.
func (ev *Event) Priority() int { return ev.priority }

// Pending reports which of the requested membership kinds in mask currently
// hold for ev (restricted to Read/Write/Signal/Timeout), plus the absolute
// deadline if Timeout is requested and armed.
func (ev *Event) Pending(mask EventFlag) (res EventFlag, deadline time.Time, ok bool) {
	if mask.Has(Timeout) && ev.flags&memTimeout != 0 {
		res |= Timeout
		deadline = ev.deadline
		ok = true
	}
	if mask&(Read|Write) != 0 && ev.flags&memInserted != 0 {
		res |= ev.events & mask & (Read | Write)
		ok = true
	}
	if mask.Has(Signal) && ev.flags&memSignal != 0 {
		res |= Signal
		ok = true
	}
	return res, deadline, ok
}

// Base returns the Base this Event is currently bound to, or nil.
func (ev *Event) Base() *Base { return ev.base }

// FD returns the file descriptor (or signal number, for a Signal event)
// this Event was created with.
func (ev *Event) FD() int { return ev.fd }

// Deadline, HeapIndex, and SetHeapIndex implement internal/timerheap.Item,
// letting the heap package stay decoupled from the Event type.
func (ev *Event) Deadline() time.Time     { return ev.deadline }
func (ev *Event) SetDeadline(t time.Time) { ev.deadline = t }
func (ev *Event) HeapIndex() int          { return ev.heapIndex }
func (ev *Event) SetHeapIndex(i int)      { ev.heapIndex = i }

// Next and SetNext implement internal/activequeue.Entry, letting the
// active-queue package stay decoupled from the Event type.
func (ev *Event) Next() activequeue.Entry {
	if ev.queueNext == nil {
		return nil
	}
	return ev.queueNext
}

func (ev *Event) SetNext(e activequeue.Entry) {
	if e == nil {
		ev.queueNext = nil
		return
	}
	ev.queueNext = e.(*Event)
}
