// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

//go:build linux

// Package reactor is a single-threaded, epoll-driven event loop that
// multiplexes file-descriptor readiness, wall-clock timeouts, and POSIX
// signals into user callbacks.
package reactor

import (
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/nqreactor/reactor/backend"
	"github.com/nqreactor/reactor/internal/activequeue"
	"github.com/nqreactor/reactor/internal/signalbridge"
	"github.com/nqreactor/reactor/internal/timerheap"
	"github.com/nqreactor/reactor/log"
	"github.com/nqreactor/reactor/metrics"
)

// DispatchFlag modifies a single Dispatch call.
type DispatchFlag uint8

const (
	// DispatchOnce makes Dispatch return after its first active-queue drain,
	// even if handles at other priorities are still active, rather than
	// looping indefinitely.
	DispatchOnce DispatchFlag = 1 << iota
	// DispatchNonBlock makes Dispatch never block in the backend wait call.
	DispatchNonBlock
)

// DispatchResult is the libevent-derived exit reason for a Dispatch call.
// A genuine backend failure is reported via the accompanying error instead
// of a fourth DispatchResult value.
type DispatchResult int

const (
	// DispatchExited means the loop returned via LoopBreak, a LoopExit
	// deadline, or DispatchOnce completing an iteration.
	DispatchExited DispatchResult = 0
	// DispatchNoEvents means there was nothing registered to wait for.
	DispatchNoEvents DispatchResult = 1
)

// ioSlot tracks the at-most-one-read and at-most-one-write handle
// registered for a given fd, per the core's uniqueness assumption.
type ioSlot struct {
	read  *Event
	write *Event
}

// Base is the reactor: it owns the registered-I/O table, the timer heap,
// the signal bridge, and the priority-indexed active queues, and drives
// the single dispatch loop that services all three. A Base and every
// Event bound to it must be used from one goroutine; see package docs for
// the concurrency model.
type Base struct {
	mu sync.Mutex

	cfg config
	be  backend.Backend
	sig *signalbridge.Bridge

	ioTable  map[int]*ioSlot
	sigTable map[int][]*Event

	timers *timerheap.Heap
	active *activequeue.Queues

	eventCount int // non-INTERNAL handles across INSERTED+SIGNAL+TIMEOUT

	gotterm       bool
	loopBreakFlag bool
	loopExitArmed bool
	loopExitAt    time.Time

	lastNow time.Time // for timeout_correct's backward-jump detection

	closed bool
}

// New constructs a Base, selecting the first backend factory that
// succeeds (epoll on Linux, unless WithBackendFactory overrides it) and
// installing the signal bridge's self-pipe as an internal readiness
// source.
func New(opts ...Option) (*Base, error) {
	var cfg config
	cfg.setDefault()
	for _, o := range opts {
		o.f(&cfg)
	}
	if cfg.numPriorities < 1 {
		return nil, errors.Wrap(ErrInvalidState, "numPriorities must be >= 1")
	}

	be, err := selectBackend(&cfg)
	if err != nil {
		return nil, err
	}

	sig, err := signalbridge.New()
	if err != nil {
		be.Close()
		return nil, errors.Wrap(err, "reactor: signal bridge")
	}
	if err := be.Add(sig.FD(), backend.Read); err != nil {
		sig.Close()
		be.Close()
		return nil, errors.Wrap(err, "reactor: registering signal self-pipe")
	}

	b := &Base{
		cfg:      cfg,
		be:       be,
		sig:      sig,
		ioTable:  make(map[int]*ioSlot),
		sigTable: make(map[int][]*Event),
		timers:   timerheap.New(),
		active:   activequeue.New(cfg.numPriorities),
		lastNow:  cfg.clock(),
	}
	return b, nil
}

// selectBackend tries cfg's configured factory, or the platform's default
// preference order, returning the first backend whose construction
// succeeds. REACTOR_NOEPOLL (the Go rendering of EVENT_NOEPOLL) suppresses
// the default order entirely, so a caller relying on it without also
// supplying WithBackendFactory gets ErrBackendUnavailable.
func selectBackend(cfg *config) (backend.Backend, error) {
	factories := []backend.Factory{cfg.backendNew}
	if cfg.backendNew == nil {
		if noEpollForced() {
			return nil, errors.Wrap(ErrBackendUnavailable, "REACTOR_NOEPOLL set and no alternate backend configured")
		}
		factories = defaultBackendFactories()
	}
	var lastErr error
	for _, f := range factories {
		be, err := f()
		if err != nil {
			lastErr = err
			continue
		}
		if showMethodRequested() {
			log.Infof("reactor: selected backend %T", be)
		}
		return be, nil
	}
	if lastErr == nil {
		lastErr = ErrBackendUnavailable
	}
	return nil, errors.Wrap(ErrBackendUnavailable, lastErr.Error())
}

// Free releases the base's backend and signal-bridge resources. Any
// remaining registered handles are deleted first, restoring them to the
// un-added state; their storage is left to the caller, unchanged.
func (b *Base) Free() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	for _, slot := range b.ioTable {
		for _, ev := range []*Event{slot.read, slot.write} {
			if ev != nil {
				b.delLocked(ev)
			}
		}
	}
	for _, handles := range b.sigTable {
		// Copy first: delLocked shifts b.sigTable's slice in place.
		for _, ev := range append([]*Event(nil), handles...) {
			b.delLocked(ev)
		}
	}
	for top := b.timers.Top(); top != nil; top = b.timers.Top() {
		ev := top.(*Event)
		b.delLocked(ev)
	}
	b.closed = true
	be, sig := b.be, b.sig
	b.mu.Unlock()

	var err error
	if cerr := sig.Close(); cerr != nil {
		err = cerr
	}
	if cerr := be.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Reinit re-creates the backend (needed after fork, when the kernel
// facility does not survive it) and re-registers every currently
// INSERTED handle against the fresh backend. The signal bridge and timer
// heap are untouched.
func (b *Base) Reinit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if err := b.be.Close(); err != nil {
		log.Errorf("reactor: reinit: closing old backend: %v", err)
	}
	be, err := selectBackend(&b.cfg)
	if err != nil {
		return err
	}
	if err := be.Add(b.sig.FD(), backend.Read); err != nil {
		be.Close()
		return errors.Wrap(err, "reactor: reinit: registering signal self-pipe")
	}
	for fd, slot := range b.ioTable {
		var dirs backend.Direction
		if slot.read != nil {
			dirs |= backend.Read
		}
		if slot.write != nil {
			dirs |= backend.Write
		}
		if dirs == 0 {
			continue
		}
		if err := be.Add(fd, dirs); err != nil {
			be.Close()
			return errors.Wrapf(err, "reactor: reinit: re-adding fd=%d", fd)
		}
	}
	b.be = be
	return nil
}

// PriorityInit changes the number of priority levels. Fails with
// ErrInvalidState if any handle is currently active.
func (b *Base) PriorityInit(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 1 {
		return errors.Wrap(ErrInvalidState, "n must be >= 1")
	}
	if !b.active.Empty() {
		return ErrInvalidState
	}
	b.active = activequeue.New(n)
	b.cfg.numPriorities = n
	return nil
}

// SetEvent binds ev to b. Must be called, if at all, before ev is first
// added to any base.
func (b *Base) SetEvent(ev *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev.flags&(memInserted|memSignal|memTimeout|memActive) != 0 {
		return ErrInvalidState
	}
	ev.base = b
	return nil
}

// Add arms ev. If timeout is non-nil, ev's absolute deadline is set to
// now+*timeout (rescheduling it if already armed). If ev's interest mask
// includes Read/Write and it is not already registered, it is submitted
// to the backend; if it includes Signal, to the signal bridge. A single
// call may install a timeout alongside an I/O or signal registration.
func (b *Base) Add(ev *Event, timeout *time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	ev.base = b
	ev.assignDefaultPriority(b.cfg.numPriorities)
	if ev.priority >= b.cfg.numPriorities {
		ev.priority = b.cfg.numPriorities - 1
	}

	if timeout != nil {
		before := ev.flags
		if ev.flags&memTimeout != 0 {
			b.timers.Erase(ev)
			metrics.Add(metrics.TimerReschedules, 1)
		}
		// If ev is active solely because a prior timeout already fired,
		// the fresh deadline supersedes that in-flight invocation.
		if ev.flags&memActive != 0 && ev.res == Timeout {
			b.active.Remove(ev.priority, ev)
			ev.flags &^= memActive
			ev.res = 0
		}
		ev.deadline = b.cfg.clock().Add(*timeout)
		ev.flags |= memTimeout
		b.timers.Push(ev)
		b.accountMembership(before, ev.flags)
		metrics.Add(metrics.TimerAdds, 1)
	}

	if ev.events&(Read|Write) != 0 && ev.flags&(memInserted|memActive) == 0 {
		dirs := backend.Direction(0)
		if ev.events.Has(Read) {
			dirs |= backend.Read
		}
		if ev.events.Has(Write) {
			dirs |= backend.Write
		}
		if err := b.be.Add(ev.fd, dirs); err != nil {
			return errors.Wrapf(err, "reactor: add fd=%d", ev.fd)
		}
		slot := b.ioTable[ev.fd]
		if slot == nil {
			slot = &ioSlot{}
			b.ioTable[ev.fd] = slot
		}
		if ev.events.Has(Read) {
			slot.read = ev
		}
		if ev.events.Has(Write) {
			slot.write = ev
		}
		before := ev.flags
		ev.flags |= memInserted
		b.accountMembership(before, ev.flags)
	}

	if ev.events.Has(Signal) && ev.flags&memSignal == 0 {
		if err := b.sig.Add(syscall.Signal(ev.fd)); err != nil {
			return errors.Wrapf(err, "reactor: add signal=%d", ev.fd)
		}
		b.sigTable[ev.fd] = append(b.sigTable[ev.fd], ev)
		before := ev.flags
		ev.flags |= memSignal
		b.accountMembership(before, ev.flags)
	}

	b.wakeLocked()
	return nil
}

// Del removes ev from every membership it currently holds. A handle that
// was never bound to a Base (never SetEvent, never Add) fails with
// ErrInvalidState, mirroring event_del's "an event without a base has not
// been added" check (event.c:951-952); a bound handle with no memberships
// (already deleted, or added with neither timeout nor I/O/signal interest)
// is a successful no-op, matching the fallthrough at event.c:982.
func (b *Base) Del(ev *Event) error {
	if ev.base == nil {
		return ErrInvalidState
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delLocked(ev)
	b.wakeLocked()
	return nil
}

// wakeLocked interrupts a concurrently-blocked Dispatch call so it notices
// state this call just changed (a fresh activation, a shortened timeout, a
// membership change that might satisfy DispatchNoEvents) without waiting
// out whatever timeout it last computed. It does nothing unless
// WithLockCallbacks is set: that is the one mode where Add/Del/Activate are
// expected to be reached from a goroutine other than the one running
// Dispatch. Outside that mode the caller is assumed to be on the dispatch
// goroutine itself, where a wake would be a wasted syscall every iteration.
func (b *Base) wakeLocked() {
	if !b.cfg.lockCallbacks || b.closed {
		return
	}
	if err := b.be.Wake(); err != nil {
		log.Errorf("reactor: wake: %v", err)
	}
}

func (b *Base) delLocked(ev *Event) {
	if ev.pncalls != nil {
		*ev.pncalls = 0
		ev.pncalls = nil
	}
	before := ev.flags

	if ev.flags&memTimeout != 0 {
		b.timers.Erase(ev)
		ev.flags &^= memTimeout
		ev.deadline = time.Time{}
	}
	if ev.flags&memActive != 0 {
		b.active.Remove(ev.priority, ev)
		ev.flags &^= memActive
		ev.res = 0
	}
	if ev.flags&memInserted != 0 {
		var dirs backend.Direction
		if ev.events.Has(Read) {
			dirs |= backend.Read
		}
		if ev.events.Has(Write) {
			dirs |= backend.Write
		}
		if err := b.be.Del(ev.fd, dirs); err != nil {
			log.Errorf("reactor: del fd=%d: %v", ev.fd, err)
		}
		if slot, ok := b.ioTable[ev.fd]; ok {
			if slot.read == ev {
				slot.read = nil
			}
			if slot.write == ev {
				slot.write = nil
			}
			if slot.read == nil && slot.write == nil {
				delete(b.ioTable, ev.fd)
			}
		}
		ev.flags &^= memInserted
	}
	if ev.flags&memSignal != 0 {
		if err := b.sig.Del(syscall.Signal(ev.fd)); err != nil {
			log.Errorf("reactor: del signal=%d: %v", ev.fd, err)
		}
		handles := b.sigTable[ev.fd]
		for i, h := range handles {
			if h == ev {
				b.sigTable[ev.fd] = append(handles[:i], handles[i+1:]...)
				break
			}
		}
		if len(b.sigTable[ev.fd]) == 0 {
			delete(b.sigTable, ev.fd)
		}
		ev.flags &^= memSignal
	}

	b.accountMembership(before, ev.flags)
}

// Activate externally enqueues ev with result bits res and ncalls
// invocations. If ev is already active, res is OR'd into its accumulated
// result and the call is otherwise a no-op (coalescing).
func (b *Base) Activate(ev *Event, res EventFlag, ncalls int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// A handle may be activated without ever passing through Add, so the
	// default-priority assignment and clamp must happen here too.
	ev.assignDefaultPriority(b.cfg.numPriorities)
	if ev.priority >= b.cfg.numPriorities {
		ev.priority = b.cfg.numPriorities - 1
	}
	b.activateLocked(ev, res, ncalls)
	b.wakeLocked()
}

func (b *Base) activateLocked(ev *Event, res EventFlag, ncalls int) {
	if ev.flags&memActive != 0 {
		ev.res |= res
		return
	}
	ev.res = res
	ev.ncalls = ncalls
	ev.pncalls = nil
	ev.flags |= memActive
	b.active.Push(ev.priority, ev)
}

// accountMembership keeps eventCount in sync with the INSERTED+SIGNAL+
// TIMEOUT union, ignoring ACTIVE (which is never counted).
func (b *Base) accountMembership(before, after membership) {
	const counted = memInserted | memSignal | memTimeout
	had := before&counted != 0
	has := after&counted != 0
	if had == has {
		return
	}
	if has {
		b.eventCount++
	} else {
		b.eventCount--
	}
}

// LoopExit schedules a one-shot termination: the loop exits after the
// current iteration once d has elapsed. d<=0 requests immediate exit on
// the next iteration boundary.
func (b *Base) LoopExit(d time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if d <= 0 {
		b.gotterm = true
		b.loopExitArmed = false
		return nil
	}
	b.loopExitArmed = true
	b.loopExitAt = b.cfg.clock().Add(d)
	return nil
}

// LoopBreak requests the loop exit as soon as the running callback returns:
// the rest of the in-progress active-queue drain (including any remaining
// ncalls of that callback) is skipped, and Dispatch returns at the start of
// its next iteration.
func (b *Base) LoopBreak() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.loopBreakFlag = true
	return nil
}

// Once registers a self-freeing single-shot handle: it is added with the
// PERSIST bit stripped (so it auto-removes after firing) and its storage
// is owned entirely by this call — the caller does not need to retain or
// delete it.
func (b *Base) Once(fd int, events EventFlag, cb Callback, arg any, tv time.Duration) error {
	ev := NewEvent(fd, events&^Persist, cb, arg)
	if err := b.SetEvent(ev); err != nil {
		return err
	}
	var tvp *time.Duration
	if tv > 0 {
		tvp = &tv
	}
	return b.Add(ev, tvp)
}

// Dispatch runs the loop described in §4.4: clock correction, compute the
// next wait timeout, block in the backend, drain the signal bridge, fire
// expired timers, then drain the highest-priority non-empty active queue.
func (b *Base) Dispatch(flags DispatchFlag) (DispatchResult, error) {
	once := flags&DispatchOnce != 0
	nonblock := flags&DispatchNonBlock != 0

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return DispatchExited, ErrClosed
		}
		if b.gotterm {
			b.gotterm = false
			b.mu.Unlock()
			metrics.Add(metrics.LoopexitCount, 1)
			return DispatchExited, nil
		}
		if b.loopBreakFlag {
			b.loopBreakFlag = false
			b.mu.Unlock()
			metrics.Add(metrics.LoopbreakCount, 1)
			return DispatchExited, nil
		}

		b.timeoutCorrectLocked()

		if b.loopExitArmed && !b.cfg.clock().Before(b.loopExitAt) {
			b.loopExitArmed = false
			b.mu.Unlock()
			metrics.Add(metrics.LoopexitCount, 1)
			return DispatchExited, nil
		}

		haveActive := !b.active.Empty()
		var tv *time.Duration
		if haveActive || nonblock {
			zero := time.Duration(0)
			tv = &zero
		} else if top := b.timers.Top(); top != nil {
			d := top.Deadline().Sub(b.cfg.clock())
			if d < 0 {
				d = 0
			}
			tv = &d
		}
		if b.loopExitArmed && !haveActive && !nonblock {
			until := b.loopExitAt.Sub(b.cfg.clock())
			if until < 0 {
				until = 0
			}
			if tv == nil || until < *tv {
				tv = &until
			}
		}

		if b.eventCount == 0 && !haveActive {
			b.mu.Unlock()
			return DispatchNoEvents, nil
		}

		be := b.be
		b.mu.Unlock()

		metrics.Add(metrics.LoopIterations, 1)
		if err := be.Dispatch(tv, b.onReady); err != nil {
			log.Errorf("reactor: backend dispatch: %v", err)
			return DispatchExited, errors.Wrap(ErrKernelFault, err.Error())
		}

		b.mu.Lock()
		b.drainSignalsLocked()
		b.timeoutProcessLocked()
		activeNow := !b.active.Empty()
		b.mu.Unlock()

		if activeNow {
			b.processActive()
			if once {
				// §4.4: "only one priority is drained per outer iteration."
				// ONCE returns after that single drain even if activating
				// another, lower-priority queue left work pending — that
				// queue waits for the caller's next Dispatch call.
				return DispatchExited, nil
			}
		} else if nonblock {
			return DispatchExited, nil
		}
	}
}

// onReady is the backend.ReadyFunc passed to be.Dispatch. It runs on the
// same goroutine as Dispatch, synchronously, once per reported fd.
func (b *Base) onReady(fd int, dirs backend.Direction, hup bool) {
	if fd == b.sig.FD() {
		return // the signal bridge itself is drained once per iteration
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	slot, ok := b.ioTable[fd]
	if !ok {
		return
	}
	if hup {
		if slot.read != nil {
			b.activateLocked(slot.read, Read, 1)
		}
		if slot.write != nil {
			b.activateLocked(slot.write, Write, 1)
		}
		return
	}
	if dirs&backend.Read != 0 && slot.read != nil {
		b.activateLocked(slot.read, Read, 1)
	}
	if dirs&backend.Write != 0 && slot.write != nil {
		b.activateLocked(slot.write, Write, 1)
	}
}

// drainSignalsLocked applies accumulated signal counts to every handle
// registered for the signals that fired, per §4.3's Drain contract.
func (b *Base) drainSignalsLocked() {
	fired := b.sig.Drain()
	if len(fired) == 0 {
		return
	}
	for sig, count := range fired {
		metrics.Add(metrics.SignalFires, uint64(count))
		if count > 1 {
			metrics.Add(metrics.SignalCoalesced, uint64(count-1))
		}
		// Copy before iterating: delLocked below mutates b.sigTable[sig] in
		// place (shifting the backing array), which would corrupt a live
		// range over the same slice.
		handles := append([]*Event(nil), b.sigTable[int(sig)]...)
		for _, ev := range handles {
			if ev.events.Has(Persist) {
				b.activateLocked(ev, Signal, count)
				continue
			}
			b.delLocked(ev)
			b.activateLocked(ev, Signal, count)
		}
	}
}

// timeoutProcessLocked fires every timer whose deadline has passed.
func (b *Base) timeoutProcessLocked() {
	now := b.cfg.clock()
	for {
		top := b.timers.Top()
		if top == nil {
			return
		}
		if top.Deadline().After(now) {
			return
		}
		ev := top.(*Event)
		b.delLocked(ev)
		b.activateLocked(ev, Timeout, 1)
		metrics.Add(metrics.TimerFires, 1)
	}
}

// timeoutCorrectLocked detects backward wall-clock jumps and shifts every
// heap deadline by the same delta, preserving relative order. A no-op
// whenever the configured clock is monotonic (time.Now's result never
// moves backward in this sense, so in practice this only matters for
// injected clocks in tests).
func (b *Base) timeoutCorrectLocked() {
	now := b.cfg.clock()
	if !b.lastNow.IsZero() && now.Before(b.lastNow) {
		delta := b.lastNow.Sub(now)
		b.timers.Shift(-delta)
	}
	b.lastNow = now
}

// processActive selects the lowest-indexed non-empty priority queue once,
// then drains it fully — including entries appended to it mid-drain by
// callbacks it runs — before returning. Higher-numbered queues are never
// touched by this call; see §4.4 for why that is intentional.
func (b *Base) processActive() {
	b.mu.Lock()
	p := b.active.LowestNonEmpty()
	b.mu.Unlock()
	if p < 0 {
		return
	}
	for {
		b.mu.Lock()
		entry := b.active.PopFrom(p)
		b.mu.Unlock()
		if entry == nil {
			return
		}
		b.invokeOne(entry.(*Event))

		b.mu.Lock()
		brk := b.gotterm || b.loopBreakFlag
		b.mu.Unlock()
		if brk {
			return
		}
	}
}

// invokeOne runs ev's callback ncalls times, per §4.4's process_active
// contract: a non-PERSIST handle is fully deleted (every membership, not
// just ACTIVE) before its first invocation, so a callback that re-Adds
// itself observes a clean, freshly-added handle rather than a half-torn-
// down one. A PERSIST handle only loses ACTIVE membership, staying
// INSERTED/SIGNAL/TIMEOUT across the call.
//
// ev.pncalls aliases the loop counter directly, so a concurrent Del
// (called from within the callback, or from Submit'd work that reaches
// back in — though that would violate the single-goroutine model) that
// zeroes *ev.pncalls cancels remaining invocations immediately.
func (b *Base) invokeOne(ev *Event) {
	b.mu.Lock()
	persist := ev.events.Has(Persist)
	res := ev.res
	if !persist {
		b.delLocked(ev)
	} else {
		ev.flags &^= memActive
		ev.res = 0
	}
	ncalls := ev.ncalls
	ev.pncalls = &ncalls
	cb := ev.callback
	arg := ev.arg
	b.mu.Unlock()

	metrics.Add(metrics.ActiveQueueDrains, 1)
	for ncalls > 0 {
		ncalls--
		if b.cfg.lockCallbacks {
			// WithLockCallbacks trades throughput for letting a callback
			// safely call back into Add/Del/Activate from another
			// goroutine without the caller building its own fencing.
			b.mu.Lock()
			cb(ev, res, arg)
			b.mu.Unlock()
		} else {
			cb(ev, res, arg)
		}
		metrics.Add(metrics.CallbacksInvoked, 1)
		b.mu.Lock()
		brk := b.gotterm || b.loopBreakFlag
		b.mu.Unlock()
		if brk {
			break
		}
	}
	ev.pncalls = nil
}
