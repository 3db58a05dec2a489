//go:build linux

// Package signalbridge lets a Base treat POSIX signals as just another
// readiness source. Go cannot install a raw sigaction handler the way a C
// reactor would, but the runtime already carries the async-signal-safety
// burden for us: os/signal.Notify delivers signals onto an ordinary
// channel from an ordinary goroutine. Bridge drains that channel and
// turns each delivery into a write on a self-pipe (an eventfd, the
// Linux-idiomatic substitute for the classic pipe(2) pair), so the
// dispatch loop's single blocking wait call wakes up the same way it
// would for any other readiness event.
package signalbridge

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/nqreactor/reactor/log"
)

// ErrAlreadyOwned is returned by New when another Bridge in this process
// already claimed signal handling. The spec restricts signal ownership to
// one base per process; a second claim would race os/signal.Notify
// registrations against each other for no benefit.
var ErrAlreadyOwned = errors.New("signalbridge: signal handling already owned by another base")

// process-wide claim: at most one Bridge may be live per process at a time.
// Released on Close so a later Base can take over — a process that frees a
// base and constructs a fresh one (tests doing exactly that back-to-back,
// or a long-running service rebuilding its reactor) must be able to reclaim
// signal ownership, matching the reference implementation's evsignal_base
// pointer, which is cleared on teardown rather than poisoned forever.
var owner atomic.Bool

// maxSignal bounds the per-signal coalesce-counter table: signal numbers 0
// through 64, which is Linux's NSIG on most architectures. Larger signal
// numbers are rejected by Add and Del and ignored by the relay.
const maxSignal = 65

// Bridge owns the process's os/signal.Notify registration and exposes a
// single readable fd (an eventfd) the reactor's backend can register like
// any other I/O source.
type Bridge struct {
	wakeFD int

	ch chan os.Signal

	mu        sync.Mutex
	watched   map[int]struct{} // signals currently registered with the OS
	caught    [maxSignal]atomic.Uint32
	anyCaught atomic.Bool

	done chan struct{}
}

// New claims process-wide signal ownership and starts the relay goroutine.
// Only one Bridge may be live at a time; Close releases the claim.
func New() (*Bridge, error) {
	if !owner.CompareAndSwap(false, true) {
		return nil, ErrAlreadyOwned
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		owner.Store(false)
		return nil, errors.Wrap(err, "signalbridge: eventfd")
	}
	b := &Bridge{
		wakeFD:  wakeFD,
		ch:      make(chan os.Signal, 16),
		watched: make(map[int]struct{}),
		done:    make(chan struct{}),
	}
	go b.relay()
	return b, nil
}

// FD returns the self-pipe's readable fd, to be registered with the
// backend for Read readiness.
func (b *Bridge) FD() int { return b.wakeFD }

// Add registers sig for delivery. Idempotent.
func (b *Bridge) Add(sig syscall.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := int(sig)
	if n < 0 || n >= maxSignal {
		return errors.Errorf("signalbridge: signal %d out of range", n)
	}
	if _, ok := b.watched[n]; ok {
		return nil
	}
	b.watched[n] = struct{}{}
	signal.Notify(b.ch, sig)
	log.Debugf("signalbridge: watching signal %d", n)
	return nil
}

// Del unregisters sig. Idempotent; unregistering a signal never added is a
// no-op, matching the reactor's general del-of-unknown-handle tolerance.
func (b *Bridge) Del(sig syscall.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := int(sig)
	if n < 0 || n >= maxSignal {
		return errors.Errorf("signalbridge: signal %d out of range", n)
	}
	if _, ok := b.watched[n]; !ok {
		return nil
	}
	delete(b.watched, n)
	log.Debugf("signalbridge: stopped watching signal %d", n)
	signal.Stop(b.ch)
	// Re-arm delivery for whatever remains watched; signal.Stop tears down
	// every registration routed through b.ch.
	for remaining := range b.watched {
		signal.Notify(b.ch, syscall.Signal(remaining))
	}
	return nil
}

// relay drains os/signal's channel and bumps the per-signal counter,
// waking the self-pipe so the dispatch loop notices.
func (b *Bridge) relay() {
	for {
		select {
		case sig := <-b.ch:
			n := int(sig.(syscall.Signal))
			if n < 0 || n >= maxSignal {
				continue
			}
			b.caught[n].Add(1)
			b.anyCaught.Store(true)
			b.wake()
		case <-b.done:
			return
		}
	}
}

func (b *Bridge) wake() {
	buf := [8]byte{1}
	for {
		_, err := unix.Write(b.wakeFD, buf[:])
		if err == unix.EINTR {
			continue
		}
		return // EAGAIN (already pending) or success: either way, wake is armed
	}
}

// Drain reports, for each signal that fired since the last Drain, how many
// times it was delivered, and resets the counters. Called by the dispatch
// loop once per iteration, after the backend wait returns; it returns nil
// when nothing was caught. The count lets the caller
// invoke a PERSIST handle's callback once per coalesced delivery (S4's
// three-SIGUSR1 scenario), rather than collapsing repeats into one call
// the way plain I/O readiness does.
func (b *Bridge) Drain() map[syscall.Signal]int {
	if !b.anyCaught.CompareAndSwap(true, false) {
		return nil
	}
	var buf [8]byte
	unix.Read(b.wakeFD, buf[:])
	var fired map[syscall.Signal]int
	for n := 0; n < maxSignal; n++ {
		if c := b.caught[n].Swap(0); c > 0 {
			if fired == nil {
				fired = make(map[syscall.Signal]int)
			}
			fired[syscall.Signal(n)] = int(c)
		}
	}
	return fired
}

// Close tears down the relay goroutine, stops signal delivery, and
// releases the process-wide ownership claim.
func (b *Bridge) Close() error {
	b.mu.Lock()
	signal.Stop(b.ch)
	b.mu.Unlock()
	close(b.done)
	err := unix.Close(b.wakeFD)
	owner.Store(false)
	if err != nil {
		log.Errorf("signalbridge: close wakefd: %v", err)
		return errors.Wrap(err, "signalbridge: close")
	}
	return nil
}
