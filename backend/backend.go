// Package backend defines the pluggable readiness-notification facility that
// drives a reactor's dispatch loop. The epoll subpackage provides the
// reference instantiation; other kernel facilities (kqueue, evport, IOCP)
// are external collaborators not implemented by this module.
package backend

import (
	"time"

	"github.com/pkg/errors"
)

// Direction is the subset of I/O readiness a registration cares about.
type Direction uint8

// Direction bits. A registration may combine Read and Write.
const (
	Read Direction = 1 << iota
	Write
)

// ReadyFunc is invoked by the backend once per fd with a readiness report
// for that fd's current iteration. dirs is the union of Read/Write that
// became ready; hup indicates the kernel additionally reported HUP or ERR
// (in which case both previously-registered directions are considered
// ready, per spec).
type ReadyFunc func(fd int, dirs Direction, hup bool)

// Backend is the pluggable readiness-notification facility. A single
// instance owns one kernel subscription set keyed by fd.
type Backend interface {
	// Add registers interest in dirs for fd. Growing internal tables as
	// necessary. Calling Add a second time for the same fd adds to the
	// existing registration (union of directions).
	Add(fd int, dirs Direction) error

	// Del removes interest in dirs for fd. If the residual interest after
	// removal is empty the fd is fully deregistered from the kernel.
	Del(fd int, dirs Direction) error

	// Dispatch blocks for at most the duration described by tv (nil means
	// block indefinitely, a zero duration means do not block) and reports
	// readiness via ready. EINTR is absorbed internally and reported as a
	// zero-activation, nil-error return. Any other kernel error is
	// returned and the caller must treat the loop as unable to continue.
	Dispatch(tv *time.Duration, ready ReadyFunc) error

	// Wake interrupts a blocked Dispatch call by writing to the backend's
	// own internal self-pipe, distinct from the signal bridge's. The base
	// calls this after Add/Del/Activate under WithLockCallbacks, the one
	// mode where those calls are expected from a goroutine other than the
	// one running Dispatch.
	Wake() error

	// Close releases the kernel handle and any backend-owned resources.
	Close() error
}

// Factory constructs a Backend. It takes no arguments; the base registers
// the signal bridge's self-pipe with the returned Backend itself, through
// Add. Factories are tried in preference order by New; the first whose
// construction succeeds is selected.
type Factory func() (Backend, error)

// ErrUnavailable is returned by a Factory when the backend's kernel facility
// could not be initialized on this platform/process (e.g. the creation
// syscall failed). Factories do not read environment variables; the
// REACTOR_NOEPOLL check happens in the reactor's backend selection.
var ErrUnavailable = errors.New("backend: facility unavailable")
