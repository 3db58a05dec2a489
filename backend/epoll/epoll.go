// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

//go:build linux
// +build linux

// Package epoll is the reference readiness backend, built on Linux's epoll
// facility. It maintains an fd-indexed table of registered directions and
// translates epoll_wait reports into backend.ReadyFunc calls.
package epoll

import (
	"os"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nqreactor/reactor/backend"
	"github.com/nqreactor/reactor/backend/epoll/event"
	"github.com/nqreactor/reactor/log"
	"github.com/nqreactor/reactor/metrics"
)

const (
	rflags            = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR | unix.EPOLLPRI
	wflags            = unix.EPOLLOUT | unix.EPOLLHUP | unix.EPOLLERR
	defaultEventCount = 64
	initialFDTableLen = 16
)

// slot tracks which directions are currently registered for one fd.
type slot struct {
	dirs backend.Direction
}

// Epoll is the reference backend.Backend implementation.
type Epoll struct {
	fd       int
	fds      []slot // fd-indexed, doubled on growth, never shrunk
	events   []event.EpollEvent
	wakeFD   int // eventfd used as the self-pipe wake source
	wakeBuf  [8]byte
}

// New creates an epoll-backed backend, registering a self-pipe (an eventfd)
// with the kernel so Wake can interrupt a blocked Dispatch call. Returns
// backend.ErrUnavailable if the kernel facility could not be created.
func New() (backend.Backend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrapf(backend.ErrUnavailable, "epoll_create1: %v", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(backend.ErrUnavailable, "eventfd: %v", err)
	}
	ep := &Epoll{
		fd:     fd,
		fds:    make([]slot, initialFDTableLen),
		events: make([]event.EpollEvent, defaultEventCount),
		wakeFD: wakeFD,
	}
	if err := ep.ctl(unix.EPOLL_CTL_ADD, wakeFD, rflags, &wakeFD); err != nil {
		unix.Close(wakeFD)
		unix.Close(fd)
		return nil, errors.Wrap(err, "registering wake fd")
	}
	log.Debugf("epoll backend initialized: epfd=%d wakefd=%d", fd, wakeFD)
	return ep, nil
}

func (ep *Epoll) grow(fd int) {
	if fd < len(ep.fds) {
		return
	}
	n := len(ep.fds)
	if n == 0 {
		n = initialFDTableLen
	}
	for n <= fd {
		n *= 2
	}
	grown := make([]slot, n)
	copy(grown, ep.fds)
	ep.fds = grown
}

// Add implements backend.Backend.
func (ep *Epoll) Add(fd int, dirs backend.Direction) error {
	ep.grow(fd)
	existing := ep.fds[fd].dirs
	union := existing | dirs
	mask := maskFor(union)
	op := unix.EPOLL_CTL_MOD
	if existing == 0 {
		op = unix.EPOLL_CTL_ADD
	}
	if err := ep.ctl(op, fd, mask, &fd); err != nil {
		return errors.Wrapf(err, "epoll_ctl fd=%d", fd)
	}
	ep.fds[fd].dirs = union
	return nil
}

// Del implements backend.Backend.
func (ep *Epoll) Del(fd int, dirs backend.Direction) error {
	if fd >= len(ep.fds) {
		return nil
	}
	residual := ep.fds[fd].dirs &^ dirs
	if residual == 0 {
		if err := ep.ctl(unix.EPOLL_CTL_DEL, fd, 0, nil); err != nil {
			return errors.Wrapf(err, "epoll_ctl del fd=%d", fd)
		}
		ep.fds[fd].dirs = 0
		return nil
	}
	if err := ep.ctl(unix.EPOLL_CTL_MOD, fd, maskFor(residual), &fd); err != nil {
		return errors.Wrapf(err, "epoll_ctl mod fd=%d", fd)
	}
	ep.fds[fd].dirs = residual
	return nil
}

func maskFor(dirs backend.Direction) uint32 {
	var mask uint32
	if dirs&backend.Read != 0 {
		mask |= rflags
	}
	if dirs&backend.Write != 0 {
		mask |= wflags
	}
	return mask
}

func (ep *Epoll) ctl(op int, fd int, mask uint32, dataFD *int) error {
	var evt event.EpollEvent
	evt.Events = mask
	if dataFD != nil {
		*(*int32)(unsafe.Pointer(&evt.Data)) = int32(*dataFD)
	}
	var ptr unsafe.Pointer
	if op != unix.EPOLL_CTL_DEL {
		ptr = unsafe.Pointer(&evt)
	}
	_, _, errno := unix.RawSyscall6(unix.SYS_EPOLL_CTL,
		uintptr(ep.fd), uintptr(op), uintptr(fd), uintptr(ptr), 0, 0)
	if errno != 0 {
		return os.NewSyscallError("epoll_ctl", errno)
	}
	return nil
}

// Dispatch implements backend.Backend.
func (ep *Epoll) Dispatch(tv *time.Duration, ready backend.ReadyFunc) error {
	msec := -1
	if tv != nil {
		// Ceiling-round any sub-millisecond remainder so the wait never
		// returns before the requested deadline.
		msec = int((*tv + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := epollWait(ep.fd, ep.events, msec)
	if err != nil {
		if err == unix.EINTR {
			metrics.Add(metrics.EpollEINTR, 1)
			log.Debug("epoll_wait: EINTR absorbed")
			return nil
		}
		return os.NewSyscallError("epoll_wait", err)
	}
	metrics.Add(metrics.EpollWaitCalls, 1)
	metrics.Add(metrics.EpollEventsTotal, uint64(n))
	for i := 0; i < n; i++ {
		raw := ep.events[i]
		fd := int(*(*int32)(unsafe.Pointer(&raw.Data)))
		if fd == ep.wakeFD {
			unix.Read(ep.wakeFD, ep.wakeBuf[:])
			continue
		}
		hup := raw.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0
		var dirs backend.Direction
		if raw.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
			dirs |= backend.Read
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			dirs |= backend.Write
		}
		ready(fd, dirs, hup)
	}
	return nil
}

func epollWait(epfd int, events []event.EpollEvent, msec int) (int, error) {
	var r0 uintptr
	var errno unix.Errno
	p := unsafe.Pointer(&events[0])
	if msec == 0 {
		r0, _, errno = unix.RawSyscall6(unix.SYS_EPOLL_PWAIT,
			uintptr(epfd), uintptr(p), uintptr(len(events)), 0, 0, 0)
		metrics.Add(metrics.EpollNoWaitCalls, 1)
	} else {
		r0, _, errno = unix.Syscall6(unix.SYS_EPOLL_PWAIT,
			uintptr(epfd), uintptr(p), uintptr(len(events)), uintptr(msec), 0, 0)
	}
	if errno != 0 {
		return 0, errno
	}
	return int(r0), nil
}

// Wake implements backend.Backend.
func (ep *Epoll) Wake() error {
	buf := [8]byte{1}
	for {
		_, err := unix.Write(ep.wakeFD, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil // already pending, coalesced by the kernel counter
		}
		if err != nil {
			return os.NewSyscallError("write", err)
		}
		return nil
	}
}

// Close implements backend.Backend.
func (ep *Epoll) Close() error {
	if err := unix.Close(ep.wakeFD); err != nil {
		return os.NewSyscallError("close", err)
	}
	if err := unix.Close(ep.fd); err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}
