// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && !arm64 && !loong64 && !mips && !mipsle

// Package event provides definitions of the raw epoll_event struct as seen
// from Go, so that its 8-byte data union can carry the fd number the
// backend registered, read back when the kernel reports readiness.
package event

// EpollEvent defines epoll event data. On most architectures the kernel's
// struct epoll_event is packed with no padding between Events and Data.
type EpollEvent struct {
	Events uint32
	Data   [8]byte // unaligned uintptr
}
