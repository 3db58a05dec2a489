// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package reactor

import (
	"os"
	"time"

	"github.com/nqreactor/reactor/backend"
)

const defaultNumPriorities = 1

// Option configures a Base at construction time.
type Option struct {
	f func(*config)
}

type config struct {
	numPriorities int
	backendNew    backend.Factory
	clock         func() time.Time
	lockCallbacks bool
}

func (c *config) setDefault() {
	c.numPriorities = defaultNumPriorities
	c.clock = time.Now
}

// WithNumPriorities sets the number of priority active-queue levels. Must
// be called, if at all, before any Event is added; equivalent to calling
// PriorityInit up front.
func WithNumPriorities(n int) Option {
	return Option{func(c *config) {
		c.numPriorities = n
	}}
}

// WithBackendFactory overrides the readiness backend constructor. Intended
// for tests that need a fake backend; production callers should leave this
// unset so New selects the platform's real backend.
func WithBackendFactory(f backend.Factory) Option {
	return Option{func(c *config) {
		c.backendNew = f
	}}
}

// WithClock overrides the time source used for timeout scheduling and
// clock-jump correction. Intended for deterministic tests.
func WithClock(now func() time.Time) Option {
	return Option{func(c *config) {
		c.clock = now
	}}
}

// WithLockCallbacks makes Dispatch hold the base's internal mutex for the
// duration of each callback invocation, matching the teacher's
// safe-callback mode at a throughput cost. Off by default.
func WithLockCallbacks() Option {
	return Option{func(c *config) {
		c.lockCallbacks = true
	}}
}

// envForceNoEpoll, when set to "1", makes New skip the default backend list
// (epoll) and fail with ErrBackendUnavailable unless WithBackendFactory
// supplies a factory; a configured factory is used as usual. This is
// the Go-idiomatic rendering of the reference implementation's
// EVENT_NOEPOLL test knob: an environment variable rather than a libevent
// global, checked once at construction time.
const envForceNoEpoll = "REACTOR_NOEPOLL"

// envShowMethod, when set to "1", makes New log which backend it selected.
// Idiomatic rendering of EVENT_SHOW_METHOD.
const envShowMethod = "REACTOR_SHOW_METHOD"

func noEpollForced() bool {
	return os.Getenv(envForceNoEpoll) == "1"
}

func showMethodRequested() bool {
	return os.Getenv(envShowMethod) == "1"
}
