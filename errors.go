// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package reactor

import "github.com/pkg/errors"

// Sentinel errors returned by Base operations. Wrap sites use
// github.com/pkg/errors so callers retain a stack-annotated chain while
// still being able to errors.Is against these values.
var (
	// ErrBackendUnavailable means no readiness backend could be
	// initialized; fatal to New.
	ErrBackendUnavailable = errors.New("reactor: no readiness backend available")

	// ErrInvalidState means the requested operation is not permitted in
	// the base's current state (e.g. PriorityInit with active events,
	// SetEvent after the event was already added).
	ErrInvalidState = errors.New("reactor: invalid state for operation")

	// ErrKernelFault means a kernel syscall returned an error other than
	// EINTR; surfaced from Dispatch, terminating the loop.
	ErrKernelFault = errors.New("reactor: kernel syscall failed")

	// ErrOutOfMemory means an allocation failed while growing the timer
	// heap, priority queues, or backend tables.
	ErrOutOfMemory = errors.New("reactor: allocation failed")

	// ErrClosed means the base has already been freed.
	ErrClosed = errors.New("reactor: base is closed")
)
