// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package reactor

import (
	"github.com/panjf2000/ants/v2"

	"github.com/nqreactor/reactor/metrics"
)

// maxRoutines of 0 means ants treats the pool as unbounded (INT32_MAX).
const maxRoutines = 0

var usrPool, _ = ants.NewPool(maxRoutines)

// Submit runs task on the shared offload pool rather than the dispatch
// loop goroutine. Use it from a Callback to hand off blocking work (a
// database call, a slow computation) without stalling every other Event
// registered on the same Base; the dispatch loop itself never blocks on
// anything submitted this way.
func Submit(task func()) error {
	metrics.Add(metrics.TasksSubmitted, 1)
	return usrPool.Submit(task)
}
