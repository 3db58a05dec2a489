//
//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2023 THL A29 Limited, a Tencent company.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

// Package metrics provides runtime monitoring counters for the reactor,
// such as the efficiency of epoll_wait batching, which is useful for
// tuning priority counts and callback cost.
package metrics

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// All metrics definitions.
const (
	// Backend (epoll) metrics.
	EpollWaitCalls = iota
	EpollNoWaitCalls
	EpollEventsTotal
	EpollEINTR

	// Timer heap metrics.
	TimerFires
	TimerAdds
	TimerReschedules

	// Signal bridge metrics.
	SignalFires
	SignalCoalesced

	// Dispatch loop metrics.
	ActiveQueueDrains
	CallbacksInvoked
	LoopIterations
	LoopbreakCount
	LoopexitCount

	// Offload pool metrics.
	TasksSubmitted

	Max
)

var (
	counters [Max]atomic.Uint64
)

// Add adds delta to the named counter.
func Add(name int, delta uint64) {
	if name >= Max {
		return
	}
	counters[name].Add(delta)
}

// Get returns one counter's current value.
func Get(name int) uint64 {
	if name >= Max {
		return 0
	}
	return counters[name].Load()
}

// GetAll returns a snapshot of all counters.
func GetAll() [Max]uint64 {
	var m [Max]uint64
	for i := range counters {
		m[i] = counters[i].Load()
	}
	return m
}

// ShowMetricsOfPeriod shows metric deltas accumulated over duration d from
// now on. It blocks for d and then prints the deltas.
func ShowMetricsOfPeriod(d time.Duration) {
	old := GetAll()
	<-time.After(d)
	cur := GetAll()
	var delta [Max]uint64
	for i := range counters {
		delta[i] = cur[i] - old[i]
	}
	show(delta)
}

// ShowMetrics prints the current counter values to stdout.
func ShowMetrics() {
	show(GetAll())
}

func show(m [Max]uint64) {
	fmt.Println("######### reactor metrics (", time.Now().Format("2006-01-02 15:04:05"), ") ###########")
	fmt.Printf("%-55s: %d\n", "# epoll_wait calls returned (excluding EINTR)", m[EpollWaitCalls])
	fmt.Printf("%-55s: %d\n", "# epoll_wait calls (non-blocking, msec=0)", m[EpollNoWaitCalls])
	fmt.Printf("%-55s: %d\n", "# total fd readiness events reported", m[EpollEventsTotal])
	fmt.Printf("%-55s: %d\n", "# epoll_wait EINTR absorbed", m[EpollEINTR])
	fmt.Printf("%-55s: %d\n", "# timer fires (timeout_process)", m[TimerFires])
	fmt.Printf("%-55s: %d\n", "# timers added/rescheduled", m[TimerAdds])
	fmt.Printf("%-55s: %d\n", "# timer heap erase-and-reinsert on reschedule", m[TimerReschedules])
	fmt.Printf("%-55s: %d\n", "# signal deliveries drained", m[SignalFires])
	fmt.Printf("%-55s: %d\n", "# signal deliveries coalesced (ncalls>1)", m[SignalCoalesced])
	fmt.Printf("%-55s: %d\n", "# active handles processed (process_active)", m[ActiveQueueDrains])
	fmt.Printf("%-55s: %d\n", "# user callbacks invoked", m[CallbacksInvoked])
	fmt.Printf("%-55s: %d\n", "# dispatch loop iterations", m[LoopIterations])
	fmt.Printf("%-55s: %d\n", "# loop exits via LoopBreak", m[LoopbreakCount])
	fmt.Printf("%-55s: %d\n", "# loop exits via LoopExit", m[LoopexitCount])
	fmt.Printf("%-55s: %d\n", "# tasks submitted to the offload pool", m[TasksSubmitted])
	fmt.Printf("\n")
}
