// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs the per-tile steps of a pass on a bounded number of goroutines.
//
// The engine of a tile-parallel machine executes every tile's step of a pass "logically simultaneously".
// On the host this is approximated by running the steps on a pool of goroutines and waiting for all of them
// before the next phase (the barrier that closes the pass).
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers that execute tile steps.
type Pool struct {
	// maxParallelism is a soft target on the number of steps running at the same time.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{}
	w.maxParallelism = runtime.NumCPU()
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0).
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is the soft-target for parallelism.
// If set to 0 steps are executed inline, one after the other.
// If set to -1 parallelism is unlimited: one goroutine per step.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// It should only be changed while no pass is running.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available to run the task, and starts it in a goroutine.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return

	} else if w.maxParallelism == 0 {
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Run calls task(i) for every i in [0, numTasks) and only returns after every call returned.
//
// The return of Run is the barrier of a pass: nothing done by a later Run can be observed by a task of
// an earlier one while it's still running.
func (w *Pool) Run(numTasks int, task func(i int)) {
	if numTasks <= 0 {
		return
	}
	if w.maxParallelism == 0 || numTasks == 1 {
		for i := range numTasks {
			task(i)
		}
		return
	}
	var wg sync.WaitGroup
	wg.Add(numTasks)
	for i := range numTasks {
		w.WaitToStart(func() {
			defer wg.Done()
			task(i)
		})
	}
	wg.Wait()
}
