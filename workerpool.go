/************************************************************************************
 *
 * ratl (rest api throttling library), A Lightweight Go library for Discord rate limits
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package ratl

import (
	"sync/atomic"
	"time"

	"github.com/marouanesouiri/stdx/xlog"
)

/***********************
 *      WorkerPool     *
 ***********************/

type WorkerTask func()

// WorkerPool executes asynchronous request submissions so callers of
// Requester.Submit do not pay a goroutine per call.
type WorkerPool interface {
	// Submit returns false if the task was dropped.
	Submit(task WorkerTask) bool
	Shutdown()
}

/***********************
 *  Default WorkerPool *
 ***********************/

// defaultWorkerPool is sized for rate-limited traffic: a submitted request
// spends most of its life parked on a bucket gate or window, holding a
// worker the whole time. Queue depth says nothing useful about that, so the
// pool grows whenever a task arrives and no worker is free to take it, up to
// maxWorkers. Between bursts there is nothing to do at all, so idle workers
// retire all the way to zero.
type defaultWorkerPool struct {
	logger xlog.Logger

	maxWorkers  int
	queueCap    int
	idleTimeout time.Duration

	workerCount int32
	idleCount   int32
	queue       chan WorkerTask

	stopSignal   chan struct{}
	shutdownOnce atomic.Bool
}

type workerOption func(*defaultWorkerPool)

// WithMaxWorkers caps how many requests may be in flight (mostly: parked on
// rate limit gates) at once.
func WithMaxWorkers(_max int) workerOption {
	return func(p *defaultWorkerPool) {
		p.maxWorkers = _max
	}
}

// WithQueueCap sets how many submissions may wait for a worker before
// Submit starts dropping.
func WithQueueCap(_cap int) workerOption {
	return func(p *defaultWorkerPool) {
		p.queueCap = _cap
	}
}

// WithIdleTimeout sets how long a worker with nothing to do sticks around.
func WithIdleTimeout(d time.Duration) workerOption {
	return func(p *defaultWorkerPool) {
		p.idleTimeout = d
	}
}

// NewDefaultWorkerPool creates a new worker pool with options.
//
// No workers run until the first Submit; after a quiet idleTimeout the pool
// drains back to zero goroutines.
func NewDefaultWorkerPool(logger xlog.Logger, opts ...workerOption) WorkerPool {
	p := &defaultWorkerPool{
		logger:      logger,
		maxWorkers:  64,
		queueCap:    128,
		idleTimeout: 30 * time.Second,
		stopSignal:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.queue = make(chan WorkerTask, p.queueCap)
	return p
}

// Submit hands the task to the pool.
// Returns false if the pool is shut down or the queue is full.
func (p *defaultWorkerPool) Submit(task WorkerTask) bool {
	if p.shutdownOnce.Load() {
		return false
	}

	select {
	case p.queue <- task:
	default:
		p.logger.Debug("worker pool: dropping task due to full queue")
		return false
	}

	// Every running worker may be stuck on a bucket gate; if nobody is free
	// to pick this task up, add a worker rather than queueing behind them.
	if atomic.LoadInt32(&p.idleCount) == 0 &&
		atomic.LoadInt32(&p.workerCount) < int32(p.maxWorkers) {
		p.addWorker()
	}
	return true
}

func (p *defaultWorkerPool) addWorker() {
	atomic.AddInt32(&p.workerCount, 1)

	go func() {
		defer atomic.AddInt32(&p.workerCount, -1)
		idleTimer := time.NewTimer(p.idleTimeout)
		defer idleTimer.Stop()

		for {
			atomic.AddInt32(&p.idleCount, 1)
			select {
			case task := <-p.queue:
				atomic.AddInt32(&p.idleCount, -1)
				task()

				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(p.idleTimeout)

			case <-idleTimer.C:
				atomic.AddInt32(&p.idleCount, -1)
				p.logger.Debug("worker pool: worker retired after idle timeout")
				return

			case <-p.stopSignal:
				atomic.AddInt32(&p.idleCount, -1)
				return
			}
		}
	}()
}

// Shutdown stops the pool immediately; no waiting for workers.
func (p *defaultWorkerPool) Shutdown() {
	if p.shutdownOnce.CompareAndSwap(false, true) {
		close(p.stopSignal)
	}
}
