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
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

/***********************
 *     REST Bucket     *
 ***********************/

// Bucket tracks one server-side rate limit class.
//
// Two mechanisms compose here. The gate serialises in-flight requests to one
// at a time, so response headers arrive in a well-defined order before the
// next request goes out. The window enforces the count-per-period the API
// last reported. The gate alone cannot stop a burst from racing past the
// remaining count, and the window alone cannot order in-flight requests.
//
// Callers use Acquire/Release as a scoped pair: Acquire blocks until the
// request is compliant, Release lets the next queued request through.
type Bucket struct {
	mu   sync.Mutex
	name string

	// route is the compiled route that first created this bucket. Diagnostic
	// only: many routes may share the bucket once hashes are learned.
	route CompiledRoute

	gate         chan struct{}
	window       *windowedBurstRateLimiter
	global       *windowedBurstRateLimiter
	maxRateLimit float64

	// pending counts callers between Acquire entry and Release (or a failed
	// Acquire). While it is non-zero the manager's GC must keep the bucket.
	pending atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
	clock     func() float64
}

func newBucket(name string, route CompiledRoute, global *windowedBurstRateLimiter, maxRateLimit float64, clock func() float64) *Bucket {
	b := &Bucket{
		name:         name,
		route:        route,
		gate:         make(chan struct{}, 1),
		window:       newWindowedBurstRateLimiter(1, 1),
		global:       global,
		maxRateLimit: maxRateLimit,
		closed:       make(chan struct{}),
		clock:        clock,
	}
	b.window.clock = clock
	b.gate <- struct{}{}
	return b
}

// Name returns the bucket's current real hash.
func (b *Bucket) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

// IsUnknown reports whether the API has not yet assigned this bucket a real
// hash. Unresolved buckets exempt acquirers from the local window; they
// still take the gate and the global limiter.
func (b *Bucket) IsUnknown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.HasPrefix(b.name, UnknownHash)
}

// IsEmpty reports whether no caller is inside the bucket's scope and none is
// queued on its gate.
func (b *Bucket) IsEmpty() bool {
	return b.pending.Load() == 0
}

// ResetAt returns the moment the bucket's window resets, in the monotonic
// clock's frame.
func (b *Bucket) ResetAt() float64 {
	return b.window.currentResetAt()
}

// Acquire blocks until this caller may send a request under the bucket: it
// takes the gate, awaits the local window (resolved buckets only), then the
// global limiter.
//
// If the predicted wait until the window resets exceeds the configured
// maximum, the gate is released and a *RateLimitTooLongError is returned
// without consuming a slot. On cancellation every held resource is released.
func (b *Bucket) Acquire(ctx context.Context) error {
	b.pending.Add(1)
	acquired := false
	defer func() {
		if !acquired {
			b.pending.Add(-1)
		}
	}()

	select {
	case <-b.closed:
		return ErrBucketClosed
	default:
	}

	select {
	case <-b.gate:
	case <-b.closed:
		return ErrBucketClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	if !b.IsUnknown() {
		now := b.clock()
		if b.window.isRateLimited(now) {
			if retryAfter := b.window.currentResetAt() - now; retryAfter > b.maxRateLimit {
				b.release()
				return &RateLimitTooLongError{
					Route:        b.route.Route.String(),
					BucketName:   b.Name(),
					RetryAfter:   retryAfter,
					MaxRateLimit: b.maxRateLimit,
				}
			}
		}
		if err := b.window.acquire(ctx); err != nil {
			b.release()
			return err
		}
	}

	if err := b.global.acquire(ctx); err != nil {
		b.release()
		return err
	}

	acquired = true
	return nil
}

// Release returns the gate, letting the next queued request in this bucket
// proceed. Call exactly once per successful Acquire.
func (b *Bucket) Release() {
	b.pending.Add(-1)
	b.release()
}

func (b *Bucket) release() {
	select {
	case b.gate <- struct{}{}:
	default:
		// double release: the token is already back, drop the extra one
	}
}

// UpdateRateLimit installs the window parameters the API reported for this
// bucket. resetAt is in the monotonic clock's frame.
func (b *Bucket) UpdateRateLimit(remaining, limit int, resetAt float64) {
	b.window.updateRateLimit(remaining, limit, resetAt)
}

// Resolve names a previously unknown bucket with its real hash. Resolving a
// bucket that already has one is a programming error and is rejected.
func (b *Bucket) Resolve(realHash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !strings.HasPrefix(b.name, UnknownHash) {
		return ErrBucketResolved
	}
	b.name = realHash
	return nil
}

// Close wakes every acquirer queued on the gate or the local window with
// ErrBucketClosed; a caller already waiting on the shared global limiter is
// not interrupted. Terminal from any state; idempotent.
func (b *Bucket) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.window.close()
	})
}
