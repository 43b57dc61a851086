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
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/marouanesouiri/stdx/xlog"
)

/***********************
 *    BucketManager    *
 ***********************/

// BucketManager owns every rate limit bucket and the background task that
// reclaims stale ones.
//
// Bucket identities are learned, not configured: a route is first served by
// an unresolved bucket keyed under the UNKNOWN sentinel, and the mapping from
// route to real hash is written only when a response reports one. Acquiring
// never writes the mapping, so a guessed hash can never shadow what the API
// actually assigns.
type BucketManager struct {
	// mu is the coarse lock around both maps and every per-bucket
	// parameter update that goes through the manager.
	mu                  sync.Mutex
	routesToHashes      map[Route]string
	realHashesToBuckets map[string]*Bucket

	// closedEvent is non-nil exactly while the manager is alive; closing it
	// stops the GC task.
	closedEvent chan struct{}
	gcDone      chan struct{}

	global       *windowedBurstRateLimiter
	logger       xlog.Logger
	clock        func() float64
	maxRateLimit float64

	gcPollPeriod  time.Duration
	gcExpireAfter float64
}

/***********************
 *       Options       *
 ***********************/

// managerOption configures a BucketManager during creation.
type managerOption func(*BucketManager)

// WithLogger sets a custom logger for the manager.
//
// Logs fatal and exits if logger is nil.
func WithLogger(logger xlog.Logger) managerOption {
	if logger == nil {
		log.Fatal("WithLogger: logger must not be nil")
	}
	return func(m *BucketManager) {
		m.logger = logger
	}
}

// WithMaxRateLimit caps the predicted wait a caller may be asked to sleep
// for, in seconds. An acquire whose wait would exceed it fails fast with
// *RateLimitTooLongError instead of blocking.
//
// Default is unbounded.
func WithMaxRateLimit(seconds float64) managerOption {
	if seconds <= 0 {
		log.Fatal("WithMaxRateLimit: seconds must be positive")
	}
	return func(m *BucketManager) {
		m.maxRateLimit = seconds
	}
}

// WithGCPollPeriod sets how often the background task scans for stale
// buckets. Default is 20 seconds.
func WithGCPollPeriod(period time.Duration) managerOption {
	if period <= 0 {
		log.Fatal("WithGCPollPeriod: period must be positive")
	}
	return func(m *BucketManager) {
		m.gcPollPeriod = period
	}
}

// WithGCExpireAfter sets how long a bucket must have been quiet past its
// reset before it is reclaimed, in seconds. Default is 10 seconds.
func WithGCExpireAfter(seconds float64) managerOption {
	if seconds < 0 {
		log.Fatal("WithGCExpireAfter: seconds must not be negative")
	}
	return func(m *BucketManager) {
		m.gcExpireAfter = seconds
	}
}

// WithGlobalLimit configures the API-wide ceiling every bucket shares:
// at most limit acquisitions per period seconds across all buckets.
//
// Default is effectively uncapped; the global limiter then only bites after
// ThrottleGlobal reports a global 429.
func WithGlobalLimit(limit int, period float64) managerOption {
	if limit < 1 || period <= 0 {
		log.Fatal("WithGlobalLimit: limit and period must be positive")
	}
	return func(m *BucketManager) {
		m.global = newWindowedBurstRateLimiter(limit, period)
	}
}

/***********************
 *     Constructor     *
 ***********************/

// NewBucketManager creates a BucketManager with the provided options.
//
// Example:
//
//	manager := ratl.NewBucketManager(
//	    ratl.WithMaxRateLimit(60),
//	    ratl.WithGlobalLimit(50, 1),
//	)
//	if err := manager.Start(); err != nil { ... }
//	defer manager.Close()
//
// Defaults:
//   - Logger: stdout logger at Info level.
//   - Max rate limit: unbounded.
//   - GC: poll every 20s, reclaim buckets quiet for more than 10s.
func NewBucketManager(options ...managerOption) *BucketManager {
	m := &BucketManager{
		routesToHashes:      make(map[Route]string),
		realHashesToBuckets: make(map[string]*Bucket),
		logger:              xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel),
		clock:               monotonic,
		maxRateLimit:        math.Inf(1),
		gcPollPeriod:        20 * time.Second,
		gcExpireAfter:       10,
		global:              newWindowedBurstRateLimiter(math.MaxInt32, 1),
	}

	for _, option := range options {
		option(m)
	}
	m.global.clock = m.clock
	return m
}

/***********************
 *      Lifecycle      *
 ***********************/

// Start arms the closed-event and spawns the GC task. Returns a
// *ComponentStateConflictError if the manager is already running.
func (m *BucketManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closedEvent != nil {
		return &ComponentStateConflictError{Reason: "bucket manager is already running"}
	}
	m.closedEvent = make(chan struct{})
	m.gcDone = make(chan struct{})
	go m.gc(m.closedEvent, m.gcDone, m.gcPollPeriod, m.gcExpireAfter)
	m.logger.Debug("bucket manager started")
	return nil
}

// IsAlive reports whether the manager has been started and not yet closed.
func (m *BucketManager) IsAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closedEvent != nil
}

// Close closes every bucket, clears the registry, and stops the GC task.
// Safe to call multiple times; afterwards IsAlive reports false.
func (m *BucketManager) Close() {
	m.mu.Lock()
	if m.closedEvent == nil {
		m.mu.Unlock()
		return
	}
	for hash, bucket := range m.realHashesToBuckets {
		bucket.Close()
		delete(m.realHashesToBuckets, hash)
	}
	m.routesToHashes = make(map[Route]string)
	close(m.closedEvent)
	m.closedEvent = nil
	gcDone := m.gcDone
	m.gcDone = nil
	m.mu.Unlock()

	<-gcDone
	m.logger.Info("bucket manager closed")
}

/***********************
 *   Acquire / Update  *
 ***********************/

// AcquireBucket returns the bucket governing the given route for the given
// credential, creating an unresolved one on first contact. The caller then
// enters the bucket's scope with Bucket.Acquire and must Release it after
// the request completes.
//
// Nothing is written to the route-to-hash mapping here: only observed
// responses, fed through UpdateRateLimits, are authoritative.
func (m *BucketManager) AcquireBucket(route CompiledRoute, authentication string) (*Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closedEvent == nil {
		return nil, &ComponentStateConflictError{Reason: "bucket manager is not running"}
	}

	authHash := createAuthenticationHash(authentication)

	var realHash string
	if initial, known := m.routesToHashes[route.Route]; known {
		realHash = route.createRealBucketHash(initial, authHash)
	} else {
		realHash = createUnknownHash(route, authHash)
	}

	bucket, ok := m.realHashesToBuckets[realHash]
	if !ok {
		bucket = newBucket(realHash, route, m.global, m.maxRateLimit, m.clock)
		m.realHashesToBuckets[realHash] = bucket
		m.logger.WithField("bucket", realHash).
			WithField("route", route.Route.String()).
			Debug("created rate limit bucket")
	}
	return bucket, nil
}

// UpdateRateLimits feeds back the rate limit state a response reported:
// the bucket hash the API assigned plus the remaining/limit/reset_after
// window. It may re-home the route to a different bucket, resolve a
// previously unknown one, or simply install the new window.
func (m *BucketManager) UpdateRateLimits(route CompiledRoute, authentication, bucketHash string, remaining, limit int, resetAfter float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closedEvent == nil {
		return
	}

	now := m.clock()
	resetAt := now + resetAfter
	authHash := createAuthenticationHash(authentication)
	realHash := route.createRealBucketHash(bucketHash, authHash)

	initial, known := m.routesToHashes[route.Route]
	if !known || initial != bucketHash {
		m.routesToHashes[route.Route] = bucketHash
		m.logger.WithFields(map[string]any{
			"route":  route.Route.String(),
			"bucket": bucketHash,
		}).Debug("route re-homed to bucket")

		// Requests may be queued on the unresolved bucket for this route;
		// re-keying it instead of creating a fresh one keeps them on the
		// same gate.
		unknownHash := createUnknownHash(route, authHash)
		if bucket, ok := m.realHashesToBuckets[unknownHash]; ok {
			delete(m.realHashesToBuckets, unknownHash)
			if err := bucket.Resolve(realHash); err != nil {
				m.logger.WithField("bucket", unknownHash).
					WithField("err", err).
					Warn("failed resolving bucket")
			}
			m.realHashesToBuckets[realHash] = bucket
			bucket.UpdateRateLimit(remaining, limit, resetAt)
			return
		}
	}

	bucket, ok := m.realHashesToBuckets[realHash]
	if !ok {
		bucket = newBucket(realHash, route, m.global, m.maxRateLimit, m.clock)
		m.realHashesToBuckets[realHash] = bucket
	}
	bucket.UpdateRateLimit(remaining, limit, resetAt)
}

// ThrottleGlobal empties the shared global window for retryAfter seconds.
// The HTTP layer calls this when a response reports a global 429: every
// bucket's acquirers wait out the penalty before any request goes out.
func (m *BucketManager) ThrottleGlobal(retryAfter float64) {
	m.logger.WithField("retry_after", retryAfter).Warn("global rate limit hit")
	m.global.throttle(retryAfter)
}

/***********************
 *   Garbage Collector *
 ***********************/

// gc polls until the closed-event is set, purging stale buckets on every
// tick. A panic inside one pass is logged and the loop keeps going.
func (m *BucketManager) gc(closedEvent, done chan struct{}, pollPeriod time.Duration, expireAfter float64) {
	defer close(done)
	timer := time.NewTimer(pollPeriod)
	defer timer.Stop()

	for {
		select {
		case <-closedEvent:
			return
		case <-timer.C:
			m.purgeStaleBuckets(expireAfter)
			timer.Reset(pollPeriod)
		}
	}
}

// purgeStaleBuckets closes and removes buckets that are empty, past their
// reset, and have been quiet for longer than expireAfter. Buckets with
// queued or in-flight callers are never touched, nor are empty buckets whose
// window is still constraining us: dropping one would forget the limit and
// burst straight through it on the next request.
func (m *BucketManager) purgeStaleBuckets(expireAfter float64) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("panic", r).Error("bucket GC pass failed")
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	for hash, bucket := range m.realHashesToBuckets {
		if !bucket.IsEmpty() {
			continue
		}
		resetAt := bucket.ResetAt()
		if now < resetAt {
			continue
		}
		if resetAt >= now-expireAfter {
			continue
		}
		delete(m.realHashesToBuckets, hash)
		bucket.Close()
		m.logger.WithField("bucket", hash).Debug("closed stale bucket")
	}
}
