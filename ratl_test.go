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
	"io"
	"sync"
	"testing"

	"github.com/marouanesouiri/stdx/xlog"
)

// fakeClock is a hand-cranked monotonic clock for tests that need to pin
// reset points without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now float64
}

func (c *fakeClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *fakeClock) Advance(delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += delta
}

func testLogger() xlog.Logger {
	return xlog.NewTextLogger(io.Discard, xlog.LogLevelInfoLevel)
}

// newTestManager builds a started manager on a fake clock and tears it down
// with the test.
func newTestManager(t *testing.T, options ...managerOption) (*BucketManager, *fakeClock) {
	t.Helper()

	clock := &fakeClock{}
	options = append([]managerOption{WithLogger(testLogger())}, options...)
	m := NewBucketManager(options...)
	m.clock = clock.Now
	m.global.clock = clock.Now

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(m.Close)
	return m, clock
}
