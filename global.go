// Copyright 2024 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package tether

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// GlobalLock enforces the platform-wide request ceiling. Every request
// consumes one token from a refilling bucket via Throttle; when the server
// reports the global limit was actually exceeded, HardLock stalls the whole
// process for the server-provided duration.
//
// One mutex serves both operations, so token acquisition cannot race a hard
// lock window and tokens cannot be double-spent by concurrent callers.
type GlobalLock struct {
	clk     clock.Clock
	limiter *rate.Limiter
	mu      sync.Mutex
}

// NewGlobalLock returns a GlobalLock sized for the documented global
// ceiling, running conservatively below it.
func NewGlobalLock(clk clock.Clock) *GlobalLock {
	if clk == nil {
		clk = clock.New()
	}
	return &GlobalLock{
		clk:     clk,
		limiter: rate.NewLimiter(rate.Limit(globalRequestsPerSecond), globalRequestsPerSecond),
	}
}

// Throttle consumes one global token, sleeping until one is available.
// It blocks while a hard lock window is in effect. The reservation and
// the wait both run on the injected clock, so the whole throttle path is
// drivable by a mock in tests.
func (g *GlobalLock) Throttle(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	res := g.limiter.ReserveN(g.clk.Now(), 1)
	if !res.OK() {
		return errors.New("global limiter cannot reserve a token")
	}
	delay := res.DelayFrom(g.clk.Now())
	if delay <= 0 {
		return nil
	}
	select {
	case <-g.clk.After(delay):
		return nil
	case <-ctx.Done():
		res.CancelAt(g.clk.Now())
		return errors.WithStack(ctx.Err())
	}
}

// HardLock holds the global lock for the given duration, blocking all
// requests across all buckets. Used only when the server reports an actual
// global limit violation.
func (g *GlobalLock) HardLock(ctx context.Context, d time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.clk.After(d):
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}
