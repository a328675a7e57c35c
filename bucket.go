// Copyright 2024 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package tether

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// BucketLock serializes requests sharing one rate-limit bucket. A lock
// starts out knowing nothing about its bucket; every response updates it
// through IngestHeaders.
//
// The dispatcher brackets each attempt with Acquire and Release. Release
// frees the lock immediately unless ReleaseAfter was called during the
// attempt, in which case the release happens on a timer and the next
// request to the bucket waits it out. The deferral is one-shot: it is
// consumed by the Release that observes it.
type BucketLock struct {
	clk clock.Clock
	sem chan struct{} // holds one token while locked

	mu         sync.Mutex // guards the below
	hash       string     // bucket hash, empty until first ingested response
	limit      int        // -1 until known
	remaining  int        // -1 until known
	resetAfter time.Duration
	deferred   bool // one-shot: a deferred release replaces the scope release
	pending    *clock.Timer
	onRelease  func(*BucketLock) // invoked after a deferred release fires
}

// NewBucketLock returns an unlocked BucketLock with no discovered state.
func NewBucketLock(clk clock.Clock) *BucketLock {
	if clk == nil {
		clk = clock.New()
	}
	return &BucketLock{
		clk:       clk,
		sem:       make(chan struct{}, 1),
		limit:     -1,
		remaining: -1,
	}
}

func (b *BucketLock) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	hash := b.hash
	if hash == "" {
		hash = "generic"
	}
	return fmt.Sprintf("[Bucket %s %d/%d]", hash, b.remaining, b.limit)
}

// Acquire blocks until the bucket's exclusion lock is free or ctx is done.
func (b *BucketLock) Acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// Locked reports whether the lock is currently held.
func (b *BucketLock) Locked() bool {
	return len(b.sem) > 0
}

// ReleaseNow frees the lock immediately. Safe to call on an unlocked bucket.
func (b *BucketLock) ReleaseNow() {
	select {
	case <-b.sem:
	default:
	}
}

// ReleaseAfter frees the lock after the given delay without blocking the
// caller, and suppresses the release that would otherwise happen when the
// current attempt's scope exits. At most one deferred release is pending
// per lock: scheduling a new one cancels and replaces the previous timer,
// so the most recently learned delay is authoritative.
func (b *BucketLock) ReleaseAfter(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deferred = true
	if b.pending != nil {
		b.pending.Stop()
	}
	var t *clock.Timer
	t = b.clk.AfterFunc(d, func() {
		// the callback takes b.mu first, so t is assigned before it runs
		b.mu.Lock()
		if b.pending == t {
			b.pending = nil
		}
		cb := b.onRelease
		b.mu.Unlock()
		b.ReleaseNow()
		if cb != nil {
			cb(b)
		}
	})
	b.pending = t
}

// OnRelease sets the callback invoked after a deferred release fires.
// The bucket registry uses it to sweep locks whose last reference is a
// pending release timer. Set to nil to disable.
func (b *BucketLock) OnRelease(fn func(*BucketLock)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRelease = fn
}

// releasePending reports whether a deferred release timer is outstanding.
func (b *BucketLock) releasePending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending != nil
}

// Release ends an attempt's scope. It frees the lock unless a deferred
// release was scheduled during the scope, and resets the deferral flag.
func (b *BucketLock) Release() {
	b.mu.Lock()
	deferred := b.deferred
	b.deferred = false
	b.mu.Unlock()
	if !deferred {
		b.ReleaseNow()
	}
}

// IngestHeaders updates the bucket's identity and counters from a response.
// It never fails; absent headers reset the fields to their unknown values,
// so ingesting identical headers twice is a no-op.
func (b *BucketLock) IngestHeaders(h http.Header) {
	limit := headerInt(h, "x-ratelimit-limit")
	remaining := headerInt(h, "x-ratelimit-remaining")
	resetAfter := headerSeconds(h, "x-ratelimit-reset-after")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.hash = h.Get("x-ratelimit-bucket")
	b.limit = limit
	b.remaining = remaining
	b.resetAfter = resetAfter
}

// Hash returns the discovered bucket hash, or "" if none is known yet.
func (b *BucketLock) Hash() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hash
}

// Limit returns the bucket's request limit, or -1 if unknown.
func (b *BucketLock) Limit() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit
}

// Remaining returns the calls left in the bucket window, or -1 if unknown.
func (b *BucketLock) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// ResetAfter returns the delay until the bucket window resets.
func (b *BucketLock) ResetAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resetAfter
}

func headerInt(h http.Header, name string) int {
	if text := h.Get(name); text != "" {
		if n, err := strconv.Atoi(text); err == nil {
			return n
		}
	}
	return -1
}

func headerSeconds(h http.Header, name string) time.Duration {
	if text := h.Get(name); text != "" {
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return 0
}
