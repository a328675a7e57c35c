package tether

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rateHeaders(bucket string, limit, remaining string, resetAfter string) http.Header {
	h := http.Header{}
	if bucket != "" {
		h.Set("x-ratelimit-bucket", bucket)
	}
	if limit != "" {
		h.Set("x-ratelimit-limit", limit)
	}
	if remaining != "" {
		h.Set("x-ratelimit-remaining", remaining)
	}
	if resetAfter != "" {
		h.Set("x-ratelimit-reset-after", resetAfter)
	}
	return h
}

func TestBucketLockAcquireRelease(t *testing.T) {
	b := NewBucketLock(clock.NewMock())
	require.NoError(t, b.Acquire(context.Background()))
	assert.True(t, b.Locked())
	b.Release()
	assert.False(t, b.Locked())
}

func TestBucketLockAcquireCancelled(t *testing.T) {
	b := NewBucketLock(clock.NewMock())
	require.NoError(t, b.Acquire(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, b.Acquire(ctx))
	assert.True(t, b.Locked())
}

func TestBucketLockDeferredRelease(t *testing.T) {
	mock := clock.NewMock()
	b := NewBucketLock(mock)
	require.NoError(t, b.Acquire(context.Background()))

	b.ReleaseAfter(time.Second)
	b.Release() // scope exit must not release, a deferral is pending
	assert.True(t, b.Locked())

	mock.Add(999 * time.Millisecond)
	assert.True(t, b.Locked())
	mock.Add(2 * time.Millisecond)
	assert.Eventually(t, func() bool { return !b.Locked() }, time.Second, time.Millisecond)
}

func TestBucketLockDeferredReleaseIsOneShot(t *testing.T) {
	mock := clock.NewMock()
	b := NewBucketLock(mock)
	require.NoError(t, b.Acquire(context.Background()))
	b.ReleaseAfter(time.Second)
	b.Release()
	mock.Add(time.Second + time.Millisecond)
	assert.Eventually(t, func() bool { return !b.Locked() }, time.Second, time.Millisecond)

	// the deferral flag must not leak into the next scope
	require.NoError(t, b.Acquire(context.Background()))
	b.Release()
	assert.False(t, b.Locked())
}

func TestBucketLockDeferredReleaseCancelAndReplace(t *testing.T) {
	mock := clock.NewMock()
	b := NewBucketLock(mock)
	require.NoError(t, b.Acquire(context.Background()))

	b.ReleaseAfter(time.Second)
	b.ReleaseAfter(5 * time.Second) // replaces the pending timer
	b.Release()

	mock.Add(2 * time.Second)
	assert.True(t, b.Locked(), "replaced timer must not fire")
	mock.Add(4 * time.Second)
	assert.Eventually(t, func() bool { return !b.Locked() }, time.Second, time.Millisecond)
}

func TestBucketLockIngestHeaders(t *testing.T) {
	b := NewBucketLock(clock.NewMock())
	b.IngestHeaders(rateHeaders("abc123", "5", "2", "1.5"))
	assert.Equal(t, "abc123", b.Hash())
	assert.Equal(t, 5, b.Limit())
	assert.Equal(t, 2, b.Remaining())
	assert.Equal(t, 1500*time.Millisecond, b.ResetAfter())
}

func TestBucketLockIngestHeadersIdempotent(t *testing.T) {
	b := NewBucketLock(clock.NewMock())
	h := rateHeaders("abc123", "5", "2", "1.5")
	b.IngestHeaders(h)
	b.IngestHeaders(h)
	assert.Equal(t, "abc123", b.Hash())
	assert.Equal(t, 5, b.Limit())
	assert.Equal(t, 2, b.Remaining())
	assert.Equal(t, 1500*time.Millisecond, b.ResetAfter())
}

func TestBucketLockIngestHeadersAbsent(t *testing.T) {
	b := NewBucketLock(clock.NewMock())
	b.IngestHeaders(http.Header{})
	assert.Equal(t, "", b.Hash())
	assert.Equal(t, -1, b.Limit())
	assert.Equal(t, -1, b.Remaining())
	assert.Equal(t, time.Duration(0), b.ResetAfter())
}
