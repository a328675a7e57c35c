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

func TestRegistryUnknownRouteGetsPrivateLock(t *testing.T) {
	reg := newBucketRegistry(clock.NewMock())
	route := NewRoute("GET", "/channels/{channel_id}", map[string]any{"channel_id": "1"})
	a := reg.GetLock(route)
	b := reg.GetLock(route)
	assert.NotSame(t, a, b)
	assert.Equal(t, 0, reg.liveLocks())
}

func TestRegistrySharesLockAfterIngest(t *testing.T) {
	reg := newBucketRegistry(clock.NewMock())
	route := NewRoute("GET", "/channels/{channel_id}", map[string]any{"channel_id": "1"})

	a := reg.GetLock(route)
	reg.Ingest(route, rateHeaders("bkt1", "5", "4", "1"), a)
	assert.Equal(t, 1, reg.liveLocks())

	b := reg.GetLock(route)
	assert.Same(t, a, b)
	reg.Drop(b)
	reg.Drop(a)
	assert.Equal(t, 0, reg.liveLocks())
}

func TestRegistrySharesAcrossRoutesWithSameHash(t *testing.T) {
	reg := newBucketRegistry(clock.NewMock())
	get := NewRoute("GET", "/channels/{channel_id}/messages/{message_id}",
		map[string]any{"channel_id": "1", "message_id": "2"})
	del := NewRoute("DELETE", "/channels/{channel_id}/messages/{message_id}",
		map[string]any{"channel_id": "1", "message_id": "2"})

	a := reg.GetLock(get)
	reg.Ingest(get, rateHeaders("shared", "5", "4", "1"), a)

	b := reg.GetLock(del)
	assert.NotSame(t, a, b, "hash for the second route is not learned yet")
	reg.Ingest(del, rateHeaders("shared", "5", "3", "1"), b)

	// both route keys now resolve to the surviving registered lock
	c := reg.GetLock(del)
	assert.Same(t, a, c)
}

func TestRegistryFirstIngestWins(t *testing.T) {
	reg := newBucketRegistry(clock.NewMock())
	route := NewRoute("GET", "/channels/{channel_id}", map[string]any{"channel_id": "1"})

	a := reg.GetLock(route)
	b := reg.GetLock(route)
	reg.Ingest(route, rateHeaders("bkt1", "5", "4", "1"), a)
	reg.Ingest(route, rateHeaders("bkt1", "5", "3", "1"), b)
	assert.Equal(t, 1, reg.liveLocks())
	assert.Same(t, a, reg.GetLock(route))
}

// A later response without rate-limit headers clears the lock's
// discovered state; dropping the request's reference must still find and
// collect the registered entry.
func TestRegistryDropAfterHashCleared(t *testing.T) {
	reg := newBucketRegistry(clock.NewMock())
	route := NewRoute("GET", "/channels/{channel_id}", map[string]any{"channel_id": "1"})

	a := reg.GetLock(route)
	reg.Ingest(route, rateHeaders("bkt1", "5", "4", "1"), a)
	require.Equal(t, 1, reg.liveLocks())

	reg.Ingest(route, http.Header{}, a)
	require.Equal(t, "", a.Hash())
	reg.Drop(a)
	assert.Equal(t, 0, reg.liveLocks())
}

func TestRegistryPendingReleaseKeepsLockAlive(t *testing.T) {
	mock := clock.NewMock()
	reg := newBucketRegistry(mock)
	route := NewRoute("GET", "/channels/{channel_id}", map[string]any{"channel_id": "1"})

	a := reg.GetLock(route)
	require.NoError(t, a.Acquire(context.Background()))
	reg.Ingest(route, rateHeaders("bkt1", "5", "0", "1"), a)
	a.ReleaseAfter(a.ResetAfter())
	a.Release()
	reg.Drop(a)

	// the release timer still owns the lock, so a new request in the next
	// 100ms must find it and wait out the remaining window
	assert.Equal(t, 1, reg.liveLocks())
	mock.Add(100 * time.Millisecond)
	b := reg.GetLock(route)
	assert.Same(t, a, b)
	reg.Drop(b)

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return reg.liveLocks() == 0 },
		time.Second, time.Millisecond)
}
