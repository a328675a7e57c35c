// Copyright 2024 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package tether

import (
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// routeHashCacheSize bounds the route-key to bucket-hash cache. The map
// only ever grows to the number of distinct endpoints the process calls,
// but we cap it so a pathological caller cannot grow it without bound.
const routeHashCacheSize = 1024

// bucketEntry pairs a live lock with the hash it registered under and the
// number of in-flight requests referencing it. The registry drops the
// entry when the count reaches zero, giving weak-reference semantics:
// locks are owned by the requests using them, never by the registry
// alone. The hash is recorded here because the lock's own hash is mutable
// state a later headerless response may clear.
type bucketEntry struct {
	lock *BucketLock
	hash string
	refs int
}

// bucketRegistry maps logical routes to discovered bucket locks so that
// concurrent requests against the same physical bucket serialize through
// one lock, even when they arrive via different route templates.
type bucketRegistry struct {
	clk    clock.Clock
	mu     sync.Mutex
	hashes *lru.Cache[string, string]   // route bucket key -> bucket hash
	locks  map[string]*bucketEntry      // bucket hash -> live lock
	byLock map[*BucketLock]*bucketEntry // registered locks by identity
}

func newBucketRegistry(clk clock.Clock) *bucketRegistry {
	if clk == nil {
		clk = clock.New()
	}
	hashes, _ := lru.New[string, string](routeHashCacheSize)
	return &bucketRegistry{
		clk:    clk,
		hashes: hashes,
		locks:  map[string]*bucketEntry{},
		byLock: map[*BucketLock]*bucketEntry{},
	}
}

// GetLock returns the lock for the route's bucket, taking a reference.
// If the route's bucket hash is known and its lock is still live, the
// shared lock is returned; otherwise a fresh route-private lock is
// returned, which becomes shareable once a hash is learned via Ingest.
// Every GetLock must be paired with a Drop.
func (reg *bucketRegistry) GetLock(route Route) *BucketLock {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if hash, alive := reg.hashes.Get(route.BucketKey()); alive {
		if entry, alive := reg.locks[hash]; alive {
			entry.refs++
			return entry.lock
		}
	}
	return NewBucketLock(reg.clk)
}

// Ingest feeds a response's headers into the lock and, if the response
// disclosed a bucket hash, records both the route-key to hash association
// and the hash to lock association for future sharing.
func (reg *bucketRegistry) Ingest(route Route, header http.Header, lock *BucketLock) {
	lock.IngestHeaders(header)
	hash := lock.Hash()
	if hash == "" {
		// unlimited endpoint, nothing to share
		return
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.hashes.Add(route.BucketKey(), hash)
	if _, alive := reg.locks[hash]; alive {
		// another request discovered the hash first; its lock wins and
		// this one stays private for the remainder of its request
		return
	}
	if _, registered := reg.byLock[lock]; registered {
		return
	}
	// the current request holds the only reference
	entry := &bucketEntry{lock: lock, hash: hash, refs: 1}
	reg.locks[hash] = entry
	reg.byLock[lock] = entry
	lock.OnRelease(reg.sweep)
}

// Drop releases one reference to the lock. When the last in-flight
// request referencing a registered lock drops it, the registry forgets
// the lock so idle buckets do not accumulate. A pending deferred release
// counts as a reference: a lock cooling down after remaining hit zero
// stays shared until its release timer fires.
func (reg *bucketRegistry) Drop(lock *BucketLock) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	entry, registered := reg.byLock[lock]
	if !registered {
		return
	}
	entry.refs--
	reg.collect(entry)
}

// sweep runs after a lock's deferred release fires and collects the lock
// if no request references it anymore.
func (reg *bucketRegistry) sweep(lock *BucketLock) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if entry, registered := reg.byLock[lock]; registered {
		reg.collect(entry)
	}
}

// collect removes an entry whose last reference is gone. Caller holds mu.
func (reg *bucketRegistry) collect(entry *bucketEntry) {
	if entry.refs <= 0 && !entry.lock.releasePending() {
		delete(reg.locks, entry.hash)
		delete(reg.byLock, entry.lock)
	}
}

// liveLocks reports the number of registered bucket locks.
func (reg *bucketRegistry) liveLocks() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.locks)
}
