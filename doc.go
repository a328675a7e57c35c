// Copyright 2024 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package tether implements the transport core of a Discord bot client: a
rate-limited REST dispatcher and the gateway session state machine, without
any of the resource bindings layered on top of them.

The REST side revolves around discovered rate-limit buckets. Discord does not
publish its rate-limit layout; instead every response names the bucket the
route belongs to in the x-ratelimit-bucket header. Routes therefore start out
pessimistically isolated behind a private BucketLock and converge onto shared
locks as bucket hashes are learned. A process-wide GlobalLock keeps the
client under the documented global request ceiling, and escalates to a hard
stop when the server reports the global limit was actually exceeded.

The gateway side maintains one websocket session per shard. A Gateway owns a
single session: the HELLO/IDENTIFY handshake, the heartbeat cadence, sequence
tracking and the zlib-stream transport decompressor. A Shard supervises its
Gateway across reconnects, preserving the session id and last sequence so
that interrupted sessions RESUME instead of replaying a fresh IDENTIFY.

Decoded dispatch payloads and connection lifecycle changes are handed off to
narrow collaborator interfaces (DispatchHandler, EventSink); this package
performs no caching or resource modelling of its own.
*/
package tether
