// Copyright 2024 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package tether

import "time"

const (
	// APIVersion is the Discord REST and gateway API version spoken.
	APIVersion = 10
	// DefaultAPIBase is the REST endpoint prefix requests are resolved against.
	DefaultAPIBase = "https://discord.com/api/v10"
	// DefaultUserAgent identifies the library per the bot user-agent convention.
	DefaultUserAgent = "DiscordBot (https://github.com/linkdata/tether, " + Version + ")"
	// Version is the library version reported in the user agent and IDENTIFY.
	Version = "0.3.1"

	// DefaultMaxAttempts is how many times a single logical request may hit the wire.
	DefaultMaxAttempts = 3
	// DefaultRequestTimeout bounds a single HTTP transfer, not the whole dispatch.
	DefaultRequestTimeout = time.Second * 30

	// globalRequestsPerSecond is the token refill rate for the global throttle.
	// The documented platform ceiling is 50/s; we run at 90% of it so that
	// clock skew against the server does not trip the hard global limit.
	globalRequestsPerSecond = 45

	// DefaultHandshakeTimeout bounds the websocket dial plus HELLO exchange.
	DefaultHandshakeTimeout = time.Second * 30
	// maxLatencySamples is the window of the rolling heartbeat latency average.
	maxLatencySamples = 10
)
