// Copyright 2024 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package tether

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/compress/zlib"
)

// Opcode identifies a gateway control or event frame.
type Opcode int

const (
	// OpDispatch carries an event; the only opcode with a sequence number.
	OpDispatch Opcode = 0
	// OpHeartbeat is sent on the heartbeat cadence, or by the server to
	// demand an immediate heartbeat.
	OpHeartbeat Opcode = 1
	// OpIdentify starts a fresh session.
	OpIdentify Opcode = 2
	// OpPresenceUpdate changes the bot's displayed presence.
	OpPresenceUpdate Opcode = 3
	// OpVoiceStateUpdate moves the bot between voice channels.
	OpVoiceStateUpdate Opcode = 4
	// OpResume replays a broken session from a sequence number.
	OpResume Opcode = 6
	// OpReconnect is a server demand to disconnect and resume.
	OpReconnect Opcode = 7
	// OpRequestGuildMembers asks for member chunks.
	OpRequestGuildMembers Opcode = 8
	// OpInvalidSession rejects an IDENTIFY or RESUME.
	OpInvalidSession Opcode = 9
	// OpHello is the first frame of a connection, carrying the heartbeat interval.
	OpHello Opcode = 10
	// OpHeartbeatACK acknowledges an OpHeartbeat.
	OpHeartbeatACK Opcode = 11
)

var opcodeTexts = map[Opcode]string{
	OpDispatch:            "DISPATCH",
	OpHeartbeat:           "HEARTBEAT",
	OpIdentify:            "IDENTIFY",
	OpPresenceUpdate:      "PRESENCE_UPDATE",
	OpVoiceStateUpdate:    "VOICE_STATE_UPDATE",
	OpResume:              "RESUME",
	OpReconnect:           "RECONNECT",
	OpRequestGuildMembers: "REQUEST_GUILD_MEMBERS",
	OpInvalidSession:      "INVALID_SESSION",
	OpHello:               "HELLO",
	OpHeartbeatACK:        "HEARTBEAT_ACK",
}

func (op Opcode) String() string {
	if text, known := opcodeTexts[op]; known {
		return text
	}
	return fmt.Sprintf("OP(%d)", int(op))
}

// Gateway close codes that are fatal to the client configuration.
// Any close code not listed here leaves the session resumable.
const (
	// CloseShardingRequired means the bot is in too many guilds for one session.
	CloseShardingRequired = 4011
	// CloseInvalidIntents means the intents bitmask is malformed.
	CloseInvalidIntents = 4013
	// CloseDisallowedIntents means a privileged intent is not enabled or approved.
	CloseDisallowedIntents = 4014
)

// Intents selects which event groups the gateway will deliver.
type Intents uint64

const (
	IntentGuilds Intents = 1 << iota
	IntentGuildMembers
	IntentGuildModeration
	IntentGuildEmojisAndStickers
	IntentGuildIntegrations
	IntentGuildWebhooks
	IntentGuildInvites
	IntentGuildVoiceStates
	IntentGuildPresences
	IntentGuildMessages
	IntentGuildMessageReactions
	IntentGuildMessageTyping
	IntentDirectMessages
	IntentDirectMessageReactions
	IntentDirectMessageTyping
	IntentMessageContent
)

// IntentsDefault is every non-privileged intent.
const IntentsDefault = IntentGuilds | IntentGuildModeration | IntentGuildEmojisAndStickers |
	IntentGuildIntegrations | IntentGuildWebhooks | IntentGuildInvites | IntentGuildVoiceStates |
	IntentGuildMessages | IntentGuildMessageReactions | IntentGuildMessageTyping |
	IntentDirectMessages | IntentDirectMessageReactions | IntentDirectMessageTyping

// frame is the gateway payload envelope.
type frame struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// helloData is the payload of OpHello.
type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// readyData is the payload of the READY dispatch event.
type readyData struct {
	Version   int    `json:"v"`
	SessionID string `json:"session_id"`
}

// identifyData is the payload of OpIdentify.
type identifyData struct {
	Token      string             `json:"token"`
	Properties identifyProperties `json:"properties"`
	Compress   bool               `json:"compress"`
	Intents    Intents            `json:"intents"`
	Shard      [2]int             `json:"shard"`
	Presence   *Presence          `json:"presence,omitempty"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

func defaultIdentifyProperties() identifyProperties {
	return identifyProperties{
		OS:      runtime.GOOS,
		Browser: "tether",
		Device:  "tether",
	}
}

// resumeData is the payload of OpResume.
type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// gatewayURLData is the response body of GET /gateway.
type gatewayURLData struct {
	URL string `json:"url"`
}

// GatewayBot is the response of GET /gateway/bot: the gateway URL plus the
// recommended shard count and the session start budget.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit describes how many sessions may be started.
type SessionStartLimit struct {
	Total          int   `json:"total"`
	Remaining      int   `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"` // milliseconds
	MaxConcurrency int   `json:"max_concurrency"`
}

// rateLimitBody is the JSON body of a 429 response.
type rateLimitBody struct {
	Global     bool    `json:"global"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"` // seconds
}

// resourceLimitedMessage is the body message the platform sends when a
// shared resource, rather than the route's own bucket, is saturated.
const resourceLimitedMessage = "The resource is being rate limited."

// zlibStreamReader inflates the gateway's transport-compressed byte
// stream. The whole connection shares one compression window, so the
// inflater must persist across messages; initialization is deferred to the
// first Read because the zlib header only exists once bytes arrive.
type zlibStreamReader struct {
	src io.Reader
	zr  io.ReadCloser
}

func (z *zlibStreamReader) Read(p []byte) (n int, err error) {
	if z.zr == nil {
		if z.zr, err = zlib.NewReader(z.src); err != nil {
			return 0, err
		}
	}
	return z.zr.Read(p)
}

// BuildGatewayURL appends the query parameters every gateway connection
// uses: JSON encoding, the API version and zlib-stream transport compression.
func BuildGatewayURL(base string) string {
	return fmt.Sprintf("%s?encoding=json&v=%d&compress=zlib-stream", base, APIVersion)
}
