// Copyright 2024 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package tether

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DispatchHandler receives decoded gateway events, in arrival order.
// Implementations place the payloads into whatever domain model the
// application keeps; this package does not interpret them.
type DispatchHandler interface {
	HandleDispatch(shardID int, event string, seq int64, data json.RawMessage)
}

type sessionState int32

const (
	stateDisconnected sessionState = iota
	stateConnecting
	stateIdentifying
	stateResuming
	stateConnected
	stateClosing
)

var sessionStateTexts = map[sessionState]string{
	stateDisconnected: "DISCONNECTED",
	stateConnecting:   "CONNECTING",
	stateIdentifying:  "IDENTIFYING",
	stateResuming:     "RESUMING",
	stateConnected:    "CONNECTED",
	stateClosing:      "CLOSING",
}

func getSessionStateText(s sessionState) string {
	if text, known := sessionStateTexts[s]; known {
		return text
	}
	return fmt.Sprint(int32(s))
}

// gatewayConfig is everything a Gateway needs for one session attempt.
// sessionID and seq carry resume state from a previous session; both zero
// means a fresh IDENTIFY.
type gatewayConfig struct {
	url        string
	token      string
	intents    Intents
	shardID    int
	shardCount int
	presence   *Presence
	sessionID  string
	seq        int64
	handler    DispatchHandler
	log        *zap.Logger
	clk        clock.Clock
	stats      Collector
	userAgent  string
	dialer     *websocket.Dialer
}

// Gateway runs a single gateway session: the websocket transport with its
// zlib-stream decompressor, the HELLO/IDENTIFY/RESUME handshake, the
// heartbeat cadence and in-order frame dispatch. A Gateway is used for one
// session and discarded; the owning Shard creates a fresh one per attempt.
type Gateway struct {
	cfg gatewayConfig

	ws  *websocket.Conn
	wmu sync.Mutex // serializes writes to ws

	state       int32        // sessionState, atomic
	seq         atomic.Int64 // last dispatch sequence fully handled
	ackPending  atomic.Bool  // true between a heartbeat and its ack
	beatSentAt  atomic.Int64 // unix nanos of the last heartbeat sent
	resumed     atomic.Bool  // session entered CONNECTED via RESUMED
	hbInterval  time.Duration
	readyCh     chan struct{}
	doneCh      chan struct{}
	doneOnce    sync.Once
	hbDone      chan struct{}
	failureOnce sync.Once

	smu       sync.Mutex // guards the below
	sessionID string
	failure   error // first fatal condition observed locally
	samples   []time.Duration
}

func newGateway(cfg gatewayConfig) *Gateway {
	if cfg.clk == nil {
		cfg.clk = clock.New()
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}
	if cfg.stats == nil {
		cfg.stats = nopCollector{}
	}
	if cfg.dialer == nil {
		cfg.dialer = &websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout}
	}
	g := &Gateway{
		cfg:     cfg,
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
		hbDone:  make(chan struct{}),
	}
	g.sessionID = cfg.sessionID
	g.seq.Store(cfg.seq)
	return g
}

func (g *Gateway) String() string {
	return fmt.Sprintf("[Gateway %d/%d %s seq=%d]",
		g.cfg.shardID, g.cfg.shardCount, getSessionStateText(g.getState()), g.seq.Load())
}

func (g *Gateway) setState(s sessionState) { atomic.StoreInt32(&g.state, int32(s)) }
func (g *Gateway) getState() sessionState  { return sessionState(atomic.LoadInt32(&g.state)) }

// SessionID returns the session id, set once READY is received and cleared
// when the server invalidates the session.
func (g *Gateway) SessionID() string {
	g.smu.Lock()
	defer g.smu.Unlock()
	return g.sessionID
}

func (g *Gateway) setSessionID(id string) {
	g.smu.Lock()
	defer g.smu.Unlock()
	g.sessionID = id
}

// Seq returns the last dispatch sequence number fully handled.
func (g *Gateway) Seq() int64 { return g.seq.Load() }

// Resumed reports whether the session entered CONNECTED via RESUMED rather
// than a fresh READY.
func (g *Gateway) Resumed() bool { return g.resumed.Load() }

// Ready returns a channel closed once the session reaches CONNECTED.
func (g *Gateway) Ready() <-chan struct{} { return g.readyCh }

// AverageLatency returns the rolling average heartbeat round trip.
func (g *Gateway) AverageLatency() time.Duration {
	g.smu.Lock()
	defer g.smu.Unlock()
	if len(g.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range g.samples {
		total += d
	}
	return total / time.Duration(len(g.samples))
}

func (g *Gateway) recordLatency(d time.Duration) {
	g.smu.Lock()
	g.samples = append(g.samples, d)
	if len(g.samples) > maxLatencySamples {
		g.samples = g.samples[1:]
	}
	g.smu.Unlock()
	g.cfg.stats.HeartbeatLatency(g.cfg.shardID, d)
}

// fail records the first locally observed fatal condition and tears the
// transport down so the read loop unblocks. The transport read and the
// doneCh close happen under wmu so that a fail racing the dial either sees
// the fresh connection or closes doneCh before Run publishes it; a torn
// down session never keeps a live transport.
func (g *Gateway) fail(err error) {
	g.failureOnce.Do(func() {
		g.smu.Lock()
		g.failure = err
		g.smu.Unlock()
		g.wmu.Lock()
		ws := g.ws
		g.doneOnce.Do(func() { close(g.doneCh) })
		g.wmu.Unlock()
		if ws != nil {
			ws.Close()
		}
	})
}

func (g *Gateway) getFailure() error {
	g.smu.Lock()
	defer g.smu.Unlock()
	return g.failure
}

// Close requests an orderly shutdown of the session. The run loop exits
// with a nil error. Closing with code 1000 ends the session server-side,
// so a closed Gateway cannot be resumed.
func (g *Gateway) Close() {
	g.setState(stateClosing)
	g.fail(sessionClosedError{})
	g.wmu.Lock()
	defer g.wmu.Unlock()
	if g.ws != nil {
		g.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
}

// Run connects and services the session until it ends. The returned error
// classifies the ending: nil for a locally requested close, a ConfigError
// for fatal close codes, and a resumable error otherwise. The caller
// decides whether to resume based on SessionID and Seq.
func (g *Gateway) Run(ctx context.Context) error {
	g.setState(stateConnecting)
	defer g.setState(stateDisconnected)

	header := http.Header{}
	header.Set("User-Agent", g.cfg.userAgent)
	ws, _, err := g.cfg.dialer.DialContext(ctx, g.cfg.url, header)
	if err != nil {
		return errors.Wrapf(err, "dialing gateway %q", g.cfg.url)
	}
	defer ws.Close()

	// publish the transport under the same lock fail uses, so a Close that
	// landed before the dial completed is observed here instead of leaving
	// the session running with nobody able to tear it down
	g.wmu.Lock()
	g.ws = ws
	var closed bool
	select {
	case <-g.doneCh:
		closed = true
	default:
	}
	g.wmu.Unlock()
	if closed {
		return g.classify(nil)
	}

	// cancel the session if ctx ends while we are inside the read loop
	stop := context.AfterFunc(ctx, func() { g.fail(sessionClosedError{}) })
	defer stop()

	// the handshake timeout also bounds the wait for HELLO
	ws.SetReadDeadline(time.Now().Add(DefaultHandshakeTimeout))
	dec, closePipe := g.newFrameDecoder(ws)
	defer closePipe()

	hello, err := g.awaitHello(dec)
	if err != nil {
		return g.classify(err)
	}
	ws.SetReadDeadline(time.Time{})
	g.hbInterval = time.Duration(hello.HeartbeatInterval) * time.Millisecond

	if g.SessionID() != "" && g.Seq() > 0 {
		g.setState(stateResuming)
		err = g.sendResume()
	} else {
		g.setState(stateIdentifying)
		err = g.sendIdentify()
	}
	if err != nil {
		return g.classify(err)
	}

	g.ackPending.Store(false)
	go g.heartbeatLoop()
	defer func() { <-g.hbDone }()
	defer g.fail(sessionClosedError{}) // unblock the heartbeat loop on exit

	return g.classify(g.readLoop(dec))
}

// newFrameDecoder feeds the websocket's binary messages through a shared
// zlib window and decodes the resulting JSON stream. Messages arrive
// sync-flushed, so the decoder never blocks between whole frames.
func (g *Gateway) newFrameDecoder(ws *websocket.Conn) (dec *json.Decoder, closePipe func()) {
	pr, pw := io.Pipe()
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err = pw.Write(data); err != nil {
				return
			}
		}
	}()
	return json.NewDecoder(&zlibStreamReader{src: pr}), func() { pr.Close() }
}

func (g *Gateway) awaitHello(dec *json.Decoder) (*helloData, error) {
	var f frame
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "awaiting HELLO")
	}
	if f.Op != OpHello {
		return nil, errors.Errorf("expected HELLO, got %v", f.Op)
	}
	var hello helloData
	if err := json.Unmarshal(f.Data, &hello); err != nil {
		return nil, errors.Wrap(err, "decoding HELLO")
	}
	g.cfg.log.Debug("received HELLO",
		zap.Int("shard", g.cfg.shardID),
		zap.Int64("heartbeat_interval_ms", hello.HeartbeatInterval))
	return &hello, nil
}

// readLoop decodes and handles inbound frames until the session ends.
// Frames are processed strictly in arrival order; the sequence number is
// only advanced after a dispatch frame has been fully handled, so a RESUME
// never skips a half-processed event.
func (g *Gateway) readLoop(dec *json.Decoder) error {
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			return err
		}
		if err := g.handleFrame(f); err != nil {
			return err
		}
	}
}

func (g *Gateway) handleFrame(f frame) error {
	switch f.Op {
	case OpDispatch:
		g.handleDispatch(f)
	case OpHeartbeat:
		// the server may demand an immediate heartbeat
		return g.sendHeartbeat()
	case OpHeartbeatACK:
		g.ackPending.Store(false)
		if sentAt := g.beatSentAt.Load(); sentAt > 0 {
			g.recordLatency(g.cfg.clk.Now().Sub(time.Unix(0, sentAt)))
		}
	case OpReconnect:
		g.cfg.log.Info("server requested reconnect", zap.Int("shard", g.cfg.shardID))
		return errors.WithStack(&CloseError{Code: websocket.CloseServiceRestart, Text: "server requested reconnect"})
	case OpInvalidSession:
		return g.handleInvalidSession(f)
	default:
		g.cfg.log.Debug("unhandled opcode", zap.Stringer("op", f.Op))
	}
	return nil
}

func (g *Gateway) handleDispatch(f frame) {
	if f.Seq > 0 {
		g.seq.Store(f.Seq)
	}
	switch f.Type {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(f.Data, &ready); err == nil {
			g.setSessionID(ready.SessionID)
		}
		g.enterConnected(false)
	case "RESUMED":
		g.enterConnected(true)
	}
	if g.cfg.handler != nil {
		g.cfg.handler.HandleDispatch(g.cfg.shardID, f.Type, f.Seq, f.Data)
	}
}

func (g *Gateway) enterConnected(viaResume bool) {
	g.resumed.Store(viaResume)
	g.setState(stateConnected)
	select {
	case <-g.readyCh:
	default:
		close(g.readyCh)
	}
	g.cfg.log.Info("gateway session established",
		zap.Int("shard", g.cfg.shardID),
		zap.Bool("resumed", viaResume),
		zap.String("session_id", g.SessionID()))
}

// handleInvalidSession clears the session unless the server says it is
// resumable, waits a short randomized delay, and identifies again on the
// same connection.
func (g *Gateway) handleInvalidSession(f frame) error {
	resumable := false
	_ = json.Unmarshal(f.Data, &resumable)
	g.cfg.log.Warn("session invalidated by server",
		zap.Int("shard", g.cfg.shardID),
		zap.Bool("resumable", resumable))
	if !resumable {
		g.setSessionID("")
		g.seq.Store(0)
	}
	select {
	case <-g.cfg.clk.After(time.Second + time.Duration(rand.Int63n(int64(4*time.Second)))):
	case <-g.doneCh:
		return errors.WithStack(sessionClosedError{})
	}
	if resumable && g.SessionID() != "" {
		g.setState(stateResuming)
		return g.sendResume()
	}
	g.setState(stateIdentifying)
	return g.sendIdentify()
}

// heartbeatLoop sends a heartbeat every interval and requires the previous
// one to have been acknowledged; a missed ack is fatal to the session and
// hands control back for a resume.
func (g *Gateway) heartbeatLoop() {
	defer close(g.hbDone)
	ticker := g.cfg.clk.Ticker(g.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if g.ackPending.Load() {
				g.cfg.log.Warn("heartbeat ack not received, tearing down session",
					zap.Int("shard", g.cfg.shardID))
				g.fail(errors.WithStack(heartbeatTimeoutError{}))
				return
			}
			if err := g.sendHeartbeat(); err != nil {
				return
			}
		case <-g.doneCh:
			return
		}
	}
}

func (g *Gateway) sendHeartbeat() error {
	g.ackPending.Store(true)
	g.beatSentAt.Store(g.cfg.clk.Now().UnixNano())
	var seq any
	if n := g.seq.Load(); n > 0 {
		seq = n
	}
	return g.sendFrame(OpHeartbeat, seq)
}

func (g *Gateway) sendIdentify() error {
	g.cfg.log.Debug("sending IDENTIFY", zap.Int("shard", g.cfg.shardID))
	return g.sendFrame(OpIdentify, identifyData{
		Token:      g.cfg.token,
		Properties: defaultIdentifyProperties(),
		Intents:    g.cfg.intents,
		Shard:      [2]int{g.cfg.shardID, g.cfg.shardCount},
		Presence:   g.cfg.presence,
	})
}

func (g *Gateway) sendResume() error {
	g.cfg.log.Debug("sending RESUME",
		zap.Int("shard", g.cfg.shardID),
		zap.Int64("seq", g.Seq()))
	return g.sendFrame(OpResume, resumeData{
		Token:     g.cfg.token,
		SessionID: g.SessionID(),
		Seq:       g.Seq(),
	})
}

// SendPresenceUpdate forwards a presence change over the live session.
func (g *Gateway) SendPresenceUpdate(p Presence) error {
	return g.sendFrame(OpPresenceUpdate, p)
}

func (g *Gateway) sendFrame(op Opcode, data any) error {
	encoded, err := json.Marshal(struct {
		Op   Opcode `json:"op"`
		Data any    `json:"d"`
	}{op, data})
	if err != nil {
		return errors.WithStack(err)
	}
	g.wmu.Lock()
	defer g.wmu.Unlock()
	select {
	case <-g.doneCh:
		return errors.WithStack(sessionClosedError{})
	default:
	}
	return errors.Wrapf(g.ws.WriteMessage(websocket.TextMessage, encoded), "sending %v", op)
}

// classify translates the read loop's exit into the session verdict:
// nil for a local close, ConfigError for fatal close codes, CloseError or
// the transport error otherwise (both resumable).
func (g *Gateway) classify(err error) error {
	if failure := g.getFailure(); failure != nil {
		if errors.Is(failure, sessionClosedError{}) {
			return nil
		}
		err = failure
	}
	if err == nil {
		return nil
	}
	var wsErr *websocket.CloseError
	if errors.As(err, &wsErr) {
		ce := &CloseError{Code: wsErr.Code, Text: wsErr.Text}
		if fatal := configErrorForClose(ce, g.cfg.intents); fatal != nil {
			return fatal
		}
		return ce
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		if fatal := configErrorForClose(ce, g.cfg.intents); fatal != nil {
			return fatal
		}
	}
	return err
}
