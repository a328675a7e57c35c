// Copyright 2024 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package tether

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LifecycleEvent marks a change in a shard's gateway connection.
type LifecycleEvent int

const (
	// EventConnect fires when a fresh session reaches READY.
	EventConnect LifecycleEvent = iota
	// EventResumed fires when a broken session was resumed without loss.
	EventResumed
	// EventDisconnect fires whenever a session ends, before any reconnect.
	EventDisconnect
)

var lifecycleEventTexts = map[LifecycleEvent]string{
	EventConnect:    "CONNECT",
	EventResumed:    "RESUMED",
	EventDisconnect: "DISCONNECT",
}

func (ev LifecycleEvent) String() string {
	if text, known := lifecycleEventTexts[ev]; known {
		return text
	}
	return fmt.Sprint(int(ev))
}

// EventSink receives connection lifecycle events. Implementations must not
// block; events are delivered from the shard's supervision goroutine.
type EventSink interface {
	OnLifecycleEvent(shardID int, ev LifecycleEvent)
}

// reconnectDelay is the pause between a session ending and the next
// connection attempt.
const reconnectDelay = time.Second

// Shard owns the gateway connection for one shard: it supervises the
// session across reconnects, carries resume state between sessions, and
// republishes lifecycle events to the configured sink.
type Shard struct {
	client     *Client
	id         int
	count      int
	intents    Intents
	handler    DispatchHandler
	sink       EventSink
	log        *zap.Logger
	clk        clock.Clock
	stats      Collector
	dialer     *websocket.Dialer
	gatewayURL string // resolved at Connect unless preset

	mu        sync.Mutex // guards the below
	gw        *Gateway   // current session, replaced on each reconnect
	presence  *Presence
	sessionID string
	seq       int64
	started   bool
	stopCh    chan struct{}
	readyCh   chan struct{}
	runDone   chan struct{}
	runErr    error
}

// ShardOption configures a Shard.
type ShardOption func(*Shard)

// WithShardID sets this shard's id and the total shard count.
func WithShardID(id, count int) ShardOption {
	return func(s *Shard) { s.id, s.count = id, count }
}

// WithIntents sets the gateway intents bitmask.
func WithIntents(intents Intents) ShardOption {
	return func(s *Shard) { s.intents = intents }
}

// WithPresence sets the presence sent with IDENTIFY.
func WithPresence(p Presence) ShardOption {
	return func(s *Shard) { s.presence = &p }
}

// WithDispatchHandler sets the receiver for decoded gateway events.
func WithDispatchHandler(h DispatchHandler) ShardOption {
	return func(s *Shard) { s.handler = h }
}

// WithEventSink sets the receiver for connection lifecycle events.
func WithEventSink(sink EventSink) ShardOption {
	return func(s *Shard) { s.sink = sink }
}

// WithGatewayURL presets the gateway URL, skipping discovery at Connect.
func WithGatewayURL(gatewayURL string) ShardOption {
	return func(s *Shard) { s.gatewayURL = gatewayURL }
}

// WithShardLogger sets the structured logger for this shard.
func WithShardLogger(log *zap.Logger) ShardOption {
	return func(s *Shard) { s.log = log }
}

// WithShardClock replaces the clock driving heartbeats and backoff.
func WithShardClock(clk clock.Clock) ShardOption {
	return func(s *Shard) { s.clk = clk }
}

// WithDialer replaces the websocket dialer.
func WithDialer(dialer *websocket.Dialer) ShardOption {
	return func(s *Shard) { s.dialer = dialer }
}

// NewShard returns an unstarted Shard using the client for gateway
// discovery and sharing its logger, clock and collector unless overridden.
func NewShard(client *Client, opts ...ShardOption) *Shard {
	s := &Shard{
		client:  client,
		count:   1,
		intents: IntentsDefault,
		log:     client.log,
		clk:     client.clk,
		stats:   client.stats,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Shard) String() string {
	return fmt.Sprintf("[Shard %d/%d]", s.id, s.count)
}

// Connect resolves the gateway URL, spawns the supervision loop and
// returns once the first session reaches CONNECTED. Use WaitUntilClosed
// for the historical run-until-disconnect behavior, or Start for both.
func (s *Shard) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("shard already started")
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.readyCh = make(chan struct{})
	s.runDone = make(chan struct{})
	s.runErr = nil
	s.mu.Unlock()

	if s.gatewayURL == "" {
		gatewayURL, err := s.client.GetGateway(ctx)
		if err != nil {
			s.clearStarted()
			return err
		}
		s.gatewayURL = gatewayURL
	}

	s.log.Debug("starting shard", zap.Stringer("shard", s))
	go s.run(ctx)

	select {
	case <-s.readyCh:
		return nil
	case <-s.runDone:
		if err := s.waitErr(); err != nil {
			return err
		}
		return errors.New("gateway closed before becoming ready")
	case <-ctx.Done():
		s.Stop()
		return errors.WithStack(ctx.Err())
	}
}

// Start connects and then blocks until the connection is torn down for
// good: a Stop call, a fatal configuration error or context cancellation.
func (s *Shard) Start(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	return s.WaitUntilClosed()
}

// WaitUntilClosed blocks until the supervision loop exits and returns its
// terminal error, if any.
func (s *Shard) WaitUntilClosed() error {
	s.mu.Lock()
	done := s.runDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	return s.waitErr()
}

func (s *Shard) waitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Stop closes the current session, waits for the supervision loop to exit
// and clears the started signal.
func (s *Shard) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	done, gw := s.runDone, s.gw
	s.mu.Unlock()

	s.log.Debug("stopping shard", zap.Stringer("shard", s))
	if gw != nil {
		gw.Close()
	}
	<-done
	s.clearStarted()
	return nil
}

// Started reports whether the shard's supervision loop is running.
func (s *Shard) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Shard) clearStarted() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

// Latency returns the rolling average heartbeat round trip of the current
// session.
func (s *Shard) Latency() time.Duration {
	s.mu.Lock()
	gw := s.gw
	s.mu.Unlock()
	if gw == nil {
		return 0
	}
	return gw.AverageLatency()
}

// ChangePresence validates and forwards a presence update over the live
// session, and keeps it for future IDENTIFYs. Activity combinations the
// platform will not display are logged but still forwarded.
func (s *Shard) ChangePresence(status Status, activity *Activity) error {
	if status == "" {
		s.log.Warn("status must be a valid status type, defaulting to online")
		status = StatusOnline
	}
	p := Presence{Status: status, Activities: []Activity{}}
	if activity != nil {
		validateActivity(s.log, *activity)
		p.Activities = []Activity{*activity}
	}

	s.mu.Lock()
	s.presence = &p
	gw := s.gw
	s.mu.Unlock()

	if gw == nil {
		return errors.New("shard is not connected")
	}
	return gw.SendPresenceUpdate(p)
}

// run supervises the gateway session: it connects, harvests resume state
// when a session ends, republishes lifecycle events and reconnects until
// stopped or a fatal configuration error surfaces. A single session's
// failure never escapes as a crash.
func (s *Shard) run(ctx context.Context) {
	defer close(s.runDone)
	for {
		s.mu.Lock()
		cfg := gatewayConfig{
			url:        s.gatewayURL,
			token:      s.client.token,
			intents:    s.intents,
			shardID:    s.id,
			shardCount: s.count,
			presence:   s.presence,
			sessionID:  s.sessionID,
			seq:        s.seq,
			handler:    s.handler,
			log:        s.log,
			clk:        s.clk,
			stats:      s.stats,
			userAgent:  s.client.userAgent,
			dialer:     s.dialer,
		}
		gw := newGateway(cfg)
		s.gw = gw
		s.mu.Unlock()

		sessionDone := make(chan struct{})
		go s.watchReady(gw, sessionDone)
		err := gw.Run(ctx)
		close(sessionDone)

		// carry resume state into the next attempt; cleared when the
		// server invalidated the session
		s.mu.Lock()
		s.sessionID = gw.SessionID()
		s.seq = gw.Seq()
		s.mu.Unlock()

		s.emit(EventDisconnect)

		var fatal *ConfigError
		switch {
		case s.stopRequested() || ctx.Err() != nil:
			return
		case errors.As(err, &fatal):
			s.log.Error("gateway configuration rejected, not reconnecting",
				zap.Stringer("shard", s),
				zap.Error(err))
			s.mu.Lock()
			s.runErr = err
			s.mu.Unlock()
			return
		case err != nil:
			s.log.Warn("gateway session ended, reconnecting",
				zap.Stringer("shard", s),
				zap.Error(err))
		default:
			s.log.Info("gateway session closed, reconnecting",
				zap.Stringer("shard", s))
		}

		s.stats.Reconnect(s.id)
		select {
		case <-s.clk.After(reconnectDelay):
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// watchReady forwards a session's entry into CONNECTED as a lifecycle
// event and releases Connect waiters.
func (s *Shard) watchReady(gw *Gateway, sessionDone <-chan struct{}) {
	select {
	case <-gw.Ready():
	case <-sessionDone:
		return
	}
	if gw.Resumed() {
		s.emit(EventResumed)
	} else {
		s.emit(EventConnect)
	}
	s.mu.Lock()
	select {
	case <-s.readyCh:
	default:
		close(s.readyCh)
	}
	s.mu.Unlock()
}

func (s *Shard) stopRequested() bool {
	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

func (s *Shard) emit(ev LifecycleEvent) {
	if s.sink != nil {
		s.sink.OnLifecycleEvent(s.id, ev)
	}
}

// ShardManager runs one Shard per partition of the gateway connection.
type ShardManager struct {
	shards []*Shard
}

// NewShardManager builds count shards sharing the client and options.
// Shard ids are assigned sequentially.
func NewShardManager(client *Client, count int, opts ...ShardOption) *ShardManager {
	if count < 1 {
		count = 1
	}
	m := &ShardManager{}
	for id := 0; id < count; id++ {
		shardOpts := append([]ShardOption{}, opts...)
		shardOpts = append(shardOpts, WithShardID(id, count))
		m.shards = append(m.shards, NewShard(client, shardOpts...))
	}
	return m
}

// Shard returns the shard with the given id.
func (m *ShardManager) Shard(id int) *Shard {
	if id < 0 || id >= len(m.shards) {
		return nil
	}
	return m.shards[id]
}

// Connect brings every shard to CONNECTED concurrently. The first failure
// stops the remaining shards.
func (m *ShardManager) Connect(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, shard := range m.shards {
		shard := shard
		group.Go(func() error { return shard.Connect(ctx) })
	}
	return group.Wait()
}

// Start connects every shard and blocks until all of them close.
func (m *ShardManager) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, shard := range m.shards {
		shard := shard
		group.Go(func() error { return shard.Start(ctx) })
	}
	return group.Wait()
}

// Stop closes every shard.
func (m *ShardManager) Stop() (err error) {
	for _, shard := range m.shards {
		if stopErr := shard.Stop(); err == nil {
			err = stopErr
		}
	}
	return
}
