// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport owns the persistent push-event connection to the
// operations backend.
//
// # Description
//
// Channel keeps one WebSocket open, sends a heartbeat ping while it is
// open, and reconnects with bounded exponential backoff after unclean
// closes. A close is clean when the client asked for it (Disconnect) or
// the server closed with code 1000. Everything else, including dial
// failures and handshake timeouts, counts as unclean.
//
// # Thread Safety
//
// All Channel methods are safe for concurrent use. Handlers are called
// without internal locks held; OnMessage is called from a single read
// goroutine per connection, in delivery order.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gks281263/KMRL-sub001/pkg/clock"
	"github.com/gks281263/KMRL-sub001/services/opsync/events"
	"github.com/gks281263/KMRL-sub001/services/opsync/telemetry"
)

var (
	// ErrReconnectExhausted is reported once when the channel gives up.
	ErrReconnectExhausted = errors.New("push channel: reconnect attempts exhausted")

	// ErrNotConnected is returned by SendErr when no connection is open.
	ErrNotConnected = errors.New("push channel: not connected")
)

// Config configures a Channel.
type Config struct {
	// URL is the ws:// or wss:// endpoint. See Endpoint.
	URL string

	// HandshakeTimeout bounds each connection attempt. Default: 10s.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is the ping period while connected. Default: 30s.
	HeartbeatInterval time.Duration

	// WriteTimeout bounds each outbound frame. Default: 10s.
	WriteTimeout time.Duration

	// Backoff bounds reconnection.
	Backoff BackoffPolicy

	// Header is sent with the upgrade request (e.g. Authorization).
	Header http.Header
}

// DefaultConfig returns the production timings for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		Backoff:           DefaultBackoffPolicy(),
	}
}

// Handlers receives channel signals. Nil fields are skipped.
type Handlers struct {
	// OnMessage receives every inbound data frame.
	OnMessage func(data []byte)

	// OnConnectionChange fires on open (true) and on close of an open
	// connection (false).
	OnConnectionChange func(connected bool)

	// OnStateChange fires on every lifecycle transition.
	OnStateChange func(State)

	// OnError receives transport errors and, once, ErrReconnectExhausted.
	OnError func(error)
}

// Channel is a reconnecting push-event connection. Create with New.
type Channel struct {
	cfg     Config
	dialer  *websocket.Dialer
	clock   clock.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	state    State
	handlers Handlers
	conn     *websocket.Conn
	backoff  Backoff
	retry    *clock.Timer
	gen      uint64
	loopDone chan struct{}

	// inHandler is set while the read loop runs OnMessage.
	inHandler atomic.Bool

	writeMu sync.Mutex
}

// Option customizes a Channel.
type Option func(*Channel)

// WithClock injects the clock used for heartbeat and reconnect timers.
func WithClock(c clock.Clock) Option { return func(ch *Channel) { ch.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(ch *Channel) { ch.logger = l } }

// WithMetrics records state transitions and reconnects.
func WithMetrics(m *telemetry.Metrics) Option { return func(ch *Channel) { ch.metrics = m } }

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option { return func(ch *Channel) { ch.dialer = d } }

// New creates a disconnected Channel. Zero timings in cfg take defaults.
func New(cfg Config, opts ...Option) *Channel {
	def := DefaultConfig(cfg.URL)
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	ch := &Channel{
		cfg:    cfg,
		clock:  clock.Real(),
		logger: slog.Default(),
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(ch)
	}
	if ch.dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = cfg.HandshakeTimeout
		ch.dialer = &d
	}
	ch.logger = ch.logger.With("component", "transport", "endpoint", cfg.URL)
	return ch
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the channel and keeps it open until Disconnect.
//
// # Description
//
// Idempotent: while connecting, connected, or waiting to reconnect, the
// call does nothing and h is ignored. From Disconnected or Exhausted it
// starts a fresh lifecycle with a reset backoff.
func (c *Channel) Connect(h Handlers) {
	c.mu.Lock()
	if c.state.active() {
		c.mu.Unlock()
		return
	}
	c.handlers = h
	c.backoff = c.backoff.Reset()
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.mu.Unlock()

	c.notifyState(StateConnecting, h)
	go c.dial(gen)
}

// Reconnect restarts the channel with a fresh backoff, typically after
// exhaustion. The previously registered handlers are reused.
func (c *Channel) Reconnect() {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()

	c.Disconnect()
	c.Connect(h)
}

// Disconnect closes the channel cleanly with close code 1000, cancels any
// pending reconnect and the heartbeat, and waits for the read loop to
// exit. No reconnection happens afterwards.
//
// A Disconnect issued while OnMessage is running does not wait, so a
// handler may call it without blocking its own read loop.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.conn = nil
	wasConnected := c.state == StateConnected
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	done := c.loopDone
	c.loopDone = nil
	h := c.handlers
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if done != nil && !c.inHandler.Load() {
		select {
		case <-done:
		case <-time.After(c.cfg.WriteTimeout):
			c.logger.Warn("read loop did not exit in time")
		}
	}

	if changed {
		c.notifyState(StateDisconnected, h)
	}
	if wasConnected && h.OnConnectionChange != nil {
		h.OnConnectionChange(false)
	}
	if conn != nil {
		c.logger.Info("push channel disconnected")
	}
}

// Send writes v as a JSON frame. When not connected it logs a warning
// and drops v; write failures go to OnError.
func (c *Channel) Send(v any) {
	if err := c.SendErr(v); err != nil {
		if errors.Is(err, ErrNotConnected) {
			c.logger.Warn("dropping outbound frame: not connected")
			return
		}
		c.emitError(fmt.Errorf("send: %w", err))
	}
}

// SendErr is Send for callers that want the error.
func (c *Channel) SendErr(v any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, v)
}

func (c *Channel) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

// =============================================================================
// Lifecycle internals
// =============================================================================

func (c *Channel) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("push channel dial failed", "error", err)
		c.emitError(fmt.Errorf("dial %s: %w", c.cfg.URL, err))
		c.closed(gen, false, false)
		return
	}

	c.conn = conn
	c.backoff = c.backoff.Reset()
	c.state = StateConnected
	done := make(chan struct{})
	c.loopDone = done
	h := c.handlers
	c.mu.Unlock()

	c.logger.Info("push channel connected")
	c.notifyState(StateConnected, h)
	if h.OnConnectionChange != nil {
		h.OnConnectionChange(true)
	}

	stop := make(chan struct{})
	go c.heartbeat(conn, stop)
	go c.readLoop(gen, conn, h, stop, done)
}

func (c *Channel) readLoop(gen uint64, conn *websocket.Conn, h Handlers, stop, done chan struct{}) {
	defer close(done)
	var err error
	for {
		var data []byte
		_, data, err = conn.ReadMessage()
		if err != nil {
			break
		}
		if h.OnMessage != nil {
			c.inHandler.Store(true)
			h.OnMessage(data)
			c.inHandler.Store(false)
		}
	}
	close(stop)
	_ = conn.Close()

	clean := websocket.IsCloseError(err, websocket.CloseNormalClosure)
	if !clean {
		c.logger.Warn("push channel closed", "error", err)
	}
	c.closed(gen, clean, true)
}

func (c *Channel) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write(conn, events.NewPing(c.clock.Now())); err != nil {
				c.emitError(fmt.Errorf("heartbeat: %w", err))
			}
		}
	}
}

// closed handles the end of a connection or a failed attempt.
func (c *Channel) closed(gen uint64, clean, wasOpen bool) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.loopDone = nil
	h := c.handlers

	var (
		next  State
		delay time.Duration
	)
	if clean {
		next = StateDisconnected
	} else {
		b, d, ok := c.backoff.Next(c.cfg.Backoff)
		c.backoff = b
		delay = d
		next = StateExhausted
		if ok {
			next = StateReconnecting
		}
	}
	attempt := c.backoff.Attempt
	c.state = next
	c.mu.Unlock()

	if wasOpen && h.OnConnectionChange != nil {
		h.OnConnectionChange(false)
	}
	c.notifyState(next, h)

	switch next {
	case StateReconnecting:
		c.metrics.RecordReconnect(attempt)
		c.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
		timer := c.clock.AfterFunc(delay, func() { c.reconnect(gen) })
		c.mu.Lock()
		if gen == c.gen {
			c.retry = timer
		} else {
			timer.Stop()
		}
		c.mu.Unlock()
	case StateExhausted:
		c.logger.Error("giving up on push channel", "attempts", attempt)
		c.emitError(ErrReconnectExhausted)
	}
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.state = StateConnecting
	h := c.handlers
	c.mu.Unlock()

	c.notifyState(StateConnecting, h)
	go c.dial(gen)
}

func (c *Channel) notifyState(s State, h Handlers) {
	c.metrics.RecordConnectionState(s.String())
	if h.OnStateChange != nil {
		h.OnStateChange(s)
	}
}

func (c *Channel) emitError(err error) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	if h.OnError != nil {
		h.OnError(err)
	}
}
