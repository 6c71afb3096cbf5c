// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session wires the push channel, dispatcher, store, bootstrap
// loader, and action gateway into one live operations view.
//
// # Description
//
// A Session is the unit of isolation: each owns its own channel and
// store, so several can run side by side (e.g. one per depot backend).
//
//	Open:  health probe -> cache warm start -> bootstrap + policy -> connect
//	Live:  frames -> dispatcher -> store
//	       reconnected -> resync
//	       disconnected -> periodic resync every ResyncInterval
//	Close: cancel in-flight work -> disconnect -> persist cache
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gks281263/KMRL-sub001/pkg/clock"
	"github.com/gks281263/KMRL-sub001/services/opsync/actions"
	"github.com/gks281263/KMRL-sub001/services/opsync/bootstrap"
	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
	"github.com/gks281263/KMRL-sub001/services/opsync/events"
	"github.com/gks281263/KMRL-sub001/services/opsync/store"
	"github.com/gks281263/KMRL-sub001/services/opsync/telemetry"
	"github.com/gks281263/KMRL-sub001/services/opsync/transport"
)

// ConnectionLostMessage is shown once reconnection gives up.
const ConnectionLostMessage = "Live updates unavailable: connection lost. Reconnect to resume."

const closedMessage = "session closed"

var (
	// ErrClosed is returned by operations on a closed Session.
	ErrClosed = errors.New("session closed")

	// ErrAlreadyOpen is returned by a second Open.
	ErrAlreadyOpen = errors.New("session already open")
)

// Backend is everything the session needs from the REST backend.
// *backend.Client implements it.
type Backend interface {
	bootstrap.Fetcher
	actions.Backend
	Health(ctx context.Context) error
}

// Channel is the push channel. *transport.Channel implements it.
type Channel interface {
	Connect(h transport.Handlers)
	Disconnect()
	Reconnect()
	State() transport.State
}

// Cache persists the last projection for warm starts.
// *snapshotcache.Cache implements it.
type Cache interface {
	Load(ctx context.Context) (store.Projection, bool, error)
	Save(ctx context.Context, p store.Projection) error
}

// Config tunes a Session.
type Config struct {
	// ResyncInterval is the bootstrap period while the channel is down.
	// Default: 60s.
	ResyncInterval time.Duration `yaml:"resync_interval"`

	// ActionTimeout bounds each gateway call. Default: 15s.
	ActionTimeout time.Duration `yaml:"action_timeout"`

	// CacheTimeout bounds cache reads and writes. Default: 5s.
	CacheTimeout time.Duration `yaml:"cache_timeout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ResyncInterval: 60 * time.Second,
		ActionTimeout:  15 * time.Second,
		CacheTimeout:   5 * time.Second,
	}
}

// Deps are the collaborators of a Session. Backend, Channel and Store
// are required.
type Deps struct {
	Backend Backend
	Channel Channel
	Store   *store.Store
	Cache   Cache
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Session is one live operations view. Create with New.
type Session struct {
	id      string
	cfg     Config
	backend Backend
	channel Channel
	store   *store.Store
	cache   Cache
	clock   clock.Clock
	logger  *slog.Logger

	loader     *bootstrap.Loader
	gateway    *actions.Gateway
	dispatcher *events.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	opened        bool
	closed        bool
	everConnected bool
	closeOnce     sync.Once
}

// New assembles a Session without doing any I/O.
func New(deps Deps, cfg Config) (*Session, error) {
	if deps.Backend == nil || deps.Channel == nil || deps.Store == nil {
		return nil, errors.New("session: backend, channel and store are required")
	}
	def := DefaultConfig()
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = def.ResyncInterval
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = def.CacheTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	id := uuid.NewString()
	logger := deps.Logger.With("session_id", id)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:      id,
		cfg:     cfg,
		backend: deps.Backend,
		channel: deps.Channel,
		store:   deps.Store,
		cache:   deps.Cache,
		clock:   deps.Clock,
		logger:  logger.With("component", "session"),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.loader = bootstrap.New(deps.Backend, deps.Store,
		bootstrap.WithClock(deps.Clock),
		bootstrap.WithLogger(logger),
		bootstrap.WithMetrics(deps.Metrics),
	)
	s.gateway = actions.New(deps.Backend, deps.Store,
		actions.Config{Timeout: cfg.ActionTimeout}, logger, deps.Metrics)
	s.dispatcher = events.NewDispatcher(storeHandlers(deps.Store), logger, deps.Metrics)
	return s, nil
}

// storeHandlers routes every event kind to its store mutation.
func storeHandlers(st *store.Store) events.Handlers {
	return events.Handlers{
		OnDepartureUpdate: func(d domain.ServiceDeparture) { st.UpsertDeparture(d) },
		OnIncidentCreated: st.InsertIncident,
		OnIncidentUpdated: func(i domain.Incident) { st.UpdateIncident(i) },
		OnStandbyDeployed: st.InsertDeployment,
		OnSystemStatus:    st.ReplaceSnapshot,
	}
}

// ID is the session's unique id, attached to its log lines.
func (s *Session) ID() string { return s.id }

// Store returns the session's store.
func (s *Session) Store() *store.Store { return s.store }

// ConnectionState returns the push channel state.
func (s *Session) ConnectionState() transport.State { return s.channel.State() }

// Open brings the session live.
//
// # Description
//
// The health probe and bootstrap only log and set store messages on
// failure: a session with an unreachable backend still opens, serves the
// cached projection, and keeps retrying through the channel and the
// periodic resync.
//
// # Inputs
//
//   - ctx: Bounds the probe, cache read and initial bootstrap only. The
//     session itself lives until Close.
//
// # Outputs
//
//   - error: ErrClosed, ErrAlreadyOpen, or ctx.Err() if ctx ended first.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.opened:
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.opened = true
	s.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "session.Open")
	defer span.End()

	if err := s.backend.Health(ctx); err != nil {
		s.logger.Warn("backend health probe failed", "error", err)
	}

	s.warmStart(ctx)

	if _, err := s.loader.Load(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("initial bootstrap failed", "error", err)
	}
	if err := s.loader.LoadPolicy(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	// Connect under mu so a concurrent Close cannot slip in between.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.channel.Connect(transport.Handlers{
		OnMessage:          s.dispatcher.HandleFrame,
		OnConnectionChange: s.onConnectionChange,
		OnStateChange:      s.onStateChange,
		OnError:            s.onChannelError,
	})
	s.wg.Add(1)
	go s.resyncLoop()

	telemetry.SetSpanOK(span)
	s.logger.Info("session open")
	return nil
}

// Resync reloads every collection and the policy.
func (s *Session) Resync(ctx context.Context) (bootstrap.Result, error) {
	if s.isClosed() {
		return bootstrap.Result{}, ErrClosed
	}
	ctx, cancel := mergeDone(ctx, s.ctx)
	defer cancel()

	res, err := s.loader.Load(ctx)
	if perr := s.loader.LoadPolicy(ctx); perr != nil && err == nil {
		err = perr
	}
	return res, err
}

// Reconnect restarts the push channel with a fresh backoff and clears
// the connection message.
func (s *Session) Reconnect() error {
	if s.isClosed() {
		return ErrClosed
	}
	s.store.ClearError(store.ErrorConnection)
	s.channel.Reconnect()
	return nil
}

// =============================================================================
// Commands
// =============================================================================

// MarkBoarded runs the gateway action bound to the session lifetime.
func (s *Session) MarkBoarded(ctx context.Context, departureID string) (domain.ServiceDeparture, error) {
	var out domain.ServiceDeparture
	err := s.command(ctx, actions.ActionMarkBoarded, func(ctx context.Context) (err error) {
		out, err = s.gateway.MarkBoarded(ctx, departureID)
		return err
	})
	return out, err
}

// ReportIncident runs the gateway action bound to the session lifetime.
func (s *Session) ReportIncident(ctx context.Context, r domain.IncidentReport) (domain.Incident, error) {
	var out domain.Incident
	err := s.command(ctx, actions.ActionReportIncident, func(ctx context.Context) (err error) {
		out, err = s.gateway.ReportIncident(ctx, r)
		return err
	})
	return out, err
}

// DeployStandby runs the gateway action bound to the session lifetime.
func (s *Session) DeployStandby(ctx context.Context, standbyTrainID, serviceID string, auto bool) (domain.StandbyDeployment, error) {
	var out domain.StandbyDeployment
	err := s.command(ctx, actions.ActionDeployStandby, func(ctx context.Context) (err error) {
		out, err = s.gateway.DeployStandby(ctx, standbyTrainID, serviceID, auto)
		return err
	})
	return out, err
}

// UpdateAutoDeployPolicy runs the gateway action bound to the session
// lifetime.
func (s *Session) UpdateAutoDeployPolicy(ctx context.Context, p domain.AutoDeployPolicy) (domain.AutoDeployPolicy, error) {
	var out domain.AutoDeployPolicy
	err := s.command(ctx, actions.ActionUpdatePolicy, func(ctx context.Context) (err error) {
		out, err = s.gateway.UpdateAutoDeployPolicy(ctx, p)
		return err
	})
	return out, err
}

// command runs one action under a context that also ends with the
// session. Close waits for running commands, so no result is applied
// after Close returns.
//
// # Outputs
//
//   - error: The gateway's *actions.ActionError, or an *actions.ActionError
//     wrapping ErrClosed when the session is or becomes closed.
func (s *Session) command(ctx context.Context, action string, fn func(context.Context) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &actions.ActionError{Action: action, Message: closedMessage, Err: ErrClosed}
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := mergeDone(ctx, s.ctx)
	defer cancel()

	err := fn(ctx)
	if err != nil && s.ctx.Err() != nil {
		return &actions.ActionError{Action: action, Message: closedMessage, Err: errors.Join(ErrClosed, err)}
	}
	return err
}

// ClearErrors dismisses every user-visible message.
func (s *Session) ClearErrors() {
	s.store.ClearErrors()
}

// Close tears the session down and persists the cache. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		s.channel.Disconnect()
		s.wg.Wait()

		if s.cache != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CacheTimeout)
			defer cancel()
			if err = s.cache.Save(ctx, s.store.Projection()); err != nil {
				s.logger.Warn("saving snapshot cache failed", "error", err)
			}
		}
		s.logger.Info("session closed")
	})
	return err
}

// =============================================================================
// Internals
// =============================================================================

func (s *Session) warmStart(ctx context.Context) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
	defer cancel()
	p, ok, err := s.cache.Load(ctx)
	switch {
	case err != nil:
		s.logger.Warn("reading snapshot cache failed", "error", err)
	case ok:
		s.store.Restore(p)
		s.logger.Info("restored cached projection", "as_of", p.LastUpdated)
	}
}

func (s *Session) onConnectionChange(connected bool) {
	s.store.SetConnection(connected, s.channel.State().String())
	if !connected {
		return
	}
	s.mu.Lock()
	again := s.everConnected
	s.everConnected = true
	s.mu.Unlock()
	if again {
		s.spawnResync("reconnected")
	}
}

func (s *Session) onStateChange(st transport.State) {
	s.store.SetConnection(st == transport.StateConnected, st.String())
}

func (s *Session) onChannelError(err error) {
	if errors.Is(err, transport.ErrReconnectExhausted) {
		s.store.SetError(store.ErrorConnection, ConnectionLostMessage)
		return
	}
	s.logger.Debug("push channel error", "error", err)
}

func (s *Session) spawnResync(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.logger.Info("resyncing", "reason", reason)
		if _, err := s.Resync(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Warn("resync failed", "reason", reason, "error", err)
		}
	}()
}

// resyncLoop reloads periodically while the channel is not connected, so
// the view stays roughly current without live events.
func (s *Session) resyncLoop() {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.store.Connected() {
				continue
			}
			if _, err := s.Resync(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Warn("periodic resync failed", "error", err)
			}
		}
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// mergeDone returns a context that ends when either a or b ends. Values
// and deadline come from a.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
