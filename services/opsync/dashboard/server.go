// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dashboard serves the reconciled operations view over HTTP.
//
// # Routes
//
//	GET    /health
//	GET    /metrics
//	GET    /v1/operations                 full projection
//	GET    /v1/departures                 ?status=delayed
//	GET    /v1/departures/:id
//	POST   /v1/departures/:id/boarded
//	GET    /v1/incidents                  ?active=true
//	POST   /v1/incidents
//	GET    /v1/standby/trains
//	GET    /v1/standby/deployments
//	POST   /v1/standby/deployments
//	GET    /v1/snapshot
//	GET    /v1/policy
//	PUT    /v1/policy
//	POST   /v1/sync
//	POST   /v1/reconnect
//	DELETE /v1/errors
//	GET    /v1/stream                     WebSocket, one projection per change
//	GET    /v1/audit                      ?operator=&type=&outcome=&limit=
//
// Reads never touch the backend; they serve the store. Writes go through
// the action gateway and return the server-confirmed record.
//
// Every /v1 route passes the extensions guard: the bearer token names the
// operator, the authorizer checks the action, and commands are written to
// the audit trail with their outcome.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/gks281263/KMRL-sub001/pkg/extensions"
	"github.com/gks281263/KMRL-sub001/services/opsync/actions"
	"github.com/gks281263/KMRL-sub001/services/opsync/bootstrap"
	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
	"github.com/gks281263/KMRL-sub001/services/opsync/store"
)

// =============================================================================
// Collaborators
// =============================================================================

// Source is the read side: *store.Store satisfies it.
type Source interface {
	Projection() store.Projection
	Subscribe(fn func(store.Change)) (unsubscribe func())
}

// Commands is the write side. *session.Session and *actions.Gateway
// satisfy it.
type Commands interface {
	MarkBoarded(ctx context.Context, departureID string) (domain.ServiceDeparture, error)
	ReportIncident(ctx context.Context, r domain.IncidentReport) (domain.Incident, error)
	DeployStandby(ctx context.Context, standbyTrainID, serviceID string, auto bool) (domain.StandbyDeployment, error)
	UpdateAutoDeployPolicy(ctx context.Context, p domain.AutoDeployPolicy) (domain.AutoDeployPolicy, error)
}

// Control drives the session: *session.Session satisfies it.
type Control interface {
	Resync(ctx context.Context) (bootstrap.Result, error)
	Reconnect() error
	ClearErrors()
}

// =============================================================================
// Server
// =============================================================================

// Config configures a Server.
type Config struct {
	// Addr is the listen address. Default: ":8090".
	Addr string

	// ServiceName names the otelgin spans. Default: "opsync-dashboard".
	ServiceName string

	// StreamBuffer is the per-subscriber projection queue. Default: 8.
	StreamBuffer int

	// PingInterval is the stream keepalive period. Default: 30s.
	PingInterval time.Duration

	// WriteTimeout bounds each stream frame. Default: 10s.
	WriteTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown in Run. Default: 5s.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.ServiceName == "" {
		c.ServiceName = "opsync-dashboard"
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = 8
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Deps are the server's collaborators. Source, Commands and Control are
// required.
type Deps struct {
	Source   Source
	Commands Commands
	Control  Control

	// Metrics may be nil.
	Metrics *StreamMetrics

	// MetricsHandler serves /metrics. Default: promhttp.Handler().
	MetricsHandler http.Handler

	// Extensions authenticates, authorizes and audits /v1 calls.
	// Nil fields default to the no-op implementations.
	Extensions extensions.ServiceOptions

	Logger *slog.Logger
}

// Server is the dashboard HTTP server. Create with New; release with
// Close (or let Run do it).
type Server struct {
	cfg    Config
	deps   Deps
	router *gin.Engine
	hub    *Hub
	logger *slog.Logger
}

// New builds the router and starts the stream hub.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Source == nil || deps.Commands == nil || deps.Control == nil {
		return nil, errors.New("dashboard: source, commands and control are required")
	}
	cfg = cfg.withDefaults()
	deps.Extensions = deps.Extensions.Normalize()
	if deps.MetricsHandler == nil {
		deps.MetricsHandler = promhttp.Handler()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "dashboard"),
	}
	s.hub = newHub(deps.Source, cfg.StreamBuffer, deps.Metrics, s.logger)
	s.router = s.routes()
	return s, nil
}

// Handler returns the gin engine.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the stream hub.
func (s *Server) Hub() *Hub { return s.hub }

// Close ends every stream and stops the hub. Idempotent.
func (s *Server) Close() { s.hub.close() }

// Run listens on cfg.Addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return fmt.Errorf("dashboard server: %w", err)
	case <-ctx.Done():
	}

	// Hijacked stream connections are not tracked by Shutdown.
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}
	s.logger.Info("dashboard stopped")
	return nil
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.cfg.ServiceName))
	router.Use(s.deps.Metrics.middleware())
	router.Use(s.requestLogger())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(s.deps.MetricsHandler))

	read := s.guard(actionRead, "", "", false)
	v1 := router.Group("/v1")
	{
		v1.GET("/operations", read, s.handleOperations)
		v1.GET("/stream", read, s.handleStream)

		v1.GET("/departures", read, s.handleDepartures)
		v1.GET("/departures/:id", read, s.handleDeparture)
		v1.POST("/departures/:id/boarded", s.guard(actions.ActionMarkBoarded, "departure", "id", true), s.handleMarkBoarded)

		v1.GET("/incidents", read, s.handleIncidents)
		v1.POST("/incidents", s.guard(actions.ActionReportIncident, "incident", "", true), s.handleReportIncident)

		standby := v1.Group("/standby")
		{
			standby.GET("/trains", read, s.handleStandbyTrains)
			standby.GET("/deployments", read, s.handleDeployments)
			standby.POST("/deployments", s.guard(actions.ActionDeployStandby, "deployment", "", true), s.handleDeployStandby)
		}

		v1.GET("/snapshot", read, s.handleSnapshot)
		v1.GET("/policy", read, s.handlePolicy)
		v1.PUT("/policy", s.guard(actions.ActionUpdatePolicy, "policy", "", true), s.handleUpdatePolicy)

		v1.POST("/sync", s.guard("sync", "session", "", true), s.handleSync)
		v1.POST("/reconnect", s.guard("reconnect", "session", "", true), s.handleReconnect)
		v1.DELETE("/errors", s.guard("clear_errors", "session", "", true), s.handleClearErrors)

		v1.GET("/audit", s.guard("audit", "", "", false), s.handleAudit)
	}
	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
