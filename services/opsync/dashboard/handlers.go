// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dashboard

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gks281263/KMRL-sub001/services/opsync/actions"
	"github.com/gks281263/KMRL-sub001/services/opsync/backend"
	"github.com/gks281263/KMRL-sub001/services/opsync/bootstrap"
	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
	"github.com/gks281263/KMRL-sub001/services/opsync/session"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status          string `json:"status"`
	Connected       bool   `json:"connected"`
	ConnectionState string `json:"connectionState"`
	Subscribers     int    `json:"subscribers"`
}

// SyncResponse is the body of POST /v1/sync.
type SyncResponse struct {
	Loaded     []string          `json:"loaded"`
	Failed     map[string]string `json:"failed,omitempty"`
	DurationMs int64             `json:"durationMs"`
}

// DeployStandbyRequest is the body of POST /v1/standby/deployments.
type DeployStandbyRequest = domain.DeployRequest

func (s *Server) handleHealth(c *gin.Context) {
	p := s.deps.Source.Projection()
	status := "ok"
	if !p.Connected {
		status = "degraded"
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:          status,
		Connected:       p.Connected,
		ConnectionState: p.ConnectionState,
		Subscribers:     s.hub.Subscribers(),
	})
}

func (s *Server) handleOperations(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Source.Projection())
}

// =============================================================================
// Collections
// =============================================================================

func (s *Server) handleDepartures(c *gin.Context) {
	deps := s.deps.Source.Projection().Departures
	if status := c.Query("status"); status != "" {
		filtered := make([]domain.ServiceDeparture, 0, len(deps))
		for _, d := range deps {
			if string(d.Status) == status {
				filtered = append(filtered, d)
			}
		}
		deps = filtered
	}
	c.JSON(http.StatusOK, deps)
}

func (s *Server) handleDeparture(c *gin.Context) {
	id := c.Param("id")
	for _, d := range s.deps.Source.Projection().Departures {
		if d.ID == id {
			c.JSON(http.StatusOK, d)
			return
		}
	}
	c.JSON(http.StatusNotFound, ErrorResponse{Error: "departure not found"})
}

func (s *Server) handleIncidents(c *gin.Context) {
	incs := s.deps.Source.Projection().Incidents
	if raw := c.Query("active"); raw != "" {
		want, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "active must be true or false"})
			return
		}
		filtered := make([]domain.Incident, 0, len(incs))
		for _, i := range incs {
			if i.Active() == want {
				filtered = append(filtered, i)
			}
		}
		incs = filtered
	}
	c.JSON(http.StatusOK, incs)
}

func (s *Server) handleStandbyTrains(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Source.Projection().StandbyTrains)
}

func (s *Server) handleDeployments(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Source.Projection().Deployments)
}

func (s *Server) handleSnapshot(c *gin.Context) {
	snap := s.deps.Source.Projection().Snapshot
	if snap == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "snapshot not loaded"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handlePolicy(c *gin.Context) {
	pol := s.deps.Source.Projection().Policy
	if pol == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "policy not loaded"})
		return
	}
	c.JSON(http.StatusOK, pol)
}

// =============================================================================
// Actions
// =============================================================================

func (s *Server) handleMarkBoarded(c *gin.Context) {
	d, err := s.deps.Commands.MarkBoarded(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleReportIncident(c *gin.Context) {
	var req domain.IncidentReport
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed incident report"})
		return
	}
	inc, err := s.deps.Commands.ReportIncident(c.Request.Context(), req)
	if err != nil {
		s.writeActionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inc)
}

func (s *Server) handleDeployStandby(c *gin.Context) {
	var req DeployStandbyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed deploy request"})
		return
	}
	dep, err := s.deps.Commands.DeployStandby(c.Request.Context(), req.StandbyTrainID, req.ServiceID, req.AutoDeployed)
	if err != nil {
		s.writeActionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dep)
}

func (s *Server) handleUpdatePolicy(c *gin.Context) {
	var req domain.AutoDeployPolicy
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed policy"})
		return
	}
	pol, err := s.deps.Commands.UpdateAutoDeployPolicy(c.Request.Context(), req)
	if err != nil {
		s.writeActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, pol)
}

// writeActionError maps a gateway failure to a status. Backend 4xx
// replies pass through; everything else from the backend is a 502.
func (s *Server) writeActionError(c *gin.Context, err error) {
	msg := err.Error()
	var ae *actions.ActionError
	if errors.As(err, &ae) {
		msg = ae.Message
	}

	status := http.StatusBadGateway
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, actions.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, actions.ErrStale), errors.Is(err, session.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500:
		status = apiErr.Status
	}
	c.Set(auditMessageKey, msg)
	c.JSON(status, ErrorResponse{Error: msg})
}

// =============================================================================
// Session control
// =============================================================================

func (s *Server) handleSync(c *gin.Context) {
	res, err := s.deps.Control.Resync(c.Request.Context())
	body := SyncResponse{Loaded: res.Loaded, DurationMs: res.Duration.Milliseconds()}
	if body.Loaded == nil {
		body.Loaded = []string{}
	}
	if len(res.Failed) > 0 {
		body.Failed = make(map[string]string, len(res.Failed))
		for coll, ferr := range res.Failed {
			body.Failed[coll] = backend.Message(ferr)
		}
	}
	sort.Strings(body.Loaded)

	if err != nil {
		c.Set(auditMessageKey, backend.Message(err))
	}
	switch {
	case errors.Is(err, session.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "session closed"})
	case errors.Is(err, bootstrap.ErrAllFetchesFailed):
		c.JSON(http.StatusBadGateway, body)
	case err != nil && len(res.Loaded) == 0:
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: backend.Message(err)})
	default:
		c.JSON(http.StatusOK, body)
	}
}

func (s *Server) handleReconnect(c *gin.Context) {
	if err := s.deps.Control.Reconnect(); err != nil {
		c.Set(auditMessageKey, err.Error())
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleClearErrors(c *gin.Context) {
	s.deps.Control.ClearErrors()
	c.Status(http.StatusNoContent)
}
