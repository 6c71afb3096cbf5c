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
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gks281263/KMRL-sub001/pkg/extensions"
)

// Context keys set by the guard middleware.
const (
	operatorKey     = "opsync.operator"
	auditMessageKey = "opsync.audit_message"
)

// actionRead is the authorization action for every GET route.
const actionRead = "read"

// auditTimeout bounds each audit write on the request path.
const auditTimeout = 2 * time.Second

// bearerToken reads "Authorization: Bearer x", falling back to the
// access_token query parameter for browser WebSocket clients.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return c.Query("access_token")
}

// guard authenticates and authorizes one action. When audited is set
// the outcome is recorded after the handler runs. resourceParam names
// the path parameter holding the resource id, if any.
func (s *Server) guard(action, resourceType, resourceParam string, audited bool) gin.HandlerFunc {
	ext := s.deps.Extensions
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		resourceID := ""
		if resourceParam != "" {
			resourceID = c.Param(resourceParam)
		}
		event := extensions.AuditEvent{
			Action:       action,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			RequestID:    c.GetHeader("X-Request-ID"),
		}

		info, err := ext.AuthProvider.Validate(ctx, bearerToken(c))
		if err != nil {
			event.EventType = "auth.failed"
			event.OperatorID = "anonymous"
			event.Outcome = extensions.OutcomeDenied
			event.Status = http.StatusUnauthorized
			s.audit(ctx, event)
			c.Header("WWW-Authenticate", `Bearer realm="opsync"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
			return
		}
		event.OperatorID = info.OperatorID

		if err := ext.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{
			User:         info,
			Action:       action,
			ResourceType: resourceType,
			ResourceID:   resourceID,
		}); err != nil {
			event.EventType = "authz.denied"
			event.Outcome = extensions.OutcomeDenied
			event.Status = http.StatusForbidden
			event.Message = err.Error()
			s.audit(ctx, event)
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: "not permitted"})
			return
		}

		c.Set(operatorKey, info)
		c.Next()

		if !audited {
			return
		}
		event.EventType = auditEventType(action)
		event.Status = c.Writer.Status()
		event.Outcome = extensions.OutcomeSuccess
		if event.Status >= 400 {
			event.Outcome = extensions.OutcomeFailure
			event.Message = c.GetString(auditMessageKey)
		}
		s.audit(ctx, event)
	}
}

func auditEventType(action string) string {
	switch action {
	case "sync", "reconnect", "clear_errors":
		return "session." + action
	default:
		return "command." + action
	}
}

// audit writes event without failing the request.
func (s *Server) audit(ctx context.Context, event extensions.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := s.deps.Extensions.AuditLogger.Log(ctx, event); err != nil {
		s.logger.Warn("audit write failed", "event_type", event.EventType, "error", err)
	}
}

// handleAudit serves GET /v1/audit.
//
// Query parameters: operator, type, outcome, resource_id, limit.
func (s *Server) handleAudit(c *gin.Context) {
	f := extensions.AuditFilter{
		OperatorID: c.Query("operator"),
		Outcome:    c.Query("outcome"),
		ResourceID: c.Query("resource_id"),
	}
	if t := c.Query("type"); t != "" {
		f.EventTypes = strings.Split(t, ",")
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}
	events, err := s.deps.Extensions.AuditLogger.Query(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "audit query failed"})
		return
	}
	c.JSON(http.StatusOK, events)
}
