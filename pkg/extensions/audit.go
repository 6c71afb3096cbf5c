// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gks281263/KMRL-sub001/pkg/clock"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// ErrInvalidEvent is returned by Log for events missing EventType or
// OperatorID.
var ErrInvalidEvent = errors.New("audit event requires event type and operator")

// AuditEvent is one operator command.
//
// # Event Types
//
//   - "command.mark_boarded", "command.report_incident",
//     "command.deploy_standby", "command.update_policy"
//   - "session.sync", "session.reconnect", "session.clear_errors"
//   - "auth.failed", "authz.denied"
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "command.mark_boarded",
//	    OperatorID:   info.OperatorID,
//	    Action:       "mark_boarded",
//	    ResourceType: "departure",
//	    ResourceID:   "dep-1042",
//	    Outcome:      OutcomeSuccess,
//	}
type AuditEvent struct {
	// ID is assigned by the logger when empty.
	ID string `json:"id"`

	EventType string `json:"eventType"`

	// Timestamp is set to now (UTC) when zero.
	Timestamp time.Time `json:"timestamp"`

	OperatorID   string `json:"operatorId"`
	Action       string `json:"action"`
	ResourceType string `json:"resourceType,omitempty"`
	ResourceID   string `json:"resourceId,omitempty"`
	Outcome      string `json:"outcome"`

	// Status is the HTTP status returned to the caller.
	Status int `json:"status,omitempty"`

	// Message is the plain error shown to the operator on failure.
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// AuditFilter selects events. Zero fields do not filter; set fields are
// combined with AND.
type AuditFilter struct {
	EventTypes   []string
	OperatorID   string
	ResourceType string
	ResourceID   string
	Outcome      string

	// Since is inclusive, Until exclusive.
	Since time.Time
	Until time.Time

	// Limit caps the result. Zero means 100.
	Limit int
}

func (f AuditFilter) match(e AuditEvent) bool {
	switch {
	case len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType):
		return false
	case f.OperatorID != "" && e.OperatorID != f.OperatorID:
		return false
	case f.ResourceType != "" && e.ResourceType != f.ResourceType:
		return false
	case f.ResourceID != "" && e.ResourceID != f.ResourceID:
		return false
	case f.Outcome != "" && e.Outcome != f.Outcome:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && !e.Timestamp.Before(f.Until):
		return false
	}
	return true
}

// AuditLogger records operator commands.
//
// Log must return quickly; it runs on the request path.
type AuditLogger interface {
	// Log records event, filling ID and Timestamp when empty.
	Log(ctx context.Context, event AuditEvent) error

	// Query returns matching events, newest first.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush persists anything buffered.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards every event.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// Query returns an empty slice.
func (l *NopAuditLogger) Query(context.Context, AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// Flush is a no-op.
func (l *NopAuditLogger) Flush(context.Context) error { return nil }

// =============================================================================
// In-memory trail
// =============================================================================

// DefaultAuditCapacity is the MemoryAuditLogger size when none is given.
const DefaultAuditCapacity = 500

// MemoryAuditLogger keeps the most recent events in a ring buffer and
// mirrors each one to slog.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	buf    []AuditEvent
	next   int
	full   bool
	clock  clock.Clock
	logger *slog.Logger
}

// AuditOption customizes a MemoryAuditLogger.
type AuditOption func(*MemoryAuditLogger)

// WithAuditClock stamps events from clk.
func WithAuditClock(clk clock.Clock) AuditOption {
	return func(l *MemoryAuditLogger) { l.clock = clk }
}

// NewMemoryAuditLogger keeps capacity events. capacity <= 0 uses
// DefaultAuditCapacity; logger nil disables the slog mirror.
func NewMemoryAuditLogger(capacity int, logger *slog.Logger, opts ...AuditOption) *MemoryAuditLogger {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	l := &MemoryAuditLogger{
		buf:    make([]AuditEvent, capacity),
		clock:  clock.Real(),
		logger: logger,
	}
	for _, o := range opts {
		o(l)
	}
	if l.logger != nil {
		l.logger = l.logger.With("component", "audit")
	}
	return l
}

// Log stores event, overwriting the oldest when full.
func (l *MemoryAuditLogger) Log(_ context.Context, event AuditEvent) error {
	if event.EventType == "" || event.OperatorID == "" {
		return ErrInvalidEvent
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.clock.Now().UTC()
	}

	l.mu.Lock()
	l.buf[l.next] = event
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.Info("audit",
			"event_type", event.EventType,
			"operator", event.OperatorID,
			"resource_type", event.ResourceType,
			"resource_id", event.ResourceID,
			"outcome", event.Outcome,
			"status", event.Status)
	}
	return nil
}

// Query walks the ring from newest to oldest.
func (l *MemoryAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.full {
		n = len(l.buf)
	}
	out := make([]AuditEvent, 0, min(n, limit))
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (l.next - 1 - i + len(l.buf)) % len(l.buf)
		if e := l.buf[idx]; filter.match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Len is the number of events held.
func (l *MemoryAuditLogger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.buf)
	}
	return l.next
}

// Flush is a no-op; events are already in memory.
func (l *MemoryAuditLogger) Flush(context.Context) error { return nil }

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
