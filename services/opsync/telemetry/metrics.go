// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the opsync instruments.
//
// # Thread Safety
//
// Instruments are safe for concurrent use. All Record methods accept a
// nil receiver so components can run without telemetry.
type Metrics struct {
	// --- Event stream ---

	// EventsReceived counts decoded push events by kind.
	EventsReceived metric.Int64Counter

	// EventsDropped counts frames dropped by kind and reason.
	EventsDropped metric.Int64Counter

	// --- Transport ---

	// ConnectionTransitions counts channel state transitions by target state.
	ConnectionTransitions metric.Int64Counter

	// ReconnectAttempts counts scheduled reconnects.
	ReconnectAttempts metric.Int64Counter

	// --- Bootstrap ---

	// BootstrapDuration records a full Load in seconds.
	BootstrapDuration metric.Float64Histogram

	// BootstrapFetches counts collection fetches by collection and outcome.
	BootstrapFetches metric.Int64Counter

	// --- Actions and store ---

	// ActionsTotal counts gateway actions by action and outcome.
	ActionsTotal metric.Int64Counter

	// StoreMutations counts store mutations by operation.
	StoreMutations metric.Int64Counter
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.EventsReceived, err = meter.Int64Counter(
		"opsync_events_received_total",
		metric.WithDescription("Push events decoded and dispatched"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create events_received_total: %w", err)
	}

	if m.EventsDropped, err = meter.Int64Counter(
		"opsync_events_dropped_total",
		metric.WithDescription("Push frames dropped before dispatch"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create events_dropped_total: %w", err)
	}

	if m.ConnectionTransitions, err = meter.Int64Counter(
		"opsync_connection_transitions_total",
		metric.WithDescription("Push channel state transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, fmt.Errorf("create connection_transitions_total: %w", err)
	}

	if m.ReconnectAttempts, err = meter.Int64Counter(
		"opsync_reconnect_attempts_total",
		metric.WithDescription("Reconnects scheduled after unclean closes"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, fmt.Errorf("create reconnect_attempts_total: %w", err)
	}

	if m.BootstrapDuration, err = meter.Float64Histogram(
		"opsync_bootstrap_duration_seconds",
		metric.WithDescription("Bootstrap load duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30),
	); err != nil {
		return nil, fmt.Errorf("create bootstrap_duration: %w", err)
	}

	if m.BootstrapFetches, err = meter.Int64Counter(
		"opsync_bootstrap_fetches_total",
		metric.WithDescription("Bootstrap collection fetches"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return nil, fmt.Errorf("create bootstrap_fetches_total: %w", err)
	}

	if m.ActionsTotal, err = meter.Int64Counter(
		"opsync_actions_total",
		metric.WithDescription("Operator actions sent to the backend"),
		metric.WithUnit("{action}"),
	); err != nil {
		return nil, fmt.Errorf("create actions_total: %w", err)
	}

	if m.StoreMutations, err = meter.Int64Counter(
		"opsync_store_mutations_total",
		metric.WithDescription("Reconciliation store mutations"),
		metric.WithUnit("{mutation}"),
	); err != nil {
		return nil, fmt.Errorf("create store_mutations_total: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordEventReceived(kind string) {
	if m == nil {
		return
	}
	m.EventsReceived.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordEventDropped(kind, reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordConnectionState(state string) {
	if m == nil {
		return
	}
	m.ConnectionTransitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *Metrics) RecordReconnect(attempt int) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Add(context.Background(), 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}

func (m *Metrics) RecordBootstrap(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.BootstrapDuration.Record(ctx, d.Seconds())
}

func (m *Metrics) RecordFetch(ctx context.Context, collection string, err error) {
	if m == nil {
		return
	}
	m.BootstrapFetches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("collection", collection),
		attribute.String("outcome", outcome(err)),
	))
}

func (m *Metrics) RecordAction(ctx context.Context, action string, err error) {
	if m == nil {
		return
	}
	m.ActionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome(err)),
	))
}

func (m *Metrics) RecordMutation(op string) {
	if m == nil {
		return
	}
	m.StoreMutations.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op)))
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
