// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"errors"
	"log/slog"

	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
	"github.com/gks281263/KMRL-sub001/services/opsync/telemetry"
)

// Handlers receives decoded events, one callback per kind. A nil field
// means the caller is not interested in that kind.
type Handlers struct {
	OnDepartureUpdate func(domain.ServiceDeparture)
	OnIncidentCreated func(domain.Incident)
	OnIncidentUpdated func(domain.Incident)
	OnStandbyDeployed func(domain.StandbyDeployment)
	OnSystemStatus    func(domain.OperationsSnapshot)
}

// Dispatcher decodes frames and invokes the matching handler.
//
// # Thread Safety
//
// A Dispatcher holds no mutable state. Ordering is the caller's job: the
// transport feeds it from a single read loop, so events are applied in
// delivery order.
type Dispatcher struct {
	handlers Handlers
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

// NewDispatcher creates a Dispatcher. logger and metrics may be nil.
func NewDispatcher(h Handlers, logger *slog.Logger, metrics *telemetry.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{handlers: h, logger: logger.With("component", "dispatcher"), metrics: metrics}
}

// HandleFrame decodes raw and dispatches it. Decode failures are logged
// and counted, never returned: a bad frame must not tear down the channel.
func (d *Dispatcher) HandleFrame(raw []byte) {
	ev, err := Decode(raw)
	if err != nil {
		kind, reason := "", "malformed"
		var derr *DecodeError
		if errors.As(err, &derr) {
			kind = string(derr.Kind)
		}
		switch {
		case errors.Is(err, ErrUnknownKind):
			reason = "unknown_kind"
			d.logger.Warn("ignoring unknown event kind", "kind", kind)
		case errors.Is(err, ErrInvalidPayload):
			reason = "invalid_payload"
			d.logger.Warn("dropping event with invalid payload", "kind", kind, "error", err)
		default:
			d.logger.Warn("dropping malformed frame", "error", err, "bytes", len(raw))
		}
		d.metrics.RecordEventDropped(kind, reason)
		return
	}
	d.Dispatch(ev)
}

// Dispatch invokes exactly one handler for ev. Missing handlers and pong
// frames are silent no-ops.
func (d *Dispatcher) Dispatch(ev Event) {
	switch e := ev.(type) {
	case DepartureUpdated:
		if d.handlers.OnDepartureUpdate != nil {
			d.handlers.OnDepartureUpdate(e.Departure)
		}
	case IncidentCreated:
		if d.handlers.OnIncidentCreated != nil {
			d.handlers.OnIncidentCreated(e.Incident)
		}
	case IncidentUpdated:
		if d.handlers.OnIncidentUpdated != nil {
			d.handlers.OnIncidentUpdated(e.Incident)
		}
	case StandbyDeployed:
		if d.handlers.OnStandbyDeployed != nil {
			d.handlers.OnStandbyDeployed(e.Deployment)
		}
	case SystemStatusChanged:
		if d.handlers.OnSystemStatus != nil {
			d.handlers.OnSystemStatus(e.Snapshot)
		}
	case Pong:
		d.logger.Debug("heartbeat acknowledged", "at", e.At)
		return
	default:
		d.logger.Warn("no route for event", "kind", ev.Kind())
		return
	}
	d.metrics.RecordEventReceived(string(ev.Kind()))
}
