// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package actions performs operator commands against the backend and
// folds the confirmed results into the store.
//
// # Description
//
// Each action makes exactly one backend call. On failure the store is
// left untouched, its action message is set, and an *ActionError with a
// plain message is returned. On success the server's record is applied
// with the same merge rule a push event for that entity would use, so an
// action and its echoed event can both insert (see store.DedupInserts).
// Actions are never retried here.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gks281263/KMRL-sub001/services/opsync/backend"
	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
	"github.com/gks281263/KMRL-sub001/services/opsync/store"
	"github.com/gks281263/KMRL-sub001/services/opsync/telemetry"
)

// Action names.
const (
	ActionMarkBoarded    = "mark_boarded"
	ActionReportIncident = "report_incident"
	ActionDeployStandby  = "deploy_standby"
	ActionUpdatePolicy   = "update_policy"
)

var (
	// ErrInvalidInput wraps client-side validation failures.
	ErrInvalidInput = errors.New("invalid action input")

	// ErrStale is returned when the result arrived after the context
	// ended and was discarded.
	ErrStale = errors.New("action result discarded")
)

// ActionError is the normalized failure of one action.
type ActionError struct {
	Action  string
	Message string
	Err     error
}

func (e *ActionError) Error() string { return e.Action + ": " + e.Message }

func (e *ActionError) Unwrap() error { return e.Err }

// Backend is the subset of *backend.Client the gateway calls.
type Backend interface {
	MarkBoarded(ctx context.Context, departureID string) (domain.ServiceDeparture, error)
	CreateIncident(ctx context.Context, r domain.IncidentReport) (domain.Incident, error)
	DeployStandby(ctx context.Context, r domain.DeployRequest) (domain.StandbyDeployment, error)
	UpdatePolicy(ctx context.Context, p domain.AutoDeployPolicy) (domain.AutoDeployPolicy, error)
}

// Target is the subset of *store.Store the gateway mutates.
type Target interface {
	UpsertDeparture(domain.ServiceDeparture) bool
	InsertIncident(domain.Incident)
	InsertDeployment(domain.StandbyDeployment)
	ReplacePolicy(domain.AutoDeployPolicy)
	SetError(kind store.ErrorKind, msg string)
}

// Config configures a Gateway.
type Config struct {
	// Timeout bounds each action. Default: 15s.
	Timeout time.Duration
}

// Gateway runs actions. Create with New.
type Gateway struct {
	backend Backend
	target  Target
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New creates a Gateway. logger and metrics may be nil.
func New(b Backend, t Target, cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		backend: b,
		target:  t,
		cfg:     cfg,
		logger:  logger.With("component", "actions"),
		metrics: metrics,
	}
}

// MarkBoarded marks a departure boarded and upserts the confirmed record.
func (g *Gateway) MarkBoarded(ctx context.Context, departureID string) (domain.ServiceDeparture, error) {
	if departureID == "" {
		return domain.ServiceDeparture{}, g.reject(ActionMarkBoarded, "departure id is required")
	}
	var out domain.ServiceDeparture
	err := g.run(ctx, ActionMarkBoarded, departureID, func(ctx context.Context) (func(), error) {
		d, err := g.backend.MarkBoarded(ctx, departureID)
		out = d
		return func() {
			if !g.target.UpsertDeparture(d) {
				g.logger.Warn("boarded departure not in store", "departure_id", d.ID)
			}
		}, err
	})
	return out, err
}

// ReportIncident creates an incident and prepends it.
func (g *Gateway) ReportIncident(ctx context.Context, r domain.IncidentReport) (domain.Incident, error) {
	if err := r.Validate(); err != nil {
		return domain.Incident{}, g.invalid(ActionReportIncident, err)
	}
	var out domain.Incident
	err := g.run(ctx, ActionReportIncident, r.TrainID, func(ctx context.Context) (func(), error) {
		inc, err := g.backend.CreateIncident(ctx, r)
		out = inc
		return func() { g.target.InsertIncident(inc) }, err
	})
	return out, err
}

// DeployStandby dispatches a standby train and prepends the deployment.
func (g *Gateway) DeployStandby(ctx context.Context, standbyTrainID, serviceID string, auto bool) (domain.StandbyDeployment, error) {
	req := domain.DeployRequest{StandbyTrainID: standbyTrainID, ServiceID: serviceID, AutoDeployed: auto}
	if err := req.Validate(); err != nil {
		return domain.StandbyDeployment{}, g.invalid(ActionDeployStandby, err)
	}
	var out domain.StandbyDeployment
	err := g.run(ctx, ActionDeployStandby, standbyTrainID, func(ctx context.Context) (func(), error) {
		dep, err := g.backend.DeployStandby(ctx, req)
		out = dep
		return func() { g.target.InsertDeployment(dep) }, err
	})
	return out, err
}

// UpdateAutoDeployPolicy stores a new policy and replaces it locally with
// the server's copy.
func (g *Gateway) UpdateAutoDeployPolicy(ctx context.Context, p domain.AutoDeployPolicy) (domain.AutoDeployPolicy, error) {
	if err := p.Validate(); err != nil {
		return domain.AutoDeployPolicy{}, g.invalid(ActionUpdatePolicy, err)
	}
	var out domain.AutoDeployPolicy
	err := g.run(ctx, ActionUpdatePolicy, "", func(ctx context.Context) (func(), error) {
		stored, err := g.backend.UpdatePolicy(ctx, p)
		out = stored
		return func() { g.target.ReplacePolicy(stored) }, err
	})
	return out, err
}

// run performs one backend call and applies its result.
func (g *Gateway) run(ctx context.Context, action, subject string, call func(context.Context) (apply func(), err error)) error {
	ctx, span := telemetry.StartSpan(ctx, "actions."+action, attribute.String("action.subject", subject))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	apply, err := call(callCtx)
	g.metrics.RecordAction(ctx, action, err)
	if err != nil {
		telemetry.RecordError(span, err)
		if ctx.Err() != nil {
			// Caller went away; nobody is left to show the message.
			return &ActionError{Action: action, Message: backend.Message(ctx.Err()), Err: errors.Join(ErrStale, err)}
		}
		msg := backend.Message(err)
		g.target.SetError(store.ErrorAction, msg)
		g.logger.Warn("action failed", "action", action, "subject", subject, "error", err)
		return &ActionError{Action: action, Message: msg, Err: err}
	}
	if ctx.Err() != nil {
		g.logger.Info("discarding late action result", "action", action, "subject", subject)
		return &ActionError{Action: action, Message: "request cancelled", Err: ErrStale}
	}

	apply()
	telemetry.SetSpanOK(span)
	g.logger.Info("action applied", "action", action, "subject", subject)
	return nil
}

func (g *Gateway) reject(action, msg string) error {
	g.target.SetError(store.ErrorAction, msg)
	return &ActionError{Action: action, Message: msg, Err: ErrInvalidInput}
}

func (g *Gateway) invalid(action string, err error) error {
	msg := "invalid input"
	var ve *domain.ValidationError
	if errors.As(err, &ve) && len(ve.Fields) > 0 {
		msg = fmt.Sprintf("invalid input: %v", ve.Fields)
	}
	g.target.SetError(store.ErrorAction, msg)
	return &ActionError{Action: action, Message: msg, Err: errors.Join(ErrInvalidInput, err)}
}
