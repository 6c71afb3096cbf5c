// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bootstrap seeds the store with the five operations collections.
//
// # Description
//
// Load fetches departures, incidents, standby trains, deployments, and
// the snapshot in parallel. Each successful fetch fully replaces its own
// collection as soon as it arrives; a failed fetch leaves its collection
// as it was. Load fails only when every fetch fails.
//
// # Thread Safety
//
// Loader is safe for concurrent use. Concurrent Load calls share one
// in-flight load.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gks281263/KMRL-sub001/pkg/clock"
	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
	"github.com/gks281263/KMRL-sub001/services/opsync/store"
	"github.com/gks281263/KMRL-sub001/services/opsync/telemetry"
)

// Collection names, used in results, errors, logs and metrics.
const (
	CollectionDepartures    = "departures"
	CollectionIncidents     = "incidents"
	CollectionStandbyTrains = "standby_trains"
	CollectionDeployments   = "deployments"
	CollectionSnapshot      = "snapshot"
	CollectionPolicy        = "policy"
)

// ErrAllFetchesFailed is wrapped by LoadError.
var ErrAllFetchesFailed = errors.New("bootstrap: every collection fetch failed")

// Fetcher reads collections from the backend. *backend.Client
// implements it.
type Fetcher interface {
	Departures(ctx context.Context) ([]domain.ServiceDeparture, error)
	Incidents(ctx context.Context) ([]domain.Incident, error)
	StandbyTrains(ctx context.Context) ([]domain.StandbyTrain, error)
	Deployments(ctx context.Context) ([]domain.StandbyDeployment, error)
	Snapshot(ctx context.Context) (domain.OperationsSnapshot, error)
	Policy(ctx context.Context) (domain.AutoDeployPolicy, error)
}

// Target receives loaded collections. *store.Store implements it.
type Target interface {
	ReplaceDepartures([]domain.ServiceDeparture)
	ReplaceIncidents([]domain.Incident)
	ReplaceStandbyTrains([]domain.StandbyTrain)
	ReplaceDeployments([]domain.StandbyDeployment)
	ReplaceSnapshot(domain.OperationsSnapshot)
	ReplacePolicy(domain.AutoDeployPolicy)
	SetError(kind store.ErrorKind, msg string)
}

// Result summarises one Load.
type Result struct {
	// Loaded lists collections that were fetched and applied.
	Loaded []string

	// Failed maps collection name to its fetch error.
	Failed map[string]error

	// Discarded lists collections fetched after the context ended.
	Discarded []string

	Duration time.Duration
}

// Partial reports whether some but not all collections loaded.
func (r Result) Partial() bool {
	return len(r.Loaded) > 0 && len(r.Failed) > 0
}

// LoadError is returned when no collection could be loaded.
type LoadError struct {
	Failed map[string]error
}

func (e *LoadError) Error() string {
	names := sortedKeys(e.Failed)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", n, e.Failed[n]))
	}
	return fmt.Sprintf("%v (%s)", ErrAllFetchesFailed, strings.Join(parts, "; "))
}

// Unwrap exposes ErrAllFetchesFailed and every per-collection error.
func (e *LoadError) Unwrap() []error {
	errs := []error{ErrAllFetchesFailed}
	for _, n := range sortedKeys(e.Failed) {
		errs = append(errs, e.Failed[n])
	}
	return errs
}

// Loader runs bootstrap loads. Create with New.
type Loader struct {
	fetcher Fetcher
	target  Target
	clock   clock.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics

	group singleflight.Group
}

// Option customizes a Loader.
type Option func(*Loader)

// WithClock sets the clock used for durations.
func WithClock(c clock.Clock) Option { return func(l *Loader) { l.clock = c } }

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Loader) { l.logger = lg } }

// WithMetrics records per-collection outcomes and load duration.
func WithMetrics(m *telemetry.Metrics) Option { return func(l *Loader) { l.metrics = m } }

// New creates a Loader.
func New(f Fetcher, t Target, opts ...Option) *Loader {
	l := &Loader{fetcher: f, target: t, clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "bootstrap")
	return l
}

// Load fetches and applies the five collections.
//
// # Description
//
// All fetches start together and each applies on arrival, in any order.
// A fetch that returns after ctx is done is discarded. Overlapping calls
// are coalesced into one load and all callers see its outcome.
//
// # Outputs
//
//   - Result: Per-collection outcome.
//   - error: *LoadError when every fetch failed, ctx.Err() when the
//     context ended before anything applied, nil otherwise. A partial
//     failure is not an error; it sets the store's sync message instead.
//
// # Example
//
//	res, err := loader.Load(ctx)
//	if err != nil {
//	    return err
//	}
//	if res.Partial() {
//	    log.Warn("partial bootstrap", "failed", res.Failed)
//	}
func (l *Loader) Load(ctx context.Context) (Result, error) {
	v, err, shared := l.group.Do("load", func() (any, error) {
		return l.load(ctx)
	})
	if shared {
		l.logger.Debug("joined in-flight bootstrap")
	}
	res, _ := v.(Result)
	return res, err
}

type fetchJob struct {
	name string
	run  func(ctx context.Context) (apply func(), err error)
}

func (l *Loader) jobs() []fetchJob {
	return []fetchJob{
		{CollectionDepartures, func(ctx context.Context) (func(), error) {
			v, err := l.fetcher.Departures(ctx)
			return func() { l.target.ReplaceDepartures(v) }, err
		}},
		{CollectionIncidents, func(ctx context.Context) (func(), error) {
			v, err := l.fetcher.Incidents(ctx)
			return func() { l.target.ReplaceIncidents(v) }, err
		}},
		{CollectionStandbyTrains, func(ctx context.Context) (func(), error) {
			v, err := l.fetcher.StandbyTrains(ctx)
			return func() { l.target.ReplaceStandbyTrains(v) }, err
		}},
		{CollectionDeployments, func(ctx context.Context) (func(), error) {
			v, err := l.fetcher.Deployments(ctx)
			return func() { l.target.ReplaceDeployments(v) }, err
		}},
		{CollectionSnapshot, func(ctx context.Context) (func(), error) {
			v, err := l.fetcher.Snapshot(ctx)
			return func() { l.target.ReplaceSnapshot(v) }, err
		}},
	}
}

func (l *Loader) load(ctx context.Context) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "bootstrap.Load")
	defer span.End()
	start := l.clock.Now()

	var (
		mu  sync.Mutex
		res = Result{Failed: make(map[string]error)}
	)

	// Fetch failures are collected per collection, never returned to the
	// group, so one failure cannot cancel the others.
	var g errgroup.Group
	for _, job := range l.jobs() {
		g.Go(func() error {
			apply, err := job.run(ctx)
			l.metrics.RecordFetch(ctx, job.name, err)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed[job.name] = err
				l.logger.Warn("collection fetch failed", "collection", job.name, "error", err)
			case ctx.Err() != nil:
				res.Discarded = append(res.Discarded, job.name)
			default:
				apply()
				res.Loaded = append(res.Loaded, job.name)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = l.clock.Now().Sub(start)
	sort.Strings(res.Loaded)
	sort.Strings(res.Discarded)
	l.metrics.RecordBootstrap(ctx, res.Duration)
	span.SetAttributes(
		attribute.Int("bootstrap.loaded", len(res.Loaded)),
		attribute.Int("bootstrap.failed", len(res.Failed)),
	)

	if ctx.Err() != nil && len(res.Loaded) == 0 {
		telemetry.RecordError(span, ctx.Err())
		return res, ctx.Err()
	}

	switch {
	case len(res.Loaded) == 0:
		err := &LoadError{Failed: res.Failed}
		l.target.SetError(store.ErrorSync, "Failed to load operations data")
		telemetry.RecordError(span, err)
		l.logger.Error("bootstrap failed", "error", err)
		return res, err
	case len(res.Failed) > 0:
		failed := sortedKeys(res.Failed)
		l.target.SetError(store.ErrorSync, "Some operations data failed to load: "+strings.Join(failed, ", "))
		l.logger.Warn("bootstrap partially failed", "loaded", res.Loaded, "failed", failed)
	default:
		l.logger.Info("bootstrap complete", "duration", res.Duration)
	}
	telemetry.SetSpanOK(span)
	return res, nil
}

// LoadPolicy fetches the auto-deploy policy and replaces it in the store.
// A failure sets the store's sync message; a result arriving after ctx
// ends is discarded.
func (l *Loader) LoadPolicy(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "bootstrap.LoadPolicy")
	defer span.End()

	p, err := l.fetcher.Policy(ctx)
	l.metrics.RecordFetch(ctx, CollectionPolicy, err)
	if err != nil {
		telemetry.RecordError(span, err)
		l.logger.Warn("policy fetch failed", "error", err)
		l.target.SetError(store.ErrorSync, "Failed to load auto-deploy policy")
		return fmt.Errorf("load policy: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.target.ReplacePolicy(p)
	telemetry.SetSpanOK(span)
	return nil
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
