// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store holds the authoritative in-memory view of live operations.
//
// # Description
//
// The Store owns the departures, incidents, standby trains, standby
// deployments, operations snapshot, and auto-deploy policy. Bootstrap
// fetches, push events, and action results all reach it through the
// mutation methods below, each with a fixed merge rule:
//
//	ReplaceX          full replace (bootstrap, resync)
//	UpsertDeparture   replace by id, unknown ids dropped
//	InsertIncident    prepend (duplicates kept unless DedupInserts)
//	UpdateIncident    replace in place by id, unknown ids ignored
//	InsertDeployment  prepend (duplicates kept unless DedupInserts)
//	ReplaceSnapshot   whole-object replace
//	ReplacePolicy     whole-object replace
//
// Every entity mutation stamps LastUpdated. It is for display only and
// never used to resolve conflicts: the last mutation applied wins.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Mutations are applied under a
// single lock and are visible to readers as soon as the call returns.
// Subscribers are notified after the lock is released.
package store

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gks281263/KMRL-sub001/pkg/clock"
	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
	"github.com/gks281263/KMRL-sub001/services/opsync/telemetry"
)

// ===== Errors surfaced to views =====

// ErrorKind groups user-visible error messages.
type ErrorKind string

const (
	ErrorConnection ErrorKind = "connection"
	ErrorSync       ErrorKind = "sync"
	ErrorAction     ErrorKind = "action"
)

// Errors holds at most one plain message per kind.
type Errors struct {
	Connection string `json:"connection,omitempty"`
	Sync       string `json:"sync,omitempty"`
	Action     string `json:"action,omitempty"`
}

// Any reports whether any message is set.
func (e Errors) Any() bool {
	return e.Connection != "" || e.Sync != "" || e.Action != ""
}

// ===== Change notification =====

// Op names the mutation that produced a Change.
type Op string

const (
	OpReplaceDepartures    Op = "replace_departures"
	OpReplaceIncidents     Op = "replace_incidents"
	OpReplaceStandbyTrains Op = "replace_standby_trains"
	OpReplaceDeployments   Op = "replace_deployments"
	OpUpsertDeparture      Op = "upsert_departure"
	OpInsertIncident       Op = "insert_incident"
	OpUpdateIncident       Op = "update_incident"
	OpInsertDeployment     Op = "insert_deployment"
	OpReplaceSnapshot      Op = "replace_snapshot"
	OpReplacePolicy        Op = "replace_policy"
	OpConnection           Op = "connection"
	OpErrors               Op = "errors"
	OpRestore              Op = "restore"
)

// Change describes one applied mutation. ID is set for single-entity ops.
// Departure is set for OpUpsertDeparture so listeners need not re-read.
type Change struct {
	Op        Op
	ID        string
	At        time.Time
	Departure *domain.ServiceDeparture
}

// ===== Projection =====

// Projection is a point-in-time copy of the store for consumers.
type Projection struct {
	Departures      []domain.ServiceDeparture  `json:"departures"`
	Incidents       []domain.Incident          `json:"incidents"`
	StandbyTrains   []domain.StandbyTrain      `json:"standbyTrains"`
	Deployments     []domain.StandbyDeployment `json:"deployments"`
	Snapshot        *domain.OperationsSnapshot `json:"snapshot"`
	Policy          *domain.AutoDeployPolicy   `json:"policy"`
	Connected       bool                       `json:"connected"`
	ConnectionState string                     `json:"connectionState"`
	Errors          Errors                     `json:"errors"`
	LastUpdated     time.Time                  `json:"lastUpdated"`
}

// ===== Store =====

// Options configures a Store. The zero value is usable.
type Options struct {
	// Clock stamps LastUpdated. Defaults to clock.Real().
	Clock clock.Clock

	// DedupInserts switches InsertIncident and InsertDeployment to
	// upsert-by-id. Off by default: redundant creates are kept.
	DedupInserts bool

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Store is the reconciliation store. Create with New.
type Store struct {
	mu sync.RWMutex

	departures    []domain.ServiceDeparture
	incidents     []domain.Incident
	standbyTrains []domain.StandbyTrain
	deployments   []domain.StandbyDeployment
	snapshot      *domain.OperationsSnapshot
	policy        *domain.AutoDeployPolicy

	connected       bool
	connectionState string
	errs            Errors
	lastUpdated     time.Time

	dedup   atomic.Bool
	clock   clock.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics

	subMu  sync.RWMutex
	subs   map[uint64]func(Change)
	nextID uint64
}

// New creates an empty Store.
func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		connectionState: "disconnected",
		clock:           opts.Clock,
		logger:          opts.Logger.With("component", "store"),
		metrics:         opts.Metrics,
		subs:            make(map[uint64]func(Change)),
	}
	s.dedup.Store(opts.DedupInserts)
	return s
}

// SetDedupInserts changes the insert policy at runtime.
func (s *Store) SetDedupInserts(on bool) {
	s.dedup.Store(on)
}

// DedupInserts reports the current insert policy.
func (s *Store) DedupInserts() bool {
	return s.dedup.Load()
}

// Subscribe registers fn for every applied change. fn runs on the
// mutating goroutine and must not block. Call the returned func to stop.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify(c Change) {
	s.subMu.RLock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

// commit stamps LastUpdated. Must be called with s.mu held.
func (s *Store) commit() time.Time {
	now := s.clock.Now()
	s.lastUpdated = now
	return now
}

func (s *Store) applied(op Op, id string, at time.Time) {
	s.metrics.RecordMutation(string(op))
	s.notify(Change{Op: op, ID: id, At: at})
}
