// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
)

// =============================================================================
// Bulk replace
// =============================================================================

// ReplaceDepartures replaces the departure collection. Each departure is
// normalized so variance and actual departure stay paired.
func (s *Store) ReplaceDepartures(ds []domain.ServiceDeparture) {
	next := make([]domain.ServiceDeparture, len(ds))
	for i, d := range ds {
		next[i] = domain.NormalizeDeparture(d)
	}
	s.mu.Lock()
	s.departures = next
	at := s.commit()
	s.mu.Unlock()
	s.applied(OpReplaceDepartures, "", at)
}

func (s *Store) ReplaceIncidents(is []domain.Incident) {
	next := cloneIncidents(is)
	s.mu.Lock()
	s.incidents = next
	at := s.commit()
	s.mu.Unlock()
	s.applied(OpReplaceIncidents, "", at)
}

func (s *Store) ReplaceStandbyTrains(ts []domain.StandbyTrain) {
	next := append([]domain.StandbyTrain(nil), ts...)
	s.mu.Lock()
	s.standbyTrains = next
	at := s.commit()
	s.mu.Unlock()
	s.applied(OpReplaceStandbyTrains, "", at)
}

func (s *Store) ReplaceDeployments(ds []domain.StandbyDeployment) {
	next := cloneDeployments(ds)
	s.mu.Lock()
	s.deployments = next
	at := s.commit()
	s.mu.Unlock()
	s.applied(OpReplaceDeployments, "", at)
}

// =============================================================================
// Live merges
// =============================================================================

// UpsertDeparture replaces the departure with the same id.
//
// # Description
//
// Departures are only created by bootstrap. An update for an id that is
// not present is dropped and the collection is left untouched.
//
// # Outputs
//
//   - bool: True if a departure was replaced.
func (s *Store) UpsertDeparture(d domain.ServiceDeparture) bool {
	d = domain.NormalizeDeparture(d)

	s.mu.Lock()
	idx := -1
	for i := range s.departures {
		if s.departures[i].ID == d.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		s.logger.Debug("dropping update for unknown departure", "departure_id", d.ID)
		return false
	}
	s.departures[idx] = d
	at := s.commit()
	s.mu.Unlock()

	s.metrics.RecordMutation(string(OpUpsertDeparture))
	out := domain.NormalizeDeparture(d)
	s.notify(Change{Op: OpUpsertDeparture, ID: d.ID, At: at, Departure: &out})
	return true
}

// InsertIncident prepends i. With DedupInserts on, an incident whose id
// is already present is replaced in place instead.
func (s *Store) InsertIncident(i domain.Incident) {
	i = cloneIncident(i)
	s.mu.Lock()
	if s.dedup.Load() {
		if idx := indexIncident(s.incidents, i.ID); idx >= 0 {
			s.incidents[idx] = i
			at := s.commit()
			s.mu.Unlock()
			s.applied(OpInsertIncident, i.ID, at)
			return
		}
	}
	s.incidents = prepend(s.incidents, i)
	at := s.commit()
	s.mu.Unlock()
	s.applied(OpInsertIncident, i.ID, at)
}

// UpdateIncident replaces the incident with the same id, keeping its
// position. Returns false, with nothing changed, if the id is absent.
func (s *Store) UpdateIncident(i domain.Incident) bool {
	i = cloneIncident(i)
	s.mu.Lock()
	idx := indexIncident(s.incidents, i.ID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	// Every entry sharing the id is a copy of the same logical incident.
	for j := idx; j < len(s.incidents); j++ {
		if s.incidents[j].ID == i.ID {
			s.incidents[j] = i
		}
	}
	at := s.commit()
	s.mu.Unlock()
	s.applied(OpUpdateIncident, i.ID, at)
	return true
}

// InsertDeployment prepends d, subject to DedupInserts like InsertIncident.
func (s *Store) InsertDeployment(d domain.StandbyDeployment) {
	d = cloneDeployment(d)
	s.mu.Lock()
	if s.dedup.Load() {
		for idx := range s.deployments {
			if s.deployments[idx].ID == d.ID {
				s.deployments[idx] = d
				at := s.commit()
				s.mu.Unlock()
				s.applied(OpInsertDeployment, d.ID, at)
				return
			}
		}
	}
	s.deployments = prepend(s.deployments, d)
	at := s.commit()
	s.mu.Unlock()
	s.applied(OpInsertDeployment, d.ID, at)
}

// ReplaceSnapshot swaps the operations snapshot wholesale.
func (s *Store) ReplaceSnapshot(snap domain.OperationsSnapshot) {
	s.mu.Lock()
	s.snapshot = &snap
	at := s.commit()
	s.mu.Unlock()
	s.applied(OpReplaceSnapshot, "", at)
}

// ReplacePolicy swaps the auto-deploy policy wholesale.
func (s *Store) ReplacePolicy(p domain.AutoDeployPolicy) {
	s.mu.Lock()
	s.policy = &p
	at := s.commit()
	s.mu.Unlock()
	s.applied(OpReplacePolicy, "", at)
}

// =============================================================================
// Connection and error state
// =============================================================================

// SetConnection records channel liveness. A transition to connected
// clears the connection error; nothing else clears it automatically.
func (s *Store) SetConnection(connected bool, state string) {
	s.mu.Lock()
	changed := s.connected != connected || s.connectionState != state
	s.connected = connected
	s.connectionState = state
	if connected {
		s.errs.Connection = ""
	}
	s.mu.Unlock()
	if changed {
		s.notify(Change{Op: OpConnection, At: s.clock.Now()})
	}
}

// SetError sets the message for kind, replacing any previous one.
func (s *Store) SetError(kind ErrorKind, msg string) {
	s.mu.Lock()
	switch kind {
	case ErrorConnection:
		s.errs.Connection = msg
	case ErrorSync:
		s.errs.Sync = msg
	case ErrorAction:
		s.errs.Action = msg
	default:
		s.mu.Unlock()
		s.logger.Warn("ignoring unknown error kind", "kind", kind)
		return
	}
	s.mu.Unlock()
	s.notify(Change{Op: OpErrors, ID: string(kind), At: s.clock.Now()})
}

// ClearError clears one kind. Idempotent.
func (s *Store) ClearError(kind ErrorKind) {
	s.SetError(kind, "")
}

// ClearErrors clears every kind. Idempotent.
func (s *Store) ClearErrors() {
	s.mu.Lock()
	s.errs = Errors{}
	s.mu.Unlock()
	s.notify(Change{Op: OpErrors, At: s.clock.Now()})
}

// =============================================================================
// Reads
// =============================================================================

// Projection returns a copy of the current state.
func (s *Store) Projection() Projection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := Projection{
		Departures:      make([]domain.ServiceDeparture, len(s.departures)),
		Incidents:       cloneIncidents(s.incidents),
		StandbyTrains:   append([]domain.StandbyTrain{}, s.standbyTrains...),
		Deployments:     cloneDeployments(s.deployments),
		Connected:       s.connected,
		ConnectionState: s.connectionState,
		Errors:          s.errs,
		LastUpdated:     s.lastUpdated,
	}
	for i, d := range s.departures {
		p.Departures[i] = domain.NormalizeDeparture(d)
	}
	if s.snapshot != nil {
		snap := *s.snapshot
		p.Snapshot = &snap
	}
	if s.policy != nil {
		pol := *s.policy
		p.Policy = &pol
	}
	return p
}

// Restore seeds every entity collection from a saved projection. Used to
// warm start from the local cache before the backend answers. Connection
// and error state are left as they are.
func (s *Store) Restore(p Projection) {
	departures := make([]domain.ServiceDeparture, len(p.Departures))
	for i, d := range p.Departures {
		departures[i] = domain.NormalizeDeparture(d)
	}

	s.mu.Lock()
	s.departures = departures
	s.incidents = cloneIncidents(p.Incidents)
	s.standbyTrains = append([]domain.StandbyTrain(nil), p.StandbyTrains...)
	s.deployments = cloneDeployments(p.Deployments)
	s.snapshot, s.policy = nil, nil
	if p.Snapshot != nil {
		snap := *p.Snapshot
		s.snapshot = &snap
	}
	if p.Policy != nil {
		pol := *p.Policy
		s.policy = &pol
	}
	s.lastUpdated = p.LastUpdated
	at := s.lastUpdated
	s.mu.Unlock()

	s.notify(Change{Op: OpRestore, At: at})
}

// Departure returns the departure with id.
func (s *Store) Departure(id string) (domain.ServiceDeparture, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.departures {
		if d.ID == id {
			return domain.NormalizeDeparture(d), true
		}
	}
	return domain.ServiceDeparture{}, false
}

// Errors returns the current error messages.
func (s *Store) Errors() Errors {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errs
}

// Connected reports the last recorded channel liveness.
func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
