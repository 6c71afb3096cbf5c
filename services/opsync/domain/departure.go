// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package domain defines the live operations entities shared by the
// opsync transport, store, and backend client.
//
// All types serialize with the camelCase field names used by the
// operations backend. Struct tags drive go-playground/validator checks;
// call Validate before trusting data that crossed a process boundary.
package domain

import "time"

// DepartureStatus is the lifecycle state of a scheduled departure.
type DepartureStatus string

const (
	DepartureScheduled DepartureStatus = "scheduled"
	DepartureBoarding  DepartureStatus = "boarding"
	DepartureDeparted  DepartureStatus = "departed"
	DepartureDelayed   DepartureStatus = "delayed"
	DepartureCancelled DepartureStatus = "cancelled"
	DepartureFault     DepartureStatus = "fault"
)

// ServiceDeparture is one scheduled train departure.
//
// VarianceMs is actual minus planned in milliseconds. It is present
// exactly when ActualDeparture is present; NormalizeDeparture restores
// that pairing.
type ServiceDeparture struct {
	ID               string          `json:"id" validate:"required"`
	TrainID          string          `json:"trainId" validate:"required"`
	RouteID          string          `json:"routeId" validate:"required"`
	PlannedDeparture time.Time       `json:"plannedDeparture" validate:"required"`
	ActualDeparture  *time.Time      `json:"actualDeparture,omitempty"`
	VarianceMs       *int64          `json:"variance,omitempty"`
	Status           DepartureStatus `json:"status" validate:"required,oneof=scheduled boarding departed delayed cancelled fault"`
	Platform         string          `json:"platform,omitempty"`
	Destination      string          `json:"destination"`
	Boarded          bool            `json:"boarded"`
	Fault            bool            `json:"fault"`
	LastUpdated      time.Time       `json:"lastUpdated"`
}

// Variance returns the signed delay as a duration and whether it is known.
func (d ServiceDeparture) Variance() (time.Duration, bool) {
	if d.VarianceMs == nil {
		return 0, false
	}
	return time.Duration(*d.VarianceMs) * time.Millisecond, true
}

// NormalizeDeparture returns d with the variance/actual pairing restored.
//
// # Description
//
// A departure carrying an actual timestamp but no variance gets the
// variance derived from actual minus planned. A variance without an
// actual timestamp is dropped. Pointer fields are copied so the result
// shares no memory with d.
//
// # Example
//
//	planned := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
//	actual := planned.Add(5 * time.Minute)
//	d := NormalizeDeparture(ServiceDeparture{PlannedDeparture: planned, ActualDeparture: &actual})
//	// *d.VarianceMs == 300000
func NormalizeDeparture(d ServiceDeparture) ServiceDeparture {
	if d.ActualDeparture == nil {
		d.VarianceMs = nil
		return d
	}
	actual := *d.ActualDeparture
	d.ActualDeparture = &actual
	if d.VarianceMs == nil {
		v := actual.Sub(d.PlannedDeparture).Milliseconds()
		d.VarianceMs = &v
	} else {
		v := *d.VarianceMs
		d.VarianceMs = &v
	}
	return d
}

// IsOnTime reports whether the departure left within tolerance of plan.
// Departures that have not left are not on time.
func (d ServiceDeparture) IsOnTime(tolerance time.Duration) bool {
	v, ok := d.Variance()
	if !ok {
		return false
	}
	return v <= tolerance
}
