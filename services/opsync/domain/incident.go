// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package domain

import "time"

type IncidentType string

const (
	IncidentMechanical  IncidentType = "mechanical"
	IncidentElectrical  IncidentType = "electrical"
	IncidentOperational IncidentType = "operational"
	IncidentSafety      IncidentType = "safety"
	IncidentOther       IncidentType = "other"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type IncidentStatus string

const (
	IncidentOpen          IncidentStatus = "open"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentResolved      IncidentStatus = "resolved"
	IncidentClosed        IncidentStatus = "closed"
)

// Incident is an operational fault report. Status transitions are owned
// by the server; clients accept whatever status the server sends.
type Incident struct {
	ID          string         `json:"id" validate:"required"`
	TrainID     string         `json:"trainId" validate:"required"`
	ServiceID   string         `json:"serviceId"`
	Type        IncidentType   `json:"type" validate:"required,oneof=mechanical electrical operational safety other"`
	Severity    Severity       `json:"severity" validate:"required,oneof=low medium high critical"`
	Description string         `json:"description"`
	FaultCode   string         `json:"faultCode,omitempty"`
	ReportedAt  time.Time      `json:"reportedAt" validate:"required"`
	ReportedBy  string         `json:"reportedBy"`
	Status      IncidentStatus `json:"status" validate:"required,oneof=open investigating resolved closed"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy  string         `json:"resolvedBy,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
}

// Active reports whether the incident still needs attention.
func (i Incident) Active() bool {
	return i.Status == IncidentOpen || i.Status == IncidentInvestigating
}

// IncidentReport is the create-incident payload: an incident without the
// server-assigned id, status, and reported timestamp.
type IncidentReport struct {
	TrainID     string       `json:"trainId" validate:"required"`
	ServiceID   string       `json:"serviceId"`
	Type        IncidentType `json:"type" validate:"required,oneof=mechanical electrical operational safety other"`
	Severity    Severity     `json:"severity" validate:"required,oneof=low medium high critical"`
	Description string       `json:"description" validate:"required,max=4000"`
	FaultCode   string       `json:"faultCode,omitempty"`
	ReportedBy  string       `json:"reportedBy" validate:"required"`
}
