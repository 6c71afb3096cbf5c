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

type StandbyStatus string

const (
	StandbyAvailable   StandbyStatus = "available"
	StandbyDeployed    StandbyStatus = "deployed"
	StandbyMaintenance StandbyStatus = "maintenance"
	StandbyReserved    StandbyStatus = "reserved"
)

// StandbyTrain is a reserve vehicle. Priority 1 is deployed first.
type StandbyTrain struct {
	ID              string        `json:"id" validate:"required"`
	TrainID         string        `json:"trainId" validate:"required"`
	Location        string        `json:"location"`
	Status          StandbyStatus `json:"status" validate:"required,oneof=available deployed maintenance reserved"`
	Capacity        int           `json:"capacity" validate:"gte=0"`
	LastMaintenance time.Time     `json:"lastMaintenance"`
	NextMaintenance time.Time     `json:"nextMaintenance"`
	Priority        int           `json:"priority" validate:"gte=1"`
}

type DeploymentStatus string

const (
	DeploymentPending   DeploymentStatus = "pending"
	DeploymentActive    DeploymentStatus = "active"
	DeploymentCompleted DeploymentStatus = "completed"
	DeploymentCancelled DeploymentStatus = "cancelled"
)

// StandbyDeployment records a standby train dispatched against a
// disrupted service.
type StandbyDeployment struct {
	ID                string           `json:"id" validate:"required"`
	StandbyTrainID    string           `json:"standbyTrainId" validate:"required"`
	ReplacedServiceID string           `json:"replacedServiceId" validate:"required"`
	ReplacedTrainID   string           `json:"replacedTrainId"`
	DeployedAt        time.Time        `json:"deployedAt" validate:"required"`
	DeployedBy        string           `json:"deployedBy"`
	Status            DeploymentStatus `json:"status" validate:"required,oneof=pending active completed cancelled"`
	EstimatedArrival  *time.Time       `json:"estimatedArrival,omitempty"`
	ActualArrival     *time.Time       `json:"actualArrival,omitempty"`
	Notes             string           `json:"notes,omitempty"`
	AutoDeployed      bool             `json:"autoDeployed"`
}

// DeployRequest asks the backend to dispatch a standby train.
type DeployRequest struct {
	StandbyTrainID string `json:"standbyTrainId" validate:"required"`
	ServiceID      string `json:"serviceId" validate:"required"`
	AutoDeployed   bool   `json:"autoDeployed"`
}
