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

type SystemStatus string

const (
	SystemOperational SystemStatus = "operational"
	SystemDegraded    SystemStatus = "degraded"
	SystemCritical    SystemStatus = "critical"
)

// OperationsSnapshot is the aggregate health record. It is always
// replaced as a whole, never merged field by field.
type OperationsSnapshot struct {
	Timestamp         time.Time    `json:"timestamp" validate:"required"`
	TotalServices     int          `json:"totalServices" validate:"gte=0"`
	OnTimeServices    int          `json:"onTimeServices" validate:"gte=0"`
	DelayedServices   int          `json:"delayedServices" validate:"gte=0"`
	CancelledServices int          `json:"cancelledServices" validate:"gte=0"`
	ActiveIncidents   int          `json:"activeIncidents" validate:"gte=0"`
	AvailableStandby  int          `json:"availableStandby" validate:"gte=0"`
	DeployedStandby   int          `json:"deployedStandby" validate:"gte=0"`
	SystemStatus      SystemStatus `json:"systemStatus" validate:"required,oneof=operational degraded critical"`
}

// AutoDeployPolicy controls automatic standby dispatch for delayed
// services.
type AutoDeployPolicy struct {
	Enabled               bool `json:"enabled"`
	DelayThresholdMinutes int  `json:"delayThresholdMinutes" validate:"gte=0,lte=1440"`
	MaxStandbyUsage       int  `json:"maxStandbyUsage" validate:"gte=0"`
	RequireConfirmation   bool `json:"requireConfirmation"`
	NotifyOnDeploy        bool `json:"notifyOnDeploy"`
}
