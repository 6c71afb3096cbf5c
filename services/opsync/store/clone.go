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
	"time"

	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
)

func prepend[T any](list []T, v T) []T {
	out := make([]T, 0, len(list)+1)
	out = append(out, v)
	return append(out, list...)
}

func indexIncident(list []domain.Incident, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneIncident(i domain.Incident) domain.Incident {
	i.ResolvedAt = cloneTime(i.ResolvedAt)
	return i
}

func cloneIncidents(list []domain.Incident) []domain.Incident {
	out := make([]domain.Incident, len(list))
	for i, inc := range list {
		out[i] = cloneIncident(inc)
	}
	return out
}

func cloneDeployment(d domain.StandbyDeployment) domain.StandbyDeployment {
	d.EstimatedArrival = cloneTime(d.EstimatedArrival)
	d.ActualArrival = cloneTime(d.ActualArrival)
	return d
}

func cloneDeployments(list []domain.StandbyDeployment) []domain.StandbyDeployment {
	out := make([]domain.StandbyDeployment, len(list))
	for i, d := range list {
		out[i] = cloneDeployment(d)
	}
	return out
}
