// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gks281263/KMRL-sub001/pkg/ux"
	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
	"github.com/gks281263/KMRL-sub001/services/opsync/store"
)

func boardFixture() store.Projection {
	planned := time.Date(2025, 3, 1, 8, 0, 0, 0, time.Local)
	actual := planned.Add(2 * time.Minute)
	late := domain.NormalizeDeparture(domain.ServiceDeparture{
		ID: "dep-1", TrainID: "KMRL-001", RouteID: "R1", Destination: "Aluva",
		PlannedDeparture: planned, ActualDeparture: &actual, Status: domain.DepartureDelayed,
	})
	return store.Projection{
		Departures: []domain.ServiceDeparture{
			late,
			{ID: "dep-2", TrainID: "KMRL-002", RouteID: "R2", Destination: "Petta",
				PlannedDeparture: planned.Add(10 * time.Minute), Status: domain.DepartureScheduled, Boarded: true},
		},
		Incidents: []domain.Incident{
			{ID: "inc-1", TrainID: "KMRL-001", Type: domain.IncidentMechanical, Severity: domain.SeverityHigh,
				Status: domain.IncidentOpen, Description: "brake fault"},
			{ID: "inc-0", TrainID: "KMRL-003", Type: domain.IncidentOther, Severity: domain.SeverityLow,
				Status: domain.IncidentClosed, Description: "resolved earlier"},
		},
		StandbyTrains: []domain.StandbyTrain{
			{ID: "sb-1", TrainID: "KMRL-020", Location: "Muttom", Status: domain.StandbyAvailable, Priority: 1},
		},
		Connected:       true,
		ConnectionState: "connected",
		Errors:          store.Errors{Action: "Unable to deploy standby train"},
		LastUpdated:     time.Date(2025, 3, 1, 8, 5, 30, 0, time.Local),
	}
}

func TestRenderBoard_Plain(t *testing.T) {
	got := renderBoard(boardFixture(), ux.LevelMachine, time.Date(2025, 3, 1, 8, 5, 0, 0, time.Local))

	assert.Contains(t, got, "connection=connected updated=08:05:30\n")
	assert.Contains(t, got, "error: Unable to deploy standby train\n")
	assert.Contains(t, got, "TRAIN\tROUTE\tDEST\tPLANNED\tSTATUS\tVARIANCE\tBOARDED\n")
	assert.Contains(t, got, "KMRL-001\tR1\tAluva\t08:00\tdelayed\t+2m0s\tno\n")
	assert.Contains(t, got, "KMRL-002\tR2\tPetta\t08:10\tscheduled\t-\tyes\n")
	assert.Contains(t, got, "inc-1\tKMRL-001\tmechanical\thigh\topen\tbrake fault\n")
	assert.NotContains(t, got, "inc-0", "closed incidents are not on the board")
	assert.Contains(t, got, "sb-1\tKMRL-020\tMuttom\tavailable\t1\n")
}

func TestRenderBoard_Empty(t *testing.T) {
	got := renderBoard(store.Projection{}, ux.LevelMinimal, time.Now())
	assert.Contains(t, got, "connection=disconnected updated=never\n")
	assert.NotContains(t, got, "# active incidents")
	assert.NotContains(t, got, "# standby")
}

func TestDepartureTone(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.Equal(t, ux.ToneBad, departureTone(domain.ServiceDeparture{Status: domain.DepartureFault}, now))
	assert.Equal(t, ux.ToneWarn, departureTone(domain.ServiceDeparture{Status: domain.DepartureDelayed}, now))
	assert.Equal(t, ux.ToneGood, departureTone(domain.ServiceDeparture{Status: domain.DepartureDeparted}, now))
	assert.Equal(t, ux.ToneWarn, departureTone(domain.ServiceDeparture{Status: domain.DepartureScheduled, PlannedDeparture: past}, now))
	assert.Equal(t, ux.ToneNormal, departureTone(domain.ServiceDeparture{Status: domain.DepartureScheduled, PlannedDeparture: future}, now))
	assert.Equal(t, ux.ToneBad, departureTone(domain.ServiceDeparture{Status: domain.DepartureBoarding, Fault: true}, now))
}

func TestFormatVariance(t *testing.T) {
	early := int64(-30_000)
	assert.Equal(t, "-", formatVariance(domain.ServiceDeparture{}))
	assert.Equal(t, "-30s", formatVariance(domain.ServiceDeparture{VarianceMs: &early}))
}
