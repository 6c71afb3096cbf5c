// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
)

const departureFrame = `{
	"type": "departure_update",
	"timestamp": "2025-03-01T08:05:00Z",
	"data": {
		"id": "dep-1", "trainId": "T-03", "routeId": "R1",
		"plannedDeparture": "2025-03-01T08:00:00Z",
		"actualDeparture": "2025-03-01T08:02:30Z",
		"status": "departed", "destination": "Aluva", "boarded": true, "fault": false,
		"lastUpdated": "2025-03-01T08:05:00Z"
	}
}`

const incidentFrame = `{
	"type": "incident_created",
	"timestamp": "2025-03-01T08:06:00.000+05:30",
	"data": {
		"id": "inc-9", "trainId": "T-03", "serviceId": "dep-1",
		"type": "electrical", "severity": "high", "description": "door fault",
		"reportedAt": "2025-03-01T08:06:00Z", "reportedBy": "ops-1", "status": "open"
	}
}`

// =============================================================================
// Decode Tests
// =============================================================================

func TestDecode_DepartureUpdateDerivesVariance(t *testing.T) {
	ev, err := Decode([]byte(departureFrame))
	require.NoError(t, err)

	du, ok := ev.(DepartureUpdated)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, KindDepartureUpdate, du.Kind())
	assert.Equal(t, time.Date(2025, 3, 1, 8, 5, 0, 0, time.UTC), du.OccurredAt())
	require.NotNil(t, du.Departure.VarianceMs)
	assert.Equal(t, int64(150000), *du.Departure.VarianceMs)
}

func TestDecode_IncidentCreatedOffsetTimestamp(t *testing.T) {
	ev, err := Decode([]byte(incidentFrame))
	require.NoError(t, err)

	ic, ok := ev.(IncidentCreated)
	require.True(t, ok)
	assert.Equal(t, "inc-9", ic.Incident.ID)
	assert.Equal(t, time.Date(2025, 3, 1, 2, 36, 0, 0, time.UTC), ic.OccurredAt())
}

func TestDecode_AllKinds(t *testing.T) {
	frames := map[Kind]string{
		KindIncidentUpdated: `{"type":"incident_updated","data":{"id":"inc-1","trainId":"T1","type":"other","severity":"low","reportedAt":"2025-03-01T07:00:00Z","status":"resolved"}}`,
		KindStandbyDeployed: `{"type":"standby_deployed","data":{"id":"sd-1","standbyTrainId":"sb-2","replacedServiceId":"dep-4","deployedAt":"2025-03-01T07:00:00Z","status":"active"}}`,
		KindSystemStatus:    `{"type":"system_status","data":{"timestamp":"2025-03-01T07:00:00Z","totalServices":12,"systemStatus":"degraded"}}`,
		KindPong:            `{"type":"pong","timestamp":"2025-03-01T07:00:00Z"}`,
	}
	for kind, raw := range frames {
		t.Run(string(kind), func(t *testing.T) {
			ev, err := Decode([]byte(raw))
			require.NoError(t, err)
			assert.Equal(t, kind, ev.Kind())
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{"type":`, ErrMalformedFrame},
		{"missing type", `{"data":{}}`, ErrMalformedFrame},
		{"bad timestamp", `{"type":"pong","timestamp":"yesterday"}`, ErrMalformedFrame},
		{"unknown kind", `{"type":"train_teleported","data":{}}`, ErrUnknownKind},
		{"missing data", `{"type":"system_status"}`, ErrInvalidPayload},
		{"wrong shape", `{"type":"departure_update","data":[1,2,3]}`, ErrInvalidPayload},
		{"schema mismatch", `{"type":"incident_created","data":{"id":"dep-1","trainId":"T1","routeId":"R1","status":"scheduled"}}`, ErrInvalidPayload},
		{"bad enum", `{"type":"system_status","data":{"timestamp":"2025-03-01T07:00:00Z","systemStatus":"on fire"}}`, ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
			var derr *DecodeError
			assert.ErrorAs(t, err, &derr)
		})
	}
}

func TestNewPing(t *testing.T) {
	at := time.Date(2025, 3, 1, 8, 0, 30, 0, time.FixedZone("IST", 5*3600+1800))
	raw, err := json.Marshal(NewPing(at))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping","timestamp":"2025-03-01T02:30:30.000Z"}`, string(raw))
}

// =============================================================================
// Dispatcher Tests
// =============================================================================

func TestDispatcher_RoutesToExactlyOneHandler(t *testing.T) {
	var got []string
	d := NewDispatcher(Handlers{
		OnDepartureUpdate: func(dep domain.ServiceDeparture) { got = append(got, "dep:"+dep.ID) },
		OnIncidentCreated: func(i domain.Incident) { got = append(got, "created:"+i.ID) },
		OnIncidentUpdated: func(i domain.Incident) { got = append(got, "updated:"+i.ID) },
	}, nil, nil)

	d.HandleFrame([]byte(departureFrame))
	d.HandleFrame([]byte(incidentFrame))

	assert.Equal(t, []string{"dep:dep-1", "created:inc-9"}, got)
}

func TestDispatcher_MissingHandlerIsNoop(t *testing.T) {
	d := NewDispatcher(Handlers{}, nil, nil)
	assert.NotPanics(t, func() {
		d.HandleFrame([]byte(departureFrame))
		d.HandleFrame([]byte(`{"type":"pong"}`))
	})
}

func TestDispatcher_UnknownKindLoggedNotDispatched(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	called := false
	d := NewDispatcher(Handlers{
		OnSystemStatus: func(domain.OperationsSnapshot) { called = true },
	}, logger, nil)

	d.HandleFrame([]byte(`{"type":"maintenance_window","data":{}}`))
	d.HandleFrame([]byte(`not json at all`))

	assert.False(t, called)
	assert.Contains(t, buf.String(), "ignoring unknown event kind")
	assert.Contains(t, buf.String(), "maintenance_window")
	assert.Contains(t, buf.String(), "dropping malformed frame")
}
