// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package actions

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gks281263/KMRL-sub001/services/opsync/backend"
	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
	"github.com/gks281263/KMRL-sub001/services/opsync/store"
)

type fakeBackend struct {
	calls int
	err   error
	hook  func(ctx context.Context)

	departure  domain.ServiceDeparture
	incident   domain.Incident
	deployment domain.StandbyDeployment
	lastDeploy domain.DeployRequest
}

func (f *fakeBackend) call(ctx context.Context) error {
	f.calls++
	if f.hook != nil {
		f.hook(ctx)
	}
	return f.err
}

func (f *fakeBackend) MarkBoarded(ctx context.Context, id string) (domain.ServiceDeparture, error) {
	err := f.call(ctx)
	return f.departure, err
}

func (f *fakeBackend) CreateIncident(ctx context.Context, r domain.IncidentReport) (domain.Incident, error) {
	err := f.call(ctx)
	return f.incident, err
}

func (f *fakeBackend) DeployStandby(ctx context.Context, r domain.DeployRequest) (domain.StandbyDeployment, error) {
	f.lastDeploy = r
	err := f.call(ctx)
	return f.deployment, err
}

func (f *fakeBackend) UpdatePolicy(ctx context.Context, p domain.AutoDeployPolicy) (domain.AutoDeployPolicy, error) {
	err := f.call(ctx)
	return p, err
}

func validReport() domain.IncidentReport {
	return domain.IncidentReport{
		TrainID:     "T-07",
		ServiceID:   "dep-7",
		Type:        domain.IncidentMechanical,
		Severity:    domain.SeverityHigh,
		Description: "brake pressure warning",
		ReportedBy:  "controller-3",
	}
}

func TestMarkBoarded_UpsertsConfirmedRecord(t *testing.T) {
	st := store.New(store.Options{})
	st.ReplaceDepartures([]domain.ServiceDeparture{{ID: "dep-1", Status: domain.DepartureScheduled}})
	fb := &fakeBackend{departure: domain.ServiceDeparture{ID: "dep-1", Boarded: true, Status: domain.DepartureBoarding}}
	g := New(fb, st, Config{}, nil, nil)

	got, err := g.MarkBoarded(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.True(t, got.Boarded)

	d, ok := st.Departure("dep-1")
	require.True(t, ok)
	assert.True(t, d.Boarded)
	assert.Equal(t, domain.DepartureBoarding, d.Status)
	assert.Equal(t, 1, fb.calls)
}

func TestMarkBoarded_EmptyIDNeverCallsBackend(t *testing.T) {
	st := store.New(store.Options{})
	fb := &fakeBackend{}
	_, err := New(fb, st, Config{}, nil, nil).MarkBoarded(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 0, fb.calls)
	assert.Equal(t, "departure id is required", st.Errors().Action)
}

func TestReportIncident_PrependsAndDuplicatesWithEcho(t *testing.T) {
	st := store.New(store.Options{})
	st.ReplaceIncidents([]domain.Incident{{ID: "inc-1"}})
	fb := &fakeBackend{incident: domain.Incident{ID: "inc-9", Status: domain.IncidentOpen}}
	g := New(fb, st, Config{}, nil, nil)

	_, err := g.ReportIncident(context.Background(), validReport())
	require.NoError(t, err)

	// The same incident echoed on the push feed.
	st.InsertIncident(domain.Incident{ID: "inc-9", Status: domain.IncidentOpen})

	ids := []string{}
	for _, i := range st.Projection().Incidents {
		ids = append(ids, i.ID)
	}
	assert.Equal(t, []string{"inc-9", "inc-9", "inc-1"}, ids)
}

func TestReportIncident_InvalidPayload(t *testing.T) {
	st := store.New(store.Options{})
	fb := &fakeBackend{}
	r := validReport()
	r.Severity = "apocalyptic"

	_, err := New(fb, st, Config{}, nil, nil).ReportIncident(context.Background(), r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 0, fb.calls)
	assert.Contains(t, st.Errors().Action, "severity")
}

func TestDeployStandby_FailureLeavesStoreUntouched(t *testing.T) {
	st := store.New(store.Options{})
	st.ReplaceDeployments([]domain.StandbyDeployment{{ID: "dpl-1"}})
	before := st.Projection()

	cause := &backend.APIError{Method: "POST", Path: backend.PathDeploy, Status: 409, Message: "Standby train already deployed"}
	fb := &fakeBackend{err: cause}
	_, err := New(fb, st, Config{}, nil, nil).DeployStandby(context.Background(), "sb-1", "dep-3", true)
	require.Error(t, err)

	var ae *ActionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, ActionDeployStandby, ae.Action)
	assert.Equal(t, "Standby train already deployed", ae.Message)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, fb.calls, "no retry")

	after := st.Projection()
	assert.Equal(t, before.Deployments, after.Deployments)
	assert.Equal(t, "Standby train already deployed", after.Errors.Action)
	assert.True(t, fb.lastDeploy.AutoDeployed)
}

func TestDeployStandby_SuccessPrependsAndKeepsError(t *testing.T) {
	st := store.New(store.Options{})
	st.ReplaceDeployments([]domain.StandbyDeployment{{ID: "dpl-1"}})
	st.SetError(store.ErrorAction, "previous failure")
	fb := &fakeBackend{deployment: domain.StandbyDeployment{ID: "dpl-2", StandbyTrainID: "sb-1"}}

	_, err := New(fb, st, Config{}, nil, nil).DeployStandby(context.Background(), "sb-1", "dep-3", false)
	require.NoError(t, err)

	p := st.Projection()
	require.Len(t, p.Deployments, 2)
	assert.Equal(t, "dpl-2", p.Deployments[0].ID)
	assert.Equal(t, "previous failure", p.Errors.Action, "a later success must not hide the failure")

	st.ClearErrors()
	assert.Empty(t, st.Errors().Action)
}

// A success envelope with null data must leave the store alone.
func TestGateway_NullDataLeavesStoreUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":null}`))
	}))
	t.Cleanup(srv.Close)
	client, err := backend.New(backend.DefaultConfig(srv.URL))
	require.NoError(t, err)

	st := store.New(store.Options{})
	st.ReplaceIncidents([]domain.Incident{{ID: "inc-1"}})
	pol := domain.AutoDeployPolicy{Enabled: true, DelayThresholdMinutes: 5, MaxStandbyUsage: 2}
	st.ReplacePolicy(pol)
	g := New(client, st, Config{}, nil, nil)

	_, err = g.ReportIncident(context.Background(), validReport())
	var ae *ActionError
	require.True(t, errors.As(err, &ae))
	assert.ErrorIs(t, err, backend.ErrBadEnvelope)
	assert.Equal(t, "malformed response", ae.Message)

	_, err = g.UpdateAutoDeployPolicy(context.Background(), domain.AutoDeployPolicy{DelayThresholdMinutes: 9, MaxStandbyUsage: 1})
	assert.ErrorIs(t, err, backend.ErrBadEnvelope)

	p := st.Projection()
	require.Len(t, p.Incidents, 1)
	assert.Equal(t, "inc-1", p.Incidents[0].ID)
	require.NotNil(t, p.Policy)
	assert.Equal(t, pol, *p.Policy)
	assert.Equal(t, "malformed response", p.Errors.Action)
}

func TestUpdateAutoDeployPolicy(t *testing.T) {
	st := store.New(store.Options{})
	fb := &fakeBackend{}
	g := New(fb, st, Config{}, nil, nil)

	pol := domain.AutoDeployPolicy{Enabled: true, DelayThresholdMinutes: 8, MaxStandbyUsage: 2}
	_, err := g.UpdateAutoDeployPolicy(context.Background(), pol)
	require.NoError(t, err)
	require.NotNil(t, st.Projection().Policy)
	assert.Equal(t, pol, *st.Projection().Policy)

	pol.DelayThresholdMinutes = 5000
	_, err = g.UpdateAutoDeployPolicy(context.Background(), pol)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 8, st.Projection().Policy.DelayThresholdMinutes)
}

func TestRun_LateResultDiscarded(t *testing.T) {
	st := store.New(store.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	fb := &fakeBackend{
		incident: domain.Incident{ID: "inc-late"},
		hook:     func(context.Context) { cancel() },
	}

	_, err := New(fb, st, Config{}, nil, nil).ReportIncident(ctx, validReport())
	assert.ErrorIs(t, err, ErrStale)
	assert.Empty(t, st.Projection().Incidents)
	assert.Empty(t, st.Errors().Action)
}

func TestRun_TimeoutBecomesPlainMessage(t *testing.T) {
	st := store.New(store.Options{})
	fb := &fakeBackend{hook: func(ctx context.Context) { <-ctx.Done() }}
	fb.err = context.DeadlineExceeded

	_, err := New(fb, st, Config{Timeout: 10 * time.Millisecond}, nil, nil).MarkBoarded(context.Background(), "dep-1")
	var ae *ActionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "request timed out", ae.Message)
	assert.Equal(t, "request timed out", st.Errors().Action)
}
