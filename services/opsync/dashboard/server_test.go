// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gks281263/KMRL-sub001/pkg/extensions"
	"github.com/gks281263/KMRL-sub001/services/opsync/actions"
	"github.com/gks281263/KMRL-sub001/services/opsync/backend"
	"github.com/gks281263/KMRL-sub001/services/opsync/bootstrap"
	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
	"github.com/gks281263/KMRL-sub001/services/opsync/session"
	"github.com/gks281263/KMRL-sub001/services/opsync/store"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBackend struct {
	err      error
	boarded  domain.ServiceDeparture
	incident domain.Incident
	deployed domain.StandbyDeployment
}

func (f *fakeBackend) MarkBoarded(ctx context.Context, id string) (domain.ServiceDeparture, error) {
	return f.boarded, f.err
}

func (f *fakeBackend) CreateIncident(ctx context.Context, r domain.IncidentReport) (domain.Incident, error) {
	return f.incident, f.err
}

func (f *fakeBackend) DeployStandby(ctx context.Context, r domain.DeployRequest) (domain.StandbyDeployment, error) {
	return f.deployed, f.err
}

func (f *fakeBackend) UpdatePolicy(ctx context.Context, p domain.AutoDeployPolicy) (domain.AutoDeployPolicy, error) {
	return p, f.err
}

type fakeControl struct {
	result     bootstrap.Result
	err        error
	reconnects int
	cleared    int
	closed     bool
	st         *store.Store
}

func (f *fakeControl) Resync(ctx context.Context) (bootstrap.Result, error) {
	if f.closed {
		return bootstrap.Result{}, session.ErrClosed
	}
	return f.result, f.err
}

func (f *fakeControl) Reconnect() error {
	if f.closed {
		return session.ErrClosed
	}
	f.reconnects++
	return nil
}

func (f *fakeControl) ClearErrors() {
	f.cleared++
	f.st.ClearErrors()
}

type harness struct {
	st      *store.Store
	backend *fakeBackend
	control *fakeControl
	reg     *prometheus.Registry
	srv     *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, extensions.ServiceOptions{})
}

func newHarnessWith(t *testing.T, ext extensions.ServiceOptions) *harness {
	t.Helper()
	st := store.New(store.Options{})
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	st.ReplaceDepartures([]domain.ServiceDeparture{
		{ID: "dep-1", TrainID: "T-01", PlannedDeparture: now, Status: domain.DepartureScheduled},
		{ID: "dep-2", TrainID: "T-02", PlannedDeparture: now, Status: domain.DepartureDelayed},
	})
	st.ReplaceIncidents([]domain.Incident{
		{ID: "inc-1", Status: domain.IncidentOpen},
		{ID: "inc-2", Status: domain.IncidentResolved},
	})

	fb := &fakeBackend{}
	fc := &fakeControl{st: st}
	reg := prometheus.NewRegistry()
	srv, err := New(Config{PingInterval: time.Hour, WriteTimeout: time.Second}, Deps{
		Source:         st,
		Commands:       actions.New(fb, st, actions.Config{}, nil, nil),
		Control:        fc,
		Metrics:        NewStreamMetrics(reg),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Extensions:     ext,
	})
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return &harness{st: st, backend: fb, control: fc, reg: reg, srv: srv}
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// =============================================================================
// Tests
// =============================================================================

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestRoutesRegistered(t *testing.T) {
	h := newHarness(t)
	want := []struct{ method, path string }{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/v1/operations"},
		{"GET", "/v1/stream"},
		{"GET", "/v1/departures"},
		{"GET", "/v1/departures/:id"},
		{"POST", "/v1/departures/:id/boarded"},
		{"GET", "/v1/incidents"},
		{"POST", "/v1/incidents"},
		{"GET", "/v1/standby/trains"},
		{"GET", "/v1/standby/deployments"},
		{"POST", "/v1/standby/deployments"},
		{"GET", "/v1/snapshot"},
		{"GET", "/v1/policy"},
		{"PUT", "/v1/policy"},
		{"POST", "/v1/sync"},
		{"POST", "/v1/reconnect"},
		{"DELETE", "/v1/errors"},
		{"GET", "/v1/audit"},
	}
	routes := h.srv.router.Routes()
	for _, r := range want {
		found := false
		for _, got := range routes {
			if got.Method == r.method && got.Path == r.path {
				found = true
				break
			}
		}
		assert.True(t, found, "route %s %s not registered", r.method, r.path)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	w := h.do("GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", decode[HealthResponse](t, w).Status)

	h.st.SetConnection(true, "connected")
	body := decode[HealthResponse](t, h.do("GET", "/health", ""))
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.Connected)
}

func TestOperations(t *testing.T) {
	h := newHarness(t)
	w := h.do("GET", "/v1/operations", "")
	require.Equal(t, http.StatusOK, w.Code)
	p := decode[store.Projection](t, w)
	assert.Len(t, p.Departures, 2)
	assert.Len(t, p.Incidents, 2)
}

func TestDepartures(t *testing.T) {
	h := newHarness(t)

	all := decode[[]domain.ServiceDeparture](t, h.do("GET", "/v1/departures", ""))
	assert.Len(t, all, 2)

	delayed := decode[[]domain.ServiceDeparture](t, h.do("GET", "/v1/departures?status=delayed", ""))
	require.Len(t, delayed, 1)
	assert.Equal(t, "dep-2", delayed[0].ID)

	w := h.do("GET", "/v1/departures/dep-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "T-01", decode[domain.ServiceDeparture](t, w).TrainID)

	assert.Equal(t, http.StatusNotFound, h.do("GET", "/v1/departures/nope", "").Code)
}

func TestIncidents_ActiveFilter(t *testing.T) {
	h := newHarness(t)
	active := decode[[]domain.Incident](t, h.do("GET", "/v1/incidents?active=true", ""))
	require.Len(t, active, 1)
	assert.Equal(t, "inc-1", active[0].ID)

	assert.Equal(t, http.StatusBadRequest, h.do("GET", "/v1/incidents?active=maybe", "").Code)
}

func TestSnapshotAndPolicy_NotLoaded(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusNotFound, h.do("GET", "/v1/snapshot", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do("GET", "/v1/policy", "").Code)

	h.st.ReplacePolicy(domain.AutoDeployPolicy{Enabled: true, DelayThresholdMinutes: 5})
	w := h.do("GET", "/v1/policy", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, decode[domain.AutoDeployPolicy](t, w).DelayThresholdMinutes)
}

func TestMarkBoarded(t *testing.T) {
	h := newHarness(t)
	h.backend.boarded = domain.ServiceDeparture{ID: "dep-1", TrainID: "T-01", Status: domain.DepartureBoarding, Boarded: true}

	w := h.do("POST", "/v1/departures/dep-1/boarded", "")
	require.Equal(t, http.StatusOK, w.Code)
	d, ok := h.st.Departure("dep-1")
	require.True(t, ok)
	assert.True(t, d.Boarded)
}

func TestMarkBoarded_BackendConflictPassesThrough(t *testing.T) {
	h := newHarness(t)
	h.backend.err = &backend.APIError{Method: "POST", Path: "/x", Status: http.StatusConflict, Message: "Departure already left"}

	w := h.do("POST", "/v1/departures/dep-1/boarded", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Departure already left", decode[ErrorResponse](t, w).Error)
	assert.Equal(t, "Departure already left", h.st.Errors().Action)
}

func TestMarkBoarded_BackendDownIsBadGateway(t *testing.T) {
	h := newHarness(t)
	h.backend.err = &backend.APIError{Method: "POST", Path: "/x", Status: http.StatusInternalServerError, Message: "boom"}
	assert.Equal(t, http.StatusBadGateway, h.do("POST", "/v1/departures/dep-1/boarded", "").Code)
}

func TestReportIncident(t *testing.T) {
	h := newHarness(t)
	h.backend.incident = domain.Incident{ID: "inc-9", Status: domain.IncidentOpen}

	assert.Equal(t, http.StatusBadRequest, h.do("POST", "/v1/incidents", "{not json").Code)
	assert.Equal(t, http.StatusBadRequest, h.do("POST", "/v1/incidents", `{"trainId":"T-01"}`).Code)

	body := `{"trainId":"T-01","type":"mechanical","severity":"high","description":"door fault","reportedBy":"ctl-1"}`
	w := h.do("POST", "/v1/incidents", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "inc-9", h.st.Projection().Incidents[0].ID)
}

func TestDeployStandby(t *testing.T) {
	h := newHarness(t)
	h.backend.deployed = domain.StandbyDeployment{ID: "dpl-1", StandbyTrainID: "sb-1"}

	w := h.do("POST", "/v1/standby/deployments", `{"standbyTrainId":"sb-1","serviceId":"dep-2","autoDeployed":false}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, h.st.Projection().Deployments, 1)

	assert.Equal(t, http.StatusBadRequest, h.do("POST", "/v1/standby/deployments", `{"serviceId":"dep-2"}`).Code)
}

func TestUpdatePolicy(t *testing.T) {
	h := newHarness(t)
	w := h.do("PUT", "/v1/policy", `{"enabled":true,"delayThresholdMinutes":8,"maxStandbyUsage":2}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, h.st.Projection().Policy)

	assert.Equal(t, http.StatusBadRequest, h.do("PUT", "/v1/policy", `{"delayThresholdMinutes":5000}`).Code)
}

func TestSync(t *testing.T) {
	h := newHarness(t)
	h.control.result = bootstrap.Result{
		Loaded:   []string{bootstrap.CollectionIncidents, bootstrap.CollectionDepartures},
		Failed:   map[string]error{bootstrap.CollectionSnapshot: errors.New("x")},
		Duration: 42 * time.Millisecond,
	}
	w := h.do("POST", "/v1/sync", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[SyncResponse](t, w)
	assert.Equal(t, []string{"departures", "incidents"}, body.Loaded)
	assert.Contains(t, body.Failed, "snapshot")
	assert.EqualValues(t, 42, body.DurationMs)

	h.control.result = bootstrap.Result{Failed: map[string]error{"departures": errors.New("x")}}
	h.control.err = &bootstrap.LoadError{Failed: h.control.result.Failed}
	assert.Equal(t, http.StatusBadGateway, h.do("POST", "/v1/sync", "").Code)

	h.control.closed = true
	assert.Equal(t, http.StatusServiceUnavailable, h.do("POST", "/v1/sync", "").Code)
}

func TestReconnectAndClearErrors(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusAccepted, h.do("POST", "/v1/reconnect", "").Code)
	assert.Equal(t, 1, h.control.reconnects)

	h.st.SetError(store.ErrorSync, "stale")
	assert.Equal(t, http.StatusNoContent, h.do("DELETE", "/v1/errors", "").Code)
	assert.False(t, h.st.Errors().Any())

	h.control.closed = true
	assert.Equal(t, http.StatusServiceUnavailable, h.do("POST", "/v1/reconnect", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do("GET", "/v1/operations", "")
	w := h.do("GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `opsync_dashboard_requests_total{method="GET",route="/v1/operations",status="200"} 1`)
}

func TestStream_PushesProjectionOnChange(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first StreamMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, StreamMessageProjection, first.Type)
	assert.Len(t, first.Data.Departures, 2)
	assert.Equal(t, 1, h.srv.Hub().Subscribers())

	h.st.UpsertDeparture(domain.ServiceDeparture{ID: "dep-1", TrainID: "T-01", Status: domain.DepartureBoarding, Boarded: true})

	// Coalescing may merge changes; read until the update is visible.
	for {
		var msg StreamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Data.Departures[0].Boarded {
			break
		}
	}

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return h.srv.Hub().Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStream_ServerCloseSendsGoingAway(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first StreamMessage
	require.NoError(t, conn.ReadJSON(&first))

	h.srv.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestHub_SlowSubscriberKeepsNewest(t *testing.T) {
	st := store.New(store.Options{})
	reg := prometheus.NewRegistry()
	m := NewStreamMetrics(reg)
	hub := newHub(st, 1, m, nil)
	defer hub.close()

	sub := hub.add()
	defer hub.remove(sub)

	hub.broadcast(store.Projection{ConnectionState: "a"})
	hub.broadcast(store.Projection{ConnectionState: "b"})

	got := <-sub.ch
	assert.Equal(t, "b", got.ConnectionState)
	assert.Empty(t, sub.ch)
}
