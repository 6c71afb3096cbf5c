// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshotcache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gks281263/KMRL-sub001/pkg/clock"
	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
	"github.com/gks281263/KMRL-sub001/services/opsync/store"
)

func openMem(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(InMemoryDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleProjection() store.Projection {
	return store.Projection{
		Departures: []domain.ServiceDeparture{
			{ID: "dep-1", TrainID: "T-01", Status: domain.DepartureScheduled},
			{ID: "dep-2", TrainID: "T-02", Status: domain.DepartureDelayed},
		},
		Incidents:       []domain.Incident{{ID: "inc-1", Status: domain.IncidentOpen}},
		Policy:          &domain.AutoDeployPolicy{Enabled: true, DelayThresholdMinutes: 10, MaxStandbyUsage: 2},
		Connected:       true,
		ConnectionState: "connected",
		Errors:          store.Errors{Connection: "lost", Action: "failed"},
	}
}

func TestCache_EmptyLoad(t *testing.T) {
	c := New(openMem(t))
	_, ok, err := c.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_SaveLoadDropsSessionState(t *testing.T) {
	c := New(openMem(t))
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, sampleProjection()))
	got, ok, err := c.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, got.Departures, 2)
	assert.Equal(t, "dep-2", got.Departures[1].ID)
	assert.Equal(t, domain.DepartureDelayed, got.Departures[1].Status)
	require.NotNil(t, got.Policy)
	assert.Equal(t, 10, got.Policy.DelayThresholdMinutes)

	assert.False(t, got.Connected)
	assert.Empty(t, got.ConnectionState)
	assert.False(t, got.Errors.Any())
}

func TestCache_SaveOverwrites(t *testing.T) {
	c := New(openMem(t))
	ctx := context.Background()
	require.NoError(t, c.Save(ctx, sampleProjection()))
	require.NoError(t, c.Save(ctx, store.Projection{Departures: []domain.ServiceDeparture{{ID: "dep-9"}}}))

	got, ok, err := c.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.Departures, 1)
	assert.Equal(t, "dep-9", got.Departures[0].ID)
	assert.Empty(t, got.Incidents)
}

func TestCache_StaleEntryIgnored(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	c := New(openMem(t), WithClock(clk), WithMaxAge(time.Hour))
	ctx := context.Background()
	require.NoError(t, c.Save(ctx, sampleProjection()))

	clk.Advance(59 * time.Minute)
	_, ok, err := c.Load(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	clk.Advance(2 * time.Minute)
	_, ok, err = c.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_ForeignVersionIgnored(t *testing.T) {
	db := openMem(t)
	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(projectionKey), []byte(`{"version":99,"projection":{}}`))
	}))
	_, ok, err := New(db).Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_CorruptEntry(t *testing.T) {
	db := openMem(t)
	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(projectionKey), []byte("{not json"))
	}))
	_, ok, err := New(db).Load(ctx)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestCache_Clear(t *testing.T) {
	c := New(openMem(t))
	ctx := context.Background()
	require.NoError(t, c.Save(ctx, sampleProjection()))
	require.NoError(t, c.Clear(ctx))
	_, ok, err := c.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_CancelledContext(t *testing.T) {
	c := New(openMem(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.Save(ctx, sampleProjection()))
	_, _, err := c.Load(ctx)
	assert.Error(t, err)
}

func TestOpenDB_PersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	cfg := DefaultDBConfig(dir)
	cfg.GCInterval = 0

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	require.NoError(t, New(db).Save(context.Background(), sampleProjection()))
	require.NoError(t, db.Close())

	db, err = OpenDB(cfg)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, dir, db.Path())
	got, ok, err := New(db).Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.Departures, 2)
}

func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(DBConfig{})
	assert.Error(t, err)
}

func TestOpenDB_GCLoopStopsOnClose(t *testing.T) {
	cfg := DefaultDBConfig(t.TempDir())
	cfg.GCInterval = 5 * time.Millisecond
	db, err := OpenDB(cfg)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, db.Close())
}
