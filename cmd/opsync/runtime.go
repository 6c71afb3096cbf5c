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
	"fmt"
	"net/http"

	"github.com/gks281263/KMRL-sub001/services/opsync/backend"
	"github.com/gks281263/KMRL-sub001/services/opsync/session"
	"github.com/gks281263/KMRL-sub001/services/opsync/snapshotcache"
	"github.com/gks281263/KMRL-sub001/services/opsync/store"
	"github.com/gks281263/KMRL-sub001/services/opsync/telemetry"
	"github.com/gks281263/KMRL-sub001/services/opsync/transport"
)

// runtime is one assembled live session and the resources it owns.
type runtime struct {
	client  *backend.Client
	token   *backend.SecretToken
	store   *store.Store
	channel *transport.Channel
	db      *snapshotcache.DB
	session *session.Session
}

// newRuntime wires client, store, channel, cache and session.
// metrics may be nil.
func (a *app) newRuntime(metrics *telemetry.Metrics) (*runtime, error) {
	// The channel needs the token in its upgrade header, so read it
	// before newClient moves it into locked memory.
	rawToken := a.cfg.Backend.APIToken

	chCfg, err := a.cfg.TransportChannelConfig()
	if err != nil {
		return nil, err
	}
	if rawToken != "" {
		chCfg.Header = http.Header{"Authorization": []string{"Bearer " + rawToken}}
	}

	client, tok, err := a.newClient()
	if err != nil {
		return nil, err
	}
	rt := &runtime{client: client, token: tok}

	logger := a.logger.Slog()
	rt.store = store.New(store.Options{
		DedupInserts: a.cfg.Store.DedupInserts,
		Logger:       logger,
		Metrics:      metrics,
	})
	rt.channel = transport.New(chCfg,
		transport.WithLogger(logger),
		transport.WithMetrics(metrics),
	)

	deps := session.Deps{
		Backend: client,
		Channel: rt.channel,
		Store:   rt.store,
		Logger:  logger,
		Metrics: metrics,
	}
	if a.cfg.Cache.Enabled {
		db, err := snapshotcache.OpenDB(snapshotcache.DefaultDBConfig(a.cfg.Cache.Dir))
		if err != nil {
			// A broken cache only costs the warm start.
			logger.Warn("snapshot cache unavailable", "dir", a.cfg.Cache.Dir, "error", err)
		} else {
			rt.db = db
			deps.Cache = snapshotcache.New(db, snapshotcache.WithLogger(logger))
		}
	}

	sess, err := session.New(deps, a.cfg.Session)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("assemble session: %w", err)
	}
	rt.session = sess
	return rt, nil
}

// Close releases the session, then the cache, then the token.
func (rt *runtime) Close() {
	if rt.session != nil {
		_ = rt.session.Close()
	}
	if rt.db != nil {
		_ = rt.db.Close()
	}
	rt.token.Destroy()
}
