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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/gks281263/KMRL-sub001/pkg/clock"
	"github.com/gks281263/KMRL-sub001/services/opsync/store"
)

const (
	projectionKey = "opsync/projection"

	// formatVersion changes whenever the stored layout does. Entries of
	// another version are ignored.
	formatVersion = 1
)

// DefaultMaxAge is how old a cached projection may be and still be shown.
const DefaultMaxAge = 12 * time.Hour

type entry struct {
	Version    int              `json:"version"`
	SavedAt    time.Time        `json:"savedAt"`
	Projection store.Projection `json:"projection"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxAge sets the staleness bound. 0 disables it.
func WithMaxAge(d time.Duration) Option { return func(c *Cache) { c.maxAge = d } }

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option { return func(c *Cache) { c.clock = clk } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// Cache stores one projection. It satisfies session.Cache.
//
// # Description
//
// Save drops the connection flags and error messages; those describe the
// process that wrote the entry, not the data. Load reports ok=false for a
// missing, stale, or foreign-version entry.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	db     *DB
	maxAge time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

// New wraps an open DB. The Cache does not own db.
func New(db *DB, opts ...Option) *Cache {
	c := &Cache{
		db:     db,
		maxAge: DefaultMaxAge,
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "snapshot_cache")
	return c
}

// Save overwrites the stored projection.
func (c *Cache) Save(ctx context.Context, p store.Projection) error {
	p.Connected = false
	p.ConnectionState = ""
	p.Errors = store.Errors{}

	data, err := json.Marshal(entry{Version: formatVersion, SavedAt: c.clock.Now().UTC(), Projection: p})
	if err != nil {
		return fmt.Errorf("encode projection: %w", err)
	}
	if err := c.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(projectionKey), data)
	}); err != nil {
		return fmt.Errorf("save projection: %w", err)
	}
	c.logger.Debug("projection cached",
		"departures", len(p.Departures),
		"incidents", len(p.Incidents),
		"bytes", len(data))
	return nil
}

// Load returns the stored projection.
//
// # Outputs
//
//   - store.Projection: The cached data, or zero when ok is false.
//   - bool: Whether a usable entry was found.
//   - error: Read or decode failure.
func (c *Cache) Load(ctx context.Context) (store.Projection, bool, error) {
	var data []byte
	err := c.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(projectionKey))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.Projection{}, false, nil
	}
	if err != nil {
		return store.Projection{}, false, fmt.Errorf("read projection: %w", err)
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return store.Projection{}, false, fmt.Errorf("decode projection: %w", err)
	}
	if e.Version != formatVersion {
		c.logger.Info("ignoring cached projection", "version", e.Version)
		return store.Projection{}, false, nil
	}
	if age := c.clock.Now().Sub(e.SavedAt); c.maxAge > 0 && age > c.maxAge {
		c.logger.Info("cached projection too old", "age", age.Round(time.Second).String())
		return store.Projection{}, false, nil
	}
	return e.Projection, true, nil
}

// Clear removes the stored projection.
func (c *Cache) Clear(ctx context.Context) error {
	return c.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(projectionKey))
	})
}
