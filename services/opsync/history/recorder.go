// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history records departure variance as an InfluxDB time series.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/gks281263/KMRL-sub001/pkg/clock"
	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
	"github.com/gks281263/KMRL-sub001/services/opsync/store"
)

// Measurement is the InfluxDB measurement name.
const Measurement = "departure_variance"

// ErrUnhealthy is returned by Dial when InfluxDB does not report "pass".
var ErrUnhealthy = errors.New("influxdb unhealthy")

// Writer is the subset of api.WriteAPIBlocking the recorder needs.
type Writer interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Config tunes a Recorder.
type Config struct {
	// Buffer is the number of samples queued before new ones are
	// dropped. Default: 1024.
	Buffer int

	// BatchSize flushes as soon as this many points are pending.
	// Default: 100.
	BatchSize int

	// FlushInterval flushes pending points periodically. Default: 5s.
	FlushInterval time.Duration

	// WriteTimeout bounds each write. Default: 10s.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Recorder turns departure upserts into points and writes them in batches
// from one background goroutine.
//
// # Description
//
// Attach subscribes to a store. Each OpUpsertDeparture carrying a
// variance becomes one point; departures without a variance are skipped.
// The subscription callback never blocks the store: when the queue is
// full the sample is dropped and counted. A failed batch is logged and
// discarded.
//
// # Thread Safety
//
// Safe for concurrent use. Start once, Stop once.
type Recorder struct {
	w      Writer
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	queue   chan *write.Point
	dropped atomic.Int64
	written atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Recorder. clk and logger may be nil.
func New(w Writer, cfg Config, clk clock.Clock, logger *slog.Logger) *Recorder {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		w:      w,
		cfg:    cfg,
		clock:  clk,
		logger: logger.With("component", "history"),
		queue:  make(chan *write.Point, cfg.Buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Attach subscribes to st. Call the returned func to detach.
func (r *Recorder) Attach(st *store.Store) (detach func()) {
	return st.Subscribe(func(c store.Change) {
		if c.Op != store.OpUpsertDeparture || c.Departure == nil {
			return
		}
		r.Record(*c.Departure, c.At)
	})
}

// Record queues one sample. It reports false when the sample was skipped
// or dropped.
func (r *Recorder) Record(d domain.ServiceDeparture, at time.Time) bool {
	p := Point(d, at)
	if p == nil {
		return false
	}
	select {
	case r.queue <- p:
		return true
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("history queue full, dropping samples", "dropped_total", n)
		}
		return false
	}
}

// Point builds the point for d, or nil if d has no variance. at is used
// when d.LastUpdated is zero.
func Point(d domain.ServiceDeparture, at time.Time) *write.Point {
	if d.VarianceMs == nil {
		return nil
	}
	ts := d.LastUpdated
	if ts.IsZero() {
		ts = at
	}
	tags := map[string]string{
		"departure_id": d.ID,
		"train_id":     d.TrainID,
		"status":       string(d.Status),
	}
	if d.RouteID != "" {
		tags["route_id"] = d.RouteID
	}
	return influxdb2.NewPoint(
		Measurement,
		tags,
		map[string]interface{}{
			"variance_ms": *d.VarianceMs,
			"boarded":     d.Boarded,
			"fault":       d.Fault,
		},
		ts,
	)
}

// Start launches the writer goroutine. It exits when ctx ends or Stop is
// called, flushing what is pending.
func (r *Recorder) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop flushes and waits for the writer goroutine.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// Dropped is the number of samples lost to a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written is the number of points successfully written.
func (r *Recorder) Written() int64 { return r.written.Load() }

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)

	ticker := r.clock.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*write.Point, 0, r.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.write(batch)
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case p := <-r.queue:
				batch = append(batch, p)
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return
		case <-r.stop:
			drain()
			return
		case p := <-r.queue:
			batch = append(batch, p)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) write(batch []*write.Point) {
	// The run context may already be done during the final drain.
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()
	if err := r.w.WritePoint(ctx, batch...); err != nil {
		r.logger.Warn("history write failed", "points", len(batch), "error", err)
		return
	}
	r.written.Add(int64(len(batch)))
	r.logger.Debug("history written", "points", len(batch))
}

// Sink is an InfluxDB client bound to one org and bucket.
type Sink struct {
	client influxdb2.Client
	Writer
}

// Dial connects to InfluxDB and checks its health.
func Dial(ctx context.Context, url, token, org, bucket string) (*Sink, error) {
	client := influxdb2.NewClient(url, token)
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb health check: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("%w: status %s", ErrUnhealthy, health.Status)
	}
	return &Sink{client: client, Writer: client.WriteAPIBlocking(org, bucket)}, nil
}

// Close releases the client.
func (s *Sink) Close() { s.client.Close() }
