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
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace   = "opsync"
	dashboardSubsystem = "dashboard"
)

// StreamMetrics holds the Prometheus metrics of the dashboard server.
//
// # Description
//
// Covers the projection stream fan-out and the HTTP routes. All methods
// are nil-safe so tests can run without a registry.
//
// # Thread Safety
//
// All operations are thread-safe.
type StreamMetrics struct {
	// Subscribers is the number of open stream connections.
	Subscribers prometheus.Gauge

	// MessagesTotal counts projections written to subscribers.
	MessagesTotal prometheus.Counter

	// DroppedTotal counts projections skipped for slow subscribers.
	DroppedTotal prometheus.Counter

	// RequestsTotal counts HTTP requests.
	// Labels: method, route, status
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures HTTP latency.
	// Labels: method, route
	RequestDurationSeconds *prometheus.HistogramVec
}

// NewStreamMetrics registers the dashboard metrics with reg. A nil reg
// uses the default registerer.
//
// # Limitations
//
//   - Panics on duplicate registration, as promauto does.
func NewStreamMetrics(reg prometheus.Registerer) *StreamMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &StreamMetrics{
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: dashboardSubsystem,
			Name:      "stream_subscribers",
			Help:      "Open projection stream connections",
		}),
		MessagesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: dashboardSubsystem,
			Name:      "stream_messages_total",
			Help:      "Projections written to stream subscribers",
		}),
		DroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: dashboardSubsystem,
			Name:      "stream_dropped_total",
			Help:      "Projections skipped because a subscriber was behind",
		}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: dashboardSubsystem,
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		RequestDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: dashboardSubsystem,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *StreamMetrics) subscriberAdded() {
	if m != nil {
		m.Subscribers.Inc()
	}
}

func (m *StreamMetrics) subscriberRemoved() {
	if m != nil {
		m.Subscribers.Dec()
	}
}

func (m *StreamMetrics) sent() {
	if m != nil {
		m.MessagesTotal.Inc()
	}
}

func (m *StreamMetrics) dropped() {
	if m != nil {
		m.DroppedTotal.Inc()
	}
}

// middleware records request count and latency per matched route.
func (m *StreamMetrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDurationSeconds.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
