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
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gks281263/KMRL-sub001/services/opsync/store"
)

// StreamMessageProjection is the only message type sent on the stream.
const StreamMessageProjection = "projection"

// StreamMessage is one frame on GET /v1/stream.
type StreamMessage struct {
	Type      string           `json:"type"`
	Data      store.Projection `json:"data"`
	Timestamp time.Time        `json:"timestamp"`
}

type subscriber struct {
	id string
	ch chan store.Projection
}

// Hub fans store projections out to stream subscribers.
//
// # Description
//
// The store callback only raises a signal, so bursts of mutations
// collapse into one projection. Every subscriber has a bounded queue;
// when it is full the oldest pending projection is discarded, since
// only the newest matters to a view.
//
// # Thread Safety
//
// Safe for concurrent use.
type Hub struct {
	source  Source
	buffer  int
	metrics *StreamMetrics
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscriber

	signal chan struct{}
	unsub  func()
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func newHub(source Source, buffer int, metrics *StreamMetrics, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 8
	}
	h := &Hub{
		source:  source,
		buffer:  buffer,
		metrics: metrics,
		logger:  logger,
		subs:    make(map[string]*subscriber),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	h.unsub = source.Subscribe(func(store.Change) {
		select {
		case h.signal <- struct{}{}:
		default:
		}
	})
	go h.run()
	return h
}

// Subscribers returns the number of attached subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) close() {
	h.once.Do(func() {
		h.unsub()
		close(h.done)
	})
	<-h.exited
}

func (h *Hub) run() {
	defer close(h.exited)
	for {
		select {
		case <-h.done:
			return
		case <-h.signal:
			h.broadcast(h.source.Projection())
		}
	}
}

func (h *Hub) broadcast(p store.Projection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		select {
		case s.ch <- p:
			continue
		default:
		}
		// Full: replace the oldest pending projection.
		select {
		case <-s.ch:
			h.metrics.dropped()
		default:
		}
		select {
		case s.ch <- p:
		default:
			h.metrics.dropped()
		}
	}
}

// add registers a subscriber primed with the current projection.
func (h *Hub) add() *subscriber {
	s := &subscriber{id: uuid.NewString(), ch: make(chan store.Projection, h.buffer)}
	s.ch <- h.source.Projection()
	h.mu.Lock()
	h.subs[s.id] = s
	h.mu.Unlock()
	h.metrics.subscriberAdded()
	return s
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s.id]
	delete(h.subs, s.id)
	h.mu.Unlock()
	if ok {
		h.metrics.subscriberRemoved()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStream upgrades and writes a projection on every store change
// until the client goes away or the server shuts down.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.hub.add()
	defer s.hub.remove(sub)
	logger := s.logger.With("subscriber_id", sub.id)
	logger.Info("stream subscriber connected", "remote", c.ClientIP())

	// Inbound frames are ignored; reading surfaces the client's close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			logger.Info("stream subscriber disconnected")
			return
		case <-s.hub.done:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
			return
		case p := <-sub.ch:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteJSON(StreamMessage{Type: StreamMessageProjection, Data: p, Timestamp: time.Now().UTC()}); err != nil {
				logger.Info("stream write failed", "error", err)
				return
			}
			s.hub.metrics.sent()
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
