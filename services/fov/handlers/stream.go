// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// streamHello is the first frame of an event stream.
type streamHello struct {
	Type    string `json:"type"`
	Session any    `json:"session"`
}

// HandleStream handles GET /sessions/:id/stream.
//
// # Description
//
// Upgrades to a websocket and forwards the session's events as JSON
// frames. The first frame is {"type":"hello","session":<summary>}. The
// stream ends when the client disconnects, the request context is done
// or the session is removed, in which case a normal close frame is sent.
//
// A client that reads too slowly misses events; the session never waits
// on the stream.
func (h *Handlers) HandleStream(c *gin.Context) {
	const op = "stream"
	m, ok := h.lookup(c, op)
	if !ok {
		return
	}
	logger := h.requestLogger(c, op)

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	events, cancel := m.Subscribe(h.stream.Buffer)
	defer cancel()
	h.metrics.StreamStarted()
	defer h.metrics.StreamEnded()
	logger.Info("event stream connected")

	// The read side only exists to notice the peer going away and to
	// process pong frames.
	closed := make(chan struct{})
	readWait := 2 * h.stream.PingInterval
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		_ = ws.SetWriteDeadline(time.Now().Add(h.stream.WriteTimeout))
		return ws.WriteJSON(v)
	}
	if err := write(streamHello{Type: "hello", Session: m.Summary()}); err != nil {
		return
	}

	ping := time.NewTicker(h.stream.PingInterval)
	defer ping.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case ev, open := <-events:
			if !open {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(h.stream.WriteTimeout))
				logger.Info("event stream closed by session removal")
				return
			}
			if err := write(ev); err != nil {
				logger.Debug("event stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.stream.WriteTimeout)); err != nil {
				return
			}
		case <-closed:
			logger.Info("event stream client disconnected")
			return
		case <-ctx.Done():
			return
		}
	}
}
