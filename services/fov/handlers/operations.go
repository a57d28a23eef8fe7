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
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianFOV/services/fov/buffers"
	"github.com/AleutianAI/AleutianFOV/services/fov/session"
)

// HandleAddTurn handles POST /sessions/:id/turns.
//
// Response:
//
//	200 OK: session.DebugView after the turn and any eviction
//	400 Bad Request: invalid role or text
//	404 Not Found: unknown session
//	409 Conflict: session not active
func (h *Handlers) HandleAddTurn(c *gin.Context) {
	const op = "add_turn"
	m, ok := h.lookup(c, op)
	if !ok {
		return
	}
	var req AddTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, op, err)
		return
	}
	if _, err := m.AddTurn(c.Request.Context(), buffers.Role(req.Role), req.Text); err != nil {
		h.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, m.DebugView())
}

// HandleBargeIn handles POST /sessions/:id/barge-in.
//
// Response:
//
//	200 OK: BargeInResponse with the priority snapshot
//	409 Conflict: session not active
func (h *Handlers) HandleBargeIn(c *gin.Context) {
	const op = "barge_in"
	m, ok := h.lookup(c, op)
	if !ok {
		return
	}
	var req BargeInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, op, err)
		return
	}
	snap, err := m.HandleBargeIn(c.Request.Context(), req.Utterance, req.InterruptedPosition)
	if err != nil {
		h.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, BargeInResponse{Context: snap, BargeInCount: snap.BargeInCount})
}

// HandleSetTopic handles POST /sessions/:id/topic.
func (h *Handlers) HandleSetTopic(c *gin.Context) {
	const op = "set_topic"
	m, ok := h.lookup(c, op)
	if !ok {
		return
	}
	var req SetTopicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, op, err)
		return
	}
	move, err := m.SetTopic(c.Request.Context(), req.input())
	if err != nil {
		h.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, TopicResponse{Move: move, Session: m.DebugView()})
}

// HandleCompleteTopic handles POST /sessions/:id/topic/complete.
func (h *Handlers) HandleCompleteTopic(c *gin.Context) {
	const op = "complete_topic"
	m, ok := h.lookup(c, op)
	if !ok {
		return
	}
	var req CompleteTopicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, op, err)
		return
	}
	if err := m.CompleteTopic(c.Request.Context(), req.Summary, *req.MasteryLevel); err != nil {
		h.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, m.DebugView())
}

// HandleSetPosition handles PUT /sessions/:id/position.
func (h *Handlers) HandleSetPosition(c *gin.Context) {
	const op = "set_position"
	m, ok := h.lookup(c, op)
	if !ok {
		return
	}
	var req SetPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, op, err)
		return
	}
	if err := m.SetPosition(c.Request.Context(), req.input()); err != nil {
		h.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, m.DebugView())
}

// HandleSetSegment handles PUT /sessions/:id/segment.
func (h *Handlers) HandleSetSegment(c *gin.Context) {
	const op = "set_segment"
	m, ok := h.lookup(c, op)
	if !ok {
		return
	}
	var req SetSegmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, op, err)
		return
	}
	seg := &buffers.TranscriptSegment{
		SegmentID: req.SegmentID,
		Text:      req.Text,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		TopicID:   req.TopicID,
	}
	if err := m.SetSegment(c.Request.Context(), seg); err != nil {
		h.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, m.DebugView())
}

// HandleClearSegment handles DELETE /sessions/:id/segment.
func (h *Handlers) HandleClearSegment(c *gin.Context) {
	const op = "clear_segment"
	m, ok := h.lookup(c, op)
	if !ok {
		return
	}
	if err := m.SetSegment(c.Request.Context(), nil); err != nil {
		h.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, m.DebugView())
}

// HandleRecordSignal handles POST /sessions/:id/signals.
func (h *Handlers) HandleRecordSignal(c *gin.Context) {
	const op = "record_signal"
	m, ok := h.lookup(c, op)
	if !ok {
		return
	}
	var req RecordSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, op, err)
		return
	}
	if err := m.RecordSignal(c.Request.Context(), session.SignalKind(req.SignalType), req.Content); err != nil {
		h.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, m.DebugView())
}

// HandleAnalyze handles POST /sessions/:id/analyze.
//
// Response:
//
//	200 OK: confidence.Analysis, with expansion set when more detail is needed
func (h *Handlers) HandleAnalyze(c *gin.Context) {
	const op = "analyze"
	m, ok := h.lookup(c, op)
	if !ok {
		return
	}
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, op, err)
		return
	}
	res, err := m.AnalyzeResponse(c.Request.Context(), req.ResponseText)
	if err != nil {
		h.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// =============================================================================
// Read-only views
// =============================================================================

// HandleContext handles GET /sessions/:id/context.
func (h *Handlers) HandleContext(c *gin.Context) {
	const op = "build_context"
	m, ok := h.lookup(c, op)
	if !ok {
		return
	}
	rc, err := m.BuildContext(c.Request.Context(), "")
	if err != nil {
		h.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, rc)
}

// HandleBuildContext handles POST /sessions/:id/context/build. The body
// is optional; a bargeInUtterance previews the context the model would see
// after that interruption without recording it.
func (h *Handlers) HandleBuildContext(c *gin.Context) {
	const op = "build_context"
	m, ok := h.lookup(c, op)
	if !ok {
		return
	}
	var req BuildContextRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.respondBindError(c, op, err)
		return
	}
	rc, err := m.BuildContext(c.Request.Context(), req.BargeInUtterance)
	if err != nil {
		h.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, rc)
}

// HandleMessages handles GET /sessions/:id/messages?bargeIn=.
func (h *Handlers) HandleMessages(c *gin.Context) {
	const op = "build_messages"
	m, ok := h.lookup(c, op)
	if !ok {
		return
	}
	bargeIn := c.Query("bargeIn")
	if len(bargeIn) > MaxTextBytes {
		h.respondError(c, op, fmt.Errorf("%w: bargeIn exceeds %d bytes", session.ErrInvalidArgument, MaxTextBytes))
		return
	}
	msgs, err := m.BuildMessages(c.Request.Context(), bargeIn)
	if err != nil {
		h.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, MessagesResponse{Messages: msgs})
}

// HandleEvents handles GET /sessions/:id/events?type=.
func (h *Handlers) HandleEvents(c *gin.Context) {
	m, ok := h.lookup(c, "events")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, EventsResponse{Events: m.Events(session.EventType(c.Query("type")))})
}

// HandleDebug handles GET /sessions/:id/debug.
func (h *Handlers) HandleDebug(c *gin.Context) {
	m, ok := h.lookup(c, "debug")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, m.DebugView())
}
