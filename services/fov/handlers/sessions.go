// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP contract of the FOV context service.
//
// Every per-session handler resolves the session through the Registry,
// calls one Manager operation and maps its typed errors to a status code
// and an {"error", "code"} body.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianFOV/services/fov/archive"
	"github.com/AleutianAI/AleutianFOV/services/fov/observability"
	"github.com/AleutianAI/AleutianFOV/services/fov/registry"
	"github.com/AleutianAI/AleutianFOV/services/fov/session"
)

// ArchiveReader is the read side of the session archive.
type ArchiveReader interface {
	List(ctx context.Context) ([]archive.Entry, error)
	Get(ctx context.Context, id string) (archive.Record, error)
}

// Metrics receives request-level signals.
type Metrics interface {
	RecordError(operation string, code observability.ErrorCode)
	StreamStarted()
	StreamEnded()
}

type nopMetrics struct{}

func (nopMetrics) RecordError(string, observability.ErrorCode) {}
func (nopMetrics) StreamStarted()                              {}
func (nopMetrics) StreamEnded()                                {}

// StreamConfig tunes the websocket event stream.
type StreamConfig struct {
	// Buffer is the per-subscriber event channel size.
	Buffer       int           `yaml:"buffer" json:"buffer" validate:"gte=0"`
	// PingInterval is how often a ping is written to detect dead peers.
	PingInterval time.Duration `yaml:"ping_interval" json:"pingInterval"`
	// WriteTimeout bounds each websocket write.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"writeTimeout"`
}

// DefaultStreamConfig returns a 64 event buffer and a 30s ping.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{Buffer: 64, PingInterval: 30 * time.Second, WriteTimeout: 10 * time.Second}
}

// Handlers contains the HTTP handlers for the FOV service.
type Handlers struct {
	registry *registry.Registry
	archive  ArchiveReader
	metrics  Metrics
	logger   *slog.Logger
	stream   StreamConfig
	upgrader websocket.Upgrader
}

// NewHandlers creates handlers over the given registry.
func NewHandlers(reg *registry.Registry, logger *slog.Logger) *Handlers {
	registerValidators()
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		registry: reg,
		metrics:  nopMetrics{},
		logger:   logger,
		stream:   DefaultStreamConfig(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// WithArchive enables the archive endpoints.
func (h *Handlers) WithArchive(a ArchiveReader) *Handlers {
	h.archive = a
	return h
}

// WithMetrics sets the request metrics sink.
func (h *Handlers) WithMetrics(m Metrics) *Handlers {
	if m != nil {
		h.metrics = m
	}
	return h
}

// WithStream overrides the event stream settings.
func (h *Handlers) WithStream(cfg StreamConfig) *Handlers {
	if cfg.Buffer > 0 {
		h.stream.Buffer = cfg.Buffer
	}
	if cfg.PingInterval > 0 {
		h.stream.PingInterval = cfg.PingInterval
	}
	if cfg.WriteTimeout > 0 {
		h.stream.WriteTimeout = cfg.WriteTimeout
	}
	return h
}

func (h *Handlers) requestLogger(c *gin.Context, op string) *slog.Logger {
	l := h.logger.With(slog.String("handler", op))
	if id := c.Param("id"); id != "" {
		l = l.With(slog.String("session_id", id))
	}
	return l
}

// lookup resolves :id, writing a 404 when the session is unknown.
func (h *Handlers) lookup(c *gin.Context, op string) (*session.Manager, bool) {
	m, err := h.registry.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, op, err)
		return nil, false
	}
	return m, true
}

// =============================================================================
// Registry
// =============================================================================

// HandleCreate handles POST /sessions.
//
// Response:
//
//	201 Created: session.Summary
//	400 Bad Request: validation or budget configuration error
//	503 Service Unavailable: registry at capacity
func (h *Handlers) HandleCreate(c *gin.Context) {
	const op = "create_session"
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, op, err)
		return
	}

	m, err := h.registry.Create(c.Request.Context(), registry.CreateParams{
		CurriculumID:       req.CurriculumID,
		ModelContextWindow: req.ModelContextWindow,
		ModelName:          req.ModelName,
	})
	if err != nil {
		h.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusCreated, m.Summary())
}

// HandleList handles GET /sessions.
func (h *Handlers) HandleList(c *gin.Context) {
	c.JSON(http.StatusOK, SessionListResponse{Sessions: h.registry.List()})
}

// HandleGet handles GET /sessions/:id.
func (h *Handlers) HandleGet(c *gin.Context) {
	m, ok := h.lookup(c, "get_session")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, m.Summary())
}

// HandleDelete handles DELETE /sessions/:id. Deleting an unknown id is
// a no-op and still answers 204.
func (h *Handlers) HandleDelete(c *gin.Context) {
	id := c.Param("id")
	if h.registry.Delete(c.Request.Context(), id) {
		h.requestLogger(c, "delete_session").Info("session deleted")
	}
	c.Status(http.StatusNoContent)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Health())
}

// Version is reported by GET /fov/health. Overridden at link time.
var Version = "1.0.0"

// HandleFOVHealth handles GET /fov/health.
func (h *Handlers) HandleFOVHealth(c *gin.Context) {
	c.JSON(http.StatusOK, FOVHealthResponse{
		Health:  h.registry.Health(),
		Version: Version,
		Features: Features{
			ConfidenceMonitoring: true,
			ContextExpansion:     true,
			AdaptiveBudgets:      true,
			ModelTiers: []session.ModelTier{
				session.TierCloud, session.TierMidRange, session.TierOnDevice, session.TierTiny,
			},
		},
	})
}

// =============================================================================
// Lifecycle
// =============================================================================

// lifecycle builds a handler for Start, Pause, Resume or End.
func (h *Handlers) lifecycle(op string, fn func(*session.Manager, context.Context) (session.Summary, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.lookup(c, op)
		if !ok {
			return
		}
		sum, err := fn(m, c.Request.Context())
		if err != nil {
			h.respondError(c, op, err)
			return
		}
		c.JSON(http.StatusOK, sum)
	}
}

// HandleStart handles POST /sessions/:id/start.
func (h *Handlers) HandleStart() gin.HandlerFunc {
	return h.lifecycle("start_session", (*session.Manager).Start)
}

// HandlePause handles POST /sessions/:id/pause.
func (h *Handlers) HandlePause() gin.HandlerFunc {
	return h.lifecycle("pause_session", (*session.Manager).Pause)
}

// HandleResume handles POST /sessions/:id/resume.
func (h *Handlers) HandleResume() gin.HandlerFunc {
	return h.lifecycle("resume_session", (*session.Manager).Resume)
}

// HandleEnd handles POST /sessions/:id/end.
func (h *Handlers) HandleEnd() gin.HandlerFunc {
	return h.lifecycle("end_session", (*session.Manager).End)
}

// =============================================================================
// Archive
// =============================================================================

// HandleArchiveList handles GET /archive/sessions.
func (h *Handlers) HandleArchiveList(c *gin.Context) {
	const op = "archive_list"
	if h.archive == nil {
		h.archiveDisabled(c, op)
		return
	}
	entries, err := h.archive.List(c.Request.Context())
	if err != nil {
		h.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": entries})
}

// HandleArchiveGet handles GET /archive/sessions/:id.
func (h *Handlers) HandleArchiveGet(c *gin.Context) {
	const op = "archive_get"
	if h.archive == nil {
		h.archiveDisabled(c, op)
		return
	}
	rec, err := h.archive.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handlers) archiveDisabled(c *gin.Context, op string) {
	h.metrics.RecordError(op, observability.ErrorCodeNotFound)
	c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
		Error: "session archive is not enabled",
		Code:  "archive_disabled",
	})
}
