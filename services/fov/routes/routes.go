// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianFOV/services/fov/handlers"
)

// Options configures route registration.
type Options struct {
	// Limit guards the mutating routes. Nil disables rate limiting.
	Limit gin.HandlerFunc

	// Metrics serves GET /metrics. Nil leaves the route out.
	Metrics http.Handler
}

// SetupRoutes registers the FOV HTTP contract on router. Session and
// archive routes are mounted at the root and again under /api for the
// dashboard.
func SetupRoutes(router *gin.Engine, h *handlers.Handlers, opts Options) {
	router.GET("/health", h.HandleHealth)
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	register(router.Group(""), h, opts)
	register(router.Group("/api"), h, opts)
}

func register(g *gin.RouterGroup, h *handlers.Handlers, opts Options) {
	g.GET("/fov/health", h.HandleFOVHealth)

	limited := func(hf gin.HandlerFunc) []gin.HandlerFunc {
		if opts.Limit == nil {
			return []gin.HandlerFunc{hf}
		}
		return []gin.HandlerFunc{opts.Limit, hf}
	}

	sessions := g.Group("/sessions")
	{
		sessions.POST("", limited(h.HandleCreate)...)
		sessions.GET("", h.HandleList)
		sessions.GET("/:id", h.HandleGet)
		sessions.DELETE("/:id", limited(h.HandleDelete)...)

		sessions.POST("/:id/start", limited(h.HandleStart())...)
		sessions.POST("/:id/pause", limited(h.HandlePause())...)
		sessions.POST("/:id/resume", limited(h.HandleResume())...)
		sessions.POST("/:id/end", limited(h.HandleEnd())...)

		sessions.POST("/:id/turns", limited(h.HandleAddTurn)...)
		sessions.POST("/:id/barge-in", limited(h.HandleBargeIn)...)
		sessions.POST("/:id/topic", limited(h.HandleSetTopic)...)
		sessions.POST("/:id/topic/complete", limited(h.HandleCompleteTopic)...)
		sessions.PUT("/:id/position", limited(h.HandleSetPosition)...)
		sessions.PUT("/:id/segment", limited(h.HandleSetSegment)...)
		sessions.DELETE("/:id/segment", limited(h.HandleClearSegment)...)
		sessions.POST("/:id/signals", limited(h.HandleRecordSignal)...)
		sessions.POST("/:id/analyze", limited(h.HandleAnalyze)...)

		sessions.GET("/:id/context", h.HandleContext)
		sessions.POST("/:id/context/build", h.HandleBuildContext)
		sessions.GET("/:id/messages", h.HandleMessages)
		sessions.GET("/:id/events", h.HandleEvents)
		sessions.GET("/:id/debug", h.HandleDebug)
		sessions.GET("/:id/stream", h.HandleStream)
	}

	archive := g.Group("/archive/sessions")
	{
		archive.GET("", h.HandleArchiveList)
		archive.GET("/:id", h.HandleArchiveGet)
	}
}
