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
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianFOV/pkg/validation"
	"github.com/AleutianAI/AleutianFOV/services/fov/buffers"
	"github.com/AleutianAI/AleutianFOV/services/fov/registry"
	"github.com/AleutianAI/AleutianFOV/services/fov/session"
)

// =============================================================================
// Request Limits
// =============================================================================

const (
	// MaxTextBytes bounds any single free-text field of a request.
	MaxTextBytes = 32 * 1024

	// MaxContentBytes bounds topic content and curriculum outlines.
	MaxContentBytes = 256 * 1024
)

var registerOnce sync.Once

// registerValidators adds the custom tags used by the request types to
// gin's validator engine.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("maxbytes", validateMaxBytes)
		_ = v.RegisterValidation("maxcontent", validateMaxContent)
		_ = v.RegisterValidation("identifier", validateIdentifier)
	})
}

// validateMaxBytes checks byte length, not rune count, so multi-byte
// payloads cannot slip past the limit.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxTextBytes
}

func validateMaxContent(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxContentBytes
}

func validateIdentifier(fl validator.FieldLevel) bool {
	return validation.ValidateIdentifier(fl.Field().String()) == nil
}

// =============================================================================
// Requests
// =============================================================================

// CreateSessionRequest is the body of POST /sessions. A zero
// modelContextWindow falls back to the window of modelName.
type CreateSessionRequest struct {
	CurriculumID       string `json:"curriculumId" binding:"required,identifier"`
	ModelContextWindow int    `json:"modelContextWindow"`
	ModelName          string `json:"modelName" binding:"max=128"`
}

// AddTurnRequest is the body of POST /sessions/:id/turns.
type AddTurnRequest struct {
	Role string `json:"role" binding:"required,oneof=user assistant"`
	Text string `json:"text" binding:"required,maxbytes"`
}

// BargeInRequest is the body of POST /sessions/:id/barge-in.
type BargeInRequest struct {
	Utterance           string   `json:"utterance" binding:"required,maxbytes"`
	InterruptedPosition *float64 `json:"interruptedPosition" binding:"omitempty,gte=0"`
}

// BargeInResponse carries the priority snapshot.
type BargeInResponse struct {
	Context      session.Snapshot `json:"context"`
	BargeInCount int              `json:"bargeInCount"`
}

// SetTopicRequest is the body of POST /sessions/:id/topic.
type SetTopicRequest struct {
	TopicID            string                  `json:"topicId" binding:"required,identifier"`
	TopicTitle         string                  `json:"topicTitle" binding:"maxbytes"`
	TopicContent       string                  `json:"topicContent" binding:"maxcontent"`
	LearningObjectives []string                `json:"learningObjectives" binding:"max=50,dive,maxbytes"`
	GlossaryTerms      []buffers.GlossaryTerm  `json:"glossaryTerms" binding:"max=200"`
	Misconceptions     []buffers.Misconception `json:"misconceptions" binding:"max=100"`
	TopicIndex         *int                    `json:"topicIndex" binding:"omitempty,gte=0"`
}

func (r SetTopicRequest) input() session.TopicInput {
	return session.TopicInput{
		ID:             r.TopicID,
		Title:          r.TopicTitle,
		Content:        r.TopicContent,
		Objectives:     r.LearningObjectives,
		Glossary:       r.GlossaryTerms,
		Misconceptions: r.Misconceptions,
		Index:          r.TopicIndex,
	}
}

// CompleteTopicRequest is the body of POST /sessions/:id/topic/complete.
type CompleteTopicRequest struct {
	Summary      string   `json:"summary" binding:"required,maxbytes"`
	MasteryLevel *float64 `json:"masteryLevel" binding:"required,gte=0,lte=1"`
}

// SetPositionRequest is the body of PUT /sessions/:id/position.
type SetPositionRequest struct {
	CurriculumID       string   `json:"curriculumId" binding:"omitempty,identifier"`
	CurriculumTitle    string   `json:"curriculumTitle" binding:"maxbytes"`
	CurrentTopicIndex  int      `json:"currentTopicIndex" binding:"gte=0"`
	TotalTopics        int      `json:"totalTopics" binding:"gte=0"`
	UnitTitle          string   `json:"unitTitle" binding:"maxbytes"`
	ModuleTitle        string   `json:"moduleTitle" binding:"maxbytes"`
	Outline            *string  `json:"outline" binding:"omitempty,maxcontent"`
	TopicOrder         []string `json:"topicOrder" binding:"max=10000,dive,identifier"`
	PrerequisiteTopics []string `json:"prerequisiteTopics" binding:"max=100,dive,maxbytes"`
	UpcomingTopics     []string `json:"upcomingTopics" binding:"max=100,dive,maxbytes"`
}

func (r SetPositionRequest) input() session.PositionInput {
	return session.PositionInput{
		Position: buffers.Position{
			CurriculumID:      r.CurriculumID,
			CurriculumTitle:   r.CurriculumTitle,
			CurrentTopicIndex: r.CurrentTopicIndex,
			TotalTopics:       r.TotalTopics,
			UnitTitle:         r.UnitTitle,
			ModuleTitle:       r.ModuleTitle,
		},
		Outline:       r.Outline,
		TopicOrder:    r.TopicOrder,
		Prerequisites: r.PrerequisiteTopics,
		Upcoming:      r.UpcomingTopics,
	}
}

// SetSegmentRequest is the body of PUT /sessions/:id/segment.
type SetSegmentRequest struct {
	SegmentID string  `json:"segmentId" binding:"required,identifier"`
	Text      string  `json:"text" binding:"maxcontent"`
	StartTime float64 `json:"startTime" binding:"gte=0"`
	EndTime   float64 `json:"endTime" binding:"gte=0"`
	TopicID   string  `json:"topicId" binding:"omitempty,identifier"`
}

// RecordSignalRequest is the body of POST /sessions/:id/signals.
type RecordSignalRequest struct {
	SignalType string `json:"signalType" binding:"required,oneof=clarification repetition confusion question pace"`
	Content    string `json:"content" binding:"maxbytes"`
}

// AnalyzeRequest is the body of POST /sessions/:id/analyze.
type AnalyzeRequest struct {
	ResponseText string `json:"responseText" binding:"required,maxbytes"`
}

// BuildContextRequest is the optional body of POST
// /sessions/:id/context/build.
type BuildContextRequest struct {
	BargeInUtterance string `json:"bargeInUtterance" binding:"maxbytes"`
}

// =============================================================================
// Responses
// =============================================================================

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SessionListResponse is the body of GET /sessions.
type SessionListResponse struct {
	Sessions []session.Summary `json:"sessions"`
}

// EventsResponse is the body of GET /sessions/:id/events.
type EventsResponse struct {
	Events []session.Event `json:"events"`
}

// TopicResponse is returned by POST /sessions/:id/topic.
type TopicResponse struct {
	Move    buffers.TopicMove `json:"move"`
	Session session.DebugView `json:"session"`
}

// MessagesResponse is the body of GET /sessions/:id/messages.
type MessagesResponse struct {
	Messages []session.Message `json:"messages"`
}

// Features lists what GET /fov/health advertises to clients.
type Features struct {
	ConfidenceMonitoring bool                `json:"confidenceMonitoring"`
	ContextExpansion     bool                `json:"contextExpansion"`
	AdaptiveBudgets      bool                `json:"adaptiveBudgets"`
	ModelTiers           []session.ModelTier `json:"modelTiers"`
}

// FOVHealthResponse is the registry health plus the service version and
// feature list.
type FOVHealthResponse struct {
	registry.Health
	Version  string   `json:"version"`
	Features Features `json:"features"`
}
