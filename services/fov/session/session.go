// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session implements the per-conversation FOV session manager.
//
// # Description
//
// A Manager owns one session: its state machine, its four context tiers
// (Immediate, Working, Episodic, Semantic), the budgets derived from the
// model's context window, a confidence monitor and a bounded event log.
// Every mutating operation runs under the session's own lock, so
// overlapping calls on one session are serialized while different
// sessions never block each other.
//
// # Thread Safety
//
// All exported Manager methods are safe for concurrent use.
package session

import (
	"time"

	"github.com/AleutianAI/AleutianFOV/services/fov/buffers"
	"github.com/AleutianAI/AleutianFOV/services/fov/confidence"
)

// State is the lifecycle state of a session.
type State string

const (
	StateCreated State = "created"
	StateActive  State = "active"
	StatePaused  State = "paused"
	StateEnded   State = "ended"
)

var transitions = map[State][]State{
	StateCreated: {StateActive, StateEnded},
	StateActive:  {StatePaused, StateEnded},
	StatePaused:  {StateActive, StateEnded},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Config holds the tunables shared by every session.
type Config struct {
	// Split is the proportional split of the context window.
	Split BudgetSplit `yaml:"split" json:"split"`

	// MaxTurns bounds the Immediate tier. 0 uses the model tier default.
	MaxTurns int `yaml:"max_turns" json:"maxTurns" validate:"gte=0"`

	// SnapshotTurns is how many recent turns a barge-in snapshot carries.
	SnapshotTurns int `yaml:"snapshot_turns" json:"snapshotTurns" validate:"gte=1"`

	// AdaptThreshold is the fraction of the usable window at which tier
	// budgets start shrinking.
	AdaptThreshold float64 `yaml:"adapt_threshold" json:"adaptThreshold" validate:"gt=0,lte=1"`

	// AdaptStep is the fraction cut from a tier budget per adaptation round.
	AdaptStep float64 `yaml:"adapt_step" json:"adaptStep" validate:"gt=0,lt=1"`

	// MinTierBudget is the floor adaptation never cuts below.
	MinTierBudget int `yaml:"min_tier_budget" json:"minTierBudget" validate:"gte=0"`

	// MaxEvents bounds the per-session event log.
	MaxEvents int `yaml:"max_events" json:"maxEvents" validate:"gte=1"`

	MaxSummaries int `yaml:"max_summaries" json:"maxSummaries" validate:"gte=1"`
	MaxQuestions int `yaml:"max_questions" json:"maxQuestions" validate:"gte=1"`

	// EvictionPolicy is "relevance" or "recency".
	EvictionPolicy string                   `yaml:"eviction_policy" json:"evictionPolicy" validate:"oneof=relevance recency fifo"`
	Relevance      buffers.RelevanceWeights `yaml:"relevance" json:"relevance"`

	// AutoSummaryMastery is the mastery recorded when a topic is replaced
	// without being completed.
	AutoSummaryMastery float64 `yaml:"auto_summary_mastery" json:"autoSummaryMastery" validate:"gte=0,lte=1"`

	// SystemPrompt overrides DefaultSystemPrompt when non-empty.
	SystemPrompt string `yaml:"system_prompt" json:"systemPrompt,omitempty"`

	Confidence confidence.Config `yaml:"confidence" json:"confidence"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Split:              DefaultBudgetSplit(),
		SnapshotTurns:      4,
		AdaptThreshold:     0.9,
		AdaptStep:          0.25,
		MinTierBudget:      256,
		MaxEvents:          200,
		MaxSummaries:       10,
		MaxQuestions:       10,
		EvictionPolicy:     "relevance",
		Relevance:          buffers.DefaultRelevanceWeights(),
		AutoSummaryMastery: 0.5,
		Confidence:         confidence.TutoringConfig(),
	}
}

// Params identify a new session.
type Params struct {
	ID           string
	CurriculumID string

	// ModelContextWindow wins over ModelName when both are set.
	ModelContextWindow int
	ModelName          string
}

// Summary is the list-view of a session.
type Summary struct {
	SessionID          string    `json:"sessionId"`
	CurriculumID       string    `json:"curriculumId"`
	State              State     `json:"state"`
	ModelTier          ModelTier `json:"modelTier"`
	ModelContextWindow int       `json:"modelContextWindow"`
	TurnCount          int       `json:"turnCount"`
	BargeInCount       int       `json:"bargeInCount"`
	CurrentTopicID     string    `json:"currentTopicId,omitempty"`
	TotalContextTokens int       `json:"totalContextTokens"`
	CreatedAt          time.Time `json:"createdAt"`
	LastActivity       time.Time `json:"lastActivity"`
}

// TierViews groups the debug copies of the four tiers.
type TierViews struct {
	Immediate buffers.ImmediateView `json:"immediate"`
	Working   buffers.WorkingView   `json:"working"`
	Episodic  buffers.EpisodicView  `json:"episodic"`
	Semantic  buffers.SemanticView  `json:"semantic"`
}

// DebugView is a read-only snapshot of the whole session. It has no
// fields relative to the current time, so two calls without an
// intervening mutation are identical.
type DebugView struct {
	Summary
	ModelName       string                                   `json:"modelName,omitempty"`
	ExpansionCount  int                                      `json:"expansionCount"`
	Adaptations     int                                      `json:"budgetAdaptations"`
	Budgets         TierBudgets                              `json:"budgets"`
	InitialBudgets  TierBudgets                              `json:"initialBudgets"`
	UsagePercent    float64                                  `json:"contextUsagePercent"`
	Usage           map[buffers.TierName]buffers.TokenBudget `json:"tokenUsage"`
	Tiers           TierViews                                `json:"tiers"`
	ConfidenceTrend confidence.Trend                         `json:"confidenceTrend"`
}

// Snapshot is the reduced context assembled on barge-in.
//
// It carries the full Working topic, the most recent turns and only the
// Episodic summaries of the current topic. Older Episodic and all
// Semantic detail are left out.
type Snapshot struct {
	SessionID        string                     `json:"sessionId"`
	Utterance        string                     `json:"utterance"`
	InterruptedAt    *float64                   `json:"interruptedAt,omitempty"`
	BargeInCount     int                        `json:"bargeInCount"`
	Topic            *buffers.Topic             `json:"topic,omitempty"`
	RecentTurns      []buffers.Turn             `json:"recentTurns"`
	RelatedSummaries []buffers.TopicSummary     `json:"relatedSummaries"`
	Segment          *buffers.TranscriptSegment `json:"currentSegment,omitempty"`
	Rendered         string                     `json:"rendered"`
	TokenEstimate    int                        `json:"tokenEstimate"`
}

// RenderedContext is the prompt context built from all four tiers.
type RenderedContext struct {
	SystemPrompt  string `json:"systemPrompt"`
	Semantic      string `json:"semanticContext"`
	Working       string `json:"workingContext"`
	Episodic      string `json:"episodicContext"`
	Immediate     string `json:"immediateContext"`
	SystemMessage string `json:"systemMessage"`
	TokenEstimate int    `json:"tokenEstimate"`
}

// TopicInput is the payload of SetTopic.
type TopicInput struct {
	ID             string
	Title          string
	Content        string
	Objectives     []string
	Glossary       []buffers.GlossaryTerm
	Misconceptions []buffers.Misconception

	// Index places the topic explicitly in the curriculum. nil lets the
	// Semantic tier infer it from the topic order or sequential delivery.
	Index *int
}

// PositionInput is the payload of SetPosition. Nil slices and nil Outline
// leave the existing values alone.
type PositionInput struct {
	Position      buffers.Position
	Outline       *string
	TopicOrder    []string
	Prerequisites []string
	Upcoming      []string
}

// SignalKind is a learner signal accepted by RecordSignal.
type SignalKind string

const (
	SignalClarification SignalKind = "clarification"
	SignalRepetition    SignalKind = "repetition"
	SignalConfusion     SignalKind = "confusion"
	SignalQuestion      SignalKind = "question"
	SignalPace          SignalKind = "pace"
)
