// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFOV/services/fov/buffers"
	"github.com/AleutianAI/AleutianFOV/services/fov/confidence"
)

// countingRecorder records calls for assertions.
type countingRecorder struct {
	mu          sync.Mutex
	transitions []string
	turns       int
	bargeIns    int
	evicted     map[buffers.TierName]int
	analyzed    int
	adapted     int
	violations  int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{evicted: make(map[buffers.TierName]int)}
}

func (r *countingRecorder) StateChanged(from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, fmt.Sprintf("%s->%s", from, to))
}

func (r *countingRecorder) TurnAdded(buffers.Role) {
	r.mu.Lock()
	r.turns++
	r.mu.Unlock()
}

func (r *countingRecorder) BargeIn() {
	r.mu.Lock()
	r.bargeIns++
	r.mu.Unlock()
}

func (r *countingRecorder) Evicted(tier buffers.TierName, n int) {
	r.mu.Lock()
	r.evicted[tier] += n
	r.mu.Unlock()
}

func (r *countingRecorder) Analyzed(float64, bool) {
	r.mu.Lock()
	r.analyzed++
	r.mu.Unlock()
}

func (r *countingRecorder) BudgetAdapted() {
	r.mu.Lock()
	r.adapted++
	r.mu.Unlock()
}

func (r *countingRecorder) ContextUsage(float64) {}

func (r *countingRecorder) InvariantViolated(buffers.TierName) {
	r.mu.Lock()
	r.violations++
	r.mu.Unlock()
}

func fixedClock() func() time.Time {
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func newTestManager(t *testing.T, window int, cfg Config, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithClock(fixedClock())}, opts...)
	m, err := New(Params{ID: "s1", CurriculumID: "bio-101", ModelContextWindow: window}, cfg, opts...)
	require.NoError(t, err)
	return m
}

func startedManager(t *testing.T, window int, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m := newTestManager(t, window, cfg, opts...)
	_, err := m.Start(context.Background())
	require.NoError(t, err)
	return m
}

func photosynthesis() TopicInput {
	return TopicInput{
		ID:         "photosynthesis",
		Title:      "Photosynthesis",
		Content:    "Plants convert light energy into chemical energy stored in glucose.",
		Objectives: []string{"Describe the light reactions", "Explain the Calvin cycle"},
		Glossary: []buffers.GlossaryTerm{
			{Term: "Chlorophyll", Definition: "Green pigment that absorbs light"},
		},
	}
}

// =============================================================================
// Creation and lifecycle
// =============================================================================

func TestNew_DerivesBudgetsFromWindow(t *testing.T) {
	m := newTestManager(t, 200000, DefaultConfig())

	v := m.DebugView()
	assert.Equal(t, StateCreated, v.State)
	assert.Equal(t, TierCloud, v.ModelTier)
	assert.Equal(t, 200000, v.Budgets.Window)
	assert.Equal(t, 20000, v.Budgets.Reserved)
	assert.Equal(t, 27000, v.Budgets.Immediate)
	assert.Equal(t, 36000, v.Budgets.Working)
	assert.Equal(t, 54000, v.Budgets.Episodic)
	assert.Equal(t, 63000, v.Budgets.Semantic)
	assert.LessOrEqual(t, v.Budgets.Total(), 200000-v.Budgets.Reserved)
	assert.Equal(t, 20, v.Tiers.Immediate.MaxTurns)

	sum, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateActive, sum.State)
}

func TestNew_ModelNameSelectsWindow(t *testing.T) {
	m, err := New(Params{CurriculumID: "c", ModelName: "gpt-4o"}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 128000, m.Summary().ModelContextWindow)
	assert.NotEmpty(t, m.ID(), "a missing id is generated")

	m, err = New(Params{CurriculumID: "c", ModelName: "some-local-model"}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, DefaultContextWindow, m.Summary().ModelContextWindow)
	assert.Equal(t, TierMidRange, m.Summary().ModelTier)
	assert.Equal(t, 12, m.DebugView().Tiers.Immediate.MaxTurns)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Params{CurriculumID: "c", ModelContextWindow: -5}, DefaultConfig())
	var budgetErr *BudgetConfigError
	assert.ErrorAs(t, err, &budgetErr)

	cfg := DefaultConfig()
	cfg.Split.Semantic = 80
	_, err = New(Params{CurriculumID: "c", ModelContextWindow: 1000}, cfg)
	assert.ErrorAs(t, err, &budgetErr)

	_, err = New(Params{ModelContextWindow: 1000}, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidArgument)

	cfg = DefaultConfig()
	cfg.EvictionPolicy = "random"
	_, err = New(Params{CurriculumID: "c", ModelContextWindow: 1000}, cfg)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestManager_StateMachine(t *testing.T) {
	ctx := context.Background()
	rec := newCountingRecorder()
	m := newTestManager(t, 32000, DefaultConfig(), WithRecorder(rec))

	_, err := m.Pause(ctx)
	assert.True(t, IsInvalidState(err), "cannot pause before start")

	_, err = m.Start(ctx)
	require.NoError(t, err)
	_, err = m.Start(ctx)
	assert.True(t, IsInvalidState(err))

	_, err = m.Pause(ctx)
	require.NoError(t, err)
	_, err = m.AddTurn(ctx, buffers.RoleUser, "hello")
	assert.True(t, IsInvalidState(err), "paused sessions reject turns")

	_, err = m.Resume(ctx)
	require.NoError(t, err)
	_, err = m.End(ctx)
	require.NoError(t, err)
	_, err = m.End(ctx)
	assert.True(t, IsInvalidState(err), "end is terminal")

	assert.Equal(t, []string{"->created", "created->active", "active->paused", "paused->active", "active->ended"}, rec.transitions)
}

func TestManager_EndFromCreated(t *testing.T) {
	m := newTestManager(t, 32000, DefaultConfig())
	sum, err := m.End(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateEnded, sum.State)
}

func TestManager_AddTurnOnEndedLeavesCountUnchanged(t *testing.T) {
	ctx := context.Background()
	m := startedManager(t, 32000, DefaultConfig())
	_, err := m.AddTurn(ctx, buffers.RoleUser, "first")
	require.NoError(t, err)
	_, err = m.End(ctx)
	require.NoError(t, err)

	_, err = m.AddTurn(ctx, buffers.RoleUser, "second")
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "add_turn", stateErr.Operation)
	assert.Equal(t, StateEnded, stateErr.State)
	assert.Equal(t, 1, m.Summary().TurnCount)

	// Reads keep working after end.
	assert.Len(t, m.DebugView().Tiers.Immediate.Turns, 1)
}

// =============================================================================
// Turns and barge-in
// =============================================================================

func TestManager_AddTurnEvictsOldestBeyondMaxTurns(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxTurns = 20
	m := startedManager(t, 200000, cfg)

	for i := 1; i <= 25; i++ {
		_, err := m.AddTurn(ctx, buffers.RoleUser, fmt.Sprintf("turn %d", i))
		require.NoError(t, err)
		require.LessOrEqual(t, len(m.DebugView().Tiers.Immediate.Turns), 20)
	}

	v := m.DebugView()
	turns := v.Tiers.Immediate.Turns
	require.Len(t, turns, 20)
	assert.Equal(t, "turn 6", turns[0].Text)
	assert.Equal(t, "turn 25", turns[19].Text)
	assert.Equal(t, 25, v.TurnCount)

	evictions := m.Events(EventEviction)
	total := 0
	for _, ev := range evictions {
		total += ev.Data["count"].(int)
	}
	assert.Equal(t, 5, total)
}

func TestManager_AddTurnValidation(t *testing.T) {
	ctx := context.Background()
	m := startedManager(t, 32000, DefaultConfig())

	_, err := m.AddTurn(ctx, buffers.Role("narrator"), "hi")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = m.AddTurn(ctx, buffers.Role("system"), "You are a tutor.")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = m.AddTurn(ctx, buffers.RoleUser, "   ")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 0, m.Summary().TurnCount)
}

func TestManager_BargeInSnapshot(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 200000, DefaultConfig())

	_, err := m.SetTopic(ctx, TopicInput{ID: "cells", Title: "Cells", Content: "Cells are the unit of life."})
	require.NoError(t, err)
	require.NoError(t, m.CompleteTopic(ctx, "Cells are units of life", 0.9))

	_, err = m.SetTopic(ctx, photosynthesis())
	require.NoError(t, err)
	_, err = m.Start(ctx)
	require.NoError(t, err)

	for i := 1; i <= 6; i++ {
		role := buffers.RoleAssistant
		if i%2 == 0 {
			role = buffers.RoleUser
		}
		_, err := m.AddTurn(ctx, role, fmt.Sprintf("line %d", i))
		require.NoError(t, err)
	}
	require.NoError(t, m.CompleteTopic(ctx, "Light reactions explained", 0.3))

	at := 42.5
	snap, err := m.HandleBargeIn(ctx, "wait, why?", &at)
	require.NoError(t, err)

	require.NotNil(t, snap.Topic)
	assert.Equal(t, "photosynthesis", snap.Topic.ID)
	assert.Equal(t, []buffers.GlossaryTerm{{Term: "Chlorophyll", Definition: "Green pigment that absorbs light"}}, snap.Topic.Glossary)

	require.Len(t, snap.RecentTurns, 4)
	last := snap.RecentTurns[3]
	assert.Equal(t, "wait, why?", last.Text)
	assert.True(t, last.BargeIn)
	assert.Equal(t, "line 4", snap.RecentTurns[0].Text)

	require.Len(t, snap.RelatedSummaries, 1)
	assert.Equal(t, "photosynthesis", snap.RelatedSummaries[0].TopicID)
	assert.NotContains(t, snap.Rendered, "Cells are units of life")
	assert.Contains(t, snap.Rendered, "[USER INTERRUPTED]: wait, why?")
	assert.Greater(t, snap.TokenEstimate, 0)
	assert.Equal(t, 42.5, *snap.InterruptedAt)

	sum := m.Summary()
	assert.Equal(t, 1, sum.BargeInCount)
	assert.Equal(t, 7, sum.TurnCount)
	assert.Equal(t, 1, snap.BargeInCount)
	assert.NotNil(t, m.DebugView().Tiers.Immediate.BargeIn)

	_, err = m.AddTurn(ctx, buffers.RoleAssistant, "Because light drives the reaction.")
	require.NoError(t, err)
	assert.Nil(t, m.DebugView().Tiers.Immediate.BargeIn, "an assistant reply resolves the barge-in")
}

func TestManager_BargeInRequiresActive(t *testing.T) {
	m := newTestManager(t, 32000, DefaultConfig())
	_, err := m.HandleBargeIn(context.Background(), "wait", nil)
	assert.True(t, IsInvalidState(err))
	assert.Equal(t, 0, m.Summary().BargeInCount)

	m2 := startedManager(t, 32000, DefaultConfig())
	_, err = m2.HandleBargeIn(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestManager_SegmentCountsTowardImmediate(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 32000, DefaultConfig())

	err := m.SetSegment(ctx, &buffers.TranscriptSegment{SegmentID: "seg-1", Text: "Light hits the leaf", StartTime: 1, EndTime: 4})
	require.NoError(t, err)
	v := m.DebugView()
	require.NotNil(t, v.Tiers.Immediate.Segment)
	assert.Equal(t, 5, v.Usage[buffers.TierImmediate].EstimatedUsed)

	require.NoError(t, m.SetSegment(ctx, nil))
	assert.Nil(t, m.DebugView().Tiers.Immediate.Segment)

	err = m.SetSegment(ctx, &buffers.TranscriptSegment{SegmentID: "bad", StartTime: 5, EndTime: 1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

// =============================================================================
// Topics and curriculum position
// =============================================================================

func TestManager_SetTopicMovesThroughCurriculum(t *testing.T) {
	ctx := context.Background()
	m := startedManager(t, 200000, DefaultConfig())

	require.NoError(t, m.SetPosition(ctx, PositionInput{
		Position:   buffers.Position{CurriculumTitle: "Biology", TotalTopics: 3},
		TopicOrder: []string{"a", "b", "c"},
	}))

	move, err := m.SetTopic(ctx, TopicInput{ID: "a", Title: "A"})
	require.NoError(t, err)
	assert.Equal(t, buffers.MoveFirst, move)

	move, err = m.SetTopic(ctx, TopicInput{ID: "b", Title: "B"})
	require.NoError(t, err)
	assert.Equal(t, buffers.MoveAdvance, move)
	assert.Equal(t, 1, m.DebugView().Tiers.Semantic.Position.CurrentTopicIndex)

	move, err = m.SetTopic(ctx, TopicInput{ID: "a", Title: "A"})
	require.NoError(t, err)
	assert.Equal(t, buffers.MoveJump, move)
	assert.Equal(t, 0, m.DebugView().Tiers.Semantic.Position.CurrentTopicIndex)

	require.NoError(t, m.CompleteTopic(ctx, "A done", 0.95))
	move, err = m.SetTopic(ctx, TopicInput{ID: "c", Title: "C"})
	require.NoError(t, err)
	assert.Equal(t, buffers.MoveJump, move)

	summaries := m.DebugView().Tiers.Episodic.Summaries
	require.Len(t, summaries, 3)
	assert.Equal(t, "a", summaries[0].TopicID)
	assert.True(t, summaries[0].Auto)
	assert.Equal(t, 0.5, summaries[0].MasteryLevel)
	assert.Equal(t, "b", summaries[1].TopicID)
	assert.True(t, summaries[1].Auto)
	assert.Equal(t, "a", summaries[2].TopicID)
	assert.False(t, summaries[2].Auto, "a completed topic is not summarized again")

	assert.Equal(t, "c", m.Summary().CurrentTopicID)
	assert.Len(t, m.Events(EventTopicChanged), 4)
}

func TestManager_SetTopicWithoutPositionStaysInRange(t *testing.T) {
	ctx := context.Background()
	m := startedManager(t, 200000, DefaultConfig())

	for i, id := range []string{"t1", "t2", "t3"} {
		_, err := m.SetTopic(ctx, TopicInput{ID: id, Title: strings.ToUpper(id)})
		require.NoError(t, err)
		pos := m.DebugView().Tiers.Semantic.Position
		assert.Equal(t, i, pos.CurrentTopicIndex)
		assert.Equal(t, i+1, pos.TotalTopics)
	}

	rc, err := m.BuildContext(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, rc.SystemMessage, "Progress: Topic 3/3")
	assert.NoError(t, m.Validate())
}

func TestManager_BargeInEventKeepsWholeRunes(t *testing.T) {
	m := startedManager(t, 200000, DefaultConfig())
	utterance := strings.Repeat("a", 99) + strings.Repeat("é", 10)

	_, err := m.HandleBargeIn(context.Background(), utterance, nil)
	require.NoError(t, err)

	events := m.Events(EventBargeIn)
	require.Len(t, events, 1)
	got, ok := events[0].Data["utterance"].(string)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 99), got)
}

func TestManager_SetTopicReplacesWholesale(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 32000, DefaultConfig())

	_, err := m.SetTopic(ctx, photosynthesis())
	require.NoError(t, err)
	_, err = m.SetTopic(ctx, TopicInput{ID: "respiration", Title: "Respiration"})
	require.NoError(t, err)

	topic := m.DebugView().Tiers.Working.Topic
	require.NotNil(t, topic)
	assert.Equal(t, "respiration", topic.ID)
	assert.Empty(t, topic.Objectives)
	assert.Empty(t, topic.Glossary)
}

func TestManager_SetTopicRejectsOutOfRange(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 32000, DefaultConfig())
	require.NoError(t, m.SetPosition(ctx, PositionInput{Position: buffers.Position{TotalTopics: 3}}))
	_, err := m.SetTopic(ctx, photosynthesis())
	require.NoError(t, err)

	ten := 10
	in := TopicInput{ID: "far", Title: "Far", Index: &ten}
	_, err = m.SetTopic(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, err, buffers.ErrPositionOutOfRange)
	assert.Equal(t, "photosynthesis", m.Summary().CurrentTopicID, "failed SetTopic leaves the working tier alone")
	assert.Empty(t, m.DebugView().Tiers.Episodic.Summaries)
}

func TestManager_SetTopicStateGuard(t *testing.T) {
	ctx := context.Background()
	m := startedManager(t, 32000, DefaultConfig())
	_, err := m.Pause(ctx)
	require.NoError(t, err)

	_, err = m.SetTopic(ctx, photosynthesis())
	assert.True(t, IsInvalidState(err))

	_, err = m.SetTopic(ctx, TopicInput{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestManager_SetPosition(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 32000, DefaultConfig())
	outline := "1. Cells\n2. Photosynthesis\n3. Respiration"

	err := m.SetPosition(ctx, PositionInput{
		Position:      buffers.Position{CurriculumTitle: "Biology", CurrentTopicIndex: 1, TotalTopics: 3, UnitTitle: "Energy"},
		Outline:       &outline,
		Prerequisites: []string{"Cells"},
		Upcoming:      []string{"Respiration"},
	})
	require.NoError(t, err)

	sv := m.DebugView().Tiers.Semantic
	assert.True(t, sv.HasOutline)
	assert.Equal(t, "bio-101", sv.Position.CurriculumID)
	assert.Equal(t, 1, sv.Position.CurrentTopicIndex)
	assert.Equal(t, []string{"Cells"}, sv.Prerequisites)
	assert.Greater(t, sv.Usage.EstimatedUsed, 0)

	err = m.SetPosition(ctx, PositionInput{Position: buffers.Position{CurrentTopicIndex: 5, TotalTopics: 3}})
	assert.ErrorIs(t, err, buffers.ErrPositionOutOfRange)

	err = m.SetPosition(ctx, PositionInput{Position: buffers.Position{CurriculumID: "chem-200"}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

// =============================================================================
// Signals and confidence
// =============================================================================

func TestManager_RecordSignal(t *testing.T) {
	ctx := context.Background()
	m := startedManager(t, 32000, DefaultConfig())
	_, err := m.SetTopic(ctx, photosynthesis())
	require.NoError(t, err)

	require.NoError(t, m.RecordSignal(ctx, SignalConfusion, ""))
	require.NoError(t, m.RecordSignal(ctx, SignalClarification, ""))
	require.NoError(t, m.RecordSignal(ctx, SignalQuestion, "What is chlorophyll?"))
	require.NoError(t, m.RecordSignal(ctx, SignalPace, "slower"))

	ev := m.DebugView().Tiers.Episodic
	assert.Equal(t, 1, ev.Signals.Confusions)
	assert.Equal(t, 1, ev.Signals.Clarifications)
	assert.Equal(t, buffers.PaceSlower, ev.Signals.PacePreference)
	require.Len(t, ev.Questions, 1)
	assert.Equal(t, "What is chlorophyll?", ev.Questions[0].Text)

	assert.ErrorIs(t, m.RecordSignal(ctx, SignalPace, "sideways"), ErrInvalidArgument)
	assert.ErrorIs(t, m.RecordSignal(ctx, SignalQuestion, ""), ErrInvalidArgument)
	assert.ErrorIs(t, m.RecordSignal(ctx, SignalKind("boredom"), ""), ErrInvalidArgument)
	assert.Len(t, m.Events(EventSignal), 4)
}

func TestManager_AnalyzeResponse(t *testing.T) {
	ctx := context.Background()
	rec := newCountingRecorder()
	m := startedManager(t, 32000, DefaultConfig(), WithRecorder(rec))

	res, err := m.AnalyzeResponse(ctx, "I think this might possibly be correct, but I'm not totally sure.")
	require.NoError(t, err)
	assert.Greater(t, res.UncertaintyScore, 0.5)
	assert.Greater(t, res.HedgingScore, 0.5)
	assert.Less(t, res.ConfidenceScore, 0.5)
	require.NotNil(t, res.Expansion)
	assert.True(t, res.Expansion.ShouldExpand)

	v := m.DebugView()
	assert.Equal(t, 1, v.ExpansionCount)
	assert.Len(t, m.Events(EventAnalysis), 1)
	assert.Len(t, m.Events(EventExpansion), 1)
	assert.Equal(t, 1, rec.analyzed)

	_, err = m.End(ctx)
	require.NoError(t, err)
	_, err = m.AnalyzeResponse(ctx, "anything")
	assert.True(t, IsInvalidState(err))
}

type fixedAnalyzer struct{ score float64 }

func (f fixedAnalyzer) Analyze(string, confidence.TopicComplexity) confidence.Analysis {
	return confidence.Analysis{
		ConfidenceScore: f.score,
		Expansion:       &confidence.Expansion{Reason: "Confidence is sufficient"},
	}
}

func TestManager_AnalyzerIsPluggable(t *testing.T) {
	m := startedManager(t, 32000, DefaultConfig(), WithAnalyzer(fixedAnalyzer{score: 0.9}))
	res, err := m.AnalyzeResponse(context.Background(), "whatever")
	require.NoError(t, err)
	assert.Equal(t, 0.9, res.ConfidenceScore)
	assert.Equal(t, 0, m.DebugView().ExpansionCount)
}

// blockingAnalyzer signals entered and then waits for release.
type blockingAnalyzer struct {
	entered chan struct{}
	release chan struct{}
}

func (b blockingAnalyzer) Analyze(string, confidence.TopicComplexity) confidence.Analysis {
	close(b.entered)
	<-b.release
	return confidence.Analysis{ConfidenceScore: 0.2, Expansion: &confidence.Expansion{}}
}

func TestManager_EndDuringAnalysisRecordsNothing(t *testing.T) {
	ctx := context.Background()
	rec := newCountingRecorder()
	a := blockingAnalyzer{entered: make(chan struct{}), release: make(chan struct{})}
	m := startedManager(t, 32000, DefaultConfig(), WithAnalyzer(a), WithRecorder(rec))

	done := make(chan error, 1)
	go func() {
		_, err := m.AnalyzeResponse(ctx, "I guess so")
		done <- err
	}()

	<-a.entered
	_, err := m.End(ctx)
	require.NoError(t, err)
	close(a.release)

	err = <-done
	assert.True(t, IsInvalidState(err), "unexpected error %v", err)
	assert.Empty(t, m.monitor.Scores(), "a rejected analysis does not join the trend window")
	assert.Equal(t, confidence.TrendStable, m.DebugView().ConfidenceTrend)
	assert.Equal(t, 0, rec.analyzed)
	assert.Empty(t, m.Events(EventAnalysis))
}

// =============================================================================
// Context building and views
// =============================================================================

func TestManager_BuildContext(t *testing.T) {
	ctx := context.Background()
	m := startedManager(t, 32000, DefaultConfig())
	_, err := m.SetTopic(ctx, photosynthesis())
	require.NoError(t, err)
	_, err = m.AddTurn(ctx, buffers.RoleUser, "How do leaves make food?")
	require.NoError(t, err)

	rc, err := m.BuildContext(ctx, "")
	require.NoError(t, err)

	msg := rc.SystemMessage
	assert.True(t, strings.HasPrefix(msg, DefaultSystemPrompt))
	curriculum := strings.Index(msg, headerCurriculum)
	topic := strings.Index(msg, headerTopic)
	immediate := strings.Index(msg, headerImmediate)
	require.Positive(t, curriculum)
	assert.Less(t, curriculum, topic)
	assert.Less(t, topic, immediate)
	assert.Contains(t, msg, "How do leaves make food?")
	assert.Greater(t, rc.TokenEstimate, 0)
}

func TestManager_CustomSystemPrompt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SystemPrompt = "You are a chemistry tutor."
	m := newTestManager(t, 32000, cfg)

	rc, err := m.BuildContext(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rc.SystemMessage, "You are a chemistry tutor."))
}

func TestManager_DebugViewIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := startedManager(t, 32000, DefaultConfig())
	_, err := m.SetTopic(ctx, photosynthesis())
	require.NoError(t, err)
	_, err = m.AddTurn(ctx, buffers.RoleUser, "hello")
	require.NoError(t, err)

	first := m.DebugView()
	second := m.DebugView()
	assert.Equal(t, first, second)

	first.Tiers.Immediate.Turns[0].Text = "mutated"
	assert.Equal(t, "hello", m.DebugView().Tiers.Immediate.Turns[0].Text, "views are deep copies")
}

func TestManager_TotalContextTokens(t *testing.T) {
	ctx := context.Background()
	m := startedManager(t, 32000, DefaultConfig())
	_, err := m.AddTurn(ctx, buffers.RoleUser, "abcdefgh")
	require.NoError(t, err)

	v := m.DebugView()
	sum := 0
	for _, u := range v.Usage {
		sum += u.EstimatedUsed
	}
	assert.Equal(t, sum, v.TotalContextTokens)
	assert.Equal(t, 2, v.Usage[buffers.TierImmediate].EstimatedUsed)
}

// =============================================================================
// Adaptive budgeting
// =============================================================================

func TestManager_AdaptiveBudgetingCutsOuterTiersFirst(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MinTierBudget = 50
	rec := newCountingRecorder()
	m := newTestManager(t, 2000, cfg, WithRecorder(rec))

	_, err := m.SetTopic(ctx, TopicInput{
		ID:      "huge",
		Title:   "Huge",
		Content: strings.Repeat("photosynthesis ", 500),
	})
	require.NoError(t, err)

	v := m.DebugView()
	assert.Greater(t, v.Adaptations, 0)
	assert.Less(t, v.Budgets.Episodic, v.InitialBudgets.Episodic)
	assert.Less(t, v.Budgets.Semantic, v.InitialBudgets.Semantic)
	assert.GreaterOrEqual(t, v.Budgets.Episodic, 50)
	if v.Budgets.Immediate < v.InitialBudgets.Immediate {
		assert.Equal(t, 50, v.Budgets.Episodic, "immediate is only cut once episodic is at the floor")
		assert.Equal(t, 50, v.Budgets.Semantic)
	}
	assert.LessOrEqual(t, v.Budgets.Working, v.InitialBudgets.Working)
	assert.NotEmpty(t, m.Events(EventBudgetAdapted))
	assert.Equal(t, v.Adaptations, rec.adapted)
	assert.NoError(t, m.Validate())
}

func TestManager_NoAdaptationBelowThreshold(t *testing.T) {
	ctx := context.Background()
	m := startedManager(t, 200000, DefaultConfig())
	_, err := m.AddTurn(ctx, buffers.RoleUser, "short")
	require.NoError(t, err)

	v := m.DebugView()
	assert.Equal(t, 0, v.Adaptations)
	assert.Equal(t, v.InitialBudgets, v.Budgets)
}

// =============================================================================
// Concurrency
// =============================================================================

func TestManager_ConcurrentTurnsAreSerialized(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxTurns = 20
	m := startedManager(t, 200000, cfg)

	const writers, perWriter = 20, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				role := buffers.RoleUser
				if i%2 == 1 {
					role = buffers.RoleAssistant
				}
				_, err := m.AddTurn(ctx, role, fmt.Sprintf("w%d-%d", w, i))
				assert.NoError(t, err)
			}
		}(w)
	}
	for r := 0; r < 5; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				v := m.DebugView()
				assert.LessOrEqual(t, len(v.Tiers.Immediate.Turns), 20)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, err := m.HandleBargeIn(ctx, "wait", nil)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	v := m.DebugView()
	assert.Equal(t, writers*perWriter+10, v.TurnCount)
	assert.Equal(t, 10, v.BargeInCount)
	turns := v.Tiers.Immediate.Turns
	require.Len(t, turns, 20)
	for i := 1; i < len(turns); i++ {
		assert.Less(t, turns[i-1].Ordinal, turns[i].Ordinal)
	}
	assert.NoError(t, m.Validate())
}

func TestManager_EndDuringInFlightMutations(t *testing.T) {
	ctx := context.Background()
	m := startedManager(t, 200000, DefaultConfig())

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := m.AddTurn(ctx, buffers.RoleUser, "racing")
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					continue
				}
				assert.True(t, IsInvalidState(err), "unexpected error %v", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := m.End(ctx)
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.Equal(t, StateEnded, m.State())
	assert.Equal(t, succeeded, m.Summary().TurnCount)
	assert.NoError(t, m.Validate())
}

func TestManager_InvariantErrorIsTyped(t *testing.T) {
	err := error(&EvictionInvariantError{
		SessionID: "s1",
		Operation: "add_turn",
		Err:       &buffers.InvariantError{Tier: buffers.TierImmediate, Detail: "broken"},
	})
	var inv *buffers.InvariantError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, buffers.TierImmediate, inv.Tier)
	assert.Contains(t, err.Error(), "add_turn")
}

// =============================================================================
// Events
// =============================================================================

func TestManager_SubscribeReceivesEvents(t *testing.T) {
	ctx := context.Background()
	m := startedManager(t, 32000, DefaultConfig())
	ch, cancel := m.Subscribe(8)
	defer cancel()

	_, err := m.AddTurn(ctx, buffers.RoleUser, "hello")
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, EventTurn, ev.Type)
		assert.Equal(t, "s1", ev.SessionID)
		assert.Equal(t, "user", ev.Data["role"])
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	m.Close()
	_, open := <-ch
	assert.False(t, open, "Close ends every subscription")
	cancel()
}

func TestManager_EventsFilterByType(t *testing.T) {
	ctx := context.Background()
	m := startedManager(t, 32000, DefaultConfig())
	_, err := m.AddTurn(ctx, buffers.RoleUser, "hello")
	require.NoError(t, err)

	all := m.Events("")
	require.GreaterOrEqual(t, len(all), 3)
	assert.Equal(t, EventCreated, all[0].Type)
	assert.Equal(t, EventStarted, all[1].Type)
	assert.Len(t, m.Events(EventTurn), 1)
}
