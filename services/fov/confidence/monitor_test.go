// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package confidence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedAnalyzer returns confidence scores from a fixed script.
type scriptedAnalyzer struct {
	mu     sync.Mutex
	scores []float64
	scope  Scope
	expand bool
}

func (s *scriptedAnalyzer) Analyze(string, TopicComplexity) Analysis {
	s.mu.Lock()
	defer s.mu.Unlock()
	score := s.scores[0]
	s.scores = s.scores[1:]
	scope := s.scope
	if scope == "" {
		scope = ScopeCurrentTopic
	}
	return Analysis{
		ConfidenceScore: score,
		Expansion:       &Expansion{ShouldExpand: s.expand, Scope: scope, Priority: PriorityNone},
	}
}

func runScript(m *Monitor, n int) Analysis {
	var last Analysis
	for i := 0; i < n; i++ {
		last = m.Analyze("response", TopicComplexity{})
	}
	return last
}

func TestMonitor_DecliningTrendExpandsToUnit(t *testing.T) {
	a := &scriptedAnalyzer{scores: []float64{0.9, 0.9, 0.9, 0.3, 0.3, 0.3}}
	m := NewMonitor(a, TutoringConfig())

	res := runScript(m, 6)

	assert.Equal(t, TrendDeclining, res.Trend)
	require.NotNil(t, res.Expansion)
	assert.True(t, res.Expansion.ShouldExpand)
	assert.Equal(t, ScopeCurrentUnit, res.Expansion.Scope)
	assert.Equal(t, PriorityMedium, res.Expansion.Priority)
}

func TestMonitor_DecliningKeepsStrongerScope(t *testing.T) {
	a := &scriptedAnalyzer{scores: []float64{0.9, 0.9, 0.9, 0.2, 0.2, 0.2}, scope: ScopeFullCurriculum, expand: true}
	m := NewMonitor(a, TutoringConfig())

	res := runScript(m, 6)

	assert.Equal(t, TrendDeclining, res.Trend)
	assert.Equal(t, ScopeFullCurriculum, res.Expansion.Scope)
}

func TestMonitor_ImprovingAndStable(t *testing.T) {
	m := NewMonitor(&scriptedAnalyzer{scores: []float64{0.2, 0.2, 0.2, 0.9, 0.9, 0.9}}, TutoringConfig())
	assert.Equal(t, TrendImproving, runScript(m, 6).Trend)

	m = NewMonitor(&scriptedAnalyzer{scores: []float64{0.1, 0.9}}, TutoringConfig())
	res := runScript(m, 2)
	assert.Equal(t, TrendStable, res.Trend, "fewer than three scores is stable")
	assert.False(t, res.Expansion.ShouldExpand)
}

func TestMonitor_WindowIsBounded(t *testing.T) {
	cfg := TutoringConfig()
	cfg.TrendWindow = 4
	m := NewMonitor(&scriptedAnalyzer{scores: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}}, cfg)

	runScript(m, 6)

	assert.Equal(t, []float64{0.3, 0.4, 0.5, 0.6}, m.Scores())

	m.Reset()
	assert.Empty(t, m.Scores())
	assert.Equal(t, TrendStable, m.Trend())
}

func TestMonitor_WithLexicalAnalyzer(t *testing.T) {
	m := NewMonitor(NewLexicalAnalyzer(TutoringConfig()), TutoringConfig())

	res := m.Analyze("Cells are the basic unit of life.", TopicComplexity{})

	assert.Equal(t, TrendStable, res.Trend)
	assert.Len(t, m.Scores(), 1)
}

func TestMonitor_ScoreDoesNotRecord(t *testing.T) {
	m := NewMonitor(&scriptedAnalyzer{scores: []float64{0.9, 0.9, 0.9, 0.3, 0.3, 0.3}}, TutoringConfig())

	res := m.Score("response", TopicComplexity{})
	assert.Equal(t, 0.9, res.ConfidenceScore)
	assert.Empty(t, res.Trend)
	assert.Empty(t, m.Scores())

	m.Record(res)
	m.Record(res)
	for i := 0; i < 3; i++ {
		res = m.Record(Analysis{ConfidenceScore: 0.3, Expansion: &Expansion{}})
	}
	assert.Equal(t, []float64{0.9, 0.9, 0.9, 0.3, 0.3, 0.3}, m.Scores())
	assert.Equal(t, TrendDeclining, res.Trend)
	require.NotNil(t, res.Expansion)
	assert.Equal(t, ScopeCurrentUnit, res.Expansion.Scope)
}
