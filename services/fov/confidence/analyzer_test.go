// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package confidence

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexicalAnalyzer_HedgedShortAnswerExpands(t *testing.T) {
	a := NewLexicalAnalyzer(TutoringConfig())

	res := a.Analyze("I think this might possibly be correct, but I'm not totally sure.", TopicComplexity{})

	assert.Greater(t, res.UncertaintyScore, 0.5)
	assert.Greater(t, res.HedgingScore, 0.5)
	assert.Less(t, res.ConfidenceScore, 0.5)
	require.NotNil(t, res.Expansion)
	assert.True(t, res.Expansion.ShouldExpand)
	assert.Equal(t, PriorityHigh, res.Expansion.Priority)
	assert.Equal(t, ScopeCurrentTopic, res.Expansion.Scope)
	assert.NotEmpty(t, res.Expansion.Reason)
	assert.True(t, res.HasMarker(MarkerUncertainty))
	assert.True(t, res.HasMarker(MarkerHedging))
}

func TestLexicalAnalyzer_ConfidentAnswer(t *testing.T) {
	a := NewLexicalAnalyzer(TutoringConfig())

	res := a.Analyze("Photosynthesis converts light energy into chemical energy stored in glucose.", TopicComplexity{})

	assert.Equal(t, 1.0, res.ConfidenceScore)
	assert.Zero(t, res.UncertaintyScore)
	assert.Zero(t, res.HedgingScore)
	assert.Empty(t, res.Markers)
	require.NotNil(t, res.Expansion)
	assert.False(t, res.Expansion.ShouldExpand)
	assert.Equal(t, PriorityNone, res.Expansion.Priority)
}

func TestLexicalAnalyzer_LongUncertainAnswerDoesNotExpand(t *testing.T) {
	a := NewLexicalAnalyzer(TutoringConfig())
	text := strings.Repeat("I think this might possibly be correct, but I'm not totally sure. ", 4)

	res := a.Analyze(text, TopicComplexity{})

	assert.Less(t, res.ConfidenceScore, 0.5)
	assert.GreaterOrEqual(t, res.WordCount, res.ExpectedWords)
	assert.False(t, res.Expansion.ShouldExpand)
	assert.Contains(t, res.Expansion.Reason, "Low confidence")
}

func TestLexicalAnalyzer_KnowledgeGap(t *testing.T) {
	a := NewLexicalAnalyzer(TutoringConfig())

	res := a.Analyze("I don't have information about that topic.", TopicComplexity{})

	assert.Equal(t, 0.9, res.KnowledgeGapScore)
	assert.True(t, res.HasMarker(MarkerKnowledgeGap))
	assert.True(t, res.Expansion.ShouldExpand)
	assert.Equal(t, ScopeFullCurriculum, res.Expansion.Scope)
	assert.Equal(t, PriorityMedium, res.Expansion.Priority)
}

func TestLexicalAnalyzer_DeflectionExpandsEvenWhenConfident(t *testing.T) {
	a := NewLexicalAnalyzer(TutoringConfig())

	res := a.Analyze("That's outside my scope, you should ask your teacher.", TopicComplexity{})

	assert.Equal(t, 0.8, res.DeflectionScore)
	assert.GreaterOrEqual(t, res.ConfidenceScore, 0.5)
	assert.True(t, res.Expansion.ShouldExpand)
	assert.Equal(t, ScopeRelatedTopics, res.Expansion.Scope)
	assert.Equal(t, PriorityLow, res.Expansion.Priority)
}

func TestLexicalAnalyzer_TypographicApostrophe(t *testing.T) {
	a := NewLexicalAnalyzer(TutoringConfig())

	curly := a.Analyze("I’m not sure.", TopicComplexity{})
	straight := a.Analyze("I'm not sure.", TopicComplexity{})

	assert.Equal(t, straight.UncertaintyScore, curly.UncertaintyScore)
	assert.InDelta(t, 0.94, curly.UncertaintyScore, 1e-9)
}

func TestLexicalAnalyzer_WordBoundaries(t *testing.T) {
	a := NewLexicalAnalyzer(TutoringConfig())

	res := a.Analyze("The mighty river flows around the mountain.", TopicComplexity{})

	assert.Zero(t, res.UncertaintyScore, "'mighty' is not 'might'")
	assert.Greater(t, res.VagueLanguageScore, 0.0)
}

func TestLexicalAnalyzer_Deterministic(t *testing.T) {
	a := NewLexicalAnalyzer(TutoringConfig())
	text := "Perhaps it is sort of like a battery, probably."

	assert.Equal(t, a.Analyze(text, TopicComplexity{}), a.Analyze(text, TopicComplexity{}))
}

func TestLexicalAnalyzer_Empty(t *testing.T) {
	a := NewLexicalAnalyzer(TutoringConfig())

	res := a.Analyze("", TopicComplexity{})

	assert.Equal(t, 1.0, res.ConfidenceScore)
	assert.Equal(t, 0, res.WordCount)
	assert.False(t, res.Expansion.ShouldExpand)
}

func TestTopicComplexity_ExpectedWords(t *testing.T) {
	cfg := TutoringConfig()

	assert.Equal(t, 40, TopicComplexity{}.ExpectedWords(cfg))
	assert.Equal(t, 185, TopicComplexity{Objectives: 3, GlossaryTerms: 5, ContentTokens: 1000}.ExpectedWords(cfg))
	assert.Equal(t, 200, TopicComplexity{ContentTokens: 100000}.ExpectedWords(cfg))
}

func TestLexicalAnalyzer_ComplexTopicMakesAnswerShort(t *testing.T) {
	a := NewLexicalAnalyzer(TutoringConfig())
	text := strings.Repeat("I think this might possibly be correct, but I'm not totally sure. ", 4)

	res := a.Analyze(text, TopicComplexity{Objectives: 4, GlossaryTerms: 6})

	assert.Less(t, res.WordCount, res.ExpectedWords)
	assert.True(t, res.Expansion.ShouldExpand)
}

func TestPreset(t *testing.T) {
	cfg, ok := Preset("strict")
	require.True(t, ok)
	assert.Greater(t, cfg.ExpansionThreshold, TutoringConfig().ExpansionThreshold)

	_, ok = Preset("lenient")
	assert.False(t, ok)
}
