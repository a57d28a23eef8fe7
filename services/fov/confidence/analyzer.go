// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package confidence scores generated tutor responses for stated certainty
// and decides whether the session context should be expanded.
package confidence

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Marker names a kind of uncertainty signal found in a response.
type Marker string

const (
	MarkerUncertainty  Marker = "uncertainty"
	MarkerHedging      Marker = "hedging"
	MarkerDeflection   Marker = "question_deflection"
	MarkerKnowledgeGap Marker = "knowledge_gap"
	MarkerVague        Marker = "vague_language"
)

// Priority is the urgency of a context expansion.
type Priority string

const (
	PriorityNone   Priority = "none"
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Scope is how far a context expansion should reach.
type Scope string

const (
	ScopeCurrentTopic   Scope = "current_topic"
	ScopeCurrentUnit    Scope = "current_unit"
	ScopeFullCurriculum Scope = "full_curriculum"
	ScopeRelatedTopics  Scope = "related_topics"
)

// Trend is the direction of confidence over recent responses.
type Trend string

const (
	TrendStable    Trend = "stable"
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
)

// Expansion is the recommendation attached to every analysis.
type Expansion struct {
	ShouldExpand bool     `json:"shouldExpand"`
	Reason       string   `json:"reason"`
	Priority     Priority `json:"priority"`
	Scope        Scope    `json:"scope"`
}

// Analysis is the result of scoring one response. All scores are in [0,1].
type Analysis struct {
	ConfidenceScore    float64    `json:"confidenceScore"`
	UncertaintyScore   float64    `json:"uncertaintyScore"`
	HedgingScore       float64    `json:"hedgingScore"`
	DeflectionScore    float64    `json:"deflectionScore"`
	KnowledgeGapScore  float64    `json:"knowledgeGapScore"`
	VagueLanguageScore float64    `json:"vagueLanguageScore"`
	Markers            []Marker   `json:"markers"`
	WordCount          int        `json:"wordCount"`
	ExpectedWords      int        `json:"expectedWords"`
	Trend              Trend      `json:"trend,omitempty"`
	Expansion          *Expansion `json:"expansion"`
}

// HasMarker reports whether m was detected.
func (a Analysis) HasMarker(m Marker) bool {
	for _, x := range a.Markers {
		if x == m {
			return true
		}
	}
	return false
}

// TopicComplexity describes the active Working-tier topic. A response is
// judged short relative to it.
type TopicComplexity struct {
	Objectives    int `json:"objectives"`
	GlossaryTerms int `json:"glossaryTerms"`
	ContentTokens int `json:"contentTokens"`
}

// ExpectedWords is the response length a confident answer on this topic
// would reach, clamped to [MinExpectedWords, MaxExpectedWords].
func (tc TopicComplexity) ExpectedWords(cfg Config) int {
	words := tc.Objectives*15 + tc.GlossaryTerms*8 + tc.ContentTokens/10
	if words < cfg.MinExpectedWords {
		words = cfg.MinExpectedWords
	}
	if cfg.MaxExpectedWords > 0 && words > cfg.MaxExpectedWords {
		words = cfg.MaxExpectedWords
	}
	return words
}

// Analyzer scores a response. Implementations must be side-effect free.
type Analyzer interface {
	Analyze(responseText string, topic TopicComplexity) Analysis
}

// =============================================================================
// Phrase tables
// =============================================================================

type weightedPhrase struct {
	phrase string
	weight float64
}

// uncertaintyPhrases are epistemic qualifiers: the speaker doubts the claim.
var uncertaintyPhrases = []weightedPhrase{
	{"i'm not sure", 0.8},
	{"not sure", 0.7},
	{"not totally sure", 0.8},
	{"i think", 0.4},
	{"i believe", 0.4},
	{"uncertain", 0.9},
	{"not certain", 0.9},
	{"possibly", 0.5},
	{"perhaps", 0.5},
	{"maybe", 0.6},
	{"might", 0.5},
	{"could be", 0.5},
	{"as far as i know", 0.6},
	{"to the best of my knowledge", 0.5},
	{"i would guess", 0.7},
	{"if i recall correctly", 0.6},
	{"don't quote me", 0.8},
}

// hedgingPhrases soften a statement without doubting it outright.
var hedgingPhrases = []weightedPhrase{
	{"sort of", 0.6},
	{"kind of", 0.6},
	{"i think", 0.4},
	{"i guess", 0.5},
	{"i suppose", 0.5},
	{"might", 0.4},
	{"possibly", 0.4},
	{"perhaps", 0.4},
	{"somewhat", 0.5},
	{"more or less", 0.5},
	{"a bit", 0.3},
	{"a little", 0.3},
	{"in a way", 0.4},
	{"not totally", 0.5},
	{"not entirely", 0.5},
	{"not exactly", 0.4},
	{"it seems", 0.4},
	{"it appears", 0.4},
	{"roughly", 0.3},
	{"arguably", 0.4},
}

var vaguePhrases = []weightedPhrase{
	{"probably", 0.3},
	{"likely", 0.2},
	{"typically", 0.1},
	{"usually", 0.1},
	{"generally", 0.1},
	{"often", 0.1},
	{"sometimes", 0.2},
	{"somewhat", 0.3},
	{"kind of", 0.3},
	{"sort of", 0.3},
	{"more or less", 0.4},
	{"roughly", 0.3},
	{"approximately", 0.2},
	{"around", 0.1},
}

var deflectionPatterns = []string{
	`i can't help with that`,
	`that's (outside|beyond) (my|the) scope`,
	`i'm not (able|equipped) to`,
	`you (should|might want to) (ask|consult)`,
	`i (don't|cannot) provide (medical|legal|financial) advice`,
	`let me redirect you`,
	`that's not something i can`,
	`i'm not the (right|best) (source|person)`,
}

var knowledgeGapPatterns = []string{
	`i don't have (information|data|details) (about|on)`,
	`i'm not (aware|informed) (of|about)`,
	`i (don't|can't) know`,
	`that information (isn't|is not) available`,
	`i (haven't|have not) (learned|been trained on)`,
	`my knowledge (doesn't|does not) (include|cover)`,
	`i (lack|don't have) (specific|detailed) (knowledge|information)`,
	`(outside|beyond) my (training|knowledge)`,
}

const (
	deflectionScore   = 0.8
	knowledgeGapScore = 0.9
	vagueLengthChars  = 500
	vagueMaxCount     = 3
)

// =============================================================================
// LexicalAnalyzer
// =============================================================================

// LexicalAnalyzer scores responses with phrase tables and regular
// expressions. It holds no per-call state and is safe for concurrent use.
type LexicalAnalyzer struct {
	cfg        Config
	deflection []*regexp.Regexp
	gaps       []*regexp.Regexp
}

// NewLexicalAnalyzer compiles the pattern tables for cfg.
func NewLexicalAnalyzer(cfg Config) *LexicalAnalyzer {
	return &LexicalAnalyzer{
		cfg:        cfg,
		deflection: compileAll(deflectionPatterns),
		gaps:       compileAll(knowledgeGapPatterns),
	}
}

// Config returns the analyzer configuration.
func (a *LexicalAnalyzer) Config() Config { return a.cfg }

// Analyze scores responseText against the topic's complexity.
//
// # Description
//
// Each signal family produces a score in [0,1]. Uncertainty and hedging
// combine phrase weights as a noisy-OR, so several weak qualifiers add up
// without ever exceeding 1. The weighted signals are then combined the
// same way into an uncertainty penalty, and confidence is its complement.
//
// # Outputs
//
//   - Analysis: scores, detected markers and an expansion recommendation.
//     Expansion is never nil. Trend is left empty; Monitor fills it.
//
// # Examples
//
//	a := NewLexicalAnalyzer(TutoringConfig())
//	res := a.Analyze("I think it might be right, but I'm not sure.", TopicComplexity{})
//	// res.ConfidenceScore < 0.5, res.Expansion.ShouldExpand == true
func (a *LexicalAnalyzer) Analyze(responseText string, topic TopicComplexity) Analysis {
	norm := normalize(responseText)
	padded := " " + norm + " "

	res := Analysis{
		UncertaintyScore:   noisyOr(padded, uncertaintyPhrases),
		HedgingScore:       noisyOr(padded, hedgingPhrases),
		DeflectionScore:    matchAny(norm, a.deflection, deflectionScore),
		KnowledgeGapScore:  matchAny(norm, a.gaps, knowledgeGapScore),
		VagueLanguageScore: vagueScore(padded, len(norm)),
		Markers:            []Marker{},
		WordCount:          len(strings.Fields(norm)),
		ExpectedWords:      topic.ExpectedWords(a.cfg),
	}

	for _, m := range []struct {
		marker Marker
		score  float64
	}{
		{MarkerUncertainty, res.UncertaintyScore},
		{MarkerHedging, res.HedgingScore},
		{MarkerDeflection, res.DeflectionScore},
		{MarkerKnowledgeGap, res.KnowledgeGapScore},
		{MarkerVague, res.VagueLanguageScore},
	} {
		if m.score > a.cfg.MarkerThreshold {
			res.Markers = append(res.Markers, m.marker)
		}
	}

	keep := (1 - a.cfg.UncertaintyWeight*res.UncertaintyScore) *
		(1 - a.cfg.HedgingWeight*res.HedgingScore) *
		(1 - a.cfg.DeflectionWeight*res.DeflectionScore) *
		(1 - a.cfg.KnowledgeGapWeight*res.KnowledgeGapScore) *
		(1 - a.cfg.VagueWeight*res.VagueLanguageScore)
	res.ConfidenceScore = clamp01(keep)

	res.Expansion = a.recommend(res)
	return res
}

// recommend decides whether to expand. Low confidence alone is not enough:
// a long uncertain answer already carries its own context, so the response
// must also be short for the topic. A knowledge gap or a deflection
// expands regardless of length.
func (a *LexicalAnalyzer) recommend(res Analysis) *Expansion {
	low := res.ConfidenceScore < a.cfg.ExpansionThreshold
	shortLimit := int(float64(res.ExpectedWords) * a.cfg.ShortResponseFactor)
	short := res.WordCount < shortLimit

	gap := res.HasMarker(MarkerKnowledgeGap)
	deflected := res.HasMarker(MarkerDeflection)

	if !(low && short) && !gap && !deflected {
		reason := "Confidence is sufficient"
		if low {
			reason = fmt.Sprintf("Low confidence but response length %d meets expected %d words", res.WordCount, shortLimit)
		}
		return &Expansion{Reason: reason, Priority: PriorityNone, Scope: ScopeCurrentTopic}
	}

	exp := &Expansion{ShouldExpand: true, Priority: priorityFor(res.ConfidenceScore)}
	switch {
	case gap:
		exp.Scope = ScopeFullCurriculum
		exp.Reason = "Knowledge gap detected, searching broader curriculum"
	case deflected:
		exp.Scope = ScopeRelatedTopics
		exp.Reason = "Response deflected the question, widening to related topics"
	default:
		exp.Scope = ScopeCurrentTopic
		exp.Reason = fmt.Sprintf("Confidence %.2f on a %d-word answer (expected %d) for the current topic",
			res.ConfidenceScore, res.WordCount, shortLimit)
	}
	return exp
}

func priorityFor(confidence float64) Priority {
	switch {
	case confidence < 0.3:
		return PriorityHigh
	case confidence < 0.5:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// =============================================================================
// Scoring helpers
// =============================================================================

// normalize lowercases text, folds typographic apostrophes and replaces
// every other non-word rune with a single space.
func normalize(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	space := true
	for _, r := range strings.ToLower(text) {
		switch {
		case r == '’' || r == '‘' || r == '\'':
			sb.WriteRune('\'')
			space = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			space = false
		default:
			if !space {
				sb.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// noisyOr combines the weights of every phrase present in padded text as
// 1 - prod(1 - w).
func noisyOr(padded string, table []weightedPhrase) float64 {
	keep := 1.0
	for _, p := range table {
		if strings.Contains(padded, " "+p.phrase+" ") {
			keep *= 1 - p.weight
		}
	}
	return clamp01(1 - keep)
}

func matchAny(text string, patterns []*regexp.Regexp, score float64) float64 {
	for _, re := range patterns {
		if re.MatchString(text) {
			return score
		}
	}
	return 0
}

// vagueScore sums phrase weights (each counted at most three times) and
// damps the total for longer texts, where a few vague words matter less.
func vagueScore(padded string, textLen int) float64 {
	if strings.TrimSpace(padded) == "" {
		return 0
	}
	total := 0.0
	for _, p := range vaguePhrases {
		n := strings.Count(padded, " "+p.phrase+" ")
		if n > vagueMaxCount {
			n = vagueMaxCount
		}
		total += p.weight * float64(n)
	}
	if textLen > vagueLengthChars {
		textLen = vagueLengthChars
	}
	lengthFactor := float64(textLen) / vagueLengthChars
	return clamp01(total / (1 + lengthFactor))
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
