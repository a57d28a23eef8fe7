// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package buffers

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TopicSummary is the compressed record of a covered topic.
type TopicSummary struct {
	TopicID      string    `json:"topicId"`
	Title        string    `json:"title"`
	Summary      string    `json:"summaryText"`
	MasteryLevel float64   `json:"masteryLevel"`
	Tokens       int       `json:"tokenCost"`
	Seq          int64     `json:"seq"`
	Auto         bool      `json:"auto,omitempty"`
	CompletedAt  time.Time `json:"completedAt"`
}

// Question is a comprehension-check question already asked.
type Question struct {
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
	Seq    int64  `json:"seq"`
}

// PacePreference is the learner's detected pace.
type PacePreference string

const (
	PaceSlower PacePreference = "slower"
	PaceNormal PacePreference = "normal"
	PaceFaster PacePreference = "faster"
)

// Valid reports whether p is a known pace.
func (p PacePreference) Valid() bool {
	switch p {
	case PaceSlower, PaceNormal, PaceFaster:
		return true
	}
	return false
}

// SignalKind is a learner signal type.
type SignalKind string

const (
	SignalClarification SignalKind = "clarification"
	SignalRepetition    SignalKind = "repetition"
	SignalConfusion     SignalKind = "confusion"
)

// Valid reports whether k is a known signal.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalClarification, SignalRepetition, SignalConfusion:
		return true
	}
	return false
}

// LearnerSignals are monotonic counters over the session plus derived
// topic lists.
type LearnerSignals struct {
	Clarifications     int            `json:"clarifications"`
	Repetitions        int            `json:"repetitions"`
	Confusions         int            `json:"confusions"`
	PacePreference     PacePreference `json:"pacePreference,omitempty"`
	TopicsMastered     []string       `json:"topicsMastered"`
	StrugglingConcepts []string       `json:"strugglingConcepts"`
}

func (s LearnerSignals) clone() LearnerSignals {
	cp := s
	cp.TopicsMastered = append([]string{}, s.TopicsMastered...)
	cp.StrugglingConcepts = append([]string{}, s.StrugglingConcepts...)
	return cp
}

// EpisodicConfig bounds the Episodic tier.
type EpisodicConfig struct {
	MaxSummaries int
	MaxQuestions int

	// MasteredAt is the mastery level at which a topic's outstanding
	// confusion counts as resolved.
	MasteredAt float64

	// StrugglingBelow is the mastery level under which a topic is listed
	// as a struggling concept.
	StrugglingBelow float64

	Policy EvictionPolicy
}

// DefaultEpisodicConfig returns the default bounds and relevance policy.
func DefaultEpisodicConfig() EpisodicConfig {
	return EpisodicConfig{
		MaxSummaries:    10,
		MaxQuestions:    10,
		MasteredAt:      0.8,
		StrugglingBelow: 0.4,
		Policy:          NewRelevancePolicy(),
	}
}

// ScoredSummary is a summary with its current relevance score.
type ScoredSummary struct {
	TopicSummary
	Relevance            float64 `json:"relevance"`
	OutstandingConfusion int     `json:"outstandingConfusion"`
}

// EpisodicView is a copy of the Episodic tier for debug output.
type EpisodicView struct {
	Summaries []ScoredSummary `json:"topicSummaries"`
	Questions []Question      `json:"questionsAsked"`
	Signals   LearnerSignals  `json:"learnerSignals"`
	Policy    string          `json:"policy"`
	Usage     TokenBudget     `json:"usage"`
}

// EpisodicBuffer is the compressed history of covered topics.
//
// Invariants after every EvictIfOverBudget:
//   - len(summaries) <= MaxSummaries and len(questions) <= MaxQuestions
//   - usage <= budget, unless only the most recently added item remains
//   - learner signal counters never decrease
type EpisodicBuffer struct {
	cfg       EpisodicConfig
	budget    int
	summaries []TopicSummary
	questions []Question
	signals   LearnerSignals
	confusion map[string]int
	seq       int64
}

// NewEpisodicBuffer creates an empty Episodic tier.
func NewEpisodicBuffer(cfg EpisodicConfig, budget int) *EpisodicBuffer {
	def := DefaultEpisodicConfig()
	if cfg.MaxSummaries <= 0 {
		cfg.MaxSummaries = def.MaxSummaries
	}
	if cfg.MaxQuestions <= 0 {
		cfg.MaxQuestions = def.MaxQuestions
	}
	if cfg.MasteredAt <= 0 {
		cfg.MasteredAt = def.MasteredAt
	}
	if cfg.StrugglingBelow <= 0 {
		cfg.StrugglingBelow = def.StrugglingBelow
	}
	if cfg.Policy == nil {
		cfg.Policy = def.Policy
	}
	return &EpisodicBuffer{
		cfg:       cfg,
		budget:    budget,
		confusion: make(map[string]int),
		signals: LearnerSignals{
			TopicsMastered:     []string{},
			StrugglingConcepts: []string{},
		},
	}
}

func (b *EpisodicBuffer) Name() TierName { return TierEpisodic }

func (b *EpisodicBuffer) Budget() int { return b.budget }

func (b *EpisodicBuffer) ApplyBudget(budget int) { b.budget = budget }

func (b *EpisodicBuffer) CurrentUsage() int {
	total := 0
	for _, s := range b.summaries {
		total += s.Tokens
	}
	for _, q := range b.questions {
		total += q.Tokens
	}
	return total
}

func (b *EpisodicBuffer) Usage() TokenBudget {
	return NewTokenBudget(b.budget, b.CurrentUsage())
}

// AddSummary appends a topic summary and runs eviction.
//
// A summary at or above MasteredAt resolves the topic's outstanding
// confusion.
func (b *EpisodicBuffer) AddSummary(s TopicSummary) []Eviction {
	b.seq++
	s.Seq = b.seq
	s.MasteryLevel = clamp01(s.MasteryLevel)
	b.summaries = append(b.summaries, s)

	if s.MasteryLevel >= b.cfg.MasteredAt {
		delete(b.confusion, s.TopicID)
		b.signals.TopicsMastered = appendUnique(b.signals.TopicsMastered, s.TopicID)
		b.signals.StrugglingConcepts = removeString(b.signals.StrugglingConcepts, s.TopicID)
	} else if s.MasteryLevel < b.cfg.StrugglingBelow {
		b.signals.StrugglingConcepts = appendUnique(b.signals.StrugglingConcepts, s.TopicID)
	}
	return b.EvictIfOverBudget()
}

// HasSummary reports whether any summary exists for the topic.
func (b *EpisodicBuffer) HasSummary(topicID string) bool {
	for _, s := range b.summaries {
		if s.TopicID == topicID {
			return true
		}
	}
	return false
}

// AddQuestion records a question unless an identical one (ignoring case
// and surrounding space) was already asked. It reports whether the
// question was stored.
func (b *EpisodicBuffer) AddQuestion(text string, tokenCost int) (bool, []Eviction) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, nil
	}
	for _, q := range b.questions {
		if strings.EqualFold(q.Text, text) {
			return false, nil
		}
	}
	b.seq++
	b.questions = append(b.questions, Question{Text: text, Tokens: tokenCost, Seq: b.seq})
	return true, b.EvictIfOverBudget()
}

// RecordSignal increments a learner signal counter. Confusion is also
// charged to topicID as outstanding until the topic is mastered.
func (b *EpisodicBuffer) RecordSignal(kind SignalKind, topicID string) error {
	switch kind {
	case SignalClarification:
		b.signals.Clarifications++
	case SignalRepetition:
		b.signals.Repetitions++
	case SignalConfusion:
		b.signals.Confusions++
		if topicID != "" {
			b.confusion[topicID]++
		}
	default:
		return fmt.Errorf("unknown learner signal %q", kind)
	}
	return nil
}

// SetPace records the learner's pace preference.
func (b *EpisodicBuffer) SetPace(p PacePreference) { b.signals.PacePreference = p }

// Signals returns a copy of the learner signals.
func (b *EpisodicBuffer) Signals() LearnerSignals { return b.signals.clone() }

// OutstandingConfusion returns the unresolved confusion count of a topic.
func (b *EpisodicBuffer) OutstandingConfusion(topicID string) int {
	return b.confusion[topicID]
}

// Summaries returns a copy of the stored summaries, oldest first.
func (b *EpisodicBuffer) Summaries() []TopicSummary {
	out := make([]TopicSummary, len(b.summaries))
	copy(out, b.summaries)
	return out
}

// SummariesFor returns copies of the summaries of one topic.
func (b *EpisodicBuffer) SummariesFor(topicID string) []TopicSummary {
	out := []TopicSummary{}
	if topicID == "" {
		return out
	}
	for _, s := range b.summaries {
		if s.TopicID == topicID {
			out = append(out, s)
		}
	}
	return out
}

// Questions returns a copy of the stored questions, oldest first.
func (b *EpisodicBuffer) Questions() []Question {
	out := make([]Question, len(b.questions))
	copy(out, b.questions)
	return out
}

// EvictIfOverBudget removes items until the count bounds and the budget
// hold.
//
// Summaries go first, lowest relevance first and oldest first on ties,
// then questions oldest first. The most recently added item is never
// removed.
func (b *EpisodicBuffer) EvictIfOverBudget() []Eviction {
	var evicted []Eviction
	protected := b.seq

	for len(b.questions) > b.cfg.MaxQuestions {
		evicted = append(evicted, b.evictQuestion(0, ReasonMaxItems))
	}
	for len(b.summaries) > b.cfg.MaxSummaries {
		i, ok := b.lowestSummary(protected)
		if !ok {
			break
		}
		evicted = append(evicted, b.evictSummary(i, ReasonMaxItems))
	}
	for b.CurrentUsage() > b.budget {
		if i, ok := b.lowestSummary(protected); ok {
			evicted = append(evicted, b.evictSummary(i, ReasonBudget))
			continue
		}
		if i, ok := b.oldestQuestion(protected); ok {
			evicted = append(evicted, b.evictQuestion(i, ReasonBudget))
			continue
		}
		break
	}
	return evicted
}

func (b *EpisodicBuffer) lowestSummary(protected int64) (int, bool) {
	for _, c := range rankForEviction(b.cfg.Policy, b.summaries, b.confusion) {
		if c.seq != protected {
			return c.index, true
		}
	}
	return 0, false
}

func (b *EpisodicBuffer) oldestQuestion(protected int64) (int, bool) {
	for i, q := range b.questions {
		if q.Seq != protected {
			return i, true
		}
	}
	return 0, false
}

func (b *EpisodicBuffer) evictSummary(i int, reason string) Eviction {
	s := b.summaries[i]
	b.summaries = append(b.summaries[:i:i], b.summaries[i+1:]...)
	return Eviction{Tier: TierEpisodic, ID: s.TopicID + "#" + strconv.FormatInt(s.Seq, 10), Tokens: s.Tokens, Reason: reason}
}

func (b *EpisodicBuffer) evictQuestion(i int, reason string) Eviction {
	q := b.questions[i]
	b.questions = append(b.questions[:i:i], b.questions[i+1:]...)
	return Eviction{Tier: TierEpisodic, ID: "question#" + strconv.FormatInt(q.Seq, 10), Tokens: q.Tokens, Reason: reason}
}

// Validate checks the Episodic invariants.
func (b *EpisodicBuffer) Validate() error {
	if len(b.summaries) > b.cfg.MaxSummaries {
		return invariantf(TierEpisodic, "%d summaries exceed max %d", len(b.summaries), b.cfg.MaxSummaries)
	}
	if len(b.questions) > b.cfg.MaxQuestions {
		return invariantf(TierEpisodic, "%d questions exceed max %d", len(b.questions), b.cfg.MaxQuestions)
	}
	var last int64
	for _, s := range b.summaries {
		if s.Tokens < 0 {
			return invariantf(TierEpisodic, "summary %s has negative token cost", s.TopicID)
		}
		if s.Seq <= last {
			return invariantf(TierEpisodic, "summary order broken at seq %d", s.Seq)
		}
		last = s.Seq
	}
	sig := b.signals
	if sig.Clarifications < 0 || sig.Repetitions < 0 || sig.Confusions < 0 {
		return invariantf(TierEpisodic, "negative learner signal counter")
	}
	if b.CurrentUsage() > b.budget && len(b.summaries)+len(b.questions) > 1 {
		return invariantf(TierEpisodic, "usage %d over budget %d with %d items",
			b.CurrentUsage(), b.budget, len(b.summaries)+len(b.questions))
	}
	return nil
}

// View returns a deep copy with current relevance scores.
func (b *EpisodicBuffer) View() EpisodicView {
	scored := make([]ScoredSummary, len(b.summaries))
	for i, s := range b.summaries {
		outstanding := b.confusion[s.TopicID]
		scored[i] = ScoredSummary{
			TopicSummary: s,
			Relevance: b.cfg.Policy.Score(s, RelevanceContext{
				Rank:                 i,
				Count:                len(b.summaries),
				OutstandingConfusion: outstanding,
			}),
			OutstandingConfusion: outstanding,
		}
	}
	return EpisodicView{
		Summaries: scored,
		Questions: b.Questions(),
		Signals:   b.Signals(),
		Policy:    b.cfg.Policy.Name(),
		Usage:     b.Usage(),
	}
}

// Render formats learner signals, the last five summaries and the last
// three questions.
func (b *EpisodicBuffer) Render(budget int) string {
	var parts []string

	sig := b.signals
	var sigParts []string
	if sig.Clarifications > 0 {
		sigParts = append(sigParts, fmt.Sprintf("%d clarifications", sig.Clarifications))
	}
	if sig.Repetitions > 0 {
		sigParts = append(sigParts, fmt.Sprintf("%d repetitions", sig.Repetitions))
	}
	if sig.Confusions > 0 {
		sigParts = append(sigParts, fmt.Sprintf("%d confusion signals", sig.Confusions))
	}
	if sig.PacePreference != "" {
		sigParts = append(sigParts, fmt.Sprintf("prefers %s pace", sig.PacePreference))
	}
	if len(sigParts) > 0 {
		parts = append(parts, "LEARNER SIGNALS: "+strings.Join(sigParts, ", "))
	}

	if n := len(b.summaries); n > 0 {
		start := 0
		if n > 5 {
			start = n - 5
		}
		var lines []string
		for _, s := range b.summaries[start:] {
			lines = append(lines, fmt.Sprintf("- %s (mastery: %.0f%%): %s", s.Title, s.MasteryLevel*100, s.Summary))
		}
		parts = append(parts, "COMPLETED TOPICS:\n"+strings.Join(lines, "\n"))
	}

	if n := len(b.questions); n > 0 {
		start := 0
		if n > 3 {
			start = n - 3
		}
		var lines []string
		for _, q := range b.questions[start:] {
			lines = append(lines, "- "+q.Text)
		}
		parts = append(parts, "RECENT QUESTIONS:\n"+strings.Join(lines, "\n"))
	}

	return truncateToBudget(strings.Join(parts, "\n\n"), budget)
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
