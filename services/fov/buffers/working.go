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
	"sort"
	"strings"
)

// GlossaryTerm is one curriculum vocabulary entry.
type GlossaryTerm struct {
	Term          string `json:"term"`
	Definition    string `json:"definition"`
	Pronunciation string `json:"pronunciation,omitempty"`
}

// Misconception is a known wrong belief and how to correct it.
type Misconception struct {
	TriggerPhrase string `json:"triggerPhrase"`
	Misconception string `json:"misconception"`
	Remediation   string `json:"remediation"`
}

// Topic is the teaching state of the active curriculum node.
type Topic struct {
	ID             string          `json:"topicId"`
	Title          string          `json:"topicTitle"`
	Content        string          `json:"topicContent"`
	Objectives     []string        `json:"learningObjectives"`
	Glossary       []GlossaryTerm  `json:"glossaryTerms"`
	Misconceptions []Misconception `json:"misconceptions"`
	Tokens         int             `json:"tokens"`
}

// Clone returns a deep copy of t.
func (t Topic) Clone() Topic {
	cp := t
	cp.Objectives = append([]string(nil), t.Objectives...)
	cp.Glossary = append([]GlossaryTerm(nil), t.Glossary...)
	cp.Misconceptions = append([]Misconception(nil), t.Misconceptions...)
	return cp
}

// Text returns every text field of the topic joined, for token estimation.
func (t Topic) Text() string {
	var sb strings.Builder
	sb.WriteString(t.Title)
	sb.WriteString("\n")
	sb.WriteString(t.Content)
	for _, o := range t.Objectives {
		sb.WriteString("\n")
		sb.WriteString(o)
	}
	for _, g := range t.Glossary {
		sb.WriteString("\n")
		sb.WriteString(g.Term)
		sb.WriteString(": ")
		sb.WriteString(g.Definition)
	}
	for _, m := range t.Misconceptions {
		sb.WriteString("\n")
		sb.WriteString(m.TriggerPhrase)
		sb.WriteString(" ")
		sb.WriteString(m.Remediation)
	}
	return sb.String()
}

// GlossaryFromMap converts a term→definition map to ordered entries,
// sorted by term for deterministic output.
func GlossaryFromMap(m map[string]string) []GlossaryTerm {
	terms := make([]string, 0, len(m))
	for k := range m {
		terms = append(terms, k)
	}
	sort.Strings(terms)
	out := make([]GlossaryTerm, 0, len(terms))
	for _, k := range terms {
		out = append(out, GlossaryTerm{Term: k, Definition: m[k]})
	}
	return out
}

// NormalizeGlossary makes terms unique, case-insensitively.
//
// A later entry for the same term replaces the earlier definition but keeps
// its original position. Empty terms are dropped.
func NormalizeGlossary(in []GlossaryTerm) []GlossaryTerm {
	out := make([]GlossaryTerm, 0, len(in))
	index := make(map[string]int, len(in))
	for _, g := range in {
		g.Term = strings.TrimSpace(g.Term)
		if g.Term == "" {
			continue
		}
		key := strings.ToLower(g.Term)
		if i, ok := index[key]; ok {
			out[i] = g
			continue
		}
		index[key] = len(out)
		out = append(out, g)
	}
	return out
}

// WorkingView is a copy of the Working tier for debug output.
type WorkingView struct {
	Topic *Topic      `json:"topic,omitempty"`
	Usage TokenBudget `json:"usage"`
}

// WorkingBuffer holds at most one active topic.
type WorkingBuffer struct {
	topic  *Topic
	budget int
}

// NewWorkingBuffer creates an empty Working tier.
func NewWorkingBuffer(budget int) *WorkingBuffer {
	return &WorkingBuffer{budget: budget}
}

func (b *WorkingBuffer) Name() TierName { return TierWorking }

func (b *WorkingBuffer) Budget() int { return b.budget }

func (b *WorkingBuffer) ApplyBudget(budget int) { b.budget = budget }

func (b *WorkingBuffer) CurrentUsage() int {
	if b.topic == nil {
		return 0
	}
	return b.topic.Tokens
}

func (b *WorkingBuffer) Usage() TokenBudget {
	return NewTokenBudget(b.budget, b.CurrentUsage())
}

// EvictIfOverBudget is a no-op: the tier holds one topic by construction.
func (b *WorkingBuffer) EvictIfOverBudget() []Eviction { return nil }

// Replace swaps in a new topic. Nothing of the previous topic survives.
func (b *WorkingBuffer) Replace(t Topic) {
	cp := t.Clone()
	cp.Glossary = NormalizeGlossary(cp.Glossary)
	b.topic = &cp
}

// Topic returns a copy of the active topic, or nil.
func (b *WorkingBuffer) Topic() *Topic {
	if b.topic == nil {
		return nil
	}
	cp := b.topic.Clone()
	return &cp
}

// TopicID returns the active topic id, or "".
func (b *WorkingBuffer) TopicID() string {
	if b.topic == nil {
		return ""
	}
	return b.topic.ID
}

// Validate checks glossary uniqueness and token cost.
func (b *WorkingBuffer) Validate() error {
	if b.topic == nil {
		return nil
	}
	if b.topic.Tokens < 0 {
		return invariantf(TierWorking, "negative token cost %d", b.topic.Tokens)
	}
	seen := make(map[string]bool, len(b.topic.Glossary))
	for _, g := range b.topic.Glossary {
		key := strings.ToLower(g.Term)
		if seen[key] {
			return invariantf(TierWorking, "duplicate glossary term %q", g.Term)
		}
		seen[key] = true
	}
	return nil
}

// View returns a deep copy for debug output.
func (b *WorkingBuffer) View() WorkingView {
	return WorkingView{Topic: b.Topic(), Usage: b.Usage()}
}

// Render formats the topic, its objectives and a few glossary terms and
// misconceptions.
func (b *WorkingBuffer) Render(budget int) string {
	if b.topic == nil {
		return ""
	}
	t := b.topic
	var parts []string
	if t.Title != "" {
		parts = append(parts, "CURRENT TOPIC: "+t.Title)
	}
	if len(t.Objectives) > 0 {
		lines := make([]string, len(t.Objectives))
		for i, o := range t.Objectives {
			lines[i] = "- " + o
		}
		parts = append(parts, "LEARNING OBJECTIVES:\n"+strings.Join(lines, "\n"))
	}
	if t.Content != "" {
		parts = append(parts, "TOPIC OUTLINE:\n"+t.Content)
	}
	if len(t.Glossary) > 0 {
		var lines []string
		for i, g := range t.Glossary {
			if i == 5 {
				break
			}
			lines = append(lines, fmt.Sprintf("- %s: %s", g.Term, g.Definition))
		}
		parts = append(parts, "KEY TERMS:\n"+strings.Join(lines, "\n"))
	}
	if len(t.Misconceptions) > 0 {
		var lines []string
		for i, m := range t.Misconceptions {
			if i == 3 {
				break
			}
			lines = append(lines, fmt.Sprintf("- Watch for: '%s' -> Clarify: %s", m.TriggerPhrase, m.Remediation))
		}
		parts = append(parts, "COMMON MISCONCEPTIONS:\n"+strings.Join(lines, "\n"))
	}
	return truncateToBudget(strings.Join(parts, "\n\n"), budget)
}
