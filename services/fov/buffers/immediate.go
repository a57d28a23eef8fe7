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
	"strings"
	"time"
)

// Role is the speaker of a dialogue turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a dialogue role. The system prompt is not a
// turn, so "system" is rejected.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Turn is one utterance in the dialogue.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Ordinal   int64     `json:"ordinal"`
	Tokens    int       `json:"tokens"`
	BargeIn   bool      `json:"bargeIn,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptSegment is the curriculum narration currently being delivered.
type TranscriptSegment struct {
	SegmentID string  `json:"segmentId"`
	Text      string  `json:"text"`
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
	TopicID   string  `json:"topicId,omitempty"`
	Tokens    int     `json:"tokens"`
}

// BargeIn records the most recent unresolved interruption.
type BargeIn struct {
	Utterance     string    `json:"utterance"`
	Ordinal       int64     `json:"ordinal"`
	InterruptedAt *float64  `json:"interruptedAt,omitempty"`
	Tokens        int       `json:"tokens"`
	Timestamp     time.Time `json:"timestamp"`
}

// ImmediateView is a copy of the Immediate tier for debug output.
type ImmediateView struct {
	Turns    []Turn             `json:"turns"`
	MaxTurns int                `json:"maxTurns"`
	Segment  *TranscriptSegment `json:"currentSegment,omitempty"`
	BargeIn  *BargeIn           `json:"bargeIn,omitempty"`
	Usage    TokenBudget        `json:"usage"`
}

// ImmediateBuffer is the sliding window of recent turns.
//
// Invariants after every EvictIfOverBudget:
//   - len(turns) <= maxTurns
//   - usage <= budget, unless only the newest turn remains
//   - ordinals strictly increase
type ImmediateBuffer struct {
	turns    []Turn
	maxTurns int
	budget   int
	segment  *TranscriptSegment
	bargeIn  *BargeIn
}

// NewImmediateBuffer creates an empty Immediate tier.
func NewImmediateBuffer(maxTurns, budget int) *ImmediateBuffer {
	if maxTurns < 1 {
		maxTurns = 1
	}
	return &ImmediateBuffer{
		turns:    make([]Turn, 0, maxTurns+1),
		maxTurns: maxTurns,
		budget:   budget,
	}
}

func (b *ImmediateBuffer) Name() TierName { return TierImmediate }

func (b *ImmediateBuffer) Budget() int { return b.budget }

func (b *ImmediateBuffer) ApplyBudget(budget int) { b.budget = budget }

// MaxTurns returns the turn bound.
func (b *ImmediateBuffer) MaxTurns() int { return b.maxTurns }

// CurrentUsage sums turns, the current segment and the barge-in record.
func (b *ImmediateBuffer) CurrentUsage() int {
	total := 0
	for _, t := range b.turns {
		total += t.Tokens
	}
	if b.segment != nil {
		total += b.segment.Tokens
	}
	if b.bargeIn != nil {
		total += b.bargeIn.Tokens
	}
	return total
}

func (b *ImmediateBuffer) Usage() TokenBudget {
	return NewTokenBudget(b.budget, b.CurrentUsage())
}

// Append adds a turn and runs eviction in the same step.
//
// The caller's turn is always stored, even when its own cost exceeds the
// whole budget.
func (b *ImmediateBuffer) Append(turn Turn) []Eviction {
	b.turns = append(b.turns, turn)
	return b.EvictIfOverBudget()
}

// EvictIfOverBudget drops the oldest turns until both the turn bound and
// the budget hold, never dropping the newest turn.
func (b *ImmediateBuffer) EvictIfOverBudget() []Eviction {
	var evicted []Eviction
	usage := b.CurrentUsage()
	drop := 0
	for len(b.turns)-drop > 1 {
		reason := ""
		switch {
		case len(b.turns)-drop > b.maxTurns:
			reason = ReasonMaxItems
		case usage > b.budget:
			reason = ReasonBudget
		}
		if reason == "" {
			break
		}
		old := b.turns[drop]
		usage -= old.Tokens
		evicted = append(evicted, Eviction{
			Tier:   TierImmediate,
			ID:     old.ID,
			Tokens: old.Tokens,
			Reason: reason,
		})
		drop++
	}
	if drop > 0 {
		kept := make([]Turn, len(b.turns)-drop, b.maxTurns+1)
		copy(kept, b.turns[drop:])
		b.turns = kept
	}
	return evicted
}

// Validate checks the Immediate invariants.
func (b *ImmediateBuffer) Validate() error {
	if len(b.turns) > b.maxTurns {
		return invariantf(TierImmediate, "%d turns exceed maxTurns %d", len(b.turns), b.maxTurns)
	}
	var last int64 = -1
	for _, t := range b.turns {
		if t.Tokens < 0 {
			return invariantf(TierImmediate, "turn %s has negative token cost %d", t.ID, t.Tokens)
		}
		if t.Ordinal <= last {
			return invariantf(TierImmediate, "turn ordinals out of order at %d", t.Ordinal)
		}
		last = t.Ordinal
	}
	if b.CurrentUsage() > b.budget && len(b.turns) > 1 {
		return invariantf(TierImmediate, "usage %d over budget %d with %d turns", b.CurrentUsage(), b.budget, len(b.turns))
	}
	return nil
}

// Turns returns a copy of all stored turns, oldest first.
func (b *ImmediateBuffer) Turns() []Turn {
	out := make([]Turn, len(b.turns))
	copy(out, b.turns)
	return out
}

// Recent returns a copy of the last n turns, oldest first.
func (b *ImmediateBuffer) Recent(n int) []Turn {
	if n <= 0 {
		return []Turn{}
	}
	if n > len(b.turns) {
		n = len(b.turns)
	}
	out := make([]Turn, n)
	copy(out, b.turns[len(b.turns)-n:])
	return out
}

// Len returns the number of stored turns.
func (b *ImmediateBuffer) Len() int { return len(b.turns) }

// SetSegment replaces the current transcript segment. nil clears it.
func (b *ImmediateBuffer) SetSegment(seg *TranscriptSegment) {
	if seg == nil {
		b.segment = nil
		return
	}
	cp := *seg
	b.segment = &cp
}

// Segment returns a copy of the current segment, or nil.
func (b *ImmediateBuffer) Segment() *TranscriptSegment {
	if b.segment == nil {
		return nil
	}
	cp := *b.segment
	return &cp
}

// RecordBargeIn replaces the unresolved interruption.
func (b *ImmediateBuffer) RecordBargeIn(bi BargeIn) {
	b.bargeIn = &bi
}

// BargeIn returns a copy of the unresolved interruption, or nil.
func (b *ImmediateBuffer) BargeIn() *BargeIn {
	if b.bargeIn == nil {
		return nil
	}
	cp := *b.bargeIn
	if cp.InterruptedAt != nil {
		at := *cp.InterruptedAt
		cp.InterruptedAt = &at
	}
	return &cp
}

// ClearBargeIn marks the interruption as handled.
func (b *ImmediateBuffer) ClearBargeIn() { b.bargeIn = nil }

// View returns a deep copy for debug output.
func (b *ImmediateBuffer) View() ImmediateView {
	return ImmediateView{
		Turns:    b.Turns(),
		MaxTurns: b.maxTurns,
		Segment:  b.Segment(),
		BargeIn:  b.BargeIn(),
		Usage:    b.Usage(),
	}
}

// Render lists the interruption, the segment and turns newest first.
func (b *ImmediateBuffer) Render(budget int) string {
	pending := ""
	if b.bargeIn != nil {
		pending = b.bargeIn.Utterance
	}
	return b.RenderInterrupted(budget, pending)
}

// RenderInterrupted renders the tier with utterance as the interruption
// line in place of any pending barge-in. An empty utterance renders no
// interruption. The tier is not modified.
func (b *ImmediateBuffer) RenderInterrupted(budget int, utterance string) string {
	var parts []string
	if utterance != "" {
		parts = append(parts, "[USER INTERRUPTED]: "+utterance)
	}
	if b.segment != nil {
		parts = append(parts, "[INTERRUPTED CONTENT]: "+b.segment.Text)
	}
	for i := len(b.turns) - 1; i >= 0; i-- {
		parts = append(parts, fmt.Sprintf("%s: %s", roleLabel(b.turns[i].Role), b.turns[i].Text))
	}
	return truncateToBudget(strings.Join(parts, "\n\n"), budget)
}

// Label is the speaker label used in rendered transcripts.
func (r Role) Label() string { return roleLabel(r) }

func roleLabel(r Role) string {
	switch r {
	case RoleUser:
		return "User"
	default:
		return "Tutor"
	}
}
