// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package buffers implements the four FOV memory tiers.
//
// # Description
//
// A session's context is split into four bounded tiers, each with its own
// token budget and eviction rule:
//
//   - Immediate: recent dialogue turns, evicted oldest-first (FIFO)
//   - Working: the single active topic, replaced wholesale
//   - Episodic: summaries of covered topics, evicted by relevance
//   - Semantic: curriculum position, fixed size
//
// All tiers implement Tier so the session manager can account for and
// adapt budgets uniformly.
//
// # Thread Safety
//
// Buffers are NOT safe for concurrent use. The owning session serialises
// all access under its own lock.
//
// # Token Accounting
//
// Buffers never estimate tokens themselves. Callers attach a token cost to
// every stored item, computed before the session lock is taken.
package buffers

import (
	"fmt"

	"github.com/AleutianAI/AleutianFOV/services/fov/tokens"
)

// TierName identifies one of the four tiers.
type TierName string

const (
	TierImmediate TierName = "immediate"
	TierWorking   TierName = "working"
	TierEpisodic  TierName = "episodic"
	TierSemantic  TierName = "semantic"
)

// AllTiers lists the tiers in render priority order.
var AllTiers = []TierName{TierImmediate, TierWorking, TierEpisodic, TierSemantic}

// Tier is the capability shared by every buffer.
type Tier interface {
	// Name returns the tier identifier.
	Name() TierName

	// CurrentUsage returns the summed token cost of stored content.
	CurrentUsage() int

	// Budget returns the current token budget.
	Budget() int

	// ApplyBudget sets the budget. It never evicts; eviction happens on the
	// next EvictIfOverBudget call.
	ApplyBudget(budget int)

	// EvictIfOverBudget applies the tier's eviction policy and reports what
	// was removed. Fixed-size tiers return nil.
	EvictIfOverBudget() []Eviction

	// Usage reports the tier's budget accounting.
	Usage() TokenBudget

	// Validate checks the tier's structural invariant.
	Validate() error

	// Render formats the tier for a prompt, truncated to budget tokens.
	Render(budget int) string
}

// TokenBudget is the accounting view of one tier.
//
// Percentage is clamped to [0, 100] for display. Eviction decisions use
// EstimatedUsed and Budget directly, never the percentage.
type TokenBudget struct {
	Budget        int     `json:"budget"`
	EstimatedUsed int     `json:"estimatedUsed"`
	Percentage    float64 `json:"percentage"`
	OverBudget    bool    `json:"overBudget"`
}

// NewTokenBudget builds a TokenBudget from a budget and a usage.
func NewTokenBudget(budget, used int) TokenBudget {
	tb := TokenBudget{
		Budget:        budget,
		EstimatedUsed: used,
		OverBudget:    used > budget,
	}
	switch {
	case budget > 0:
		tb.Percentage = float64(used) / float64(budget) * 100
	case used > 0:
		tb.Percentage = 100
	}
	if tb.Percentage > 100 {
		tb.Percentage = 100
	}
	if tb.Percentage < 0 {
		tb.Percentage = 0
	}
	return tb
}

// Eviction records one item removed from a tier.
type Eviction struct {
	Tier   TierName `json:"tier"`
	ID     string   `json:"id"`
	Tokens int      `json:"tokens"`
	Reason string   `json:"reason"`
}

// Eviction reasons.
const (
	ReasonMaxItems = "max_items"
	ReasonBudget   = "budget"
)

// InvariantError reports a tier whose structural invariant does not hold.
//
// This is a programming-error signal: correct eviction code never produces
// it. The session manager surfaces it without rolling back state so the
// tier can be inspected.
type InvariantError struct {
	Tier   TierName
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s tier invariant violated: %s", e.Tier, e.Detail)
}

func invariantf(tier TierName, format string, args ...any) error {
	return &InvariantError{Tier: tier, Detail: fmt.Sprintf(format, args...)}
}

// truncateToBudget cuts text to budget*tokens.CharsPerToken bytes on a
// rune boundary. The cut always uses the heuristic ratio, even when the
// session counts tokens with a model tokenizer, so a rendered tier may
// estimate slightly above or below its budget.
func truncateToBudget(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	maxChars := budget * tokens.CharsPerToken
	if len(text) <= maxChars {
		return text
	}
	if maxChars <= 3 {
		return tokens.TruncateBytes(text, maxChars)
	}
	return tokens.TruncateBytes(text, maxChars-3) + "..."
}
