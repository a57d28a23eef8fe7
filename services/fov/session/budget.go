// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"fmt"

	"github.com/AleutianAI/AleutianFOV/services/fov/buffers"
)

// ModelTier is the capability class of the generation model.
type ModelTier string

const (
	TierCloud    ModelTier = "cloud"
	TierMidRange ModelTier = "mid_range"
	TierOnDevice ModelTier = "on_device"
	TierTiny     ModelTier = "tiny"
)

// ModelTierFor classifies a context window.
func ModelTierFor(window int) ModelTier {
	switch {
	case window >= 100_000:
		return TierCloud
	case window >= 32_000:
		return TierMidRange
	case window >= 8_000:
		return TierOnDevice
	default:
		return TierTiny
	}
}

// DefaultMaxTurns is the Immediate-tier turn bound for a model tier.
func (t ModelTier) DefaultMaxTurns() int {
	switch t {
	case TierCloud:
		return 20
	case TierMidRange:
		return 12
	case TierOnDevice:
		return 6
	default:
		return 3
	}
}

// DefaultContextWindow is used for unknown model names.
const DefaultContextWindow = 32_000

// modelContextWindows lists known model context windows.
var modelContextWindows = map[string]int{
	"claude-3-5-sonnet-20241022": 200_000,
	"claude-3-5-haiku-20241022":  200_000,
	"claude-3-opus-20240229":     200_000,
	"claude-3-sonnet-20240229":   200_000,
	"claude-3-haiku-20240307":    200_000,
	"gpt-4o":                     128_000,
	"gpt-4o-mini":                128_000,
	"gpt-4-turbo":                128_000,
	"gpt-4":                      8_192,
	"gpt-3.5-turbo":              16_385,
	"qwen2.5:32b":                32_000,
	"qwen2.5:14b":                32_000,
	"qwen2.5:7b":                 32_000,
	"llama3.1:70b":               128_000,
	"llama3.1:8b":                128_000,
	"mistral:7b":                 32_000,
	"ministral-3:14b":            256_000,
	"ministral-3:8b":             256_000,
	"ministral-3:3b":             256_000,

	"mlx-community/Qwen2.5-7B-Instruct-4bit":   32_000,
	"mlx-community/Llama-3.2-3B-Instruct-4bit": 8_000,
}

// ContextWindowFor returns the context window of a known model and
// whether the model was known. Unknown models get DefaultContextWindow.
func ContextWindowFor(model string) (int, bool) {
	if w, ok := modelContextWindows[model]; ok {
		return w, true
	}
	return DefaultContextWindow, false
}

// BudgetSplit is the proportional split of the context window, in percent.
//
// ReservedOutput is taken from the whole window for the model's own
// output. The four tier percents apply to what remains (the usable
// window) and must sum to at most 100.
type BudgetSplit struct {
	Immediate      float64 `yaml:"immediate" json:"immediate"`
	Working        float64 `yaml:"working" json:"working"`
	Episodic       float64 `yaml:"episodic" json:"episodic"`
	Semantic       float64 `yaml:"semantic" json:"semantic"`
	ReservedOutput float64 `yaml:"reserved_output" json:"reservedOutput"`
}

// DefaultBudgetSplit returns 15/20/30/35 with 10% reserved for output.
func DefaultBudgetSplit() BudgetSplit {
	return BudgetSplit{
		Immediate:      15,
		Working:        20,
		Episodic:       30,
		Semantic:       35,
		ReservedOutput: 10,
	}
}

// Validate rejects negative percents, a reserve of 100% or more, and tier
// percents summing past 100.
func (s BudgetSplit) Validate() error {
	for _, p := range []struct {
		name  string
		value float64
	}{
		{"immediate", s.Immediate},
		{"working", s.Working},
		{"episodic", s.Episodic},
		{"semantic", s.Semantic},
		{"reserved_output", s.ReservedOutput},
	} {
		if p.value < 0 {
			return &BudgetConfigError{Reason: fmt.Sprintf("%s percent %.2f is negative", p.name, p.value)}
		}
	}
	if s.ReservedOutput >= 100 {
		return &BudgetConfigError{Reason: fmt.Sprintf("reserved output %.2f%% leaves no usable window", s.ReservedOutput)}
	}
	if sum := s.Immediate + s.Working + s.Episodic + s.Semantic; sum > 100 {
		return &BudgetConfigError{Reason: fmt.Sprintf("tier percents sum to %.2f%%, over 100%%", sum)}
	}
	return nil
}

// TierBudgets are the derived token budgets of one session.
type TierBudgets struct {
	Window    int `json:"window"`
	Reserved  int `json:"reserved"`
	Usable    int `json:"usable"`
	Immediate int `json:"immediate"`
	Working   int `json:"working"`
	Episodic  int `json:"episodic"`
	Semantic  int `json:"semantic"`
}

// Total is the sum of the four tier budgets.
func (b TierBudgets) Total() int {
	return b.Immediate + b.Working + b.Episodic + b.Semantic
}

// For returns the budget of one tier.
func (b TierBudgets) For(tier buffers.TierName) int {
	switch tier {
	case buffers.TierImmediate:
		return b.Immediate
	case buffers.TierWorking:
		return b.Working
	case buffers.TierEpisodic:
		return b.Episodic
	case buffers.TierSemantic:
		return b.Semantic
	}
	return 0
}

// Derive computes per-tier budgets for a context window.
//
// Budgets are floored, so Total() <= Usable <= Window - Reserved.
//
//	Derive(200000) with the default split:
//	reserved 20000, usable 180000, tiers 27000/36000/54000/63000
func (s BudgetSplit) Derive(window int) (TierBudgets, error) {
	if window <= 0 {
		return TierBudgets{}, &BudgetConfigError{Reason: fmt.Sprintf("context window %d must be positive", window)}
	}
	if err := s.Validate(); err != nil {
		return TierBudgets{}, err
	}
	reserved := int(float64(window) * s.ReservedOutput / 100)
	usable := window - reserved
	pct := func(p float64) int { return int(float64(usable) * p / 100) }
	return TierBudgets{
		Window:    window,
		Reserved:  reserved,
		Usable:    usable,
		Immediate: pct(s.Immediate),
		Working:   pct(s.Working),
		Episodic:  pct(s.Episodic),
		Semantic:  pct(s.Semantic),
	}, nil
}
