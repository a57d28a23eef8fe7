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
)

// EvictionPolicy scores Episodic summaries for survival.
//
// Description:
//
//	Lower scores are evicted first. Ties are broken by insertion order,
//	oldest first, by the caller, so policies only need to produce a score.
//
// Thread Safety:
//
//	Policies are stateless and safe for concurrent use.
type EvictionPolicy interface {
	// Name returns the policy name for config and debug output.
	Name() string

	// Score returns the relevance of one summary. Higher survives longer.
	Score(s TopicSummary, rc RelevanceContext) float64
}

// RelevanceContext carries the buffer-wide facts a score depends on.
type RelevanceContext struct {
	// Rank is the summary's position by insertion, 0 = oldest.
	Rank int

	// Count is the number of summaries being scored.
	Count int

	// OutstandingConfusion is the unresolved confusion count for the
	// summary's topic.
	OutstandingConfusion int
}

// RelevanceWeights configures RelevancePolicy.
type RelevanceWeights struct {
	// Recency weights how recently the topic was covered.
	Recency float64 `yaml:"recency" json:"recency"`

	// Confusion weights unresolved learner confusion on the topic.
	Confusion float64 `yaml:"confusion" json:"confusion"`

	// Mastery weights how poorly the topic was mastered (1 - mastery).
	Mastery float64 `yaml:"mastery" json:"mastery"`

	// ConfusionSaturation is the confusion count at which the confusion
	// factor reaches 1.0.
	ConfusionSaturation int `yaml:"confusion_saturation" json:"confusionSaturation"`
}

// DefaultRelevanceWeights returns the default weighting.
func DefaultRelevanceWeights() RelevanceWeights {
	return RelevanceWeights{
		Recency:             0.6,
		Confusion:           0.3,
		Mastery:             0.1,
		ConfusionSaturation: 3,
	}
}

// RelevancePolicy blends recency, unresolved confusion and weak mastery.
//
//	score = Recency*recency + Confusion*confusion + Mastery*(1 - mastery)
//
// recency runs from 1/n for the oldest summary to 1.0 for the newest, and
// confusion is min(1, outstanding / ConfusionSaturation).
type RelevancePolicy struct {
	Weights RelevanceWeights
}

// NewRelevancePolicy creates a RelevancePolicy with default weights.
func NewRelevancePolicy() *RelevancePolicy {
	return &RelevancePolicy{Weights: DefaultRelevanceWeights()}
}

func (p *RelevancePolicy) Name() string { return "relevance" }

func (p *RelevancePolicy) Score(s TopicSummary, rc RelevanceContext) float64 {
	w := p.Weights
	return w.Recency*recencyFactor(rc) +
		w.Confusion*confusionFactor(rc.OutstandingConfusion, w.ConfusionSaturation) +
		w.Mastery*(1-clamp01(s.MasteryLevel))
}

// RecencyPolicy keeps the most recently covered topics, ignoring learner
// signals.
type RecencyPolicy struct{}

func (p *RecencyPolicy) Name() string { return "recency" }

func (p *RecencyPolicy) Score(_ TopicSummary, rc RelevanceContext) float64 {
	return recencyFactor(rc)
}

// GetEvictionPolicy returns a policy by name: "relevance" (default) or
// "recency".
func GetEvictionPolicy(name string, weights RelevanceWeights) (EvictionPolicy, error) {
	switch name {
	case "", "relevance":
		return &RelevancePolicy{Weights: weights}, nil
	case "recency", "fifo":
		return &RecencyPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", name)
	}
}

func recencyFactor(rc RelevanceContext) float64 {
	if rc.Count <= 0 {
		return 0
	}
	return float64(rc.Rank+1) / float64(rc.Count)
}

func confusionFactor(outstanding, saturation int) float64 {
	if outstanding <= 0 {
		return 0
	}
	if saturation <= 0 {
		return 1
	}
	f := float64(outstanding) / float64(saturation)
	if f > 1 {
		return 1
	}
	return f
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

// scoredSummary pairs a summary index with its score.
type scoredSummary struct {
	index int
	seq   int64
	score float64
}

// rankForEviction orders summaries lowest score first, oldest first on ties.
func rankForEviction(policy EvictionPolicy, summaries []TopicSummary, confusion map[string]int) []scoredSummary {
	out := make([]scoredSummary, len(summaries))
	for i, s := range summaries {
		out[i] = scoredSummary{
			index: i,
			seq:   s.Seq,
			score: policy.Score(s, RelevanceContext{
				Rank:                 i,
				Count:                len(summaries),
				OutstandingConfusion: confusion[s.TopicID],
			}),
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score < out[j].score
		}
		return out[i].seq < out[j].seq
	})
	return out
}
