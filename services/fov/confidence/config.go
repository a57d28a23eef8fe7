// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package confidence

// Config holds the thresholds and weights for confidence scoring.
type Config struct {
	// ExpansionThreshold: confidence below this (on a short answer)
	// triggers expansion.
	ExpansionThreshold float64 `yaml:"expansion_threshold" json:"expansionThreshold" validate:"gte=0,lte=1"`

	// MarkerThreshold: a signal score above this is reported as a marker.
	MarkerThreshold float64 `yaml:"marker_threshold" json:"markerThreshold" validate:"gte=0,lte=1"`

	UncertaintyWeight  float64 `yaml:"uncertainty_weight" json:"uncertaintyWeight" validate:"gte=0,lte=1"`
	HedgingWeight      float64 `yaml:"hedging_weight" json:"hedgingWeight" validate:"gte=0,lte=1"`
	DeflectionWeight   float64 `yaml:"deflection_weight" json:"deflectionWeight" validate:"gte=0,lte=1"`
	KnowledgeGapWeight float64 `yaml:"knowledge_gap_weight" json:"knowledgeGapWeight" validate:"gte=0,lte=1"`
	VagueWeight        float64 `yaml:"vague_weight" json:"vagueWeight" validate:"gte=0,lte=1"`

	// ShortResponseFactor scales the topic's expected word count; answers
	// under the scaled count are short.
	ShortResponseFactor float64 `yaml:"short_response_factor" json:"shortResponseFactor" validate:"gt=0"`
	MinExpectedWords    int     `yaml:"min_expected_words" json:"minExpectedWords" validate:"gte=0"`
	MaxExpectedWords    int     `yaml:"max_expected_words" json:"maxExpectedWords" validate:"gte=0"`

	// TrendWindow is how many recent scores the Monitor keeps.
	TrendWindow int `yaml:"trend_window" json:"trendWindow" validate:"gte=3"`

	// TrendDelta is the average shift that counts as improving or declining.
	TrendDelta float64 `yaml:"trend_delta" json:"trendDelta" validate:"gt=0,lte=1"`
}

// TutoringConfig is tuned for conversational tutoring.
func TutoringConfig() Config {
	return Config{
		ExpansionThreshold:  0.5,
		MarkerThreshold:     0.3,
		UncertaintyWeight:   0.6,
		HedgingWeight:       0.35,
		DeflectionWeight:    0.5,
		KnowledgeGapWeight:  0.7,
		VagueWeight:         0.3,
		ShortResponseFactor: 1.0,
		MinExpectedWords:    40,
		MaxExpectedWords:    200,
		TrendWindow:         10,
		TrendDelta:          0.1,
	}
}

// StrictConfig expands earlier and penalizes hedging harder.
func StrictConfig() Config {
	cfg := TutoringConfig()
	cfg.ExpansionThreshold = 0.6
	cfg.UncertaintyWeight = 0.7
	cfg.HedgingWeight = 0.45
	cfg.ShortResponseFactor = 1.5
	return cfg
}

// Preset returns a named configuration: "tutoring" (default) or "strict".
func Preset(name string) (Config, bool) {
	switch name {
	case "", "tutoring":
		return TutoringConfig(), true
	case "strict":
		return StrictConfig(), true
	}
	return Config{}, false
}
