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

import "sync"

// Monitor wraps an Analyzer and tracks the confidence trend of one session.
//
// The Analyzer stays pure; the Monitor owns the only state, a bounded
// window of recent confidence scores.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Monitor struct {
	mu       sync.Mutex
	analyzer Analyzer
	window   int
	delta    float64
	scores   []float64
}

// NewMonitor creates a Monitor using cfg's trend window and delta.
func NewMonitor(analyzer Analyzer, cfg Config) *Monitor {
	window := cfg.TrendWindow
	if window < 3 {
		window = 3
	}
	delta := cfg.TrendDelta
	if delta <= 0 {
		delta = 0.1
	}
	return &Monitor{analyzer: analyzer, window: window, delta: delta}
}

// Analyze scores the response, records the score and attaches the trend.
func (m *Monitor) Analyze(responseText string, topic TopicComplexity) Analysis {
	return m.Record(m.analyzer.Analyze(responseText, topic))
}

// Score runs the wrapped analyzer without recording anything.
func (m *Monitor) Score(responseText string, topic TopicComplexity) Analysis {
	return m.analyzer.Analyze(responseText, topic)
}

// Record adds res's confidence to the trend window and returns res with
// the trend attached.
//
// A declining trend forces expansion. If no stronger signal chose a scope,
// the scope widens from the current topic to the current unit.
func (m *Monitor) Record(res Analysis) Analysis {
	m.mu.Lock()
	m.scores = append(m.scores, res.ConfidenceScore)
	if len(m.scores) > m.window {
		m.scores = append([]float64(nil), m.scores[len(m.scores)-m.window:]...)
	}
	res.Trend = trendOf(m.scores, m.delta)
	m.mu.Unlock()

	if res.Trend != TrendDeclining {
		return res
	}
	exp := Expansion{}
	if res.Expansion != nil {
		exp = *res.Expansion
	}
	if !exp.ShouldExpand {
		exp.ShouldExpand = true
		exp.Priority = priorityFor(res.ConfidenceScore)
		exp.Scope = ScopeCurrentTopic
	}
	if exp.Scope == ScopeCurrentTopic {
		exp.Scope = ScopeCurrentUnit
		exp.Reason = "Confidence declining, expanding to the current unit"
	}
	res.Expansion = &exp
	return res
}

// Trend returns the trend over the recorded scores.
func (m *Monitor) Trend() Trend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return trendOf(m.scores, m.delta)
}

// Scores returns a copy of the recorded scores, oldest first.
func (m *Monitor) Scores() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64{}, m.scores...)
}

// Reset forgets every recorded score.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.scores = nil
	m.mu.Unlock()
}

// trendOf compares the mean of the last three scores with the mean of the
// older ones (or the first score when there are only three).
func trendOf(scores []float64, delta float64) Trend {
	if len(scores) < 3 {
		return TrendStable
	}
	recent := scores[len(scores)-3:]
	older := scores[:1]
	if len(scores) > 3 {
		older = scores[:len(scores)-3]
	}
	diff := mean(recent) - mean(older)
	switch {
	case diff > delta:
		return TrendImproving
	case diff < -delta:
		return TrendDeclining
	}
	return TrendStable
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
