// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tokens estimates language-model token cost for buffer accounting.
//
// # Description
//
// Every buffer tier charges its contents against a token budget. The
// Estimator interface lets the session manager swap the cheap default
// heuristic for a model-specific tokenizer without touching callers.
//
// # Thread Safety
//
// All estimators in this package are safe for concurrent use.
package tokens

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tmc/langchaingo/llms"
)

// CharsPerToken is the byte-to-token ratio used by the heuristic estimator.
const CharsPerToken = 4

// ErrUnknownEstimator is returned by New for an unrecognised estimator kind.
var ErrUnknownEstimator = errors.New("unknown token estimator")

// Estimator estimates the token cost of a piece of text.
//
// # Description
//
// Implementations must be deterministic: the same text always yields the
// same count, and the count is never negative. Budget accounting and the
// tests that pin it down depend on that.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Estimator interface {
	// Estimate returns the estimated token count of text (>= 0).
	Estimate(text string) int

	// Name identifies the estimator in debug views and logs.
	Name() string
}

// =============================================================================
// Heuristic Estimator
// =============================================================================

// HeuristicEstimator approximates tokens as ceil(bytes / CharsPerToken).
//
// Non-empty text always costs at least one token so that a stream of tiny
// turns still consumes budget.
type HeuristicEstimator struct{}

// Estimate implements Estimator.
func (HeuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// Name implements Estimator.
func (HeuristicEstimator) Name() string { return "heuristic" }

// =============================================================================
// Word Estimator
// =============================================================================

// WordEstimator approximates tokens as 4/3 of the whitespace word count.
type WordEstimator struct{}

// Estimate implements Estimator.
func (WordEstimator) Estimate(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return (words*4 + 2) / 3
}

// Name implements Estimator.
func (WordEstimator) Name() string { return "word" }

// =============================================================================
// Model Estimator
// =============================================================================

// ModelEstimator counts tokens with the tokenizer of a named model.
//
// # Description
//
// Delegates to langchaingo's llms.CountTokens, which resolves a tiktoken
// encoding for the model and falls back to an approximate count when the
// encoding is unavailable. Results are memoised by the SHA-256 digest of
// the text so repeated estimates of the same content are cheap and stable,
// and the memo never retains the text itself.
//
// # Limitations
//
//   - The first call for an encoding may load tokenizer data, so callers
//     must not hold a session lock while estimating.
//   - The memo holds at most maxMemoEntries digests, then resets.
type ModelEstimator struct {
	model string

	mu   sync.Mutex
	memo map[memoKey]int
}

// memoKey is the SHA-256 digest of an estimated text.
type memoKey [sha256.Size]byte

const maxMemoEntries = 4096

// NewModelEstimator creates an estimator for the given model name.
func NewModelEstimator(model string) *ModelEstimator {
	return &ModelEstimator{
		model: model,
		memo:  make(map[memoKey]int),
	}
}

// Estimate implements Estimator.
func (m *ModelEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}

	key := memoKey(sha256.Sum256([]byte(text)))
	if n, ok := m.lookup(key); ok {
		return n
	}

	n := llms.CountTokens(m.model, text)
	if n < 0 {
		n = 0
	}
	m.remember(key, n)
	return n
}

func (m *ModelEstimator) lookup(key memoKey) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.memo[key]
	return n, ok
}

func (m *ModelEstimator) remember(key memoKey, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.memo) >= maxMemoEntries {
		m.memo = make(map[memoKey]int)
	}
	m.memo[key] = n
}

// Name implements Estimator.
func (m *ModelEstimator) Name() string { return "model:" + m.model }

// =============================================================================
// Factory
// =============================================================================

// New builds an estimator by kind: "heuristic" (or ""), "word" or "model".
//
// The model argument is only used by the "model" kind and must be non-empty
// for it.
func New(kind, model string) (Estimator, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "heuristic", "chars":
		return HeuristicEstimator{}, nil
	case "word", "words":
		return WordEstimator{}, nil
	case "model", "tiktoken":
		if model == "" {
			return nil, fmt.Errorf("%w: model estimator requires a model name", ErrUnknownEstimator)
		}
		return NewModelEstimator(model), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEstimator, kind)
	}
}

// TruncateBytes returns the longest prefix of s that is at most n bytes
// and does not split a UTF-8 sequence.
func TruncateBytes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// EstimateAll sums the estimates of every text.
func EstimateAll(e Estimator, texts ...string) int {
	total := 0
	for _, t := range texts {
		total += e.Estimate(t)
	}
	return total
}
