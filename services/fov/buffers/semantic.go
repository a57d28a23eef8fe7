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
	"errors"
	"fmt"
	"strings"
)

// ErrPositionOutOfRange is returned when a position would break
// 0 <= currentTopicIndex <= totalTopics.
var ErrPositionOutOfRange = errors.New("curriculum position out of range")

// Position locates the session in the curriculum.
type Position struct {
	CurriculumID      string `json:"curriculumId"`
	CurriculumTitle   string `json:"curriculumTitle,omitempty"`
	CurrentTopicIndex int    `json:"currentTopicIndex"`
	TotalTopics       int    `json:"totalTopics"`
	UnitTitle         string `json:"unitTitle,omitempty"`
	ModuleTitle       string `json:"moduleTitle,omitempty"`
}

// SemanticView is a copy of the Semantic tier for debug output.
type SemanticView struct {
	Position      Position    `json:"position"`
	HasOutline    bool        `json:"hasOutline"`
	Outline       string      `json:"outline,omitempty"`
	Prerequisites []string    `json:"prerequisiteTopics"`
	Upcoming      []string    `json:"upcomingTopics"`
	TopicOrder    []string    `json:"topicOrder,omitempty"`
	Usage         TokenBudget `json:"usage"`
}

// TopicMove describes how MoveToTopic changed the position.
type TopicMove string

const (
	MoveFirst     TopicMove = "first"
	MoveAdvance   TopicMove = "advance"
	MoveJump      TopicMove = "jump"
	MoveUnchanged TopicMove = "unchanged"
)

// SemanticBuffer tracks curriculum position and the compressed outline.
//
// The tier is fixed-size: one position, one outline. Invariant:
// 0 <= CurrentTopicIndex <= TotalTopics.
type SemanticBuffer struct {
	position       Position
	outline        string
	outlineTokens  int
	prerequisites  []string
	upcoming       []string
	neighbourCost  int
	topicOrder     []string
	topicIndex     map[string]int
	positionTokens int
	hasTopic       bool
	totalKnown     bool
	budget         int
}

// NewSemanticBuffer creates the Semantic tier for a curriculum.
func NewSemanticBuffer(curriculumID string, budget int) *SemanticBuffer {
	return &SemanticBuffer{
		position:      Position{CurriculumID: curriculumID},
		topicIndex:    make(map[string]int),
		prerequisites: []string{},
		upcoming:      []string{},
		budget:        budget,
	}
}

func (b *SemanticBuffer) Name() TierName { return TierSemantic }

func (b *SemanticBuffer) Budget() int { return b.budget }

func (b *SemanticBuffer) ApplyBudget(budget int) { b.budget = budget }

func (b *SemanticBuffer) CurrentUsage() int {
	return b.outlineTokens + b.neighbourCost + b.positionTokens
}

func (b *SemanticBuffer) Usage() TokenBudget {
	return NewTokenBudget(b.budget, b.CurrentUsage())
}

// EvictIfOverBudget is a no-op: the tier holds one position by
// construction. Its budget only bounds rendering.
func (b *SemanticBuffer) EvictIfOverBudget() []Eviction { return nil }

// Position returns the current position.
func (b *SemanticBuffer) Position() Position { return b.position }

// HasOutline reports whether a curriculum outline is loaded.
func (b *SemanticBuffer) HasOutline() bool { return b.outline != "" }

// SetPosition replaces the position after range-checking it. Empty
// curriculum id keeps the existing one.
func (b *SemanticBuffer) SetPosition(p Position, tokenCost int) error {
	if p.TotalTopics < 0 || p.CurrentTopicIndex < 0 || p.CurrentTopicIndex > p.TotalTopics {
		return fmt.Errorf("%w: index %d of %d", ErrPositionOutOfRange, p.CurrentTopicIndex, p.TotalTopics)
	}
	if p.CurriculumID == "" {
		p.CurriculumID = b.position.CurriculumID
	}
	b.position = p
	b.positionTokens = tokenCost
	b.totalKnown = p.TotalTopics > 0
	return nil
}

// SetOutline loads the compressed curriculum outline.
func (b *SemanticBuffer) SetOutline(outline string, tokenCost int) {
	b.outline = outline
	b.outlineTokens = tokenCost
}

// SetNeighbours replaces the prerequisite and upcoming topic titles.
func (b *SemanticBuffer) SetNeighbours(prerequisites, upcoming []string, tokenCost int) {
	b.prerequisites = append([]string{}, prerequisites...)
	b.upcoming = append([]string{}, upcoming...)
	b.neighbourCost = tokenCost
}

// SetTopicOrder records the curriculum's topic ids in order. TotalTopics
// grows to cover the list; it never shrinks below the current index.
func (b *SemanticBuffer) SetTopicOrder(ids []string) {
	b.topicOrder = append([]string{}, ids...)
	b.topicIndex = make(map[string]int, len(ids))
	for i, id := range ids {
		if _, dup := b.topicIndex[id]; !dup {
			b.topicIndex[id] = i
		}
	}
	if len(ids) > b.position.TotalTopics {
		b.position.TotalTopics = len(ids)
	}
	b.totalKnown = b.position.TotalTopics > 0
}

// IndexOf returns the known index of a topic id.
func (b *SemanticBuffer) IndexOf(topicID string) (int, bool) {
	i, ok := b.topicIndex[topicID]
	return i, ok
}

// MoveToTopic updates the position for a newly selected topic.
//
// The index comes from explicitIndex when given, else from the topic
// order, else it is the expected next position (sequential delivery). The
// move is an advance when it lands on the expected next index and a jump
// otherwise. While TotalTopics is unknown it grows to cover the current
// topic, so the index stays below the total; once known, an explicit index
// beyond it is rejected and sequential moves stop at it.
func (b *SemanticBuffer) MoveToTopic(topicID string, explicitIndex *int) (TopicMove, error) {
	expected := b.position.CurrentTopicIndex
	if b.hasTopic {
		expected++
	}

	target := expected
	switch {
	case explicitIndex != nil:
		target = *explicitIndex
	default:
		if i, ok := b.topicIndex[topicID]; ok {
			target = i
		}
	}

	if target < 0 {
		return MoveUnchanged, fmt.Errorf("%w: index %d", ErrPositionOutOfRange, target)
	}
	switch {
	case !b.totalKnown:
		if target >= b.position.TotalTopics {
			b.position.TotalTopics = target + 1
		}
	case target > b.position.TotalTopics && explicitIndex != nil:
		return MoveUnchanged, fmt.Errorf("%w: index %d of %d", ErrPositionOutOfRange, target, b.position.TotalTopics)
	case target > b.position.TotalTopics:
		// Sequential delivery past the last topic parks on the end marker.
		target = b.position.TotalTopics
	}

	move := MoveJump
	switch {
	case !b.hasTopic && target == expected:
		move = MoveFirst
	case target == expected:
		move = MoveAdvance
	case b.hasTopic && target == b.position.CurrentTopicIndex:
		move = MoveUnchanged
	}

	b.position.CurrentTopicIndex = target
	b.hasTopic = true
	return move, nil
}

// Validate checks 0 <= CurrentTopicIndex <= TotalTopics.
func (b *SemanticBuffer) Validate() error {
	p := b.position
	if p.CurrentTopicIndex < 0 || p.TotalTopics < 0 || p.CurrentTopicIndex > p.TotalTopics {
		return invariantf(TierSemantic, "index %d outside [0, %d]", p.CurrentTopicIndex, p.TotalTopics)
	}
	if b.CurrentUsage() < 0 {
		return invariantf(TierSemantic, "negative usage %d", b.CurrentUsage())
	}
	return nil
}

// View returns a copy for debug output.
func (b *SemanticBuffer) View() SemanticView {
	return SemanticView{
		Position:      b.position,
		HasOutline:    b.HasOutline(),
		Outline:       b.outline,
		Prerequisites: append([]string{}, b.prerequisites...),
		Upcoming:      append([]string{}, b.upcoming...),
		TopicOrder:    append([]string(nil), b.topicOrder...),
		Usage:         b.Usage(),
	}
}

// Render formats progress, the outline and neighbouring topics.
func (b *SemanticBuffer) Render(budget int) string {
	var parts []string
	p := b.position
	title := p.CurriculumTitle
	if title == "" {
		title = p.CurriculumID
	}
	if title != "" {
		progress := fmt.Sprintf("%d/%d", p.CurrentTopicIndex+1, p.TotalTopics)
		if p.TotalTopics == 0 {
			progress = fmt.Sprintf("%d", p.CurrentTopicIndex+1)
		}
		line := fmt.Sprintf("CURRICULUM: %s\nProgress: Topic %s", title, progress)
		if p.UnitTitle != "" {
			line += "\nUnit: " + p.UnitTitle
		}
		parts = append(parts, line)
	}
	if b.outline != "" {
		parts = append(parts, "OUTLINE:\n"+b.outline)
	}
	if len(b.prerequisites) > 0 {
		parts = append(parts, "Prerequisites: "+strings.Join(firstN(b.prerequisites, 3), ", "))
	}
	if len(b.upcoming) > 0 {
		parts = append(parts, "Coming up: "+strings.Join(firstN(b.upcoming, 3), ", "))
	}
	return truncateToBudget(strings.Join(parts, "\n\n"), budget)
}

func firstN(list []string, n int) []string {
	if len(list) > n {
		return list[:n]
	}
	return list
}
