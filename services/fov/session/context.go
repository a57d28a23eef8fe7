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
	"strings"

	"github.com/AleutianAI/AleutianFOV/services/fov/buffers"
)

// DefaultSystemPrompt opens every rendered context unless Config.SystemPrompt
// overrides it.
const DefaultSystemPrompt = `You are an expert AI learning assistant conducting a voice-based educational session.

INTERACTION GUIDELINES:
- You are in a voice conversation, so be conversational and natural
- Keep responses concise but comprehensive
- Use Socratic questioning to guide learning
- Encourage critical thinking and exploration
- Adapt explanations to the student's demonstrated understanding
- Use concrete examples and analogies
- Check for understanding regularly
- Be prepared for interruptions and clarification questions

If the student interrupts or asks a question, respond helpfully based on the context provided. You have access to the curriculum content, learning objectives, and session history.

Always maintain a supportive, encouraging tone while being intellectually rigorous.`

// Section headers, broadest context first so the model reads the most
// specific context last.
const (
	headerCurriculum = "=== CURRICULUM CONTEXT ==="
	headerTopic      = "=== CURRENT TOPIC ==="
	headerSession    = "=== SESSION CONTEXT ==="
	headerImmediate  = "=== IMMEDIATE CONTEXT ==="
)

// systemMessage joins the prompt and non-empty sections.
func (r RenderedContext) systemMessage() string {
	parts := []string{r.SystemPrompt}
	for _, s := range []struct{ header, body string }{
		{headerCurriculum, r.Semantic},
		{headerTopic, r.Working},
		{headerSession, r.Episodic},
		{headerImmediate, r.Immediate},
	} {
		if s.body != "" {
			parts = append(parts, s.header+"\n"+s.body)
		}
	}
	return strings.Join(parts, "\n\n")
}

// MessageRoleSystem is the role of the rendered system message.
const MessageRoleSystem = "system"

// Message is one entry of a chat-completion message list.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// renderLocked renders every tier within its budget. A non-empty bargeIn
// replaces the pending interruption in the Immediate section. Caller holds
// m.mu.
func (m *Manager) renderLocked(bargeIn string) RenderedContext {
	immediate := m.immediate.Render(m.budgets.Immediate)
	if bargeIn != "" {
		immediate = m.immediate.RenderInterrupted(m.budgets.Immediate, bargeIn)
	}
	prompt := m.cfg.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	rc := RenderedContext{
		SystemPrompt: prompt,
		Semantic:     m.semantic.Render(m.budgets.Semantic),
		Working:      m.working.Render(m.budgets.Working),
		Episodic:     m.episodic.Render(m.budgets.Episodic),
		Immediate:    immediate,
	}
	rc.SystemMessage = rc.systemMessage()
	return rc
}

// renderSnapshot formats a barge-in snapshot. Only the interruption, the
// current topic, its own summaries and the latest turns are included.
func renderSnapshot(s Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[USER INTERRUPTED]: %s\n", s.Utterance)
	if s.Segment != nil && s.Segment.Text != "" {
		fmt.Fprintf(&b, "[INTERRUPTED CONTENT]: %s\n", s.Segment.Text)
	}
	if s.Topic != nil {
		fmt.Fprintf(&b, "\n%s\n%s\n", headerTopic, s.Topic.Text())
	}
	if len(s.RelatedSummaries) > 0 {
		b.WriteString("\nEarlier on this topic:\n")
		for _, ts := range s.RelatedSummaries {
			fmt.Fprintf(&b, "- %s (mastery: %.0f%%)\n", ts.Summary, ts.MasteryLevel*100)
		}
	}
	if len(s.RecentTurns) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, t := range s.RecentTurns {
			fmt.Fprintf(&b, "%s: %s\n", t.Role.Label(), t.Text)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// autoSummaryText describes a topic that was left without an explicit
// completion.
func autoSummaryText(t *buffers.Topic) string {
	text := "Covered " + t.Title
	if t.Title == "" {
		text = "Covered topic " + t.ID
	}
	if len(t.Objectives) > 0 {
		text += ": " + strings.Join(t.Objectives, "; ")
	}
	return text
}
