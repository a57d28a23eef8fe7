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
	"sync"
	"time"
)

// EventType names a session event.
type EventType string

const (
	EventCreated        EventType = "session_created"
	EventStarted        EventType = "session_started"
	EventPaused         EventType = "session_paused"
	EventResumed        EventType = "session_resumed"
	EventEnded          EventType = "session_ended"
	EventTurn           EventType = "turn_added"
	EventBargeIn        EventType = "barge_in"
	EventTopicChanged   EventType = "topic_changed"
	EventTopicCompleted EventType = "topic_completed"
	EventPosition       EventType = "position_updated"
	EventSegment        EventType = "segment_updated"
	EventSignal         EventType = "learner_signal"
	EventAnalysis       EventType = "confidence_analysis"
	EventExpansion      EventType = "expansion_recommended"
	EventEviction       EventType = "tier_eviction"
	EventBudgetAdapted  EventType = "budget_adapted"
)

// Event is one entry of the session event log.
type Event struct {
	Seq       int64          `json:"seq"`
	SessionID string         `json:"sessionId"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// eventLog is a bounded event history with non-blocking fan-out.
//
// Subscribers get a buffered channel. A subscriber that falls behind
// misses events rather than stalling the session that emits them.
type eventLog struct {
	mu     sync.Mutex
	max    int
	seq    int64
	events []Event
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newEventLog(max int) *eventLog {
	if max <= 0 {
		max = 200
	}
	return &eventLog{max: max, subs: make(map[int]chan Event)}
}

func (l *eventLog) emit(ev Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	ev.Seq = l.seq
	l.events = append(l.events, ev)
	if len(l.events) > l.max {
		l.events = append([]Event(nil), l.events[len(l.events)-l.max:]...)
	}
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// list returns events oldest first, filtered by type when given.
func (l *eventLog) list(typ EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0, len(l.events))
	for _, ev := range l.events {
		if typ == "" || ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// subscribe registers a subscriber. The channel is closed by cancel or
// when the log is closed.
func (l *eventLog) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		close(ch)
		return ch, func() {}
	}
	id := l.nextID
	l.nextID++
	l.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if c, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(c)
			}
		})
	}
}

// close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (l *eventLog) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}
