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

import "github.com/AleutianAI/AleutianFOV/services/fov/buffers"

// Recorder receives session activity for metrics.
//
// StateChanged is called with from == "" when a session is created and
// with to == "" when it is removed from its registry.
type Recorder interface {
	StateChanged(from, to State)
	TurnAdded(role buffers.Role)
	BargeIn()
	Evicted(tier buffers.TierName, count int)
	Analyzed(confidence float64, expanded bool)
	BudgetAdapted()
	ContextUsage(ratio float64)
	InvariantViolated(tier buffers.TierName)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) StateChanged(State, State)          {}
func (NopRecorder) TurnAdded(buffers.Role)             {}
func (NopRecorder) BargeIn()                           {}
func (NopRecorder) Evicted(buffers.TierName, int)      {}
func (NopRecorder) Analyzed(float64, bool)             {}
func (NopRecorder) BudgetAdapted()                     {}
func (NopRecorder) ContextUsage(float64)               {}
func (NopRecorder) InvariantViolated(buffers.TierName) {}
