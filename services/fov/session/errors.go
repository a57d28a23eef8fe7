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
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianFOV/services/fov/buffers"
)

// ErrInvalidArgument marks caller input that fails validation.
var ErrInvalidArgument = errors.New("invalid argument")

// SessionNotFoundError is returned for an unknown session id.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", e.SessionID)
}

// InvalidStateError is returned when an operation is not legal in the
// session's current state.
type InvalidStateError struct {
	SessionID string
	Operation string
	State     State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("session %q: %s not allowed in state %s", e.SessionID, e.Operation, e.State)
}

// BudgetConfigError reports an invalid budget split or context window.
type BudgetConfigError struct {
	Reason string
}

func (e *BudgetConfigError) Error() string {
	return "invalid budget configuration: " + e.Reason
}

// EvictionInvariantError reports a tier left in a structurally invalid
// state after eviction. The session state is preserved for inspection.
type EvictionInvariantError struct {
	SessionID string
	Operation string
	Err       *buffers.InvariantError
}

func (e *EvictionInvariantError) Error() string {
	return fmt.Sprintf("session %q: %s left %v", e.SessionID, e.Operation, e.Err)
}

func (e *EvictionInvariantError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a SessionNotFoundError.
func IsNotFound(err error) bool {
	var target *SessionNotFoundError
	return errors.As(err, &target)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}

func invalidArgf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
