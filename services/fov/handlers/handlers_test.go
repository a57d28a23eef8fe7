// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFOV/services/fov/archive"
	"github.com/AleutianAI/AleutianFOV/services/fov/buffers"
	"github.com/AleutianAI/AleutianFOV/services/fov/observability"
	"github.com/AleutianAI/AleutianFOV/services/fov/registry"
	"github.com/AleutianAI/AleutianFOV/services/fov/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordedError struct {
	op   string
	code observability.ErrorCode
}

type fakeMetrics struct {
	errors  []recordedError
	streams int
}

func (f *fakeMetrics) RecordError(op string, code observability.ErrorCode) {
	f.errors = append(f.errors, recordedError{op, code})
}
func (f *fakeMetrics) StreamStarted() { f.streams++ }
func (f *fakeMetrics) StreamEnded()   { f.streams-- }

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   observability.ErrorCode
	}{
		{"not found", &session.SessionNotFoundError{SessionID: "x"}, http.StatusNotFound, observability.ErrorCodeNotFound},
		{"archive not found", fmt.Errorf("%w: x", archive.ErrNotFound), http.StatusNotFound, observability.ErrorCodeNotFound},
		{"invalid state", &session.InvalidStateError{State: session.StateEnded}, http.StatusConflict, observability.ErrorCodeInvalidState},
		{"budget", &session.BudgetConfigError{Reason: "sum"}, http.StatusBadRequest, observability.ErrorCodeBudgetConfig},
		{"invalid argument", fmt.Errorf("%w: empty", session.ErrInvalidArgument), http.StatusBadRequest, observability.ErrorCodeValidation},
		{"capacity", fmt.Errorf("%w: 2", registry.ErrCapacity), http.StatusServiceUnavailable, observability.ErrorCodeCapacity},
		{"invariant", &session.EvictionInvariantError{Err: &buffers.InvariantError{Tier: buffers.TierImmediate}}, http.StatusInternalServerError, observability.ErrorCodeInvariant},
		{"other", errors.New("boom"), http.StatusInternalServerError, observability.ErrorCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func newTestHandlers(t *testing.T) (*Handlers, *registry.Registry, *fakeMetrics) {
	t.Helper()
	reg := registry.New(registry.Config{Session: session.DefaultConfig()})
	m := &fakeMetrics{}
	return NewHandlers(reg, nil).WithMetrics(m), reg, m
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestHandleAddTurn_ErrorMapping(t *testing.T) {
	h, reg, metrics := newTestHandlers(t)
	r := gin.New()
	r.POST("/sessions/:id/turns", h.HandleAddTurn)

	w := do(r, http.MethodPost, "/sessions/missing/turns", `{"role":"user","text":"hi"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	m, err := reg.Create(context.Background(), registry.CreateParams{CurriculumID: "bio-101", ModelContextWindow: 32000})
	require.NoError(t, err)

	w = do(r, http.MethodPost, "/sessions/"+m.ID()+"/turns", `{"role":"user","text":"hi"}`)
	assert.Equal(t, http.StatusConflict, w.Code, "turns need an active session")
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "invalid_state", body.Code)

	w = do(r, http.MethodPost, "/sessions/"+m.ID()+"/turns", `{"role":"narrator","text":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Len(t, metrics.errors, 3)
	assert.Equal(t, recordedError{"add_turn", observability.ErrorCodeNotFound}, metrics.errors[0])
	assert.Equal(t, recordedError{"add_turn", observability.ErrorCodeValidation}, metrics.errors[2])
}

func TestHandleAddTurn_MaxBytes(t *testing.T) {
	h, reg, _ := newTestHandlers(t)
	r := gin.New()
	r.POST("/sessions/:id/turns", h.HandleAddTurn)

	m, err := reg.Create(context.Background(), registry.CreateParams{CurriculumID: "bio-101", ModelContextWindow: 32000})
	require.NoError(t, err)
	_, err = m.Start(context.Background())
	require.NoError(t, err)

	big := strings.Repeat("a", MaxTextBytes+1)
	w := do(r, http.MethodPost, "/sessions/"+m.ID()+"/turns", `{"role":"user","text":"`+big+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, m.Summary().TurnCount)

	w = do(r, http.MethodPost, "/sessions/"+m.ID()+"/turns", `{"role":"user","text":"what is ATP?"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, m.Summary().TurnCount)
}

func TestHandleCompleteTopic_RequiresMastery(t *testing.T) {
	h, reg, _ := newTestHandlers(t)
	r := gin.New()
	r.POST("/sessions/:id/topic/complete", h.HandleCompleteTopic)

	m, err := reg.Create(context.Background(), registry.CreateParams{CurriculumID: "bio-101", ModelContextWindow: 32000})
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/sessions/"+m.ID()+"/topic/complete", `{"summary":"done"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/sessions/"+m.ID()+"/topic/complete", `{"summary":"done","masteryLevel":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "no active topic is a validation error")
	assert.Contains(t, w.Body.String(), "no active topic")
}

func TestHandleArchive_Disabled(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	r := gin.New()
	r.GET("/archive/sessions", h.HandleArchiveList)

	w := do(r, http.MethodGet, "/archive/sessions", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "archive_disabled")
}
