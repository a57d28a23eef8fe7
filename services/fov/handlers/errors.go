// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianFOV/services/fov/archive"
	"github.com/AleutianAI/AleutianFOV/services/fov/observability"
	"github.com/AleutianAI/AleutianFOV/services/fov/registry"
	"github.com/AleutianAI/AleutianFOV/services/fov/session"
)

// classify maps a domain error to an HTTP status and error code.
//
// # Mapping
//
//   - SessionNotFoundError, archive.ErrNotFound: 404
//   - InvalidStateError: 409
//   - BudgetConfigError, ErrInvalidArgument: 400
//   - registry.ErrCapacity: 503
//   - EvictionInvariantError and anything else: 500
func classify(err error) (int, observability.ErrorCode) {
	var (
		notFound  *session.SessionNotFoundError
		badState  *session.InvalidStateError
		badBudget *session.BudgetConfigError
		invariant *session.EvictionInvariantError
	)
	switch {
	case errors.As(err, &notFound), errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound, observability.ErrorCodeNotFound
	case errors.As(err, &badState):
		return http.StatusConflict, observability.ErrorCodeInvalidState
	case errors.As(err, &badBudget):
		return http.StatusBadRequest, observability.ErrorCodeBudgetConfig
	case errors.Is(err, session.ErrInvalidArgument):
		return http.StatusBadRequest, observability.ErrorCodeValidation
	case errors.Is(err, registry.ErrCapacity):
		return http.StatusServiceUnavailable, observability.ErrorCodeCapacity
	case errors.As(err, &invariant):
		return http.StatusInternalServerError, observability.ErrorCodeInvariant
	default:
		return http.StatusInternalServerError, observability.ErrorCodeInternal
	}
}

// respondError writes the error body, counts the error and logs it.
// Server-side failures are logged at error level; caller mistakes at warn.
func (h *Handlers) respondError(c *gin.Context, op string, err error) {
	status, code := classify(err)
	h.metrics.RecordError(op, code)

	logger := h.requestLogger(c, op)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("code", string(code)), slog.String("error", err.Error()))
	} else {
		logger.Warn("request rejected", slog.String("code", string(code)), slog.String("error", err.Error()))
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: string(code)})
}

// respondBindError rejects a body that fails to decode or validate.
func (h *Handlers) respondBindError(c *gin.Context, op string, err error) {
	h.metrics.RecordError(op, observability.ErrorCodeValidation)
	h.requestLogger(c, op).Warn("invalid request body", slog.String("error", err.Error()))
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error: "invalid request body: " + err.Error(),
		Code:  string(observability.ErrorCodeValidation),
	})
}
