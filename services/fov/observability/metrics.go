// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for FOV sessions.
//
// # Description
//
// SessionMetrics implements registry.Metrics, so one instance passed to the
// registry receives the lifecycle, turn, barge-in, eviction and confidence
// signals of every session it creates. Handlers record request errors and
// live stream connections on the same instance.
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianFOV/services/fov/buffers"
	"github.com/AleutianAI/AleutianFOV/services/fov/session"
)

const (
	metricsNamespace = "aleutian"
	fovSubsystem     = "fov"
)

// SessionMetrics holds all Prometheus metrics for the FOV service.
//
// # Fields
//
//   - Sessions: gauge of live sessions by state
//   - TurnsTotal: counter of turns by role
//   - BargeInsTotal: counter of learner interruptions
//   - EvictionsTotal: counter of evicted items by tier
//   - ConfidenceScore: histogram of analyzed response confidence
//   - ExpansionsTotal: counter of recommended content expansions
//   - BudgetAdaptationsTotal: counter of adaptive budget rounds
//   - ContextUsageRatio: histogram of total usage / usable window after each operation
//   - InvariantViolationsTotal: counter of failed tier checks by tier
//   - SessionsRemovedTotal: counter of removed sessions by reason
//   - SelfCheckIssues: gauge of inconsistent sessions at the last self-check
//   - ErrorsTotal: counter of request errors by operation and code
//   - ActiveStreams: gauge of open event streams
type SessionMetrics struct {
	Sessions                 *prometheus.GaugeVec
	TurnsTotal               *prometheus.CounterVec
	BargeInsTotal            prometheus.Counter
	EvictionsTotal           *prometheus.CounterVec
	ConfidenceScore          prometheus.Histogram
	ExpansionsTotal          prometheus.Counter
	BudgetAdaptationsTotal   prometheus.Counter
	ContextUsageRatio        prometheus.Histogram
	InvariantViolationsTotal *prometheus.CounterVec
	SessionsRemovedTotal     *prometheus.CounterVec
	SelfCheckIssues          prometheus.Gauge
	ErrorsTotal              *prometheus.CounterVec
	ActiveStreams            prometheus.Gauge
}

// NewSessionMetrics creates and registers the metrics on reg.
//
// # Inputs
//
//   - reg: registerer to use. Nil uses prometheus.DefaultRegisterer.
//
// # Limitations
//
//   - Panics if called twice with the same registerer (duplicate registration).
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &SessionMetrics{
		Sessions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: fovSubsystem,
				Name:      "sessions",
				Help:      "Live FOV sessions by state",
			},
			[]string{"state"},
		),

		TurnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: fovSubsystem,
				Name:      "turns_total",
				Help:      "Conversation turns recorded by role",
			},
			[]string{"role"},
		),

		BargeInsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: fovSubsystem,
			Name:      "barge_ins_total",
			Help:      "Learner interruptions handled",
		}),

		EvictionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: fovSubsystem,
				Name:      "evictions_total",
				Help:      "Items evicted from context tiers by tier",
			},
			[]string{"tier"},
		),

		ConfidenceScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: fovSubsystem,
			Name:      "confidence_score",
			Help:      "Distribution of analyzed learner response confidence",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),

		ExpansionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: fovSubsystem,
			Name:      "expansions_total",
			Help:      "Content expansions recommended after low-confidence responses",
		}),

		BudgetAdaptationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: fovSubsystem,
			Name:      "budget_adaptations_total",
			Help:      "Adaptive tier budget reduction rounds",
		}),

		ContextUsageRatio: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: fovSubsystem,
			Name:      "context_usage_ratio",
			Help:      "Total tier usage as a fraction of the usable context window",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.7, 0.8, 0.9, 0.95, 1.0},
		}),

		InvariantViolationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: fovSubsystem,
				Name:      "invariant_violations_total",
				Help:      "Failed tier consistency checks by tier",
			},
			[]string{"tier"},
		),

		SessionsRemovedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: fovSubsystem,
				Name:      "sessions_removed_total",
				Help:      "Sessions removed from the registry by reason",
			},
			[]string{"reason"},
		),

		SelfCheckIssues: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: fovSubsystem,
			Name:      "self_check_issues",
			Help:      "Inconsistent sessions found by the last self-check",
		}),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: fovSubsystem,
				Name:      "errors_total",
				Help:      "Request errors by operation and error code",
			},
			[]string{"operation", "code"},
		),

		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: fovSubsystem,
			Name:      "active_streams",
			Help:      "Open session event streams",
		}),
	}
}

// ErrorCode categorizes a request error for metrics and response bodies.
type ErrorCode string

const (
	ErrorCodeNotFound     ErrorCode = "session_not_found"
	ErrorCodeInvalidState ErrorCode = "invalid_state"
	ErrorCodeBudgetConfig ErrorCode = "budget_config"
	ErrorCodeValidation   ErrorCode = "validation"
	ErrorCodeInvariant    ErrorCode = "eviction_invariant"
	ErrorCodeCapacity     ErrorCode = "capacity"
	ErrorCodeRateLimited  ErrorCode = "rate_limited"
	ErrorCodeInternal     ErrorCode = "internal"
)

// RecordError counts a request error.
//
// # Inputs
//
//   - operation: the handler operation, e.g. "add_turn".
//   - code: the error category.
func (m *SessionMetrics) RecordError(operation string, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(operation, string(code)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *SessionMetrics) StreamStarted() { m.ActiveStreams.Inc() }

// StreamEnded decrements the active streams gauge.
func (m *SessionMetrics) StreamEnded() { m.ActiveStreams.Dec() }

// StateChanged moves one session between state gauges. An empty from is
// a new session; an empty to is a removed one.
func (m *SessionMetrics) StateChanged(from, to session.State) {
	if from != "" {
		m.Sessions.WithLabelValues(string(from)).Dec()
	}
	if to != "" {
		m.Sessions.WithLabelValues(string(to)).Inc()
	}
}

func (m *SessionMetrics) TurnAdded(role buffers.Role) {
	m.TurnsTotal.WithLabelValues(string(role)).Inc()
}

func (m *SessionMetrics) BargeIn() { m.BargeInsTotal.Inc() }

func (m *SessionMetrics) Evicted(tier buffers.TierName, count int) {
	if count > 0 {
		m.EvictionsTotal.WithLabelValues(string(tier)).Add(float64(count))
	}
}

func (m *SessionMetrics) Analyzed(conf float64, expanded bool) {
	m.ConfidenceScore.Observe(conf)
	if expanded {
		m.ExpansionsTotal.Inc()
	}
}

func (m *SessionMetrics) BudgetAdapted() { m.BudgetAdaptationsTotal.Inc() }

func (m *SessionMetrics) ContextUsage(ratio float64) { m.ContextUsageRatio.Observe(ratio) }

func (m *SessionMetrics) InvariantViolated(tier buffers.TierName) {
	m.InvariantViolationsTotal.WithLabelValues(string(tier)).Inc()
}

// SessionRemoved counts a registry removal.
func (m *SessionMetrics) SessionRemoved(reason string) {
	m.SessionsRemovedTotal.WithLabelValues(reason).Inc()
}

// SelfChecked records the issue count of the latest self-check.
func (m *SessionMetrics) SelfChecked(issues int) {
	m.SelfCheckIssues.Set(float64(issues))
}
