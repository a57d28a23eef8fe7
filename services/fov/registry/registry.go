// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry holds the live FOV sessions of one process.
//
// The Registry is created by the service at start-up and passed to the
// handlers; there is no package-level instance. Its lock guards only the
// id → session map, so a slow operation on one session never delays
// lookups of another.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianFOV/services/fov/buffers"
	"github.com/AleutianAI/AleutianFOV/services/fov/session"
)

// ErrCapacity is returned by Create when MaxSessions live sessions exist.
var ErrCapacity = errors.New("session registry is full")

// ErrDuplicateID is returned by Create for an id already in use.
var ErrDuplicateID = errors.New("session id already exists")

// Status is the registry health status.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// Removal reasons passed to the Archiver and Metrics.
const (
	ReasonDeleted  = "deleted"
	ReasonIdle     = "idle"
	ReasonExpired  = "ended_retention"
	ReasonShutdown = "shutdown"
)

// Archiver receives the final state of a session before it is dropped.
type Archiver interface {
	Archive(ctx context.Context, reason string, view session.DebugView, events []session.Event) error
}

// Metrics extends the per-session Recorder with registry-level signals.
type Metrics interface {
	session.Recorder
	SessionRemoved(reason string)
	SelfChecked(issues int)
}

type nopMetrics struct{ session.NopRecorder }

func (nopMetrics) SessionRemoved(string) {}
func (nopMetrics) SelfChecked(int)       {}

// Config configures the registry.
type Config struct {
	Session session.Config

	// MaxSessions caps live sessions. 0 means unlimited.
	MaxSessions int

	// IdleTimeout ends and removes sessions without activity for this
	// long. 0 disables idle eviction.
	IdleTimeout time.Duration

	// EndedRetention keeps ended sessions readable for this long before
	// the sweeper removes them. 0 keeps them until deleted.
	EndedRetention time.Duration
}

// CreateParams are the caller-supplied fields of a new session.
type CreateParams struct {
	CurriculumID       string
	ModelContextWindow int
	ModelName          string
}

// Sessions are the counts reported by Health.
type Sessions struct {
	Total   int `json:"total"`
	Created int `json:"created"`
	Active  int `json:"active"`
	Paused  int `json:"paused"`
	Ended   int `json:"ended"`
}

// Issue is one failed session check.
type Issue struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// CheckResult is the outcome of SelfCheck.
type CheckResult struct {
	Status    Status    `json:"status"`
	Checked   int       `json:"checked"`
	Issues    []Issue   `json:"issues,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Health is the registry health report.
type Health struct {
	Status    Status     `json:"status"`
	Sessions  Sessions   `json:"sessions"`
	LastCheck *time.Time `json:"lastCheck,omitempty"`
	Issues    []Issue    `json:"issues,omitempty"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger passed down to every session.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics sink for the registry and its sessions.
func WithMetrics(m Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithArchiver sets the archive that receives removed sessions.
func WithArchiver(a Archiver) Option {
	return func(r *Registry) { r.archiver = a }
}

// WithSessionOptions adds options applied to every new session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(r *Registry) { r.sessionOpts = append(r.sessionOpts, opts...) }
}

// WithClock sets the time source used for idle checks.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

type entry struct {
	seq     int64
	manager *session.Manager
}

// Registry maps session ids to live sessions.
//
// Thread Safety: Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*entry
	seq       int64
	lastCheck *CheckResult

	cfg         Config
	logger      *slog.Logger
	metrics     Metrics
	archiver    Archiver
	sessionOpts []session.Option
	now         func() time.Time
}

// New creates an empty registry.
func New(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*entry),
		cfg:      cfg,
		logger:   slog.Default(),
		metrics:  nopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create builds a session and registers it.
//
// # Outputs
//
//   - *session.Manager: the new session in state created.
//   - error: the session package's argument and budget errors, or
//     ErrCapacity.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*session.Manager, error) {
	opts := append([]session.Option{
		session.WithLogger(r.logger),
		session.WithRecorder(r.metrics),
	}, r.sessionOpts...)

	m, err := session.New(session.Params{
		CurriculumID:       p.CurriculumID,
		ModelContextWindow: p.ModelContextWindow,
		ModelName:          p.ModelName,
	}, r.cfg.Session, opts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		r.discard(m)
		return nil, fmt.Errorf("%w: %d live sessions", ErrCapacity, r.cfg.MaxSessions)
	}
	if _, dup := r.sessions[m.ID()]; dup {
		r.mu.Unlock()
		r.discard(m)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, m.ID())
	}
	r.seq++
	r.sessions[m.ID()] = &entry{seq: r.seq, manager: m}
	r.mu.Unlock()

	return m, nil
}

// discard undoes the gauge bump of a session that never got registered.
func (r *Registry) discard(m *session.Manager) {
	m.Close()
	r.metrics.StateChanged(session.StateCreated, "")
}

// Get returns the session or *session.SessionNotFoundError.
func (r *Registry) Get(id string) (*session.Manager, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &session.SessionNotFoundError{SessionID: id}
	}
	return e.manager, nil
}

// Delete removes a session and reports whether it existed. Unknown ids
// are a no-op.
func (r *Registry) Delete(ctx context.Context, id string) bool {
	return r.remove(ctx, id, ReasonDeleted)
}

func (r *Registry) remove(ctx context.Context, id, reason string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	m := e.manager
	view := m.DebugView()
	if r.archiver != nil {
		if err := r.archiver.Archive(ctx, reason, view, m.Events("")); err != nil {
			r.logger.Warn("archiving session failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	m.Close()
	r.metrics.StateChanged(view.State, "")
	r.metrics.SessionRemoved(reason)
	r.logger.Info("session removed",
		slog.String("session_id", id),
		slog.String("reason", reason),
		slog.Int("turns", view.TurnCount),
	)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// managers returns the sessions in creation order.
func (r *Registry) managers() []*session.Manager {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	out := make([]*session.Manager, len(entries))
	for i, e := range entries {
		out[i] = e.manager
	}
	return out
}

// List returns session summaries ordered by creation time.
func (r *Registry) List() []session.Summary {
	ms := r.managers()
	out := make([]session.Summary, len(ms))
	for i, m := range ms {
		out[i] = m.Summary()
	}
	return out
}

// Health counts sessions by state and reports the status of the last
// SelfCheck. Before any check has run the registry is healthy.
func (r *Registry) Health() Health {
	h := Health{Status: StatusHealthy}
	for _, m := range r.managers() {
		h.Sessions.Total++
		switch m.State() {
		case session.StateCreated:
			h.Sessions.Created++
		case session.StateActive:
			h.Sessions.Active++
		case session.StatePaused:
			h.Sessions.Paused++
		case session.StateEnded:
			h.Sessions.Ended++
		}
	}

	r.mu.RLock()
	last := r.lastCheck
	r.mu.RUnlock()
	if last != nil {
		h.Status = last.Status
		at := last.CheckedAt
		h.LastCheck = &at
		h.Issues = append([]Issue(nil), last.Issues...)
	}
	return h
}

// SelfCheck validates every session and records the result for Health.
func (r *Registry) SelfCheck(ctx context.Context) CheckResult {
	res := CheckResult{Status: StatusHealthy, CheckedAt: r.now()}
	for _, m := range r.managers() {
		if ctx.Err() != nil {
			break
		}
		res.Checked++
		if err := m.Validate(); err != nil {
			res.Issues = append(res.Issues, Issue{SessionID: m.ID(), Error: err.Error()})
			var inv *buffers.InvariantError
			if errors.As(err, &inv) {
				r.metrics.InvariantViolated(inv.Tier)
			}
		}
	}
	if len(res.Issues) > 0 {
		res.Status = StatusDegraded
		r.logger.Warn("session self-check found inconsistent sessions", slog.Int("issues", len(res.Issues)))
	}
	r.metrics.SelfChecked(len(res.Issues))

	r.mu.Lock()
	r.lastCheck = &res
	r.mu.Unlock()
	return res
}

// SweepResult reports one sweep.
type SweepResult struct {
	Check   CheckResult `json:"check"`
	Idle    int         `json:"idleRemoved"`
	Expired int         `json:"endedRemoved"`
}

// Sweep runs SelfCheck, then ends and removes idle sessions and removes
// ended sessions past EndedRetention.
func (r *Registry) Sweep(ctx context.Context) SweepResult {
	res := SweepResult{Check: r.SelfCheck(ctx)}
	now := r.now()
	for _, m := range r.managers() {
		if ctx.Err() != nil {
			break
		}
		idle := now.Sub(m.LastActivity())
		switch state := m.State(); {
		case state == session.StateEnded:
			if r.cfg.EndedRetention > 0 && idle > r.cfg.EndedRetention && r.remove(ctx, m.ID(), ReasonExpired) {
				res.Expired++
			}
		case r.cfg.IdleTimeout > 0 && idle > r.cfg.IdleTimeout:
			if _, err := m.End(ctx); err != nil && !session.IsInvalidState(err) {
				r.logger.Warn("ending idle session failed", slog.String("session_id", m.ID()), slog.String("error", err.Error()))
			}
			if r.remove(ctx, m.ID(), ReasonIdle) {
				res.Idle++
			}
		}
	}
	return res
}

// Shutdown ends and removes every session, archiving each one.
func (r *Registry) Shutdown(ctx context.Context) int {
	n := 0
	for _, m := range r.managers() {
		if m.State() != session.StateEnded {
			_, _ = m.End(ctx)
		}
		if r.remove(ctx, m.ID(), ReasonShutdown) {
			n++
		}
	}
	return n
}
