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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFOV/services/fov/buffers"
	"github.com/AleutianAI/AleutianFOV/services/fov/confidence"
	"github.com/AleutianAI/AleutianFOV/services/fov/telemetry"
	"github.com/AleutianAI/AleutianFOV/services/fov/tokens"
)

const tracerName = "fov.session"

// maxAdaptRounds bounds the budget cuts applied after one mutation.
const maxAdaptRounds = 16

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The session id is attached to every record.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithEstimator sets the token estimator.
func WithEstimator(e tokens.Estimator) Option {
	return func(m *Manager) {
		if e != nil {
			m.estimator = e
		}
	}
}

// WithAnalyzer replaces the lexical confidence analyzer.
func WithAnalyzer(a confidence.Analyzer) Option {
	return func(m *Manager) {
		if a != nil {
			m.analyzer = a
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithClock sets the time source. Tests use it to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns one FOV session.
//
// # Description
//
// Every mutating method validates its input and estimates token costs
// before taking the session lock, then applies the change, runs tier
// eviction, adapts budgets and re-checks every tier invariant while
// holding it. Read methods take the read lock and therefore always see a
// fully settled session.
//
// # Thread Safety
//
// Safe for concurrent use. Calls on one session are serialized; calls on
// different Managers never contend.
type Manager struct {
	mu sync.RWMutex

	id           string
	curriculumID string
	modelName    string
	modelTier    ModelTier
	cfg          Config

	budgets TierBudgets
	initial TierBudgets

	state          State
	turnCount      int
	bargeInCount   int
	expansionCount int
	adaptations    int
	ordinal        int64
	completed      map[string]bool

	immediate *buffers.ImmediateBuffer
	working   *buffers.WorkingBuffer
	episodic  *buffers.EpisodicBuffer
	semantic  *buffers.SemanticBuffer

	analyzer  confidence.Analyzer
	monitor   *confidence.Monitor
	estimator tokens.Estimator
	recorder  Recorder
	logger    *slog.Logger
	events    *eventLog
	now       func() time.Time

	createdAt    time.Time
	lastActivity time.Time
}

// New creates a session in state created.
//
// # Inputs
//
//   - p: identity and model. An empty ID gets a random UUID. When
//     ModelContextWindow is 0 the window is looked up from ModelName,
//     falling back to DefaultContextWindow.
//   - cfg: session tunables. Zero fields take DefaultConfig values.
//
// # Outputs
//
//   - *Manager: the new session.
//   - error: ErrInvalidArgument for a missing curriculum id or unknown
//     eviction policy, *BudgetConfigError for an invalid split or a
//     non-positive window.
func New(p Params, cfg Config, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(p.CurriculumID) == "" {
		return nil, invalidArgf("curriculum id is required")
	}
	cfg = cfg.withDefaults()

	window := p.ModelContextWindow
	if window == 0 {
		window, _ = ContextWindowFor(p.ModelName)
	}
	budgets, err := cfg.Split.Derive(window)
	if err != nil {
		return nil, err
	}

	policy, err := buffers.GetEvictionPolicy(cfg.EvictionPolicy, cfg.Relevance)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	tier := ModelTierFor(window)
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = tier.DefaultMaxTurns()
	}

	epCfg := buffers.DefaultEpisodicConfig()
	epCfg.MaxSummaries = cfg.MaxSummaries
	epCfg.MaxQuestions = cfg.MaxQuestions
	epCfg.Policy = policy

	m := &Manager{
		id:           id,
		curriculumID: p.CurriculumID,
		modelName:    p.ModelName,
		modelTier:    tier,
		cfg:          cfg,
		budgets:      budgets,
		initial:      budgets,
		state:        StateCreated,
		completed:    make(map[string]bool),
		immediate:    buffers.NewImmediateBuffer(maxTurns, budgets.Immediate),
		working:      buffers.NewWorkingBuffer(budgets.Working),
		episodic:     buffers.NewEpisodicBuffer(epCfg, budgets.Episodic),
		semantic:     buffers.NewSemanticBuffer(p.CurriculumID, budgets.Semantic),
		estimator:    tokens.HeuristicEstimator{},
		recorder:     NopRecorder{},
		logger:       slog.Default(),
		events:       newEventLog(cfg.MaxEvents),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.analyzer == nil {
		m.analyzer = confidence.NewLexicalAnalyzer(cfg.Confidence)
	}
	m.monitor = confidence.NewMonitor(m.analyzer, cfg.Confidence)
	m.logger = m.logger.With(slog.String("session_id", id))
	m.createdAt = m.now()
	m.lastActivity = m.createdAt

	m.recorder.StateChanged("", StateCreated)
	m.emitLocked(EventCreated, map[string]any{
		"curriculumId":       p.CurriculumID,
		"modelTier":          string(tier),
		"modelContextWindow": window,
		"maxTurns":           maxTurns,
	})
	m.logger.Info("session created",
		slog.String("curriculum_id", p.CurriculumID),
		slog.String("model_tier", string(tier)),
		slog.Int("context_window", window),
	)
	return m, nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Split == (BudgetSplit{}) {
		c.Split = d.Split
	}
	if c.SnapshotTurns <= 0 {
		c.SnapshotTurns = d.SnapshotTurns
	}
	if c.AdaptThreshold <= 0 {
		c.AdaptThreshold = d.AdaptThreshold
	}
	if c.AdaptStep <= 0 || c.AdaptStep >= 1 {
		c.AdaptStep = d.AdaptStep
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = d.MaxEvents
	}
	if c.MaxSummaries <= 0 {
		c.MaxSummaries = d.MaxSummaries
	}
	if c.MaxQuestions <= 0 {
		c.MaxQuestions = d.MaxQuestions
	}
	if c.EvictionPolicy == "" {
		c.EvictionPolicy = d.EvictionPolicy
	}
	if c.Relevance == (buffers.RelevanceWeights{}) {
		c.Relevance = d.Relevance
	}
	if c.Confidence == (confidence.Config{}) {
		c.Confidence = d.Confidence
	}
	return c
}

// =============================================================================
// Accessors
// =============================================================================

// ID returns the session id.
func (m *Manager) ID() string { return m.id }

// CurriculumID returns the curriculum the session was created for.
func (m *Manager) CurriculumID() string { return m.curriculumID }

// CreatedAt returns the creation time.
func (m *Manager) CreatedAt() time.Time { return m.createdAt }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastActivity returns the time of the last successful mutation.
func (m *Manager) LastActivity() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastActivity
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start moves the session from created to active.
func (m *Manager) Start(ctx context.Context) (Summary, error) {
	return m.transition(ctx, "start", StateActive, EventStarted, StateCreated)
}

// Pause moves an active session to paused. No tier is touched.
func (m *Manager) Pause(ctx context.Context) (Summary, error) {
	return m.transition(ctx, "pause", StatePaused, EventPaused, StateActive)
}

// Resume moves a paused session back to active.
func (m *Manager) Resume(ctx context.Context) (Summary, error) {
	return m.transition(ctx, "resume", StateActive, EventResumed, StatePaused)
}

// End terminates the session from any state except ended. Every later
// mutation fails with *InvalidStateError; reads keep working.
func (m *Manager) End(ctx context.Context) (Summary, error) {
	return m.transition(ctx, "end", StateEnded, EventEnded, StateCreated, StateActive, StatePaused)
}

func (m *Manager) transition(ctx context.Context, op string, to State, evt EventType, from ...State) (_ Summary, err error) {
	_, _, finish := m.startSpan(ctx, op)
	defer func() { finish(err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireLocked(op, from...); err != nil {
		return Summary{}, err
	}
	prev := m.state
	m.state = to
	m.lastActivity = m.now()
	m.recorder.StateChanged(prev, to)
	m.emitLocked(evt, map[string]any{"from": string(prev), "to": string(to)})
	m.logger.Info("session state changed",
		slog.String("from", string(prev)),
		slog.String("to", string(to)),
	)
	return m.summaryLocked(), nil
}

// =============================================================================
// Conversation
// =============================================================================

// AddTurn appends a dialogue turn to the Immediate tier.
//
// # Description
//
// Requires state active. The oldest turns are evicted until the tier is
// within both MaxTurns and its token budget, except that the new turn is
// always kept. An assistant turn resolves any pending barge-in.
//
// # Outputs
//
//   - buffers.Turn: the stored turn.
//   - error: ErrInvalidArgument, *InvalidStateError or
//     *EvictionInvariantError.
func (m *Manager) AddTurn(ctx context.Context, role buffers.Role, text string) (_ buffers.Turn, err error) {
	ctx, _, finish := m.startSpan(ctx, "add_turn", attribute.String("role", string(role)))
	defer func() { finish(err) }()

	if !role.Valid() {
		return buffers.Turn{}, invalidArgf("role must be user or assistant, got %q", role)
	}
	if strings.TrimSpace(text) == "" {
		return buffers.Turn{}, invalidArgf("turn text is empty")
	}
	cost := m.estimator.Estimate(text)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireLocked("add_turn", StateActive); err != nil {
		return buffers.Turn{}, err
	}
	turn := m.appendTurnLocked(role, text, cost, false)
	evicted := m.immediate.Append(turn)
	if role == buffers.RoleAssistant {
		m.immediate.ClearBargeIn()
	}
	m.emitLocked(EventTurn, map[string]any{
		"turnId":  turn.ID,
		"role":    string(role),
		"ordinal": turn.Ordinal,
		"tokens":  cost,
	})
	return turn, m.settleLocked(ctx, "add_turn", evicted)
}

func (m *Manager) appendTurnLocked(role buffers.Role, text string, cost int, bargeIn bool) buffers.Turn {
	m.ordinal++
	m.turnCount++
	m.recorder.TurnAdded(role)
	return buffers.Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Ordinal:   m.ordinal,
		Tokens:    cost,
		BargeIn:   bargeIn,
		Timestamp: m.now(),
	}
}

// HandleBargeIn records a learner interruption and returns the priority
// snapshot for answering it.
//
// # Description
//
// Requires state active. The utterance is stored as a user turn flagged
// as a barge-in and as the tier's pending interruption; both turnCount and
// bargeInCount increase. The snapshot is assembled under the same lock as
// the mutation, so it always reflects the interruption it answers.
//
// # Inputs
//
//   - utterance: what the learner said. Must not be blank.
//   - interruptedAt: playback position in seconds, or nil.
func (m *Manager) HandleBargeIn(ctx context.Context, utterance string, interruptedAt *float64) (_ Snapshot, err error) {
	ctx, _, finish := m.startSpan(ctx, "barge_in")
	defer func() { finish(err) }()

	if strings.TrimSpace(utterance) == "" {
		return Snapshot{}, invalidArgf("barge-in utterance is empty")
	}
	cost := m.estimator.Estimate(utterance)

	snap, err := func() (Snapshot, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if err := m.requireLocked("barge_in", StateActive); err != nil {
			return Snapshot{}, err
		}
		turn := m.appendTurnLocked(buffers.RoleUser, utterance, cost, true)
		m.bargeInCount++
		m.recorder.BargeIn()

		var at *float64
		if interruptedAt != nil {
			v := *interruptedAt
			at = &v
		}
		m.immediate.RecordBargeIn(buffers.BargeIn{
			Utterance:     utterance,
			Ordinal:       turn.Ordinal,
			InterruptedAt: at,
			Tokens:        cost,
			Timestamp:     turn.Timestamp,
		})
		evicted := m.immediate.Append(turn)
		m.emitLocked(EventBargeIn, map[string]any{
			"turnId":       turn.ID,
			"ordinal":      turn.Ordinal,
			"bargeInCount": m.bargeInCount,
			"utterance":    truncateForEvent(utterance),
		})
		if err := m.settleLocked(ctx, "barge_in", evicted); err != nil {
			return Snapshot{}, err
		}
		return m.snapshotLocked(utterance, at), nil
	}()
	if err != nil {
		return Snapshot{}, err
	}

	snap.Rendered = renderSnapshot(snap)
	snap.TokenEstimate = m.estimator.Estimate(snap.Rendered)
	return snap, nil
}

// snapshotLocked builds the reduced barge-in view. Episodic summaries of
// other topics and the whole Semantic tier are deliberately left out.
func (m *Manager) snapshotLocked(utterance string, at *float64) Snapshot {
	return Snapshot{
		SessionID:        m.id,
		Utterance:        utterance,
		InterruptedAt:    at,
		BargeInCount:     m.bargeInCount,
		Topic:            m.working.Topic(),
		RecentTurns:      m.immediate.Recent(m.cfg.SnapshotTurns),
		RelatedSummaries: m.episodic.SummariesFor(m.working.TopicID()),
		Segment:          m.immediate.Segment(),
	}
}

// SetSegment sets or, with nil, clears the transcript segment being played.
func (m *Manager) SetSegment(ctx context.Context, seg *buffers.TranscriptSegment) (err error) {
	ctx, _, finish := m.startSpan(ctx, "set_segment")
	defer func() { finish(err) }()

	var cp *buffers.TranscriptSegment
	if seg != nil {
		if seg.EndTime < seg.StartTime {
			return invalidArgf("segment ends at %.2f before it starts at %.2f", seg.EndTime, seg.StartTime)
		}
		v := *seg
		v.Tokens = m.estimator.Estimate(v.Text)
		cp = &v
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireLocked("set_segment", StateCreated, StateActive, StatePaused); err != nil {
		return err
	}
	m.immediate.SetSegment(cp)
	evicted := m.immediate.EvictIfOverBudget()
	data := map[string]any{"cleared": cp == nil}
	if cp != nil {
		data["segmentId"] = cp.SegmentID
		data["tokens"] = cp.Tokens
	}
	m.emitLocked(EventSegment, data)
	return m.settleLocked(ctx, "set_segment", evicted)
}

// =============================================================================
// Curriculum
// =============================================================================

// SetTopic replaces the Working tier with a new topic.
//
// # Description
//
// Allowed in created and active. The Semantic position advances when the
// topic is the expected next one and jumps to its index otherwise. A
// previous topic that was never completed is summarized into the Episodic
// tier with Config.AutoSummaryMastery so the session history keeps it.
//
// # Outputs
//
//   - buffers.TopicMove: how the curriculum position changed.
//   - error: ErrInvalidArgument (also wrapping
//     buffers.ErrPositionOutOfRange), *InvalidStateError or
//     *EvictionInvariantError. On error no tier was changed, except for
//     *EvictionInvariantError.
func (m *Manager) SetTopic(ctx context.Context, in TopicInput) (_ buffers.TopicMove, err error) {
	ctx, _, finish := m.startSpan(ctx, "set_topic", attribute.String("topic_id", in.ID))
	defer func() { finish(err) }()

	if strings.TrimSpace(in.ID) == "" {
		return buffers.MoveUnchanged, invalidArgf("topic id is required")
	}
	if in.Index != nil && *in.Index < 0 {
		return buffers.MoveUnchanged, invalidArgf("topic index %d is negative", *in.Index)
	}
	topic := buffers.Topic{
		ID:             in.ID,
		Title:          in.Title,
		Content:        in.Content,
		Objectives:     append([]string{}, in.Objectives...),
		Glossary:       buffers.NormalizeGlossary(in.Glossary),
		Misconceptions: append([]buffers.Misconception{}, in.Misconceptions...),
	}
	topic.Tokens = m.estimator.Estimate(topic.Text())

	for attempt := 0; ; attempt++ {
		prev, auto := m.pendingAutoSummary(in.ID)

		m.mu.Lock()
		if m.working.TopicID() != prev && attempt < 3 {
			// Another SetTopic won the race; re-derive the summary.
			m.mu.Unlock()
			continue
		}
		move, err := m.setTopicLocked(ctx, topic, in.Index, prev, auto)
		m.mu.Unlock()
		return move, err
	}
}

// pendingAutoSummary peeks at the current topic and, when it will be
// displaced without a completion summary, prepares one. Token estimation
// runs outside the write lock.
func (m *Manager) pendingAutoSummary(nextID string) (string, *buffers.TopicSummary) {
	m.mu.RLock()
	prev := m.working.Topic()
	done := prev != nil && m.completed[prev.ID]
	m.mu.RUnlock()

	if prev == nil {
		return "", nil
	}
	if prev.ID == nextID || done {
		return prev.ID, nil
	}
	text := autoSummaryText(prev)
	return prev.ID, &buffers.TopicSummary{
		TopicID:      prev.ID,
		Title:        prev.Title,
		Summary:      text,
		MasteryLevel: m.cfg.AutoSummaryMastery,
		Tokens:       m.estimator.Estimate(text),
		Auto:         true,
	}
}

func (m *Manager) setTopicLocked(ctx context.Context, topic buffers.Topic, index *int, prevID string, auto *buffers.TopicSummary) (buffers.TopicMove, error) {
	if err := m.requireLocked("set_topic", StateCreated, StateActive); err != nil {
		return buffers.MoveUnchanged, err
	}
	if m.working.TopicID() != prevID {
		// Lost the race repeatedly; the displaced topic gets no summary.
		auto = nil
	}
	move, err := m.semantic.MoveToTopic(topic.ID, index)
	if err != nil {
		return buffers.MoveUnchanged, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	var evicted []buffers.Eviction
	if auto != nil && !m.completed[auto.TopicID] {
		auto.CompletedAt = m.now()
		evicted = m.episodic.AddSummary(*auto)
	}
	m.working.Replace(topic)

	pos := m.semantic.Position()
	m.emitLocked(EventTopicChanged, map[string]any{
		"topicId":       topic.ID,
		"title":         topic.Title,
		"move":          string(move),
		"topicIndex":    pos.CurrentTopicIndex,
		"totalTopics":   pos.TotalTopics,
		"tokens":        topic.Tokens,
		"autoSummary":   auto != nil,
		"previousTopic": prevID,
	})
	m.logger.Debug("topic set",
		slog.String("topic_id", topic.ID),
		slog.String("move", string(move)),
		slog.Int("topic_index", pos.CurrentTopicIndex),
	)
	return move, m.settleLocked(ctx, "set_topic", evicted)
}

// CompleteTopic records a completion summary of the active topic in the
// Episodic tier. A mastery at or above the mastered threshold resolves the
// topic's outstanding confusion.
func (m *Manager) CompleteTopic(ctx context.Context, summary string, mastery float64) (err error) {
	ctx, _, finish := m.startSpan(ctx, "complete_topic")
	defer func() { finish(err) }()

	if strings.TrimSpace(summary) == "" {
		return invalidArgf("topic summary is empty")
	}
	if mastery < 0 || mastery > 1 {
		return invalidArgf("mastery level %.2f outside [0, 1]", mastery)
	}
	cost := m.estimator.Estimate(summary)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireLocked("complete_topic", StateCreated, StateActive, StatePaused); err != nil {
		return err
	}
	topic := m.working.Topic()
	if topic == nil {
		return invalidArgf("no active topic to complete")
	}
	evicted := m.episodic.AddSummary(buffers.TopicSummary{
		TopicID:      topic.ID,
		Title:        topic.Title,
		Summary:      summary,
		MasteryLevel: mastery,
		Tokens:       cost,
		CompletedAt:  m.now(),
	})
	m.completed[topic.ID] = true
	m.emitLocked(EventTopicCompleted, map[string]any{
		"topicId": topic.ID,
		"mastery": mastery,
		"tokens":  cost,
	})
	return m.settleLocked(ctx, "complete_topic", evicted)
}

// SetPosition updates the Semantic tier: position, outline, topic order
// and neighbouring topics. Prerequisites and Upcoming are replaced
// together when either is non-nil.
func (m *Manager) SetPosition(ctx context.Context, in PositionInput) (err error) {
	ctx, _, finish := m.startSpan(ctx, "set_position")
	defer func() { finish(err) }()

	p := in.Position
	if p.CurriculumID != "" && p.CurriculumID != m.curriculumID {
		return invalidArgf("position is for curriculum %q, session uses %q", p.CurriculumID, m.curriculumID)
	}
	posCost := m.estimator.Estimate(strings.Join([]string{p.CurriculumTitle, p.UnitTitle, p.ModuleTitle}, " "))
	outlineCost := 0
	if in.Outline != nil {
		outlineCost = m.estimator.Estimate(*in.Outline)
	}
	neighbours := in.Prerequisites != nil || in.Upcoming != nil
	neighbourCost := tokens.EstimateAll(m.estimator, append(append([]string{}, in.Prerequisites...), in.Upcoming...)...)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireLocked("set_position", StateCreated, StateActive, StatePaused); err != nil {
		return err
	}
	if in.TopicOrder != nil && len(in.TopicOrder) > p.TotalTopics {
		// The order defines the topic count when it is longer.
		p.TotalTopics = len(in.TopicOrder)
	}
	if err := m.semantic.SetPosition(p, posCost); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if in.TopicOrder != nil {
		m.semantic.SetTopicOrder(in.TopicOrder)
	}
	if in.Outline != nil {
		m.semantic.SetOutline(*in.Outline, outlineCost)
	}
	if neighbours {
		m.semantic.SetNeighbours(in.Prerequisites, in.Upcoming, neighbourCost)
	}
	pos := m.semantic.Position()
	m.emitLocked(EventPosition, map[string]any{
		"topicIndex":  pos.CurrentTopicIndex,
		"totalTopics": pos.TotalTopics,
		"hasOutline":  m.semantic.HasOutline(),
	})
	return m.settleLocked(ctx, "set_position", nil)
}

// RecordSignal records a learner signal. Confusion is charged to the
// active topic. SignalQuestion stores content as a question asked and
// SignalPace reads content as slower, normal or faster.
func (m *Manager) RecordSignal(ctx context.Context, kind SignalKind, content string) (err error) {
	ctx, _, finish := m.startSpan(ctx, "record_signal", attribute.String("signal", string(kind)))
	defer func() { finish(err) }()

	content = strings.TrimSpace(content)
	cost := 0
	switch kind {
	case SignalClarification, SignalRepetition, SignalConfusion:
	case SignalQuestion:
		if content == "" {
			return invalidArgf("question signal needs the question text")
		}
		cost = m.estimator.Estimate(content)
	case SignalPace:
		if !buffers.PacePreference(content).Valid() {
			return invalidArgf("pace must be slower, normal or faster, got %q", content)
		}
	default:
		return invalidArgf("unknown signal %q", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireLocked("record_signal", StateActive); err != nil {
		return err
	}
	var evicted []buffers.Eviction
	data := map[string]any{"signalType": string(kind)}
	switch kind {
	case SignalQuestion:
		stored, ev := m.episodic.AddQuestion(content, cost)
		evicted = ev
		data["stored"] = stored
	case SignalPace:
		m.episodic.SetPace(buffers.PacePreference(content))
		data["pace"] = content
	default:
		topicID := m.working.TopicID()
		if err := m.episodic.RecordSignal(buffers.SignalKind(kind), topicID); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		if topicID != "" {
			data["topicId"] = topicID
		}
	}
	m.emitLocked(EventSignal, data)
	return m.settleLocked(ctx, "record_signal", evicted)
}

// =============================================================================
// Confidence
// =============================================================================

// AnalyzeResponse scores a generated response against the active topic
// and tracks the session's confidence trend.
//
// # Description
//
// Allowed in every state but ended. The analyzer runs outside the session
// lock; its score joins the trend window only after the state is checked
// again under the write lock. A recommended expansion is counted and
// emitted as an event.
func (m *Manager) AnalyzeResponse(ctx context.Context, text string) (_ confidence.Analysis, err error) {
	_, span, finish := m.startSpan(ctx, "analyze")
	defer func() { finish(err) }()

	m.mu.RLock()
	err = m.requireLocked("analyze", StateCreated, StateActive, StatePaused)
	complexity := confidence.TopicComplexity{}
	if t := m.working.Topic(); t != nil {
		complexity = confidence.TopicComplexity{
			Objectives:    len(t.Objectives),
			GlossaryTerms: len(t.Glossary),
			ContentTokens: t.Tokens,
		}
	}
	m.mu.RUnlock()
	if err != nil {
		return confidence.Analysis{}, err
	}

	res := m.monitor.Score(text, complexity)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLocked("analyze", StateCreated, StateActive, StatePaused); err != nil {
		return confidence.Analysis{}, err
	}
	// The trend window only sees analyses that land in a live session.
	res = m.monitor.Record(res)
	expanded := res.Expansion != nil && res.Expansion.ShouldExpand
	span.SetAttributes(
		attribute.Float64("confidence", res.ConfidenceScore),
		attribute.Bool("expand", expanded),
	)
	m.recorder.Analyzed(res.ConfidenceScore, expanded)
	markers := make([]string, len(res.Markers))
	for i, mk := range res.Markers {
		markers[i] = string(mk)
	}
	m.emitLocked(EventAnalysis, map[string]any{
		"confidenceScore":  res.ConfidenceScore,
		"uncertaintyScore": res.UncertaintyScore,
		"markers":          markers,
		"trend":            string(res.Trend),
	})
	if expanded {
		m.expansionCount++
		m.emitLocked(EventExpansion, map[string]any{
			"priority": string(res.Expansion.Priority),
			"scope":    string(res.Expansion.Scope),
			"reason":   res.Expansion.Reason,
		})
	}
	m.lastActivity = m.now()
	return res, nil
}

// =============================================================================
// Reads
// =============================================================================

// BuildContext renders the four tiers into a prompt. Allowed in any state.
//
// A non-empty bargeIn is rendered as the interruption in place of any
// pending barge-in, for callers preparing a reply to an utterance they
// have not recorded yet. Nothing is stored.
func (m *Manager) BuildContext(ctx context.Context, bargeIn string) (_ RenderedContext, err error) {
	_, _, finish := m.startSpan(ctx, "build_context")
	defer func() { finish(err) }()

	m.mu.RLock()
	rc := m.renderLocked(bargeIn)
	m.mu.RUnlock()

	rc.TokenEstimate = m.estimator.Estimate(rc.SystemMessage)
	return rc, nil
}

// BuildMessages returns the chat message list for a model call: the
// rendered system message followed by the stored turns, oldest first.
// Allowed in any state.
func (m *Manager) BuildMessages(ctx context.Context, bargeIn string) (_ []Message, err error) {
	_, _, finish := m.startSpan(ctx, "build_messages")
	defer func() { finish(err) }()

	m.mu.RLock()
	rc := m.renderLocked(bargeIn)
	turns := m.immediate.Turns()
	m.mu.RUnlock()

	msgs := make([]Message, 0, len(turns)+1)
	msgs = append(msgs, Message{Role: MessageRoleSystem, Content: rc.SystemMessage})
	for _, t := range turns {
		msgs = append(msgs, Message{Role: string(t.Role), Content: t.Text})
	}
	return msgs, nil
}

// Summary returns the list view of the session.
func (m *Manager) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.summaryLocked()
}

func (m *Manager) summaryLocked() Summary {
	return Summary{
		SessionID:          m.id,
		CurriculumID:       m.curriculumID,
		State:              m.state,
		ModelTier:          m.modelTier,
		ModelContextWindow: m.budgets.Window,
		TurnCount:          m.turnCount,
		BargeInCount:       m.bargeInCount,
		CurrentTopicID:     m.working.TopicID(),
		TotalContextTokens: m.totalUsageLocked(),
		CreatedAt:          m.createdAt,
		LastActivity:       m.lastActivity,
	}
}

// DebugView returns a deep copy of every tier with token accounting.
// Allowed in any state, including ended.
func (m *Manager) DebugView() DebugView {
	m.mu.RLock()
	defer m.mu.RUnlock()

	usage := make(map[buffers.TierName]buffers.TokenBudget, len(buffers.AllTiers))
	for _, t := range m.tiersLocked() {
		usage[t.Name()] = t.Usage()
	}
	return DebugView{
		Summary:         m.summaryLocked(),
		ModelName:       m.modelName,
		ExpansionCount:  m.expansionCount,
		Adaptations:     m.adaptations,
		Budgets:         m.budgets,
		InitialBudgets:  m.initial,
		UsagePercent:    m.usageRatioLocked() * 100,
		Usage:           usage,
		ConfidenceTrend: m.monitor.Trend(),
		Tiers: TierViews{
			Immediate: m.immediate.View(),
			Working:   m.working.View(),
			Episodic:  m.episodic.View(),
			Semantic:  m.semantic.View(),
		},
	}
}

// Events returns the retained events, oldest first. An empty type returns
// every event.
func (m *Manager) Events(typ EventType) []Event {
	return m.events.list(typ)
}

// Subscribe streams events emitted from now on. A subscriber that falls
// behind loses events rather than stalling the session. The returned
// cancel func is idempotent; the channel is closed by it or by Close.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.events.subscribe(buffer)
}

// Validate re-checks every tier invariant and the token accounting. The
// registry's self-check calls it.
func (m *Manager) Validate() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validateLocked("self_check")
}

// Close releases event subscribers. The session itself stays readable.
func (m *Manager) Close() {
	m.events.close()
}

// =============================================================================
// Internals
// =============================================================================

// startSpan opens the span for op. The returned finish ends it and
// records the operation's outcome and duration.
func (m *Manager) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, func(error)) {
	attrs = append(attrs, attribute.String("session.id", m.id))
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Manager."+op, trace.WithAttributes(attrs...))
	return ctx, span, func(err error) {
		telemetry.RecordOperation(ctx, "session", op, time.Since(start), err)
		telemetry.EndSpan(span, err)
	}
}

// requireLocked fails with *InvalidStateError unless the state is one of
// allowed. Caller holds m.mu.
func (m *Manager) requireLocked(op string, allowed ...State) error {
	for _, s := range allowed {
		if m.state == s {
			return nil
		}
	}
	return &InvalidStateError{SessionID: m.id, Operation: op, State: m.state}
}

func (m *Manager) emitLocked(typ EventType, data map[string]any) {
	m.events.emit(Event{
		SessionID: m.id,
		Type:      typ,
		Timestamp: m.now(),
		Data:      data,
	})
}

func (m *Manager) tiersLocked() []buffers.Tier {
	return []buffers.Tier{m.immediate, m.working, m.episodic, m.semantic}
}

func (m *Manager) totalUsageLocked() int {
	total := 0
	for _, t := range m.tiersLocked() {
		total += t.CurrentUsage()
	}
	return total
}

func (m *Manager) usageRatioLocked() float64 {
	if m.budgets.Usable <= 0 {
		return 0
	}
	return float64(m.totalUsageLocked()) / float64(m.budgets.Usable)
}

// settleLocked finishes a mutation: it reports evictions, adapts budgets
// when the window is nearly full and re-validates every tier. An invariant
// failure is returned as *EvictionInvariantError with the session left
// exactly as it is for inspection.
func (m *Manager) settleLocked(ctx context.Context, op string, evicted []buffers.Eviction) error {
	evicted = append(evicted, m.adaptLocked()...)
	m.reportEvictionsLocked(evicted)
	m.lastActivity = m.now()
	m.recorder.ContextUsage(m.usageRatioLocked())

	if err := m.validateLocked(op); err != nil {
		var inv *EvictionInvariantError
		if errors.As(err, &inv) {
			m.recorder.InvariantViolated(inv.Err.Tier)
		}
		telemetry.LoggerWithTrace(ctx, m.logger).Error("tier invariant violated",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (m *Manager) validateLocked(op string) error {
	for _, t := range m.tiersLocked() {
		err := t.Validate()
		if err == nil && t.CurrentUsage() < 0 {
			err = &buffers.InvariantError{Tier: t.Name(), Detail: fmt.Sprintf("negative usage %d", t.CurrentUsage())}
		}
		if err == nil {
			continue
		}
		var inv *buffers.InvariantError
		if !errors.As(err, &inv) {
			inv = &buffers.InvariantError{Tier: t.Name(), Detail: err.Error()}
		}
		return &EvictionInvariantError{SessionID: m.id, Operation: op, Err: inv}
	}
	return nil
}

func (m *Manager) reportEvictionsLocked(evicted []buffers.Eviction) {
	if len(evicted) == 0 {
		return
	}
	byTier := make(map[buffers.TierName][]string)
	for _, ev := range evicted {
		byTier[ev.Tier] = append(byTier[ev.Tier], ev.ID)
	}
	for _, tier := range buffers.AllTiers {
		ids, ok := byTier[tier]
		if !ok {
			continue
		}
		m.recorder.Evicted(tier, len(ids))
		m.emitLocked(EventEviction, map[string]any{
			"tier":  string(tier),
			"ids":   ids,
			"count": len(ids),
		})
	}
}

// adaptLocked shrinks tier budgets while total usage is at or above
// AdaptThreshold of the usable window. Episodic and Semantic are cut
// together first; Immediate is cut only once both sit at MinTierBudget,
// and Working last. Budgets never grow back within a session.
func (m *Manager) adaptLocked() []buffers.Eviction {
	threshold := int(m.cfg.AdaptThreshold * float64(m.budgets.Usable))
	var evicted []buffers.Eviction
	for round := 0; round < maxAdaptRounds && m.totalUsageLocked() >= threshold; round++ {
		if !m.shrinkLocked() {
			break
		}
		m.adaptations++
		m.recorder.BudgetAdapted()
		evicted = append(evicted, m.immediate.EvictIfOverBudget()...)
		evicted = append(evicted, m.episodic.EvictIfOverBudget()...)
		m.emitLocked(EventBudgetAdapted, map[string]any{
			"immediate":  m.budgets.Immediate,
			"working":    m.budgets.Working,
			"episodic":   m.budgets.Episodic,
			"semantic":   m.budgets.Semantic,
			"totalUsage": m.totalUsageLocked(),
		})
		m.logger.Warn("context window nearly full, tier budgets reduced",
			slog.Int("round", round+1),
			slog.Int("episodic_budget", m.budgets.Episodic),
			slog.Int("semantic_budget", m.budgets.Semantic),
		)
	}
	return evicted
}

// shrinkLocked applies one round of cuts and reports whether any budget
// changed.
func (m *Manager) shrinkLocked() bool {
	ep, epOK := m.cut(m.budgets.Episodic)
	sem, semOK := m.cut(m.budgets.Semantic)
	if epOK || semOK {
		m.budgets.Episodic, m.budgets.Semantic = ep, sem
		m.episodic.ApplyBudget(ep)
		m.semantic.ApplyBudget(sem)
		return true
	}
	if im, ok := m.cut(m.budgets.Immediate); ok {
		m.budgets.Immediate = im
		m.immediate.ApplyBudget(im)
		return true
	}
	if wk, ok := m.cut(m.budgets.Working); ok {
		m.budgets.Working = wk
		m.working.ApplyBudget(wk)
		return true
	}
	return false
}

// cut reduces b by AdaptStep without going below MinTierBudget.
func (m *Manager) cut(b int) (int, bool) {
	floor := m.cfg.MinTierBudget
	if b <= floor {
		return b, false
	}
	next := int(float64(b) * (1 - m.cfg.AdaptStep))
	if next < floor {
		next = floor
	}
	return next, next < b
}

// truncateForEvent keeps at most 100 bytes of s for an event payload.
func truncateForEvent(s string) string {
	return tokens.TruncateBytes(s, 100)
}
