// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFOV/services/fov/buffers"
	"github.com/AleutianAI/AleutianFOV/services/fov/registry"
	"github.com/AleutianAI/AleutianFOV/services/fov/session"
)

var _ registry.Archiver = (*Store)(nil)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func view(id string, turns int) session.DebugView {
	return session.DebugView{Summary: session.Summary{
		SessionID:    id,
		CurriculumID: "bio-101",
		State:        session.StateEnded,
		TurnCount:    turns,
	}}
}

func TestStore_ArchiveAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	events := []session.Event{
		{Seq: 1, SessionID: "s1", Type: session.EventCreated},
		{Seq: 2, SessionID: "s1", Type: session.EventTurn, Data: map[string]any{"role": "user"}},
	}
	require.NoError(t, s.Archive(ctx, registry.ReasonDeleted, view("s1", 4), events))

	rec, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, registry.ReasonDeleted, rec.Reason)
	assert.Equal(t, session.StateEnded, rec.FinalState)
	assert.Equal(t, 4, rec.View.TurnCount)
	require.Len(t, rec.Events, 2)
	assert.Equal(t, "user", rec.Events[1].Data["role"])
}

func TestStore_GetUnknown(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		at := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return at }
		require.NoError(t, s.Archive(ctx, registry.ReasonIdle, view(id, i), nil))
	}

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{entries[0].SessionID, entries[1].SessionID, entries[2].SessionID})
}

func TestStore_ArchiveReplaces(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Archive(ctx, registry.ReasonIdle, view("s1", 1), nil))
	require.NoError(t, s.Archive(ctx, registry.ReasonShutdown, view("s1", 9), nil))

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, registry.ReasonShutdown, entries[0].Reason)
	assert.Equal(t, 9, entries[0].TurnCount)
}

func TestStore_CancelledContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Archive(ctx, registry.ReasonDeleted, view("s1", 0), nil)
	assert.ErrorContains(t, err, "context cancelled")
}

func TestStore_RegistryIntegration(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	r := registry.New(registry.Config{Session: session.DefaultConfig()}, registry.WithArchiver(s))

	m, err := r.Create(ctx, registry.CreateParams{CurriculumID: "bio-101", ModelContextWindow: 32000})
	require.NoError(t, err)
	_, err = m.Start(ctx)
	require.NoError(t, err)
	_, err = m.AddTurn(ctx, buffers.RoleUser, "What is chlorophyll?")
	require.NoError(t, err)

	require.True(t, r.Delete(ctx, m.ID()))

	rec, err := s.Get(ctx, m.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.TurnCount)
	assert.Equal(t, session.StateActive, rec.FinalState)
	assert.GreaterOrEqual(t, len(rec.Events), 3)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{}, nil)
	assert.ErrorContains(t, err, "path is required")
}

func TestOpen_Persistent(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()

	s, err := Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Archive(ctx, registry.ReasonDeleted, view("p1", 2), nil))
	require.NoError(t, s.Close())

	s2, err := Open(cfg, nil)
	require.NoError(t, err)
	defer s2.Close()
	rec, err := s2.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.TurnCount)
}
