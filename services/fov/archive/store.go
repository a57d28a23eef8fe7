// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive keeps the final state of removed FOV sessions in BadgerDB.
//
// The archive is a post-mortem sink: the registry hands it a session's
// debug view and event log just before the session is dropped, and the
// archive endpoints read them back. Live sessions never touch it.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianFOV/services/fov/session"
)

// ErrNotFound is returned by Get for an id that was never archived or
// has expired.
var ErrNotFound = errors.New("archived session not found")

const (
	recordPrefix = "fov/record/"
	entryPrefix  = "fov/entry/"
)

// Entry is the listing form of an archived session.
type Entry struct {
	SessionID    string        `json:"sessionId"`
	CurriculumID string        `json:"curriculumId"`
	Reason       string        `json:"reason"`
	FinalState   session.State `json:"finalState"`
	TurnCount    int           `json:"turnCount"`
	ArchivedAt   time.Time     `json:"archivedAt"`
}

// Record is an archived session.
type Record struct {
	Entry
	View   session.DebugView `json:"view"`
	Events []session.Event   `json:"events"`
}

// Store is a BadgerDB-backed session archive. It implements
// registry.Archiver.
//
// Thread Safety: Store is safe for concurrent use.
type Store struct {
	db     *badger.DB
	gc     *gcRunner
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Open opens the archive database.
//
// # Description
//
// Opens BadgerDB per cfg and, for persistent archives with a GC
// interval, starts value log garbage collection.
//
// # Inputs
//
//   - cfg: archive configuration. Path is required unless InMemory.
//   - logger: receives badger and archive logs. Nil uses slog.Default.
//
// # Outputs
//
//   - *Store: the open archive. Caller must Close it.
//   - error: non-nil if the database cannot be opened.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := openDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, cfg: cfg, logger: logger, now: time.Now}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		gc, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create archive GC runner: %w", err)
		}
		s.gc = gc
	}
	return s, nil
}

// Archive stores the final view and event log of a session, replacing any
// earlier record with the same id.
func (s *Store) Archive(ctx context.Context, reason string, view session.DebugView, events []session.Event) error {
	rec := Record{
		Entry: Entry{
			SessionID:    view.SessionID,
			CurriculumID: view.CurriculumID,
			Reason:       reason,
			FinalState:   view.State,
			TurnCount:    view.TurnCount,
			ArchivedAt:   s.now().UTC(),
		},
		View:   view,
		Events: events,
	}
	recData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal archive record %s: %w", view.SessionID, err)
	}
	entryData, err := json.Marshal(rec.Entry)
	if err != nil {
		return fmt.Errorf("marshal archive entry %s: %w", view.SessionID, err)
	}

	err = withTxn(ctx, s.db, func(txn *badger.Txn) error {
		if err := txn.SetEntry(s.entry(recordPrefix+view.SessionID, recData)); err != nil {
			return err
		}
		return txn.SetEntry(s.entry(entryPrefix+view.SessionID, entryData))
	})
	if err != nil {
		return fmt.Errorf("archive session %s: %w", view.SessionID, err)
	}
	s.logger.Debug("session archived",
		slog.String("session_id", view.SessionID),
		slog.String("reason", reason),
		slog.Int("events", len(events)),
	)
	return nil
}

func (s *Store) entry(key string, value []byte) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if s.cfg.Retention > 0 {
		e = e.WithTTL(s.cfg.Retention)
	}
	return e
}

// Get returns the archived record for id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns archived sessions, most recently archived first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	out := []Entry{}
	prefix := []byte(entryPrefix)
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode archive entry %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b Entry) int {
		if c := b.ArchivedAt.Compare(a.ArchivedAt); c != 0 {
			return c
		}
		if a.SessionID < b.SessionID {
			return -1
		}
		if a.SessionID > b.SessionID {
			return 1
		}
		return 0
	})
	return out, nil
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}
