// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SweeperConfig holds the sweep interval.
type SweeperConfig struct {
	Interval time.Duration
}

// DefaultSweeperConfig returns a 30 second interval.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{Interval: 30 * time.Second}
}

// Sweeper runs Registry.Sweep in the background.
//
// # Description
//
// Uses the ticker + done channel pattern: one sweep runs immediately on
// start, then one per interval until Stop is called or the context is
// cancelled.
//
// # Thread Safety
//
// Start, Stop and RunNow are safe for concurrent use.
type Sweeper struct {
	registry *Registry
	config   SweeperConfig
	logger   *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
	running bool
}

// NewSweeper creates a sweeper. A non-positive interval uses the default.
func NewSweeper(r *Registry, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweeperConfig().Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{registry: r, config: cfg, logger: logger}
}

// Start launches the sweep loop.
//
// # Outputs
//
//   - error: non-nil if the sweeper is already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	s.logger.Info("session sweeper starting", slog.Duration("interval", s.config.Interval))
	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop and waits for the current sweep to finish. Safe
// to call more than once.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	close(s.done)
	s.running = false
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	return nil
}

// RunNow performs one sweep immediately.
func (s *Sweeper) RunNow(ctx context.Context) SweepResult {
	return s.registry.Sweep(ctx)
}

func (s *Sweeper) runLoop(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.execute(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session sweeper stopped (context cancelled)")
			return
		case <-done:
			s.logger.Info("session sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			s.execute(ctx)
		}
	}
}

func (s *Sweeper) execute(ctx context.Context) {
	res := s.registry.Sweep(ctx)
	if res.Idle > 0 || res.Expired > 0 || res.Check.Status != StatusHealthy {
		s.logger.Info("session sweep completed",
			slog.Int("checked", res.Check.Checked),
			slog.Int("issues", len(res.Check.Issues)),
			slog.Int("idle_removed", res.Idle),
			slog.Int("ended_removed", res.Expired),
		)
		return
	}
	s.logger.Debug("session sweep completed (nothing to do)")
}
