// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFOV/pkg/ux"
	"github.com/AleutianAI/AleutianFOV/services/fov/handlers"
	"github.com/AleutianAI/AleutianFOV/services/fov/registry"
	"github.com/AleutianAI/AleutianFOV/services/fov/session"
)

// statusClient reads the health and session list of a running service.
type statusClient struct {
	baseURL string
	http    *http.Client
}

func newStatusClient(baseURL string) *statusClient {
	return &statusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *statusClient) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("service unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var e handlers.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("GET %s: %s (%s)", path, e.Error, e.Code)
		}
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// runStatus prints the registry health followed by one row per session.
func runStatus(ctx context.Context, c *statusClient, p *ux.Printer) error {
	var health registry.Health
	if err := c.getJSON(ctx, "/health", &health); err != nil {
		p.Error(err.Error())
		return err
	}
	var list handlers.SessionListResponse
	if err := c.getJSON(ctx, "/sessions", &list); err != nil {
		p.Error(err.Error())
		return err
	}

	p.Title("FOV service " + c.baseURL)
	if health.Status == registry.StatusHealthy {
		p.Success("registry healthy")
	} else {
		p.Warning(fmt.Sprintf("registry %s: %d issue(s)", health.Status, len(health.Issues)))
		for _, is := range health.Issues {
			p.Warning(is.SessionID + ": " + is.Error)
		}
	}

	lastCheck := "never"
	if health.LastCheck != nil {
		lastCheck = health.LastCheck.Format(time.RFC3339)
	}
	s := health.Sessions
	p.KeyValues(
		"sessions", strconv.Itoa(s.Total),
		"active", strconv.Itoa(s.Active),
		"paused", strconv.Itoa(s.Paused),
		"created", strconv.Itoa(s.Created),
		"ended", strconv.Itoa(s.Ended),
		"last check", lastCheck,
	)

	if len(list.Sessions) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(list.Sessions))
	for _, sum := range list.Sessions {
		rows = append(rows, sessionRow(p, sum))
	}
	p.Table([]string{"SESSION", "CURRICULUM", "STATE", "TOPIC", "TURNS", "BARGE-INS", "CONTEXT"}, rows)
	return nil
}

func sessionRow(p *ux.Printer, s session.Summary) []string {
	topic := s.CurrentTopicID
	if topic == "" {
		topic = "-"
	}
	usage := 0.0
	if s.ModelContextWindow > 0 {
		usage = float64(s.TotalContextTokens) / float64(s.ModelContextWindow)
	}
	return []string{
		s.SessionID,
		s.CurriculumID,
		string(s.State),
		topic,
		strconv.Itoa(s.TurnCount),
		strconv.Itoa(s.BargeInCount),
		p.UsageBar(usage, 10),
	}
}
