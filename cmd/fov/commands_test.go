// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFOV/pkg/ux"
	"github.com/AleutianAI/AleutianFOV/services/fov/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigShow_PrintsDefaults(t *testing.T) {
	out, err := execute(t, "config", "show", "--config", filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "port: 12230")
	assert.Contains(t, out, "reserved_output: 10")
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(good, []byte("server:\n  port: 9000\n"), 0o600))
	require.NoError(t, os.WriteFile(bad, []byte("server:\n  port: 0\n"), 0o600))

	out, err := execute(t, "config", "validate", good, "-o", "plain")
	require.NoError(t, err)
	assert.Contains(t, out, "OK: configuration is valid")

	out, err = execute(t, "config", "validate", bad, "-o", "plain")
	assert.Error(t, err)
	assert.Contains(t, out, "ERROR: invalid configuration")
}

func TestApplyServeFlags_OnlyChangedFlagsOverride(t *testing.T) {
	g := &globalFlags{}
	cmd := newServeCmd(g)
	require.NoError(t, cmd.ParseFlags([]string{"--port", "9100", "--archive-path", "/tmp/fov-archive"}))

	cfg := config.DefaultConfig()
	cfg.Logging.Level = "debug"
	require.NoError(t, applyServeFlags(cmd, &serveFlags{port: 9100, logLevel: "info", archivePath: "/tmp/fov-archive"}, &cfg))

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level, "unset flag keeps the configured level")
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, "/tmp/fov-archive", cfg.Archive.Path)
}

func TestApplyServeFlags_Validates(t *testing.T) {
	cmd := newServeCmd(&globalFlags{})
	require.NoError(t, cmd.ParseFlags([]string{"--log-level", "chatty"}))

	cfg := config.DefaultConfig()
	err := applyServeFlags(cmd, &serveFlags{logLevel: "chatty"}, &cfg)
	assert.ErrorContains(t, err, "log level")
}

func fakeService(t *testing.T, healthBody, sessionsBody string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(healthBody))
	})
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sessionsBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunStatus_Plain(t *testing.T) {
	srv := fakeService(t,
		`{"status":"healthy","sessions":{"total":1,"created":0,"active":1,"paused":0,"ended":0}}`,
		`{"sessions":[{"sessionId":"s1","curriculumId":"bio-101","state":"active","modelContextWindow":1000,"turnCount":3,"bargeInCount":1,"currentTopicId":"photosynthesis","totalContextTokens":250}]}`,
	)
	var out bytes.Buffer
	err := runStatus(context.Background(), newStatusClient(srv.URL+"/"), ux.NewPrinter(&out, ux.ModePlain))
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "OK: registry healthy")
	assert.Contains(t, text, "sessions\t1")
	assert.Contains(t, text, "last check\tnever")
	assert.Contains(t, text, "s1\tbio-101\tactive\tphotosynthesis\t3\t1\t25%")
}

func TestRunStatus_Degraded(t *testing.T) {
	srv := fakeService(t,
		`{"status":"degraded","sessions":{"total":1},"issues":[{"sessionId":"s9","error":"immediate tier over budget"}]}`,
		`{"sessions":[]}`,
	)
	var out bytes.Buffer
	require.NoError(t, runStatus(context.Background(), newStatusClient(srv.URL), ux.NewPrinter(&out, ux.ModePlain)))
	assert.Contains(t, out.String(), "WARN: registry degraded: 1 issue(s)")
	assert.Contains(t, out.String(), "WARN: s9: immediate tier over budget")
}

func TestRunStatus_ErrorBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit exceeded","code":"rate_limited"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var out bytes.Buffer
	err := runStatus(context.Background(), newStatusClient(srv.URL), ux.NewPrinter(&out, ux.ModePlain))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "rate_limited"), err.Error())
}

func TestRunStatus_Unreachable(t *testing.T) {
	var out bytes.Buffer
	err := runStatus(context.Background(), newStatusClient("http://127.0.0.1:1"), ux.NewPrinter(&out, ux.ModePlain))
	assert.ErrorContains(t, err, "service unreachable")
}
