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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFOV/pkg/logging"
	"github.com/AleutianAI/AleutianFOV/pkg/ux"
	"github.com/AleutianAI/AleutianFOV/services/fov"
	"github.com/AleutianAI/AleutianFOV/services/fov/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	output     string
}

func (g *globalFlags) printer(cmd *cobra.Command) *ux.Printer {
	return ux.NewPrinter(cmd.OutOrStdout(), ux.ParseMode(g.output))
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "fov",
		Short:         "Field-of-view context manager for voice tutoring sessions",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to the YAML config file")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "auto", "output style: auto, rich or plain")

	root.AddCommand(newServeCmd(g), newStatusCmd(g), newConfigCmd(g))
	return root
}

// =============================================================================
// serve
// =============================================================================

type serveFlags struct {
	port        int
	logLevel    string
	archivePath string
	ginMode     string
}

func newServeCmd(g *globalFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the FOV HTTP service",
		Long: `Runs the FOV context service until interrupted.

Configuration is read from --config, then FOV_* and OTEL_* environment
variables, then the flags below. On SIGINT or SIGTERM, in-flight requests
drain, live sessions are ended and, if the archive is enabled, archived.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			if err := applyServeFlags(cmd, f, &cfg); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&f.port, "port", "p", config.DefaultPort, "HTTP port")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	cmd.Flags().StringVar(&f.archivePath, "archive-path", "", "enable the session archive at this directory")
	cmd.Flags().StringVar(&f.ginMode, "gin-mode", "release", "debug, release or test")
	return cmd
}

// applyServeFlags overrides cfg with the flags the user actually set.
func applyServeFlags(cmd *cobra.Command, f *serveFlags, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = f.port
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if flags.Changed("archive-path") {
		cfg.Archive.Enabled = true
		cfg.Archive.InMemory = false
		cfg.Archive.Path = f.archivePath
	}
	if flags.Changed("gin-mode") {
		cfg.Server.GinMode = f.ginMode
	}
	return cfg.Validate()
}

func runServe(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := fov.New(ctx, cfg, &fov.Options{Logger: logger.Slog()})
	if err != nil {
		logger.Slog().Error("failed to start FOV service", slog.String("error", err.Error()))
		return err
	}
	return svc.Run(ctx)
}

// =============================================================================
// status
// =============================================================================

func newStatusCmd(g *globalFlags) *cobra.Command {
	var (
		server  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health and live sessions of a running service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runStatus(ctx, newStatusClient(server), g.printer(cmd))
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", fmt.Sprintf("http://localhost:%d", config.DefaultPort), "service base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

// =============================================================================
// config
// =============================================================================

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration as YAML",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(g.configPath)
				if err != nil {
					return err
				}
				data, err := cfg.Marshal()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
		&cobra.Command{
			Use:   "validate [file]",
			Short: "Check a configuration file",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := g.configPath
				if len(args) == 1 {
					path = args[0]
				}
				p := g.printer(cmd)
				if _, err := config.Load(path); err != nil {
					p.Error(err.Error())
					return err
				}
				p.Success("configuration is valid")
				return nil
			},
		},
	)
	return cmd
}
