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
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gks281263/KMRL-sub001/pkg/logging"
	"github.com/gks281263/KMRL-sub001/pkg/ux"
	"github.com/gks281263/KMRL-sub001/services/opsync/actions"
	"github.com/gks281263/KMRL-sub001/services/opsync/backend"
	"github.com/gks281263/KMRL-sub001/services/opsync/config"
)

// app is the state shared by every command of one invocation.
type app struct {
	out    io.Writer
	errOut io.Writer

	// flags
	cfgPath  string
	output   string
	logLevel string

	cfg     config.Config
	printer *ux.Printer
	logger  *logging.Logger
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string, out, errOut io.Writer) int {
	a := &app{out: out, errOut: errOut}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(ctx)
	if a.logger != nil {
		a.logger.Close()
	}
	if err == nil {
		return 0
	}
	if a.printer == nil {
		a.printer = ux.NewPrinter(out, errOut, ux.LevelMachine)
	}
	a.printer.Error(userMessage(err))
	return 1
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "opsync",
		Short: "Live train-operations sync for the KMRL induction dashboard",
		Long: `opsync bootstraps departures, incidents, standby trains and deployments
from the operations backend, keeps them current from the push channel,
and serves the reconciled view to dashboards.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default $OPSYNC_CONFIG or ~/.opsync/opsync.yaml)")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "", "output level: full, minimal, machine (default: auto)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		a.serveCmd(),
		a.watchCmd(),
		a.healthCmd(),
		a.markBoardedCmd(),
		a.reportIncidentCmd(),
		a.deployStandbyCmd(),
		a.policyCmd(),
		a.configCmd(),
	)
	return root
}

// setup loads configuration and builds the printer and logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	level := ux.DetectLevel(a.out)
	if a.output != "" {
		level = ux.ParseLevel(a.output)
	}
	a.printer = ux.NewPrinter(a.out, a.errOut, level)

	if a.cfgPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		a.cfgPath = p
	}

	// "config init" must work when the existing file is broken.
	if cmd.Annotations["skipConfig"] == "true" {
		a.cfg = config.DefaultConfig()
	} else {
		cfg, err := config.Load(a.cfgPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	if a.logLevel != "" {
		a.cfg.Logging.Level = a.logLevel
		if err := a.cfg.Validate(); err != nil {
			return err
		}
	}

	a.logger = logging.New(logging.Config{
		Level:   a.cfg.LogLevel(),
		LogDir:  a.cfg.Logging.Dir,
		Service: "opsync",
		JSON:    a.cfg.Logging.JSON,
		Output:  a.errOut,
	})
	slog.SetDefault(a.logger.Slog())
	return nil
}

// newClient builds the REST client with the configured token.
func (a *app) newClient() (*backend.Client, *backend.SecretToken, error) {
	tok := backend.NewSecretToken(a.cfg.Backend.APIToken)
	a.cfg.Backend.APIToken = ""
	client, err := backend.New(a.cfg.Backend.Config,
		backend.WithToken(tok),
		backend.WithLogger(a.logger.Slog()),
	)
	if err != nil {
		tok.Destroy()
		return nil, nil, err
	}
	return client, tok, nil
}

// userMessage prefers the plain message carried by action and API errors.
func userMessage(err error) string {
	var ae *actions.ActionError
	if errors.As(err, &ae) {
		return fmt.Sprintf("%s failed: %s", ae.Action, ae.Message)
	}
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		return backend.Message(err)
	}
	return err.Error()
}
