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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/gks281263/KMRL-sub001/pkg/clock"
	"github.com/gks281263/KMRL-sub001/pkg/extensions"
	"github.com/gks281263/KMRL-sub001/services/opsync/config"
	"github.com/gks281263/KMRL-sub001/services/opsync/dashboard"
	"github.com/gks281263/KMRL-sub001/services/opsync/history"
	"github.com/gks281263/KMRL-sub001/services/opsync/telemetry"
)

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the live session and the dashboard API",
		Long: `Bootstraps the operations view, subscribes to the push channel and
serves the reconciled projection over HTTP and a WebSocket stream until
interrupted. The config file is watched; log level and insert policy
are applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Dashboard.Addr = addr
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "dashboard listen address (overrides dashboard.addr)")
	return cmd
}

func (a *app) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := a.logger.Slog()

	shutdownTelemetry, err := telemetry.Init(ctx, a.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(otel.Meter(telemetry.InstrumentationName))
	if err != nil {
		return fmt.Errorf("telemetry metrics: %w", err)
	}

	rt, err := a.newRuntime(metrics)
	if err != nil {
		return err
	}
	defer rt.Close()

	if a.cfg.History.Enabled {
		detach, err := a.startHistory(ctx, rt)
		if err != nil {
			return err
		}
		defer detach()
	}

	watcher, err := config.NewWatcher(a.cfgPath, func(c config.Config) {
		a.logger.SetLevel(c.LogLevel())
		rt.store.SetDedupInserts(c.Store.DedupInserts)
		logger.Info("config reloaded", "level", c.Logging.Level, "dedup_inserts", c.Store.DedupInserts)
	}, 0, logger)
	if err != nil {
		logger.Warn("config watch disabled", "path", a.cfgPath, "error", err)
	} else if err := watcher.Start(ctx); err != nil {
		watcher.Stop()
		logger.Warn("config watch disabled", "path", a.cfgPath, "error", err)
	} else {
		defer watcher.Stop()
	}

	srv, err := dashboard.New(dashboard.Config{
		Addr:         a.cfg.Dashboard.Addr,
		ServiceName:  a.cfg.Telemetry.ServiceName,
		StreamBuffer: a.cfg.Dashboard.StreamBuffer,
	}, dashboard.Deps{
		Source:         rt.store,
		Commands:       rt.session,
		Control:        rt.session,
		Metrics:        dashboard.NewStreamMetrics(nil),
		MetricsHandler: telemetry.MetricsHandler(),
		Extensions:     a.dashboardExtensions(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	if err := rt.session.Open(ctx); err != nil {
		srv.Close()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	a.printer.Success(fmt.Sprintf("session %s open, dashboard on %s", rt.session.ID(), a.cfg.Dashboard.Addr))

	return srv.Run(ctx)
}

// dashboardExtensions enables token auth when operators are configured.
// The audit trail is always kept.
func (a *app) dashboardExtensions() extensions.ServiceOptions {
	opts := extensions.DefaultOptions().
		WithAudit(extensions.NewMemoryAuditLogger(a.cfg.Dashboard.AuditCapacity, a.logger.Slog()))
	if ops := a.cfg.Dashboard.Operators; len(ops) > 0 {
		opts = opts.
			WithAuth(extensions.NewStaticTokenProvider(ops)).
			WithAuthz(extensions.NewRoleAuthz(nil))
	}
	return opts
}

// startHistory dials InfluxDB and attaches a variance recorder to the
// store. The returned func stops and closes everything.
func (a *app) startHistory(ctx context.Context, rt *runtime) (func(), error) {
	h := a.cfg.History
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	sink, err := history.Dial(dialCtx, h.URL, h.Token, h.Org, h.Bucket)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	rec := history.New(sink, history.Config{}, clock.Real(), a.logger.Slog())
	detach := rec.Attach(rt.store)
	rec.Start(ctx)
	return func() {
		detach()
		rec.Stop()
		sink.Close()
	}, nil
}
