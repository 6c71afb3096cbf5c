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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gks281263/KMRL-sub001/pkg/ux"
	"github.com/gks281263/KMRL-sub001/services/opsync/store"
)

// clearScreen homes the cursor and clears the terminal.
const clearScreen = "\033[H\033[2J"

func (a *app) watchCmd() *cobra.Command {
	var (
		once     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show the live operator board in the terminal",
		Long: `Opens a live session and redraws the board as departures, incidents
and standby trains change. With --once the board is printed after the
initial bootstrap and the command exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.watch(cmd.Context(), once, interval)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "print the board once and exit")
	cmd.Flags().DurationVar(&interval, "refresh", time.Second, "minimum time between redraws")
	return cmd
}

func (a *app) watch(parent context.Context, once bool, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := a.newRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.session.Open(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	level := a.printer.Level()
	draw := func() {
		if level == ux.LevelFull && !once {
			fmt.Fprint(a.out, clearScreen)
		}
		fmt.Fprint(a.out, renderBoard(rt.store.Projection(), level, time.Now()))
	}
	draw()
	if once {
		return nil
	}

	if interval <= 0 {
		interval = time.Second
	}
	var dirty atomic.Bool
	unsubscribe := rt.store.Subscribe(func(store.Change) { dirty.Store(true) })
	defer unsubscribe()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if dirty.Swap(false) {
				draw()
			}
		}
	}
}
