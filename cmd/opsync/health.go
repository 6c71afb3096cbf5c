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
	"time"

	"github.com/spf13/cobra"
)

func (a *app) healthCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the operations backend is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, tok, err := a.newClient()
			if err != nil {
				return err
			}
			defer tok.Destroy()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			start := time.Now()
			if err := client.Health(ctx); err != nil {
				return fmt.Errorf("backend %s unhealthy: %w", client.BaseURL(), err)
			}
			a.printer.Success("backend healthy")
			a.printer.KeyValue(
				[2]string{"url", client.BaseURL()},
				[2]string{"latency", time.Since(start).Round(time.Millisecond).String()},
				[2]string{"breaker", client.Breaker().State().String()},
			)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")
	return cmd
}
