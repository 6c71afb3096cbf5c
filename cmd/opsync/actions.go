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
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/gks281263/KMRL-sub001/services/opsync/actions"
	"github.com/gks281263/KMRL-sub001/services/opsync/backend"
	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
	"github.com/gks281263/KMRL-sub001/services/opsync/store"
)

// withGateway runs fn against a gateway bound to a scratch store. One-shot
// commands have no live view to reconcile, but still go through the same
// validation and error mapping as the dashboard.
func (a *app) withGateway(fn func(g *actions.Gateway, c *backend.Client) error) error {
	client, tok, err := a.newClient()
	if err != nil {
		return err
	}
	defer tok.Destroy()

	logger := a.logger.Slog()
	scratch := store.New(store.Options{Logger: logger})
	g := actions.New(client, scratch, actions.Config{Timeout: a.cfg.Session.ActionTimeout}, logger, nil)
	return fn(g, client)
}

func (a *app) markBoardedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mark-boarded DEPARTURE_ID",
		Short: "Mark a departure as boarded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withGateway(func(g *actions.Gateway, _ *backend.Client) error {
				d, err := g.MarkBoarded(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				a.printer.Success("departure " + d.ID + " boarded")
				a.printer.KeyValue(
					[2]string{"train", d.TrainID},
					[2]string{"status", string(d.Status)},
					[2]string{"variance", formatVariance(d)},
				)
				return nil
			})
		},
	}
}

func (a *app) reportIncidentCmd() *cobra.Command {
	var r domain.IncidentReport
	var typ, severity string
	cmd := &cobra.Command{
		Use:   "report-incident",
		Short: "Report an incident against a train",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r.Type = domain.IncidentType(typ)
			r.Severity = domain.Severity(severity)
			return a.withGateway(func(g *actions.Gateway, _ *backend.Client) error {
				inc, err := g.ReportIncident(cmd.Context(), r)
				if err != nil {
					return err
				}
				a.printer.Success("incident " + inc.ID + " reported")
				a.printer.KeyValue(
					[2]string{"train", inc.TrainID},
					[2]string{"severity", string(inc.Severity)},
					[2]string{"status", string(inc.Status)},
				)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&r.TrainID, "train", "", "train id (required)")
	f.StringVar(&r.ServiceID, "service", "", "affected service id")
	f.StringVar(&typ, "type", string(domain.IncidentOperational), "mechanical, electrical, operational, safety or other")
	f.StringVar(&severity, "severity", string(domain.SeverityMedium), "low, medium, high or critical")
	f.StringVar(&r.Description, "description", "", "what happened (required)")
	f.StringVar(&r.FaultCode, "fault-code", "", "equipment fault code")
	f.StringVar(&r.ReportedBy, "reported-by", os.Getenv("USER"), "reporter")
	_ = cmd.MarkFlagRequired("train")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func (a *app) deployStandbyCmd() *cobra.Command {
	var auto bool
	cmd := &cobra.Command{
		Use:   "deploy-standby STANDBY_ID SERVICE_ID",
		Short: "Dispatch a standby train to replace a service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withGateway(func(g *actions.Gateway, _ *backend.Client) error {
				dep, err := g.DeployStandby(cmd.Context(), args[0], args[1], auto)
				if err != nil {
					return err
				}
				a.printer.Success("deployment " + dep.ID + " created")
				a.printer.KeyValue(
					[2]string{"standby", dep.StandbyTrainID},
					[2]string{"replaces", dep.ReplacedServiceID},
					[2]string{"status", string(dep.Status)},
				)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&auto, "auto", false, "record the deployment as automatic")
	return cmd
}

func (a *app) policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show or change the auto-deploy policy",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the current auto-deploy policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withGateway(func(_ *actions.Gateway, c *backend.Client) error {
				p, err := fetchPolicy(cmd.Context(), c, a.cfg.Session.ActionTimeout)
				if err != nil {
					return err
				}
				a.printPolicy(p)
				return nil
			})
		},
	}

	var next domain.AutoDeployPolicy
	set := &cobra.Command{
		Use:   "set",
		Short: "Change selected fields of the auto-deploy policy",
		Long: `Reads the current policy, applies only the flags given on the command
line, and stores the result.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withGateway(func(g *actions.Gateway, c *backend.Client) error {
				p, err := fetchPolicy(cmd.Context(), c, a.cfg.Session.ActionTimeout)
				if err != nil {
					return err
				}
				f := cmd.Flags()
				if f.Changed("enabled") {
					p.Enabled = next.Enabled
				}
				if f.Changed("delay-threshold") {
					p.DelayThresholdMinutes = next.DelayThresholdMinutes
				}
				if f.Changed("max-standby") {
					p.MaxStandbyUsage = next.MaxStandbyUsage
				}
				if f.Changed("require-confirmation") {
					p.RequireConfirmation = next.RequireConfirmation
				}
				if f.Changed("notify") {
					p.NotifyOnDeploy = next.NotifyOnDeploy
				}
				stored, err := g.UpdateAutoDeployPolicy(cmd.Context(), p)
				if err != nil {
					return err
				}
				a.printer.Success("policy updated")
				a.printPolicy(stored)
				return nil
			})
		},
	}
	f := set.Flags()
	f.BoolVar(&next.Enabled, "enabled", false, "enable automatic standby deployment")
	f.IntVar(&next.DelayThresholdMinutes, "delay-threshold", 0, "delay in minutes that triggers a deployment")
	f.IntVar(&next.MaxStandbyUsage, "max-standby", 0, "maximum standby trains in use at once")
	f.BoolVar(&next.RequireConfirmation, "require-confirmation", false, "require operator confirmation")
	f.BoolVar(&next.NotifyOnDeploy, "notify", false, "notify on deployment")

	cmd.AddCommand(show, set)
	return cmd
}

func fetchPolicy(ctx context.Context, c *backend.Client, timeout time.Duration) (domain.AutoDeployPolicy, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.Policy(ctx)
}

func (a *app) printPolicy(p domain.AutoDeployPolicy) {
	a.printer.KeyValue(
		[2]string{"enabled", strconv.FormatBool(p.Enabled)},
		[2]string{"delay_threshold_minutes", strconv.Itoa(p.DelayThresholdMinutes)},
		[2]string{"max_standby_usage", strconv.Itoa(p.MaxStandbyUsage)},
		[2]string{"require_confirmation", strconv.FormatBool(p.RequireConfirmation)},
		[2]string{"notify_on_deploy", strconv.FormatBool(p.NotifyOnDeploy)},
	)
}
