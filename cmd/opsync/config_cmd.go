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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gks281263/KMRL-sub001/services/opsync/config"
)

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the opsync configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a default config file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skipConfig": "true"},
		RunE: func(_ *cobra.Command, _ []string) error {
			if _, err := os.Stat(a.cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", a.cfgPath)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := config.Save(a.cfgPath, config.DefaultConfig()); err != nil {
				return err
			}
			a.printer.Success("wrote " + a.cfgPath)
			a.printer.Info("set " + config.EnvAPIToken + " to authenticate against the backend")
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c := a.cfg
			if c.Backend.APIToken != "" {
				c.Backend.APIToken = "<redacted>"
			}
			if c.History.Token != "" {
				c.History.Token = "<redacted>"
			}
			c.Dashboard.Operators = slices.Clone(c.Dashboard.Operators)
			for i := range c.Dashboard.Operators {
				c.Dashboard.Operators[i].Token = "<redacted>"
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			a.printer.Title("# " + a.cfgPath)
			_, err = a.out.Write(out)
			return err
		},
	}

	cmd.AddCommand(initCmd, show)
	return cmd
}
