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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gks281263/KMRL-sub001/pkg/ux"
	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
	"github.com/gks281263/KMRL-sub001/services/opsync/store"
)

// renderBoard formats a projection as the operator board.
func renderBoard(p store.Projection, level ux.Level, now time.Time) string {
	var b strings.Builder
	full := level == ux.LevelFull

	title := fmt.Sprintf("%s KMRL operations", ux.IconTrain)
	conn := p.ConnectionState
	if conn == "" {
		conn = "disconnected"
	}
	updated := "never"
	if !p.LastUpdated.IsZero() {
		updated = p.LastUpdated.Format("15:04:05")
	}
	if full {
		icon := ux.IconSuccess
		if !p.Connected {
			icon = ux.IconWarning
		}
		b.WriteString(ux.Styles.Title.Render(title))
		fmt.Fprintf(&b, "\n%s %s  %s\n", icon.Render(), conn, ux.Styles.Muted.Render("updated "+updated))
	} else {
		fmt.Fprintf(&b, "connection=%s updated=%s\n", conn, updated)
	}

	for _, msg := range []string{p.Errors.Connection, p.Errors.Sync, p.Errors.Action} {
		if msg == "" {
			continue
		}
		if full {
			fmt.Fprintf(&b, "%s %s\n", ux.IconError.Render(), ux.Styles.Error.Render(msg))
		} else {
			fmt.Fprintf(&b, "error: %s\n", msg)
		}
	}

	if s := p.Snapshot; s != nil {
		fmt.Fprintf(&b, "system=%s services=%d on_time=%d delayed=%d cancelled=%d incidents=%d standby=%d/%d\n",
			s.SystemStatus, s.TotalServices, s.OnTimeServices, s.DelayedServices, s.CancelledServices,
			s.ActiveIncidents, s.DeployedStandby, s.AvailableStandby+s.DeployedStandby)
	}
	b.WriteByte('\n')

	b.WriteString(section(full, "Departures"))
	rows := make([][]string, 0, len(p.Departures))
	tones := make([]ux.Tone, 0, len(p.Departures))
	for _, d := range p.Departures {
		rows = append(rows, []string{
			d.TrainID,
			d.RouteID,
			d.Destination,
			d.PlannedDeparture.Local().Format("15:04"),
			string(d.Status),
			formatVariance(d),
			yesNo(d.Boarded),
		})
		tones = append(tones, departureTone(d, now))
	}
	b.WriteString(ux.Table(level, []string{"TRAIN", "ROUTE", "DEST", "PLANNED", "STATUS", "VARIANCE", "BOARDED"}, rows, tones))

	active := make([][]string, 0)
	activeTones := make([]ux.Tone, 0)
	for _, i := range p.Incidents {
		if !i.Active() {
			continue
		}
		active = append(active, []string{
			i.ID,
			i.TrainID,
			string(i.Type),
			string(i.Severity),
			string(i.Status),
			i.Description,
		})
		activeTones = append(activeTones, severityTone(i.Severity))
	}
	if len(active) > 0 {
		b.WriteByte('\n')
		b.WriteString(section(full, "Active incidents"))
		b.WriteString(ux.Table(level, []string{"ID", "TRAIN", "TYPE", "SEVERITY", "STATUS", "DESCRIPTION"}, active, activeTones))
	}

	if len(p.StandbyTrains) > 0 {
		b.WriteByte('\n')
		b.WriteString(section(full, "Standby"))
		rows := make([][]string, 0, len(p.StandbyTrains))
		tones := make([]ux.Tone, 0, len(p.StandbyTrains))
		for _, t := range p.StandbyTrains {
			rows = append(rows, []string{t.ID, t.TrainID, t.Location, string(t.Status), strconv.Itoa(t.Priority)})
			tone := ux.ToneNormal
			switch t.Status {
			case domain.StandbyAvailable:
				tone = ux.ToneGood
			case domain.StandbyMaintenance:
				tone = ux.ToneMuted
			}
			tones = append(tones, tone)
		}
		b.WriteString(ux.Table(level, []string{"ID", "TRAIN", "LOCATION", "STATUS", "PRIORITY"}, rows, tones))
	}
	return b.String()
}

func section(full bool, name string) string {
	if full {
		return ux.Styles.Bold.Render(name) + "\n"
	}
	return "# " + strings.ToLower(name) + "\n"
}

// formatVariance renders the signed delay, or "-" before departure.
func formatVariance(d domain.ServiceDeparture) string {
	v, ok := d.Variance()
	if !ok {
		return "-"
	}
	if v > 0 {
		return "+" + v.String()
	}
	return v.String()
}

// departureTone highlights delayed and failed services, and scheduled
// ones whose planned time has passed.
func departureTone(d domain.ServiceDeparture, now time.Time) ux.Tone {
	switch d.Status {
	case domain.DepartureFault, domain.DepartureCancelled:
		return ux.ToneBad
	case domain.DepartureDelayed:
		return ux.ToneWarn
	case domain.DepartureDeparted:
		return ux.ToneGood
	case domain.DepartureScheduled:
		if now.After(d.PlannedDeparture) {
			return ux.ToneWarn
		}
	}
	if d.Fault {
		return ux.ToneBad
	}
	return ux.ToneNormal
}

func severityTone(s domain.Severity) ux.Tone {
	switch s {
	case domain.SeverityCritical, domain.SeverityHigh:
		return ux.ToneBad
	case domain.SeverityMedium:
		return ux.ToneWarn
	default:
		return ux.ToneNormal
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
