package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/HatiCode/highwayvlm/pkg/archive"
)

const (
	tsLayout       = "2006-01-02 15:04:05"
	descriptionMax = 80
)

func newTable() table.Writer {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Format.Footer = text.FormatDefault
	return tbl
}

func printSummary(ctx context.Context, w io.Writer, db *archive.DB, opts *options) error {
	ov, err := db.Overview(ctx, opts.cameraID)
	if err != nil {
		return err
	}
	if opts.json {
		return writeJSON(w, ov)
	}

	scope := ov.CameraID
	if scope == "" {
		scope = "all cameras"
	}
	tbl := newTable()
	tbl.AppendRow(table.Row{"Scope", scope})
	tbl.AppendRow(table.Row{"Incident events", humanize.Comma(int64(ov.IncidentTotal))})
	tbl.AppendRow(table.Row{"Latest incident", withAge(ov.LatestIncidentAt, opts.now())})
	tbl.AppendRow(table.Row{"Hourly rows", humanize.Comma(int64(ov.HourlyTotal))})
	tbl.AppendRow(table.Row{"Latest hour", formatBucket(ov.LatestHourBucket)})
	fmt.Fprintln(w, tbl.Render())
	return nil
}

func printHourly(ctx context.Context, w io.Writer, db *archive.DB, opts *options, limit int) error {
	rows, err := db.ListHourly(ctx, archive.Filter{CameraID: opts.cameraID, Limit: limit})
	if err != nil {
		return err
	}
	if opts.json {
		if rows == nil {
			rows = []archive.HourlySnapshot{}
		}
		return writeJSON(w, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "No hourly snapshots found.")
		return nil
	}

	tbl := newTable()
	tbl.AppendHeader(table.Row{"Hour", "Camera", "Status", "Incidents", "Traffic", "Note"})
	tbl.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Incidents", Align: text.AlignRight},
		{Name: "Note", WidthMax: descriptionMax},
	})
	for _, r := range rows {
		tbl.AppendRow(table.Row{
			formatBucket(r.HourBucket),
			cameraLabel(r.CameraName, r.CameraID),
			orUnknown(r.Status),
			r.IncidentCount,
			orUnknown(r.TrafficState),
			hourlyNote(r),
		})
	}
	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d rows", len(rows))})
	fmt.Fprintln(w, tbl.Render())
	return nil
}

func printIncidents(ctx context.Context, w io.Writer, db *archive.DB, opts *options, limit int) error {
	events, err := db.ListIncidents(ctx, archive.Filter{CameraID: opts.cameraID, Limit: limit})
	if err != nil {
		return err
	}
	if opts.json {
		if events == nil {
			events = []archive.IncidentEvent{}
		}
		return writeJSON(w, events)
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "No incident events found.")
		return nil
	}

	now := opts.now()
	tbl := newTable()
	tbl.AppendHeader(table.Row{"Created", "Age", "Camera", "Type", "Severity", "Description"})
	tbl.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Description", WidthMax: descriptionMax},
	})
	for _, ev := range events {
		desc := ev.Description
		if desc == "" {
			desc = "No description"
		}
		tbl.AppendRow(table.Row{
			formatTime(ev.CreatedAt),
			humanize.RelTime(ev.CreatedAt, now, "ago", "from now"),
			cameraLabel(ev.CameraName, ev.CameraID),
			orUnknown(ev.Type),
			orUnknown(ev.Severity),
			desc,
		})
	}
	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d events", len(events))})
	fmt.Fprintln(w, tbl.Render())
	return nil
}

// hourlyNote picks the most useful detail of a heartbeat row.
func hourlyNote(r archive.HourlySnapshot) string {
	switch {
	case r.Error != "":
		return "error: " + archive.Redact(r.Error)
	case r.SkippedReason != "":
		return "skipped_reason: " + r.SkippedReason
	default:
		return r.Summary
	}
}

func cameraLabel(name, id string) string {
	if name != "" {
		return name
	}
	return orUnknown(id)
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "--"
	}
	return t.UTC().Format(tsLayout)
}

func formatBucket(bucket string) string {
	if bucket == "" {
		return "--"
	}
	t, err := time.Parse(time.RFC3339, bucket)
	if err != nil {
		return bucket
	}
	return formatTime(t)
}

func withAge(t, now time.Time) string {
	if t.IsZero() {
		return "--"
	}
	return fmt.Sprintf("%s (%s)", formatTime(t), humanize.RelTime(t, now, "ago", "from now"))
}
