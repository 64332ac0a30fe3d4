package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/HatiCode/highwayvlm/pkg/archive"
)

const defaultDBPath = "data/highwayvlm.db"

type options struct {
	dbPath   string
	cameraID string
	json     bool
	interval time.Duration
	count    int
	now      func() time.Time
}

func newRootCmd() *cobra.Command {
	opts := &options{now: time.Now}

	root := &cobra.Command{
		Use:   "archivectl",
		Short: "Inspect the HighwayVLM incident and hourly archive",
		Long: `archivectl reads the poller's SQLite archive.

Commands:
  summary    Archive totals and latest timestamps
  hourly     Hourly heartbeat rows
  incidents  Incident events
  watch      Refresh all three periodically`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	dbDefault := os.Getenv("DB_PATH")
	if dbDefault == "" {
		dbDefault = defaultDBPath
	}
	root.PersistentFlags().StringVar(&opts.dbPath, "db-path", dbDefault, "SQLite archive path")
	root.PersistentFlags().StringVar(&opts.cameraID, "camera-id", "", "Optional camera id filter")

	root.AddCommand(
		newSummaryCmd(opts),
		newHourlyCmd(opts),
		newIncidentsCmd(opts),
		newWatchCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newSummaryCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show archive totals and latest timestamps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withArchive(cmd.Context(), opts, func(db *archive.DB) error {
				return printSummary(cmd.Context(), cmd.OutOrStdout(), db, opts)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print raw JSON")
	return cmd
}

func newHourlyCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "hourly",
		Short: "Show hourly heartbeat rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withArchive(cmd.Context(), opts, func(db *archive.DB) error {
				return printHourly(cmd.Context(), cmd.OutOrStdout(), db, opts, limit)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Max rows to display")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print raw JSON")
	return cmd
}

func newIncidentsCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "Show incident events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withArchive(cmd.Context(), opts, func(db *archive.DB) error {
				return printIncidents(cmd.Context(), cmd.OutOrStdout(), db, opts, limit)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Max rows to display")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print raw JSON")
	return cmd
}

func newWatchCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Continuously refresh summary, hourly and incident records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.interval <= 0 {
				return fmt.Errorf("interval must be > 0, got %v", opts.interval)
			}
			return withArchive(cmd.Context(), opts, func(db *archive.DB) error {
				return watch(cmd.Context(), cmd.OutOrStdout(), db, opts, limit)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Max rows shown per section")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Minute, "Refresh interval")
	cmd.Flags().IntVar(&opts.count, "count", 0, "Stop after this many refreshes (0 runs until interrupted)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "archivectl %s\n", version)
		},
	}
}

// withArchive opens the archive read side for the duration of fn. A missing
// file is reported instead of silently creating an empty archive.
func withArchive(ctx context.Context, opts *options, fn func(db *archive.DB) error) error {
	if _, err := os.Stat(opts.dbPath); err != nil {
		return fmt.Errorf("archive %s: %w", opts.dbPath, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := archive.Open(ctx, opts.dbPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func watch(ctx context.Context, w io.Writer, db *archive.DB, opts *options, limit int) error {
	fmt.Fprintf(w, "Watching updates every %s. Press Ctrl+C to stop.\n", opts.interval)

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	view := *opts
	view.json = false
	for i := 1; ; i++ {
		fmt.Fprintln(w, "\n=== Overview ===")
		if err := printSummary(ctx, w, db, &view); err != nil {
			return err
		}
		fmt.Fprintln(w, "\n=== Latest Hourly Rows ===")
		if err := printHourly(ctx, w, db, &view, limit); err != nil {
			return err
		}
		fmt.Fprintln(w, "\n=== Latest Incidents ===")
		if err := printIncidents(ctx, w, db, &view, min(limit, 20)); err != nil {
			return err
		}

		if opts.count > 0 && i >= opts.count {
			return nil
		}
		select {
		case <-ctx.Done():
			fmt.Fprintln(w, "\nStopped.")
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
