package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/securebus/pkg/securebus"
	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/eventlog"
)

// parseTime accepts RFC 3339 timestamps and durations, which are taken
// relative to now ("24h" is 24 hours ago). Empty means unbounded.
func parseTime(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC 3339 or a duration such as 24h", s)
	}
	return t, nil
}

type rangeFlags struct {
	pattern string
	from    string
	to      string
}

func (r *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&r.pattern, "pattern", "p", "**", "subscription pattern to select events")
	cmd.Flags().StringVar(&r.from, "from", "", "earliest timestamp (RFC 3339 or duration ago)")
	cmd.Flags().StringVar(&r.to, "to", "", "latest timestamp, exclusive (RFC 3339 or duration ago)")
}

func (r *rangeFlags) bounds() (time.Time, time.Time, error) {
	now := time.Now()
	from, err := parseTime(r.from, now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseTime(r.to, now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

func newReplayCommand(root *rootOptions) *cobra.Command {
	var (
		path   string
		rng    rangeFlags
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay persisted events",
		Long: `Replay events from the configured event log through a bus built from the
configuration file and print each delivered event as a JSON line. Encrypted
payloads are decrypted with the configured key. With --dry-run the stored
records are printed without dispatching.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(path)
			if err != nil {
				return err
			}
			if s.Bus.EventLogPath == "" {
				return fmt.Errorf("%s does not configure bus.event_log", path)
			}
			from, to, err := rng.bounds()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())

			if dryRun {
				log, err := eventlog.NewSQLiteLog(s.Bus.EventLogPath)
				if err != nil {
					return err
				}
				defer log.Close()
				events, err := log.Events(ctx, rng.pattern, from, to)
				if err != nil {
					return err
				}
				for _, evt := range events {
					if err := enc.Encode(evt); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%d event(s) selected\n", len(events))
				return nil
			}

			bus, err := securebus.NewFromSettings(s, securebus.WithLogger(root.logger(cmd)))
			if err != nil {
				return err
			}
			defer bus.Close()
			if err := bus.Initialize(ctx); err != nil {
				return err
			}

			var mu sync.Mutex
			var writeErr error
			_, err = bus.Subscribe(rng.pattern, event.HandlerFunc(func(_ context.Context, evt *event.Event) error {
				if !evt.Metadata.Replayed {
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				if err := enc.Encode(evt); err != nil && writeErr == nil {
					writeErr = err
				}
				return nil
			}))
			if err != nil {
				return err
			}

			n, err := bus.Replay(ctx, rng.pattern, from, to)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d event(s) replayed\n", n)
			return writeErr
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "configuration file naming the event log")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print stored events without dispatching")
	rng.register(cmd)
	return cmd
}

func newCleanupCommand() *cobra.Command {
	var (
		db        string
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old events from a SQLite event log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if db == "" {
				return fmt.Errorf("--db is required")
			}
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			log, err := eventlog.NewSQLiteLog(db)
			if err != nil {
				return err
			}
			defer log.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			n, err := log.Cleanup(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d event(s) older than %s\n", n, olderThan)
			return nil
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "SQLite event log file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete events older than this")
	return cmd
}

func newStatsCommand() *cobra.Command {
	var db string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize a SQLite event log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if db == "" {
				return fmt.Errorf("--db is required")
			}
			log, err := eventlog.NewSQLiteLog(db)
			if err != nil {
				return err
			}
			defer log.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			st, err := log.Stats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "events:    %d\n", st.Total)
			fmt.Fprintf(out, "processed: %d\n", st.Processed)
			fmt.Fprintf(out, "pending:   %d\n", st.Pending())
			if st.Total > 0 {
				fmt.Fprintf(out, "oldest:    %s\n", st.Oldest.Format(time.RFC3339))
				fmt.Fprintf(out, "newest:    %s\n", st.Newest.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "SQLite event log file")
	return cmd
}
