package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/matching"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the matchmaking queue",
	}
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueRemoveCommand(ctx))
	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var summary bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List waiting identities, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, err := ctx.redis(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := matching.NewQueue(rdb).Entries(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "Queue is empty")
				return nil
			}

			if summary {
				fmt.Fprintln(out, renderQueueSummary(entries))
				return nil
			}
			fmt.Fprintln(out, renderQueueEntries(entries, time.Now()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "Count entries per gender and preference")
	return cmd
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <identity>",
		Short: "Show one identity's queue entry, or the session holding it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			rdb, err := ctx.redis(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			entry, err := matching.NewQueue(rdb).GetEntry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if entry != nil {
				fmt.Fprintln(out, renderQueueEntries([]matching.Entry{*entry}, time.Now()))
				return nil
			}

			sessionID, err := call.NewStore(rdb, cfg.Timing()).ActiveSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if sessionID != "" {
				fmt.Fprintf(out, "%s is not queued; in session %s\n", args[0], sessionID)
				return nil
			}
			fmt.Fprintf(out, "%s is not queued\n", args[0])
			return nil
		},
	}
}

func newQueueRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <identity>",
		Short: "Remove an identity from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, err := ctx.redis(cmd.Context())
			if err != nil {
				return err
			}
			removed, err := matching.NewQueue(rdb).Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was not queued\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
}

func renderQueueEntries(entries []matching.Entry, now time.Time) string {
	tw := newTable(label("Identity"), label("Gender"), label("Preference"), label("Status"),
		numeric("Waiting"), numeric("Heartbeat"))
	for _, e := range entries {
		tw.AppendRow(table.Row{
			e.Identity,
			e.Gender,
			e.Preference,
			e.Status,
			formatAge(now, e.JoinedAt),
			formatAge(now, e.Heartbeat),
		})
	}
	return tw.Render()
}

// renderQueueSummary counts waiting entries per gender and preference.
func renderQueueSummary(entries []matching.Entry) string {
	groups := lo.GroupBy(entries, func(e matching.Entry) string {
		return string(e.Gender) + " -> " + string(e.Preference)
	})
	keys := lo.Keys(groups)
	sort.Strings(keys)

	tw := newTable(label("Gender -> Preference"), numeric("Waiting"))
	for _, k := range keys {
		tw.AppendRow(table.Row{k, len(groups[k])})
	}
	return tw.Render()
}
