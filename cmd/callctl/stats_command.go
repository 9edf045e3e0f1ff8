package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/relationship"
)

var outcomeOrder = []call.Outcome{
	call.OutcomeMatched,
	call.OutcomeNotMatched,
	call.OutcomeRejected,
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show resolved sessions per outcome from PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := ctx.database(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := relationship.NewStore(db).CountOutcomes(cmd.Context(), window)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Outcomes in the last %s\n", window)
			fmt.Fprintln(cmd.OutOrStdout(), renderOutcomes(counts))
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "How far back to count")
	return cmd
}

func renderOutcomes(counts map[call.Outcome]int) string {
	total := lo.Sum(lo.Values(counts))
	tw := newTable(label("Outcome"), numeric("Sessions"), numeric("Share"))
	for _, o := range outcomeOrder {
		n := counts[o]
		share := "-"
		if total > 0 {
			share = fmt.Sprintf("%.1f%%", 100*float64(n)/float64(total))
		}
		tw.AppendRow(table.Row{o, n, share})
	}
	tw.AppendFooter(table.Row{"total", total, ""})
	return tw.Render()
}
