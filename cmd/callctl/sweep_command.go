package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/whisper/callengine/internal/block"
	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/maintenance"
	"github.com/whisper/callengine/internal/matching"
	"github.com/whisper/callengine/internal/relationship"
	"github.com/whisper/callengine/internal/signaling"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var restoreBlocks bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance sweep now",
		Long: "Force-completes sessions stuck in deciding or past their deadline and purges\n" +
			"stale queue entries. Participants are told through NATS when it is reachable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			rdb, err := ctx.redis(cmd.Context())
			if err != nil {
				return err
			}

			sessions := call.NewStore(rdb, cfg.Timing())
			finalizer := &call.Finalizer{Signals: signaling.NewRelay(rdb, sessions)}
			if nc, err := ctx.bus(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: events disabled: %v\n", err)
			} else {
				finalizer.Events = nc
			}

			sweepConfig := maintenance.DefaultConfig()
			sweepConfig.DecidingGrace = cfg.Call.DecidingGrace
			sweepConfig.HeartbeatStale = cfg.Queue.HeartbeatStale
			sweeper := maintenance.New(sweepConfig, sessions, matching.NewQueue(rdb), finalizer)

			if restoreBlocks {
				db, err := ctx.database(cmd.Context())
				if err != nil {
					return err
				}
				store := relationship.NewStore(db)
				finalizer.Recorder = store
				sweeper.WithBlocks(block.NewStore(rdb), store)
			}

			rep, err := sweeper.Run(cmd.Context())
			tw := newTable(label("Pass"), numeric("Count"))
			tw.AppendRows([]table.Row{
				{"forced (deciding)", rep.Forced},
				{"expired", rep.Expired},
				{"queue purged", rep.Purged},
				{"blocks restored", rep.BlocksLoaded},
				{"open sessions", rep.Open},
				{"waiting", rep.Waiting},
				{"took", rep.Took},
			})
			fmt.Fprintln(cmd.OutOrStdout(), tw.Render())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&restoreBlocks, "restore-blocks", false, "Reload the Redis block list from PostgreSQL")
	return cmd
}
