package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/whisper/callengine/internal/call"
)

func newSessionCommand(ctx *commandContext) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect call sessions",
	}
	sessionCmd.AddCommand(newSessionShowCommand(ctx))
	sessionCmd.AddCommand(newSessionOpenCommand(ctx))
	return sessionCmd
}

func newSessionShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session",
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
			sess, err := call.NewStore(rdb, cfg.Timing()).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if sess == nil {
				return fmt.Errorf("session %s not found", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSession(sess, time.Now()))
			return nil
		},
	}
}

func newSessionOpenCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "List sessions that have not completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			rdb, err := ctx.redis(cmd.Context())
			if err != nil {
				return err
			}
			store := call.NewStore(rdb, cfg.Timing())
			ids, err := store.Open(cmd.Context())
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No open sessions")
				return nil
			}

			now := time.Now()
			tw := newTable(label("Session"), label("A"), label("B"), label("Status"), numeric("Round"), numeric("Deadline"))
			for _, id := range ids {
				sess, err := store.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				if sess == nil {
					tw.AppendRow(table.Row{id, "-", "-", "(missing)", "-", "-"})
					continue
				}
				tw.AppendRow(table.Row{
					sess.ID,
					sess.ParticipantA,
					sess.ParticipantB,
					sess.Status,
					sess.Round,
					formatAge(now, sess.Deadline),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), tw.Render())
			return nil
		},
	}
}

func renderSession(sess *call.Session, now time.Time) string {
	orDash := func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	}
	tw := newTable(label("Field"), label("Value"))
	for _, r := range [][2]string{
		{"id", sess.ID},
		{"status", string(sess.Status)},
		{"participant a", sess.ParticipantA + " (initiator)"},
		{"participant b", sess.ParticipantB},
		{"room", orDash(sess.RoomID)},
		{"round", strconv.Itoa(sess.Round)},
		{"started", formatTime(sess.StartedAt)},
		{"ends", formatTime(sess.EndsAt) + " (" + formatAge(now, sess.EndsAt) + ")"},
		{"deciding opens", formatTime(sess.DecideAt)},
		{"deadline", formatTime(sess.Deadline)},
		{"decision a", orDash(string(sess.DecisionA))},
		{"decision b", orDash(string(sess.DecisionB))},
		{"outcome", orDash(string(sess.Outcome))},
		{"reason", orDash(sess.Reason)},
		{"completed", formatTime(sess.CompletedAt)},
	} {
		tw.AppendRow(table.Row{r[0], r[1]})
	}
	return tw.Render()
}
