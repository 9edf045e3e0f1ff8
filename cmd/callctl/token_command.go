package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/whisper/callengine/internal/auth"
)

func newTokenCommand(ctx *commandContext) *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage development identity tokens",
	}
	tokenCmd.AddCommand(newTokenMintCommand(ctx))
	return tokenCmd
}

func newTokenMintCommand(ctx *commandContext) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "mint [identity]",
		Short: "Sign a gateway token; a random identity is used when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			identity := uuid.NewString()
			if len(args) == 1 {
				identity = args[0]
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := auth.NewIssuer(cfg.Auth.Secret, ttl).Issue(identity)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "identity: %s (valid %s)\n", identity, ttl)
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default auth.token_ttl)")
	return cmd
}
