package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/designs/botfleet/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a short-lived administrative token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.TokenSecret == "" {
				return errors.New("server.token_secret (BOTFLEET_TOKEN_SECRET) is not set")
			}
			tokens, err := auth.NewTokens(cfg.Server.TokenSecret, "")
			if err != nil {
				return err
			}
			raw, err := tokens.Issue(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
