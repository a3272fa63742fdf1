package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/szaher/designs/botfleet/internal/credentials"
	"github.com/szaher/designs/botfleet/internal/recovery"
	"github.com/szaher/designs/botfleet/internal/session"
)

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List persisted sessions that will be resumed on the next start",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			found, err := recovery.Scan(cfg.Data.SessionsDir())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(found) == 0 {
				fmt.Fprintf(out, "No persisted sessions under %s.\n", cfg.Data.SessionsDir())
				return nil
			}

			fmt.Fprintf(out, "%-40s %-14s %-6s %s\n", "SESSION", "NAME", "FILES", "DIR")
			fmt.Fprintln(out, strings.Repeat("-", 90))
			for _, f := range found {
				files := "-"
				if b, err := credentials.Snapshot(f.Dir); err == nil {
					files = fmt.Sprint(len(b.Files()))
				}
				fmt.Fprintf(out, "%-40s %-14s %-6s %s\n", f.ID, session.NameFor(f.ID), files, f.Dir)
			}
			return nil
		},
	}
}
