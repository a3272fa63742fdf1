package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/designs/botfleet/internal/uptime"
)

type statsResponse struct {
	TotalActiveSessions int    `json:"totalActiveSessions"`
	TotalUsers          int64  `json:"totalUsers"`
	CodesGenerated      int64  `json:"codesGenerated"`
	ConnectedSessions   int    `json:"connectedSessions"`
	ActiveBots          int    `json:"activeBots"`
	RateLimitTimeout    string `json:"rateLimitTimeout"`
}

type botsResponse struct {
	TotalBots int `json:"totalBots"`
	Bots      []struct {
		SessionID   string `json:"sessionId"`
		SessionName string `json:"sessionName"`
		PID         int    `json:"pid"`
		Uptime      int64  `json:"uptime"`
		Connected   bool   `json:"connected"`
	} `json:"bots"`
}

func newStatusCmd() *cobra.Command {
	var waitFor time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet counters and running workers of a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if waitFor > 0 {
				if err := uptime.WaitForHealth(ctx, serverURL, waitFor); err != nil {
					return err
				}
			}

			client := newAPIClient(serverURL, apiKey)
			var stats statsResponse
			if err := client.do(ctx, "GET", "/api/stats", &stats); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Active sessions:    %d\n", stats.TotalActiveSessions)
			fmt.Fprintf(out, "Connected sessions: %d\n", stats.ConnectedSessions)
			fmt.Fprintf(out, "Total users:        %d\n", stats.TotalUsers)
			fmt.Fprintf(out, "Codes generated:    %d\n", stats.CodesGenerated)
			fmt.Fprintf(out, "Active bots:        %d\n", stats.ActiveBots)

			var bots botsResponse
			if err := client.do(ctx, "GET", "/api/active-bots", &bots); err != nil {
				return err
			}
			if len(bots.Bots) == 0 {
				fmt.Fprintln(out, "\nNo running workers.")
				return nil
			}

			fmt.Fprintf(out, "\n%-40s %-14s %-8s %-10s %s\n", "SESSION", "NAME", "PID", "UPTIME", "CONNECTED")
			fmt.Fprintln(out, strings.Repeat("-", 90))
			for _, b := range bots.Bots {
				fmt.Fprintf(out, "%-40s %-14s %-8d %-10s %t\n",
					b.SessionID, b.SessionName, b.PID, (time.Duration(b.Uptime) * time.Second).String(), b.Connected)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&waitFor, "wait", 0, "Wait up to this long for the server to become healthy")
	return cmd
}
