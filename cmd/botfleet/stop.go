package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop the worker of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Message string `json:"message"`
			}
			client := newAPIClient(serverURL, apiKey)
			if err := client.do(cmd.Context(), "POST", "/api/stop-bot/"+url.PathEscape(args[0]), &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}
