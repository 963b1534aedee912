package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/CodeneAria/actingdoll/client"
	"github.com/CodeneAria/actingdoll/internal/svcfields"
	"pkt.systems/pslog"
)

func newClientCommand(baseLogger pslog.Logger) *cobra.Command {
	var serverURL string
	var authToken string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "client <command...>",
		Short: "Send a console-style command to a running controller and print the response",
		Example: `
  actingdoll client status
  actingdoll client list
  actingdoll client --auth-token secret client 127.0.0.1:52110 set_expression smile
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			logger := svcfields.WithSubsystem(baseLogger, "cli.client")
			opts := []client.Option{
				client.WithLogger(logger),
				client.WithCallTimeout(timeout),
			}
			if authToken != "" {
				opts = append(opts, client.WithAuthToken(authToken))
			}
			c, err := client.Dial(ctx, serverURL, opts...)
			if err != nil {
				return fmt.Errorf("dial %s: %w", serverURL, err)
			}
			defer c.Close()

			resp, err := c.Command(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&serverURL, "server", "s", "ws://127.0.0.1:8765/", "WebSocket URL of the controller")
	flags.StringVar(&authToken, "auth-token", "", "token presented to the controller when authenticating")
	flags.DurationVar(&timeout, "timeout", client.DefaultCallTimeout, "timeout for the command round-trip")

	return cmd
}
