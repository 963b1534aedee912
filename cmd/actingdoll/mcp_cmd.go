package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/CodeneAria/actingdoll/client"
	"github.com/CodeneAria/actingdoll/mcp"
	"pkt.systems/pslog"
)

const (
	mcpListenKey        = "mcp.listen"
	mcpControllerURLKey = "mcp.controller_url"
	mcpAuthTokenKey     = "mcp.auth_token"
	mcpCallTimeoutKey   = "mcp.call_timeout"
)

func newMCPCommand(baseLogger pslog.Logger) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the actingdoll MCP facade server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfigFile()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mcpConfigFromViper()
			svc, err := mcp.NewServer(mcp.NewServerRequest{
				Config: cfg,
				Logger: baseLogger,
			})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return svc.Run(ctx)
		},
	}

	flags := serveCmd.Flags()
	flags.StringP("listen", "l", mcp.DefaultListen, "listen address for the MCP server")
	flags.String("controller-url", mcp.DefaultControllerURL, "WebSocket URL of the upstream avatar controller")
	flags.String("auth-token", "", "token presented to the controller when authenticating")
	flags.Duration("call-timeout", client.DefaultCallTimeout, "timeout for tool calls forwarded to render clients")

	mustBindMCPFlag(mcpListenKey, "ACTINGDOLL_MCP_LISTEN", flags.Lookup("listen"))
	mustBindMCPFlag(mcpControllerURLKey, "ACTINGDOLL_MCP_CONTROLLER_URL", flags.Lookup("controller-url"))
	mustBindMCPFlag(mcpAuthTokenKey, "ACTINGDOLL_MCP_AUTH_TOKEN", flags.Lookup("auth-token"))
	mustBindMCPFlag(mcpCallTimeoutKey, "ACTINGDOLL_MCP_CALL_TIMEOUT", flags.Lookup("call-timeout"))

	return serveCmd
}

func mcpConfigFromViper() mcp.Config {
	return mcp.Config{
		Listen:        strings.TrimSpace(viper.GetString(mcpListenKey)),
		ControllerURL: strings.TrimSpace(viper.GetString(mcpControllerURLKey)),
		AuthToken:     viper.GetString(mcpAuthTokenKey),
		CallTimeout:   viper.GetDuration(mcpCallTimeoutKey),
	}
}

func mustBindMCPFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}
