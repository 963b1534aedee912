package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeneAria/actingdoll"
	"github.com/CodeneAria/actingdoll/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("ACTINGDOLL_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "actingdoll")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := actingdoll.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, actingdoll.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg actingdoll.Config

	cmd := &cobra.Command{
		Use:           "actingdoll",
		Short:         "actingdoll is a WebSocket control plane bridging MCP tool callers to Live2D render clients",
		SilenceErrors: true,
		Example: `
  # Loopback controller with a model directory and file playback allow-list
  actingdoll --model-dir ~/live2d/models --allowed-dirs /srv/voice:/tmp/voice --auth-token secret

  # Headless (no operator console), metrics enabled
  actingdoll --no-console --metrics-listen 127.0.0.1:9090

  # Rebuild the model index when descriptors change on disk
  actingdoll --model-dir ~/live2d/models --watch-models
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to actingdoll",
				"app", "actingdoll",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			bindConfig(&cfg)
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			level, ok := pslog.ParseLevel(logLevel)
			if ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := actingdoll.NewServer(cfg, actingdoll.WithLogger(logger))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if !cfg.NoConsole {
				console := actingdoll.NewConsole(server, os.Stdin, os.Stdout, logger)
				go func() {
					if err := console.Run(ctx); err != nil {
						cliLogger.Error("console stopped", "error", err)
					}
				}()
			}

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.actingdoll/"+actingdoll.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.StringP("listen", "l", actingdoll.DefaultListen, "WebSocket listen address")
	flags.StringP("model-dir", "m", "", "root directory holding Live2D model descriptors (empty disables the model index)")
	flags.Bool("require-auth", actingdoll.DefaultRequireAuth, "require token auth before file playback directives")
	flags.String("auth-token", "", "shared token peers present to authenticate")
	flags.String("allowed-dirs", "", "colon-separated directories wav files may be read from")
	flags.Duration("call-timeout", actingdoll.DefaultCallTimeout, "timeout for correlated request/response round-trips")
	flags.String("metrics-listen", actingdoll.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables; default off)")
	flags.Bool("no-console", false, "disable the interactive operator console on stdin")
	flags.Bool("watch-models", false, "rebuild the model index when the model directory changes")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("ACTINGDOLL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "model-dir", "require-auth", "auth-token", "allowed-dirs",
		"call-timeout", "metrics-listen", "no-console", "watch-models",
		"log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newMCPCommand(baseLogger))
	cmd.AddCommand(newClientCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *actingdoll.Config) {
	cfg.Listen = viper.GetString("listen")
	cfg.ModelDir = viper.GetString("model-dir")
	cfg.RequireAuth = viper.GetBool("require-auth")
	cfg.AuthToken = viper.GetString("auth-token")
	cfg.AllowedDirs = actingdoll.ParseAllowedDirs(viper.GetString("allowed-dirs"))
	cfg.CallTimeout = viper.GetDuration("call-timeout")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.NoConsole = viper.GetBool("no-console")
	cfg.WatchModels = viper.GetBool("watch-models")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
