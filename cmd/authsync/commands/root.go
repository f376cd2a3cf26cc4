package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/authsync/internal/app"
	"github.com/florianilch/authsync/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	return newRootCommand().Run(ctx, args)
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "authsync",
		Usage: "Keep a session token in sync across persistent and volatile storage",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json|otel)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "api--base-url",
				Usage: "authentication service base URL",
				Value: app.DefaultConfigAPIBaseURL,
			},
			&cli.StringFlag{
				Name:  "storage--persistent--type",
				Usage: "persistent storage (file|sqlite|keyring|env|disabled)",
				Value: string(app.DefaultConfigPersistent),
			},
			&cli.StringFlag{
				Name:  "storage--persistent--path",
				Usage: "persistent storage path (file|sqlite)",
			},
			&cli.StringFlag{
				Name:  "storage--volatile--type",
				Usage: "volatile storage (file|memory|disabled)",
				Value: string(app.DefaultConfigVolatile),
			},
			&cli.StringFlag{
				Name:  "storage--volatile--path",
				Usage: "volatile storage path (file)",
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			registerCommand(),
			weChatLoginCommand(),
			logoutCommand(),
			statusCommand(),
			tokenCommand(),
			meCommand(),
			refreshCommand(),
			watchCommand(),
			serveCommand(),
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the authentication state over local HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server--host",
				Usage: "server host",
				Value: app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:  "server--port",
				Usage: "server port",
				Value: int(app.DefaultConfigServerPort),
			},
			&cli.DurationFlag{
				Name:  "monitor--interval",
				Usage: "interval between storage polls",
				Value: app.DefaultConfigMonitorInterval,
			},
		},
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(ctx context.Context, application *app.App) error {
		slog.InfoContext(ctx, "starting")

		if err := application.Start(ctx); err != nil {
			return fmt.Errorf("app failed to start: %w", err)
		}

		slog.InfoContext(ctx, "stopped gracefully")
		return nil
	})
}

// withApp loads the configuration, sets up logging and runs fn with a fresh App.
// Storage handles are released and pending logs flushed when fn returns.
func withApp(ctx context.Context, cmd *cli.Command, fn func(context.Context, *app.App) error) (err error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdownLogs, err := observability.Instrument(cfg.LogLevel, string(cfg.LogFormat))
	if err != nil {
		return fmt.Errorf("failed to set up observability layer: %w", err)
	}
	defer func() {
		err = errors.Join(err, shutdownLogs(context.WithoutCancel(ctx)))
	}()

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}
	defer func() {
		if closeErr := application.Close(); closeErr != nil {
			slog.WarnContext(ctx, "failed to release storage", "error", closeErr)
		}
	}()

	return fn(ctx, application)
}
