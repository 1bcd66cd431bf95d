package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jaywantadh/DisktroSync/pkg/env"
	"github.com/jaywantadh/DisktroSync/pkg/logging"
	"github.com/urfave/cli/v2"
)

func main() {
	env.LoadEnv()
	logging.InitLogger(env.GetEnvBool("DEBUG", false), "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "disktrosync",
		Usage: "Resumable, verified file transfers over HTTP, ZeroTier or S3",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: ".", Usage: "directory holding config.yaml", EnvVars: []string{"DISKTROSYNC_CONFIG"}},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "override the transfer mode (http, zerotier, s3)"},
			&cli.BoolFlag{Name: "debug", Usage: "log at debug level"},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"s"},
				Usage:   "Receive files from peers",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "listen port (defaults to config)"},
				},
				Action: serveAction,
			},
			{
				Name:      "send",
				Usage:     "Send a file to the configured receiver",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Usage: "receiver host:port, overriding target_host and target_port"},
					&cli.StringFlag{Name: "password", EnvVars: []string{"AES_PASSWORD"}, Usage: "encrypt with this password"},
					&cli.BoolFlag{Name: "chunked", Usage: "send in independently verified chunks"},
					&cli.StringFlag{Name: "chunk-size", Usage: "chunk size such as 1MiB (picked from the file size when empty)"},
					&cli.IntFlag{Name: "workers", Value: 4, Usage: "parallel chunk uploads"},
					&cli.BoolFlag{Name: "compress", Usage: "lz4-compress before sending"},
					&cli.BoolFlag{Name: "no-duplicates", Usage: "refuse files already sent to this receiver"},
				},
				Action: sendAction,
			},
			{
				Name:      "pull",
				Usage:     "Fetch a file from the configured peer or bucket",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dir", Usage: "destination directory (defaults to received_dir)"},
					&cli.StringFlag{Name: "password", EnvVars: []string{"AES_PASSWORD"}, Usage: "decrypt .enc files with this password"},
					&cli.BoolFlag{Name: "decompress", Usage: "expand .lz4 files"},
				},
				Action: pullAction,
			},
			{
				Name:      "status",
				Usage:     "Show the progress of a transfer on the receiver",
				ArgsUsage: "[transfer-id]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "watch", Aliases: []string{"w"}, Usage: "follow until the transfer finishes"},
					&cli.DurationFlag{Name: "interval", Value: defaultWatchInterval, Usage: "polling interval for --watch"},
				},
				Action: statusAction,
			},
			{
				Name:  "history",
				Usage: "List finished transfers",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20},
					&cli.BoolFlag{Name: "remote", Usage: "ask the receiver instead of the local store"},
				},
				Action: historyAction,
			},
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logging.Log.Fatalf("❌ %v", err)
	}
}
