package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/andrebq/challenged/cmd/challenged/allowlist"
	"github.com/andrebq/challenged/cmd/challenged/challenge"
	"github.com/andrebq/challenged/cmd/challenged/serve"
	"github.com/andrebq/challenged/internal/logutil"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	logLevel := "info"
	var logPretty bool
	app := &cli.App{
		Name:  "challenged",
		Usage: "Hold challenge connections until an operator approves them, then sign",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Minimum level of log messages (debug, info, warn, error)",
				EnvVars:     []string{"CHALLENGED_LOG_LEVEL"},
				Value:       logLevel,
				Destination: &logLevel,
			},
			&cli.BoolFlag{
				Name:        "log-pretty",
				Usage:       "Human friendly logs instead of JSON",
				EnvVars:     []string{"CHALLENGED_LOG_PRETTY"},
				Destination: &logPretty,
			},
		},
		Before: func(ctx *cli.Context) error {
			logutil.New(os.Stderr, logLevel, logPretty)
			return nil
		},
		Commands: []*cli.Command{
			serve.Cmd(),
			allowlist.Cmd(),
			challenge.Cmd(),
			challenge.NoticeCmd(),
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	err := app.RunContext(ctx, os.Args)
	if err != nil {
		log.Error().Err(err).Msg("Application failed")
		os.Exit(1)
	}
}
