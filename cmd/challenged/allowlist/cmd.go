package allowlist

import (
	"errors"
	"fmt"

	"github.com/andrebq/challenged/allowlist"
	"github.com/andrebq/challenged/internal/cmdflags"
	"github.com/andrebq/challenged/internal/logutil"
	"github.com/urfave/cli/v2"
)

func Cmd() *cli.Command {
	var path, kind, match string
	return &cli.Command{
		Name:    "allowlist",
		Aliases: []string{"al"},
		Usage:   "Approve tokens and inspect the allow-list",
		Flags: []cli.Flag{
			cmdflags.AllowList(&path),
			cmdflags.AllowListKind(&kind),
			cmdflags.Match(&match),
		},
		Subcommands: []*cli.Command{
			addCmd(&path, &kind),
			checkCmd(&path, &kind, &match),
		},
	}
}

func addCmd(path, kind *string) *cli.Command {
	return &cli.Command{
		Name:      "add",
		Aliases:   []string{"approve"},
		Usage:     "Approve one or more tokens",
		ArgsUsage: "TOKEN...",
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() == 0 {
				return errors.New("at least one token is required")
			}
			log := logutil.GetOrDefault(ctx.Context).With().Str("allowlist.path", *path).Logger()
			switch *kind {
			case cmdflags.KindFile:
				for _, token := range ctx.Args().Slice() {
					if err := allowlist.Append(*path, token); err != nil {
						return err
					}
					log.Info().Str("token", token).Msg("Token approved")
				}
				return nil
			case cmdflags.KindSQLite:
				db, err := allowlist.OpenSQLite(ctx.Context, *path, true)
				if err != nil {
					return err
				}
				defer db.Close()
				for _, token := range ctx.Args().Slice() {
					if err := db.Approve(ctx.Context, token); err != nil {
						return err
					}
					log.Info().Str("token", token).Msg("Token approved")
				}
				return nil
			}
			return fmt.Errorf("unknown allow-list kind %q", *kind)
		},
	}
}

func checkCmd(path, kind, match *string) *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "Print whether a token would be approved right now",
		ArgsUsage: "TOKEN",
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() != 1 {
				return errors.New("exactly one token is required")
			}
			token := ctx.Args().First()
			var store allowlist.Store
			switch *kind {
			case cmdflags.KindFile:
				mode, err := allowlist.ParseMatchMode(*match)
				if err != nil {
					return err
				}
				store = allowlist.NewFile(*path, mode)
			case cmdflags.KindSQLite:
				db, err := allowlist.OpenSQLite(ctx.Context, *path, false)
				if err != nil {
					return err
				}
				defer db.Close()
				store = db
			default:
				return fmt.Errorf("unknown allow-list kind %q", *kind)
			}
			ok, err := store.Contains(ctx.Context, token)
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintln(ctx.App.Writer, "approved")
				return nil
			}
			fmt.Fprintln(ctx.App.Writer, "pending")
			return cli.Exit("", 1)
		},
	}
}
