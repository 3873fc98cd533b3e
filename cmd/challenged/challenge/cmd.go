package challenge

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/andrebq/challenged/client"
	"github.com/andrebq/challenged/internal/cmdflags"
	"github.com/urfave/cli/v2"
)

func Cmd() *cli.Command {
	var addr, network string
	var raw bool
	return &cli.Command{
		Name:      "challenge",
		Aliases:   []string{"c"},
		Usage:     "Send a challenge and wait for the signature",
		ArgsUsage: "TOKEN",
		Flags: []cli.Flag{
			cmdflags.Addr(&addr, "Address of the challenge server"),
			cmdflags.Network(&network),
			&cli.BoolFlag{
				Name:        "raw",
				Usage:       "Print the signature exactly as received instead of hex encoded",
				Destination: &raw,
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() != 1 {
				return errors.New("exactly one token is required")
			}
			sig, err := client.Challenge(ctx.Context, network, addr, ctx.Args().First())
			if err != nil {
				return err
			}
			if raw {
				_, err = ctx.App.Writer.Write(sig)
				return err
			}
			fmt.Fprintln(ctx.App.Writer, hex.EncodeToString(sig))
			return nil
		},
	}
}

func NoticeCmd() *cli.Command {
	var addr, network string
	return &cli.Command{
		Name:      "notice",
		Aliases:   []string{"n"},
		Usage:     "Send a one-way notice to the server",
		ArgsUsage: "TEXT...",
		Flags: []cli.Flag{
			cmdflags.Addr(&addr, "Address of the challenge server"),
			cmdflags.Network(&network),
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() == 0 {
				return errors.New("notice text is required")
			}
			return client.SendNotice(ctx.Context, network, addr, strings.Join(ctx.Args().Slice(), " "))
		},
	}
}
