package cmdflags

import (
	"github.com/andrebq/challenged/allowlist"
	"github.com/andrebq/challenged/server"
	"github.com/urfave/cli/v2"
)

const (
	DefaultAllowList = "./allowed"
	KindFile         = "file"
	KindSQLite       = "sqlite"
)

func AllowList(out *string) cli.Flag {
	if len(*out) == 0 {
		*out = DefaultAllowList
	}
	return &cli.StringFlag{
		Name:        "allowlist",
		Aliases:     []string{"a"},
		Usage:       "Path to the allow-list (plain text file or sqlite database, see allowlist-kind)",
		EnvVars:     []string{"CHALLENGED_ALLOWLIST"},
		Value:       *out,
		Destination: out,
	}
}

func AllowListKind(out *string) cli.Flag {
	if len(*out) == 0 {
		*out = KindFile
	}
	return &cli.StringFlag{
		Name:        "allowlist-kind",
		Usage:       "How the allow-list is stored: file or sqlite",
		EnvVars:     []string{"CHALLENGED_ALLOWLIST_KIND"},
		Value:       *out,
		Destination: out,
	}
}

func Match(out *string) cli.Flag {
	if len(*out) == 0 {
		*out = allowlist.MatchSubstring.String()
	}
	return &cli.StringFlag{
		Name:        "match",
		Usage:       "How tokens are matched against a file allow-list: substring (any part of the file) or line (whole line)",
		EnvVars:     []string{"CHALLENGED_MATCH"},
		Value:       *out,
		Destination: out,
	}
}

func Network(out *string) cli.Flag {
	if len(*out) == 0 {
		*out = server.DefaultNetwork
	}
	return &cli.StringFlag{
		Name:        "network",
		Usage:       "Network used to listen/dial (tcp, tcp4 or tcp6)",
		EnvVars:     []string{"CHALLENGED_NETWORK"},
		Value:       *out,
		Destination: out,
	}
}

func Addr(out *string, usage string) cli.Flag {
	if len(*out) == 0 {
		*out = server.DefaultAddr
	}
	return &cli.StringFlag{
		Name:        "bind",
		Aliases:     []string{"addr"},
		Usage:       usage,
		EnvVars:     []string{"CHALLENGED_BIND"},
		Value:       *out,
		Destination: out,
	}
}
