package serve

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/andrebq/challenged/allowlist"
	"github.com/andrebq/challenged/gate"
	"github.com/andrebq/challenged/internal/cmdflags"
	"github.com/andrebq/challenged/internal/httpserver"
	"github.com/andrebq/challenged/internal/logutil"
	"github.com/andrebq/challenged/notice"
	"github.com/andrebq/challenged/server"
	"github.com/andrebq/challenged/signer"
	"github.com/andrebq/challenged/statusapi"
	"github.com/urfave/cli/v2"
)

func Cmd() *cli.Command {
	var bindAddr, network string
	var allowPath, allowKind, match string
	keyPath := "./key"
	signerKind := "exec"
	signerCmd := signer.DefaultCommand
	signTimeout := 30 * time.Second
	pollInterval := gate.DefaultInterval
	maxReadFailures := gate.DefaultMaxReadFailures
	maxWaiters := gate.DefaultMaxWaiters
	var replyErrors bool
	statusBind := ""
	noticeHook := ""
	noticeTTL := notice.DefaultRetention
	return &cli.Command{
		Name:  "serve",
		Usage: "Accept challenges and notices",
		Flags: []cli.Flag{
			cmdflags.Addr(&bindAddr, "Address to bind for incoming challenges"),
			cmdflags.Network(&network),
			cmdflags.AllowList(&allowPath),
			cmdflags.AllowListKind(&allowKind),
			cmdflags.Match(&match),
			&cli.StringFlag{
				Name:        "key",
				Aliases:     []string{"k"},
				Usage:       "Path to the secret key used by the signer. The key is never sent over the network",
				EnvVars:     []string{"CHALLENGED_KEY"},
				Value:       keyPath,
				Destination: &keyPath,
			},
			&cli.StringFlag{
				Name:        "signer",
				Usage:       "exec runs signer-cmd with the key on stdin, key signs in process (openssh/pem or hex secp256k1 keys)",
				EnvVars:     []string{"CHALLENGED_SIGNER"},
				Value:       signerKind,
				Destination: &signerKind,
			},
			&cli.StringFlag{
				Name:        "signer-cmd",
				Usage:       "Executable used by the exec signer, called with the path of a file holding the token",
				EnvVars:     []string{"CHALLENGED_SIGNER_CMD"},
				Value:       signerCmd,
				Destination: &signerCmd,
			},
			&cli.DurationFlag{
				Name:        "sign-timeout",
				Usage:       "Maximum time a single signature may take (0 disables the limit)",
				Value:       signTimeout,
				Destination: &signTimeout,
			},
			&cli.DurationFlag{
				Name:        "poll-interval",
				Usage:       "How often the allow-list is read while challenges are pending",
				EnvVars:     []string{"CHALLENGED_POLL_INTERVAL"},
				Value:       pollInterval,
				Destination: &pollInterval,
			},
			&cli.IntFlag{
				Name:        "max-read-failures",
				Usage:       "Consecutive allow-list read failures after which a waiting challenge is dropped",
				Value:       maxReadFailures,
				Destination: &maxReadFailures,
			},
			&cli.IntFlag{
				Name:        "max-waiters",
				Usage:       "Maximum number of challenges waiting at the same time (-1 disables the limit)",
				Value:       maxWaiters,
				Destination: &maxWaiters,
			},
			&cli.BoolFlag{
				Name:        "reply-errors",
				Usage:       "Send ERROR to the client when a challenge fails instead of closing silently",
				Destination: &replyErrors,
			},
			&cli.StringFlag{
				Name:        "status-bind",
				Usage:       "Address of the read-only HTTP status api (empty disables it)",
				EnvVars:     []string{"CHALLENGED_STATUS_BIND"},
				Value:       statusBind,
				Destination: &statusBind,
			},
			&cli.StringFlag{
				Name:        "notice-hook",
				Usage:       "Lua script defining on_notice(n), called for every notice",
				Value:       noticeHook,
				Destination: &noticeHook,
			},
			&cli.DurationFlag{
				Name:        "notice-ttl",
				Usage:       "How long notices are kept in memory for the status api",
				Value:       noticeTTL,
				Destination: &noticeTTL,
			},
		},
		Action: func(ctx *cli.Context) error {
			mode, err := allowlist.ParseMatchMode(match)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx.Context, allowKind, allowPath, mode)
			if err != nil {
				return err
			}
			defer closeStore()

			sign, err := newSigner(signerKind, keyPath, signerCmd)
			if err != nil {
				return err
			}
			sign = signer.WithTimeout(sign, signTimeout)

			recent, err := notice.NewRecent(noticeTTL)
			if err != nil {
				return err
			}
			defer recent.Close()
			sink := notice.Multi(notice.LogSink{}, recent)
			if noticeHook != "" {
				hook, err := notice.LoadHook(noticeHook, sink)
				if err != nil {
					return err
				}
				defer hook.Close()
				sink = hook
			}

			g := gate.New(store, gate.Options{
				Interval:        pollInterval,
				MaxReadFailures: maxReadFailures,
				MaxWaiters:      maxWaiters,
			})
			srv, err := server.New(server.Config{
				Gate:        g,
				Signer:      sign,
				Notices:     sink,
				ReplyErrors: replyErrors,
			})
			if err != nil {
				return err
			}
			l, err := server.Listen(network, bindAddr)
			if err != nil {
				return err
			}

			logger := logutil.GetOrDefault(ctx.Context)
			logger.Info().
				Str("allowlist.path", allowPath).
				Str("allowlist.kind", allowKind).
				Stringer("allowlist.match", mode).
				Str("signer", signerKind).
				Dur("gate.interval", pollInterval).
				Msg("Configuration loaded")

			return run(ctx.Context, g, srv, l, statusBind, recent)
		},
	}
}

func openStore(ctx context.Context, kind, path string, mode allowlist.MatchMode) (allowlist.Store, func() error, error) {
	switch kind {
	case cmdflags.KindFile:
		return allowlist.NewFile(path, mode), func() error { return nil }, nil
	case cmdflags.KindSQLite:
		db, err := allowlist.OpenSQLite(ctx, path, false)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown allow-list kind %q", kind)
}

func newSigner(kind, keyPath, command string) (signer.Signer, error) {
	switch kind {
	case "exec":
		if _, err := os.Stat(keyPath); err != nil {
			return nil, fmt.Errorf("unable to access key file, cause %w", err)
		}
		return &signer.Exec{Command: command, KeyFile: keyPath}, nil
	case "key":
		return signer.LoadKey(keyPath)
	}
	return nil, fmt.Errorf("unknown signer %q", kind)
}

// run keeps the poll loop, the challenge listener and the optional status
// api alive until ctx is done or one of them stops.
func run(ctx context.Context, g *gate.Gate, srv *server.Server, l net.Listener, statusBind string, recent *notice.Recent) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 3)
	go func() { errc <- g.Run(ctx) }()
	go func() { errc <- srv.Serve(ctx, l) }()
	running := 2
	if statusBind != "" {
		running++
		go func() {
			errc <- httpserver.Serve(ctx, statusBind, statusapi.AsHandler(ctx, g, recent, srv))
		}()
	}

	var first error
	for ; running > 0; running-- {
		if err := <-errc; err != nil && first == nil {
			first = err
		}
		cancel()
	}
	srv.Wait()
	return first
}
