package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/andrebq/challenged/internal/logutil"
	"github.com/andrebq/challenged/notice"
	"github.com/andrebq/challenged/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type (
	State int

	session struct {
		srv    *Server
		conn   net.Conn
		remote string
		log    zerolog.Logger
		state  State

		msg       protocol.Message
		token     string
		signature []byte
	}
)

const (
	Receiving State = iota
	Classifying
	Waiting
	Signing
	Responding
	LoggingNotice
	Closed
)

func (s State) String() string {
	switch s {
	case Receiving:
		return "receiving"
	case Classifying:
		return "classifying"
	case Waiting:
		return "waiting"
	case Signing:
		return "signing"
	case Responding:
		return "responding"
	case LoggingNotice:
		return "logging-notice"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log := logutil.GetOrDefault(ctx).With().
		Str("conn.id", uuid.NewString()).
		Str("conn.remote", remote).
		Logger()
	ctx, cancel := context.WithCancel(logutil.WithLogger(ctx, log))
	defer cancel()
	// unblocks reads and writes once the server shuts down
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Connection handler panicked")
		}
	}()

	c := &session{
		srv:    s,
		conn:   conn,
		remote: remote,
		log:    log,
		state:  Receiving,
	}
	c.run(ctx)
}

func (c *session) run(ctx context.Context) {
	for c.state != Closed {
		next := c.step(ctx)
		c.log.Debug().Stringer("conn.state", c.state).Stringer("conn.next", next).Msg("State transition")
		c.state = next
	}
}

func (c *session) step(ctx context.Context) State {
	switch c.state {
	case Receiving:
		return c.receive()
	case Classifying:
		return c.classify()
	case Waiting:
		return c.wait(ctx)
	case Signing:
		return c.sign(ctx)
	case Responding:
		return c.respond()
	case LoggingNotice:
		return c.recordNotice(ctx)
	}
	return Closed
}

// receive performs the single read allowed per connection.
func (c *session) receive() State {
	buf := make([]byte, c.srv.cfg.MaxMessageSize)
	n, err := c.conn.Read(buf)
	if n == 0 {
		if err != nil && !peerGone(err) {
			c.log.Warn().Err(err).Msg("Unable to read message")
		} else {
			c.log.Debug().Msg("Peer closed before sending a message")
		}
		return Closed
	}
	msg, err := protocol.Parse(buf[:n])
	if err != nil {
		c.log.Warn().Err(err).Msg("Dropping malformed message")
		return Closed
	}
	c.msg = msg
	return Classifying
}

func (c *session) classify() State {
	switch m := c.msg.(type) {
	case protocol.ChallengeRequest:
		c.token = m.Token
		c.log = c.log.With().Str("challenge.token", c.token).Logger()
		c.log.Info().Msg("Challenge received")
		return Waiting
	case protocol.Notice:
		return LoggingNotice
	}
	return Closed
}

func (c *session) wait(ctx context.Context) State {
	waitCtx, peerClosed := c.watchPeer(ctx)
	err := c.srv.cfg.Gate.AwaitApproval(waitCtx, c.token)
	peerClosed()
	switch {
	case err == nil:
		return Signing
	case ctx.Err() != nil:
		c.log.Debug().Msg("Challenge abandoned by shutdown")
		return Closed
	case waitCtx.Err() != nil:
		c.log.Info().Msg("Peer left before approval")
		return Closed
	}
	c.log.Warn().Err(err).Msg("Unable to wait for approval")
	c.fail()
	return Closed
}

// watchPeer returns a context cancelled when the connection breaks while
// waiting. A half-close (EOF) only stops the watch: the peer may still be
// reading, and a peer that is fully gone surfaces as a write error later.
// The returned func stops watching and must be called before the
// connection is used again.
func (c *session) watchPeer(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var buf [64]byte
		for {
			// clients are not expected to send anything else, extra
			// bytes are discarded
			_, err := c.conn.Read(buf[:])
			switch {
			case err == nil:
				continue
			case errors.Is(err, io.EOF):
				c.log.Debug().Msg("Peer half-closed, still waiting")
			case !errors.Is(err, os.ErrDeadlineExceeded):
				cancel()
			}
			return
		}
	}()
	return ctx, func() {
		c.conn.SetReadDeadline(time.Now())
		<-done
		c.conn.SetReadDeadline(time.Time{})
	}
}

func (c *session) sign(ctx context.Context) State {
	sig, err := c.srv.cfg.Signer.Sign(ctx, c.token)
	if err == nil && len(sig) == 0 {
		err = errors.New("signer returned an empty signature")
	}
	if err != nil {
		if ctx.Err() != nil {
			return Closed
		}
		c.log.Warn().Err(err).Msg("Unable to sign challenge")
		c.fail()
		return Closed
	}
	c.signature = sig
	return Responding
}

func (c *session) respond() State {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(c.signature)
	if err != nil {
		c.log.Info().Err(err).Msg("Unable to deliver signature")
		return Closed
	}
	c.log.Info().Int("signature.size", len(c.signature)).Msg("Challenge signed")
	return Closed
}

func (c *session) recordNotice(ctx context.Context) State {
	n := notice.New(c.msg.(protocol.Notice).Text, c.remote)
	if err := c.srv.cfg.Notices.Record(ctx, n); err != nil {
		c.log.Warn().Err(err).Str("notice.id", n.ID).Msg("Unable to record notice")
	}
	return Closed
}

func (c *session) fail() {
	if !c.srv.cfg.ReplyErrors {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := io.WriteString(c.conn, protocol.FailureReply); err != nil {
		c.log.Debug().Err(err).Msg("Unable to deliver failure reply")
	}
}

func peerGone(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
