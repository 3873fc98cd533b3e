// Package server accepts challenge connections and runs one session per
// connection.
//
// Sessions share nothing but the approval gate, the signer and the notice
// sink, all of which are safe for concurrent use. There is no drain on
// shutdown: cancelling the context passed to Serve closes the listener and
// every open connection, abandoning challenges that are still waiting.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrebq/challenged/internal/logutil"
	"github.com/andrebq/challenged/notice"
	"github.com/andrebq/challenged/protocol"
	"github.com/andrebq/challenged/signer"
)

type (
	// Approver blocks until token is approved.
	Approver interface {
		AwaitApproval(ctx context.Context, token string) error
	}

	Config struct {
		Gate    Approver
		Signer  signer.Signer
		Notices notice.Sink
		// MaxMessageSize is the size of the single read done per connection.
		MaxMessageSize int
		// ReplyErrors writes protocol.FailureReply when a challenge cannot
		// be answered, instead of closing silently.
		ReplyErrors bool
	}

	Server struct {
		cfg    Config
		active int64
		wg     sync.WaitGroup
	}
)

const (
	// DefaultNetwork on DefaultAddr gives a dual-stack socket, IPv4 peers
	// arrive as IPv4-mapped addresses. "tcp6" refuses them.
	DefaultNetwork = "tcp"
	// DefaultAddr is the port clients have always been configured with.
	DefaultAddr = "[::]:12345"

	writeTimeout    = 30 * time.Second
	maxAcceptDelay  = time.Second
	baseAcceptDelay = 5 * time.Millisecond
)

var (
	errMissingGate   = errors.New("server: missing approval gate")
	errMissingSigner = errors.New("server: missing signer")
)

func New(cfg Config) (*Server, error) {
	if cfg.Gate == nil {
		return nil, errMissingGate
	}
	if cfg.Signer == nil {
		return nil, errMissingSigner
	}
	if cfg.Notices == nil {
		cfg.Notices = notice.LogSink{}
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = protocol.MaxMessageSize
	}
	return &Server{cfg: cfg}, nil
}

func Listen(network, addr string) (net.Listener, error) {
	if network == "" {
		network = DefaultNetwork
	}
	if addr == "" {
		addr = DefaultAddr
	}
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("server: unable to listen on %v/%v, cause %w", network, addr, err)
	}
	return l, nil
}

// ListenAndServe binds network/addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, network, addr string) error {
	l, err := Listen(network, addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections from l until ctx is cancelled, which is not
// reported as an error. Accept failures are retried with backoff.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	log := logutil.GetOrDefault(ctx).With().Str("server.addr", l.Addr().String()).Logger()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	log.Info().Msg("Accepting challenges")
	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Listener closed")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			delay = nextDelay(delay)
			log.Warn().Err(err).Dur("server.retry", delay).Msg("Accept failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			continue
		}
		delay = 0
		s.wg.Add(1)
		atomic.AddInt64(&s.active, 1)
		go func() {
			defer s.wg.Done()
			defer atomic.AddInt64(&s.active, -1)
			s.handle(ctx, conn)
		}()
	}
}

func nextDelay(delay time.Duration) time.Duration {
	if delay == 0 {
		return baseAcceptDelay
	}
	delay *= 2
	if delay > maxAcceptDelay {
		delay = maxAcceptDelay
	}
	return delay
}

// Active returns how many connections are currently open.
func (s *Server) Active() int {
	return int(atomic.LoadInt64(&s.active))
}

// Wait blocks until every connection accepted so far is closed. Connection
// handlers exit promptly once the Serve context is cancelled.
func (s *Server) Wait() {
	s.wg.Wait()
}
