package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"io/ioutil"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andrebq/challenged/allowlist"
	"github.com/andrebq/challenged/client"
	"github.com/andrebq/challenged/gate"
	"github.com/andrebq/challenged/internal/testutil"
	"github.com/andrebq/challenged/notice"
	"github.com/andrebq/challenged/protocol"
	"github.com/andrebq/challenged/signer"
	"github.com/stretchr/testify/require"
)

const (
	pollInterval = 10 * time.Millisecond
	// silence is how long a test waits to decide no bytes are coming
	silence = 15 * pollInterval
)

type (
	fixture struct {
		addr    string
		path    string
		gate    *gate.Gate
		srv     *Server
		signs   *int64
		notices *collector
		stop    func()
		done    chan error
	}

	collector struct {
		sync.Mutex
		got []notice.Notice
	}
)

func (c *collector) Record(ctx context.Context, n notice.Notice) error {
	c.Lock()
	defer c.Unlock()
	c.got = append(c.got, n)
	return nil
}

func (c *collector) list() []notice.Notice {
	c.Lock()
	defer c.Unlock()
	return append([]notice.Notice(nil), c.got...)
}

func echoSigner(count *int64) signer.Signer {
	return signer.Func(func(ctx context.Context, token string) ([]byte, error) {
		atomic.AddInt64(count, 1)
		return []byte("sig:" + token), nil
	})
}

func startFixture(t *testing.T, allowed string, mode allowlist.MatchMode, mutate func(*fixture, *Config)) *fixture {
	path, cleanup := testutil.AcquireAllowList(t, allowed)
	f := &fixture{
		path:    path,
		signs:   new(int64),
		notices: &collector{},
		done:    make(chan error, 1),
	}
	f.gate = gate.New(allowlist.NewFile(path, mode), gate.Options{Interval: pollInterval})
	cfg := Config{
		Signer:  echoSigner(f.signs),
		Notices: f.notices,
	}
	if mutate != nil {
		mutate(f, &cfg)
	}
	cfg.Gate = f.gate
	srv, err := New(cfg)
	require.NoError(t, err)
	f.srv = srv

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.addr = l.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	go f.gate.Run(ctx)
	go func() { f.done <- srv.Serve(ctx, l) }()
	f.stop = func() {
		cancel()
		<-f.done
		srv.Wait()
		cleanup()
	}
	return f
}

func dial(t *testing.T, addr string, msg string) net.Conn {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = io.WriteString(conn, msg)
	require.NoError(t, err)
	return conn
}

// expectSilence asserts the connection stays open without sending data.
func expectSilence(t *testing.T, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(silence))
	var buf [1]byte
	n, err := conn.Read(buf[:])
	require.Equal(t, 0, n, "no bytes should be sent")
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "connection should still be open, got %v", err)
	conn.SetReadDeadline(time.Time{})
}

func readAll(t *testing.T, conn net.Conn) []byte {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf, err := io.ReadAll(conn)
	require.NoError(t, err)
	return buf
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestApprovalAfterConnect(t *testing.T) {
	f := startFixture(t, "", allowlist.MatchSubstring, nil)
	defer f.stop()

	conn := dial(t, f.addr, "CHALLENGE:foo")
	defer conn.Close()
	expectSilence(t, conn)

	require.NoError(t, allowlist.Append(f.path, "foo"))
	start := time.Now()
	require.Equal(t, "sig:foo", string(readAll(t, conn)), "connection should be closed after the signature")
	require.Less(t, time.Since(start), time.Second)
}

func TestUnapprovedTokenWaits(t *testing.T) {
	f := startFixture(t, "other\n", allowlist.MatchSubstring, nil)
	defer f.stop()

	conn := dial(t, f.addr, "CHALLENGE:foo")
	defer conn.Close()
	expectSilence(t, conn)
	require.Equal(t, int64(0), atomic.LoadInt64(f.signs))
	require.Equal(t, 1, f.gate.Waiting())
}

func TestIndependentTokens(t *testing.T) {
	f := startFixture(t, "", allowlist.MatchLine, nil)
	defer f.stop()

	a := dial(t, f.addr, "CHALLENGE:alpha")
	defer a.Close()
	b := dial(t, f.addr, "CHALLENGE:beta")
	defer b.Close()
	waitFor(t, func() bool { return f.gate.Waiting() == 2 })

	require.NoError(t, allowlist.Append(f.path, "alpha"))
	require.Equal(t, "sig:alpha", string(readAll(t, a)))
	expectSilence(t, b)

	require.NoError(t, allowlist.Append(f.path, "beta"))
	require.Equal(t, "sig:beta", string(readAll(t, b)))
}

func TestNoticeHasNoReply(t *testing.T) {
	f := startFixture(t, "", allowlist.MatchSubstring, nil)
	defer f.stop()

	conn := dial(t, f.addr, "router-7 rebooted\n")
	defer conn.Close()
	require.Empty(t, readAll(t, conn))

	got := f.notices.list()
	require.Len(t, got, 1)
	require.Equal(t, "router-7 rebooted", got[0].Text)
	require.Equal(t, conn.LocalAddr().String(), got[0].Remote)
	require.Equal(t, int64(0), atomic.LoadInt64(f.signs))
	require.Equal(t, 0, f.gate.Waiting())
}

func TestRepeatedChallenge(t *testing.T) {
	dir, cleanup := testutil.AcquireTempDir(t)
	defer cleanup()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	keyfile := filepath.Join(dir, "key")
	require.NoError(t, ioutil.WriteFile(keyfile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0600))
	key, err := signer.LoadKey(keyfile)
	require.NoError(t, err)

	f := startFixture(t, "foo\n", allowlist.MatchSubstring, func(_ *fixture, c *Config) {
		c.Signer = key
	})
	defer f.stop()

	for i := 0; i < 2; i++ {
		sig, err := client.Challenge(context.Background(), "tcp", f.addr, "foo")
		require.NoError(t, err)
		require.True(t, signer.Verify(key.PublicKey(), "foo", sig))
	}
}

func TestSubstringSemantics(t *testing.T) {
	substring := startFixture(t, "abc123\n", allowlist.MatchSubstring, nil)
	defer substring.stop()
	sig, err := client.Challenge(context.Background(), "tcp", substring.addr, "bc12")
	require.NoError(t, err)
	require.Equal(t, "sig:bc12", string(sig), "substrings of approved tokens are approved by default")

	line := startFixture(t, "abc123\n", allowlist.MatchLine, nil)
	defer line.stop()
	conn := dial(t, line.addr, "CHALLENGE:bc12")
	defer conn.Close()
	expectSilence(t, conn)
}

func TestSignerFailure(t *testing.T) {
	failing := signer.Func(func(ctx context.Context, token string) ([]byte, error) {
		return nil, signer.Fail(token, errors.New("device unplugged"))
	})
	silent := startFixture(t, "foo", allowlist.MatchSubstring, func(_ *fixture, c *Config) { c.Signer = failing })
	defer silent.stop()
	_, err := client.Challenge(context.Background(), "tcp", silent.addr, "foo")
	require.ErrorIs(t, err, client.ErrNoSignature)

	loud := startFixture(t, "foo", allowlist.MatchSubstring, func(_ *fixture, c *Config) {
		c.Signer = failing
		c.ReplyErrors = true
	})
	defer loud.stop()
	_, err = client.Challenge(context.Background(), "tcp", loud.addr, "foo")
	require.ErrorIs(t, err, client.ErrRejected)
}

func TestMalformedMessage(t *testing.T) {
	f := startFixture(t, "", allowlist.MatchSubstring, nil)
	defer f.stop()
	for _, msg := range []string{"\xff\xfe", "CHALLENGE:"} {
		conn := dial(t, f.addr, msg)
		require.Empty(t, readAll(t, conn))
		conn.Close()
	}
	require.Empty(t, f.notices.list())
}

func TestPeerDisconnectReleasesWaiter(t *testing.T) {
	f := startFixture(t, "", allowlist.MatchSubstring, nil)
	defer f.stop()

	conn := dial(t, f.addr, "CHALLENGE:foo")
	waitFor(t, func() bool { return f.gate.Waiting() == 1 })
	// reset instead of a FIN, a FIN alone is a half-close
	require.NoError(t, conn.(*net.TCPConn).SetLinger(0))
	conn.Close()
	waitFor(t, func() bool { return f.gate.Waiting() == 0 && f.srv.Active() == 0 })
}

func TestHalfClosedPeerStillGetsSignature(t *testing.T) {
	f := startFixture(t, "", allowlist.MatchSubstring, nil)
	defer f.stop()

	conn := dial(t, f.addr, "CHALLENGE:foo")
	defer conn.Close()
	waitFor(t, func() bool { return f.gate.Waiting() == 1 })
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	time.Sleep(5 * pollInterval)
	require.Equal(t, 1, f.gate.Waiting(), "half-close must not abandon the challenge")

	require.NoError(t, allowlist.Append(f.path, "foo"))
	require.Equal(t, "sig:foo", string(readAll(t, conn)))
}

func TestPanicDoesNotStopServer(t *testing.T) {
	var calls int64
	f := startFixture(t, "foo\nbar\n", allowlist.MatchLine, func(_ *fixture, c *Config) {
		c.Signer = signer.Func(func(ctx context.Context, token string) ([]byte, error) {
			if atomic.AddInt64(&calls, 1) == 1 {
				panic("signer exploded")
			}
			return []byte("ok"), nil
		})
	})
	defer f.stop()

	_, err := client.Challenge(context.Background(), "tcp", f.addr, "foo")
	require.ErrorIs(t, err, client.ErrNoSignature)
	sig, err := client.Challenge(context.Background(), "tcp", f.addr, "bar")
	require.NoError(t, err)
	require.Equal(t, "ok", string(sig))
}

func TestShutdownAbandonsWaiters(t *testing.T) {
	f := startFixture(t, "", allowlist.MatchSubstring, nil)
	conn := dial(t, f.addr, "CHALLENGE:foo")
	defer conn.Close()
	waitFor(t, func() bool { return f.gate.Waiting() == 1 })

	f.stop()
	require.Empty(t, readAll(t, conn))
	require.Equal(t, 0, f.srv.Active())
}

func TestTooManyWaiters(t *testing.T) {
	f := startFixture(t, "", allowlist.MatchSubstring, func(f *fixture, c *Config) {
		f.gate = gate.New(allowlist.NewFile(f.path, allowlist.MatchSubstring), gate.Options{Interval: pollInterval, MaxWaiters: 1})
		c.ReplyErrors = true
	})
	defer f.stop()

	first := dial(t, f.addr, "CHALLENGE:foo")
	defer first.Close()
	waitFor(t, func() bool { return f.gate.Waiting() == 1 })
	second := dial(t, f.addr, "CHALLENGE:bar")
	defer second.Close()
	require.Equal(t, protocol.FailureReply, string(readAll(t, second)))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Signer: echoSigner(new(int64))})
	require.ErrorIs(t, err, errMissingGate)
	_, err = New(Config{Gate: gate.New(nil, gate.Options{})})
	require.ErrorIs(t, err, errMissingSigner)
}

func TestListenDefaultsAcceptIPv4(t *testing.T) {
	l, err := Listen("", "[::]:0")
	if err != nil {
		t.Skipf("ipv6 unavailable: %v", err)
	}
	defer l.Close()
	_, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	go func() {
		if conn, err := l.Accept(); err == nil {
			conn.Close()
		}
	}()
	conn, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", port))
	require.NoError(t, err, "default listener should be dual-stack")
	conn.Close()
}

func TestStateNames(t *testing.T) {
	for s := Receiving; s <= Closed; s++ {
		require.NotContains(t, s.String(), "State(")
	}
}
