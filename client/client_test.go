package client

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/andrebq/challenged/protocol"
	"github.com/stretchr/testify/require"
)

// fakeServer answers every connection with reply after reading one message.
func fakeServer(t *testing.T, reply string, got chan<- string) (string, func()) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, protocol.MaxMessageSize)
				n, _ := conn.Read(buf)
				if got != nil {
					got <- string(buf[:n])
				}
				io.WriteString(conn, reply)
			}()
		}
	}()
	return l.Addr().String(), func() { l.Close() }
}

func TestChallenge(t *testing.T) {
	got := make(chan string, 1)
	addr, stop := fakeServer(t, "signature", got)
	defer stop()

	sig, err := Challenge(context.Background(), "tcp", addr, "foo")
	require.NoError(t, err)
	require.Equal(t, "signature", string(sig))
	require.Equal(t, "CHALLENGE:foo", <-got)
}

func TestChallengeFailures(t *testing.T) {
	addr, stop := fakeServer(t, "", nil)
	defer stop()
	_, err := Challenge(context.Background(), "tcp", addr, "foo")
	require.ErrorIs(t, err, ErrNoSignature)

	addr, stop2 := fakeServer(t, protocol.FailureReply, nil)
	defer stop2()
	_, err = Challenge(context.Background(), "tcp", addr, "foo")
	require.ErrorIs(t, err, ErrRejected)
}

func TestChallengeHonoursContext(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		// accept and never answer
		conn, err := l.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Challenge(ctx, "tcp", l.Addr().String(), "foo")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendNotice(t *testing.T) {
	got := make(chan string, 1)
	addr, stop := fakeServer(t, "", got)
	defer stop()
	require.NoError(t, SendNotice(context.Background(), "tcp", addr, "rebooted"))
	require.Equal(t, "rebooted", <-got)

	addr, stop2 := fakeServer(t, "unexpected", nil)
	defer stop2()
	require.Error(t, SendNotice(context.Background(), "tcp", addr, "rebooted"))
}
