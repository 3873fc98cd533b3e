// Package client talks to a challenge server.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/andrebq/challenged/protocol"
)

var (
	// ErrNoSignature means the server closed the connection without
	// answering, which is how failures look unless the server replies with
	// errors.
	ErrNoSignature = errors.New("client: connection closed without a signature")
	ErrRejected    = errors.New("client: server could not sign the challenge")
)

// Challenge sends token and blocks until the server answers or ctx is done.
// There is no timeout besides ctx: an unapproved token waits forever.
func Challenge(ctx context.Context, network, addr, token string) ([]byte, error) {
	resp, err := roundTrip(ctx, network, addr, protocol.Challenge(token))
	if err != nil {
		return nil, err
	}
	switch {
	case len(resp) == 0:
		return nil, ErrNoSignature
	case bytes.Equal(resp, []byte(protocol.FailureReply)):
		return nil, ErrRejected
	}
	return resp, nil
}

// SendNotice delivers text and returns once the server closed the
// connection.
func SendNotice(ctx context.Context, network, addr, text string) error {
	resp, err := roundTrip(ctx, network, addr, []byte(text))
	if err != nil {
		return err
	}
	if len(resp) > 0 {
		return fmt.Errorf("client: unexpected %v bytes in reply to a notice", len(resp))
	}
	return nil
}

func roundTrip(ctx context.Context, network, addr string, msg []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("client: unable to connect to %v, cause %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	_, err = conn.Write(msg)
	if err != nil {
		return nil, fmt.Errorf("client: unable to send message, cause %w", err)
	}
	resp, err := io.ReadAll(conn)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("client: unable to read reply, cause %w", err)
	}
	return resp, nil
}
