// Package protocol classifies the single message a client sends when it
// opens a connection.
//
// The wire format has no framing: one read returns the whole message.
// A message starting with ChallengeMarker is a challenge request, anything
// else is a free text notice.
package protocol

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"
)

type (
	// Message is either a ChallengeRequest or a Notice.
	Message interface {
		isMessage()
	}

	ChallengeRequest struct {
		Token string
	}

	Notice struct {
		Text string
	}

	MalformedInputError struct {
		Reason string
	}
)

const (
	ChallengeMarker = "CHALLENGE"
	Delimiter       = ":"
	// MaxMessageSize is the size of the single read performed per connection.
	MaxMessageSize = 1024
	// FailureReply is written instead of a signature when the server is
	// configured to report failures.
	FailureReply = "ERROR\n"

	// only ASCII whitespace surrounds a message, other spaces belong to it
	asciiSpace = " \t\n\r\v\f"
)

func (ChallengeRequest) isMessage() {}
func (Notice) isMessage()           {}

func (m MalformedInputError) Error() string {
	return fmt.Sprintf("protocol: malformed message, %v", m.Reason)
}

// Parse decides once what kind of message raw is.
func Parse(raw []byte) (Message, error) {
	raw = bytes.Trim(raw, asciiSpace)
	if !utf8.Valid(raw) {
		return nil, MalformedInputError{Reason: "message is not valid utf-8"}
	}
	text := string(raw)
	if !strings.HasPrefix(text, ChallengeMarker) {
		return Notice{Text: text}, nil
	}
	token := strings.TrimPrefix(text[len(ChallengeMarker):], Delimiter)
	if token == "" {
		return nil, MalformedInputError{Reason: "challenge without token"}
	}
	return ChallengeRequest{Token: token}, nil
}

// Challenge encodes a challenge request for token.
func Challenge(token string) []byte {
	return []byte(ChallengeMarker + Delimiter + token)
}
