package signer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

type (
	// Exec runs an external signing tool once per token as
	// `Command Args... <tokenfile>`, with the key file as stdin. The
	// signature is whatever the tool writes to stdout.
	Exec struct {
		Command string
		Args    []string
		KeyFile string
	}
)

const (
	DefaultCommand = "ecdsasign"
)

var (
	errEmptySignature = errors.New("signing command produced no output")
)

func (e *Exec) Sign(ctx context.Context, token string) ([]byte, error) {
	tmp, err := os.CreateTemp("", "challenge-*")
	if err != nil {
		return nil, Fail(token, fmt.Errorf("unable to create token file, cause %w", err))
	}
	defer os.Remove(tmp.Name())
	_, err = tmp.WriteString(token)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, Fail(token, fmt.Errorf("unable to write token file, cause %w", err))
	}

	secret, err := os.Open(e.KeyFile)
	if err != nil {
		return nil, Fail(token, fmt.Errorf("unable to open key file, cause %w", err))
	}
	defer secret.Close()

	command := e.Command
	if command == "" {
		command = DefaultCommand
	}
	args := append(append([]string(nil), e.Args...), tmp.Name())
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = secret
	// children of the signing tool may keep stdout open after it is killed
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %v", err, msg)
		}
		return nil, Fail(token, err)
	}
	if stdout.Len() == 0 {
		return nil, Fail(token, errEmptySignature)
	}
	return stdout.Bytes(), nil
}
