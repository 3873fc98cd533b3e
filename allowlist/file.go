package allowlist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

type (
	// File is a plain text allow-list, usually one token per line.
	File struct {
		path string
		mode MatchMode
	}

	blobSnapshot string

	lineSnapshot map[string]struct{}
)

var (
	errInvalidToken = errors.New("allowlist: tokens must be non-empty and fit in a single line")
)

func NewFile(path string, mode MatchMode) *File {
	return &File{path: path, mode: mode}
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Contains(ctx context.Context, token string) (bool, error) {
	snap, err := f.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	return snap.Contains(token), nil
}

func (f *File) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// the external writer only ever appends, so a partial last line is the
	// worst a concurrent read can see; it will be complete on the next poll
	content, err := os.ReadFile(f.path)
	if err != nil {
		return nil, IOError{Path: f.path, cause: err}
	}
	if f.mode == MatchLine {
		return newLineSnapshot(string(content)), nil
	}
	return blobSnapshot(content), nil
}

func (b blobSnapshot) Contains(token string) bool {
	if token == "" {
		return false
	}
	return strings.Contains(string(b), token)
}

func newLineSnapshot(content string) lineSnapshot {
	set := lineSnapshot{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		set[line] = struct{}{}
	}
	return set
}

func (l lineSnapshot) Contains(token string) bool {
	_, ok := l[token]
	return ok
}

// Append adds token as a new line at the end of the file at path, creating
// the file when needed.
func Append(path string, token string) error {
	if token == "" || strings.ContainsAny(token, "\r\n") {
		return errInvalidToken
	}
	fd, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("allowlist: unable to open %v for append, cause %w", path, err)
	}
	_, err = fd.WriteString(token + "\n")
	if err != nil {
		fd.Close()
		return fmt.Errorf("allowlist: unable to append token to %v, cause %w", path, err)
	}
	return fd.Close()
}
