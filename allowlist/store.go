package allowlist

import (
	"context"
	"fmt"
)

type (
	// Store is safe for concurrent use by many connections.
	Store interface {
		Contains(ctx context.Context, token string) (bool, error)
		Snapshot(ctx context.Context) (Snapshot, error)
	}

	// Snapshot is the content of a store as observed by a single read.
	Snapshot interface {
		Contains(token string) bool
	}

	MatchMode int

	// IOError means the backing resource could not be read, which is
	// different from "token not approved yet".
	IOError struct {
		Path  string
		cause error
	}
)

const (
	MatchSubstring MatchMode = iota
	MatchLine
)

func (i IOError) Error() string {
	return fmt.Sprintf("allowlist: unable to read %v, cause %v", i.Path, i.cause)
}

func (i IOError) Unwrap() error {
	return i.cause
}

// ParseMatchMode accepts the names used by the command line flags.
func ParseMatchMode(name string) (MatchMode, error) {
	switch name {
	case "", "substring":
		return MatchSubstring, nil
	case "line":
		return MatchLine, nil
	}
	return 0, fmt.Errorf("allowlist: unknown match mode %q", name)
}

func (m MatchMode) String() string {
	switch m {
	case MatchSubstring:
		return "substring"
	case MatchLine:
		return "line"
	}
	return fmt.Sprintf("MatchMode(%d)", int(m))
}
