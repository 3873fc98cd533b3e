// Package notice records the free text messages clients send without
// asking for a signature.
package notice

import (
	"context"
	"time"

	"github.com/andrebq/challenged/internal/logutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type (
	Notice struct {
		ID     string    `json:"id"`
		Text   string    `json:"text"`
		Remote string    `json:"remote"`
		At     time.Time `json:"at"`
		Level  string    `json:"level,omitempty"`
		Tags   []string  `json:"tags,omitempty"`
	}

	// Sink implementations must be safe for concurrent use.
	Sink interface {
		Record(ctx context.Context, n Notice) error
	}

	LogSink struct{}

	multi []Sink
)

func New(text, remote string) Notice {
	return Notice{
		ID:     uuid.NewString(),
		Text:   text,
		Remote: remote,
		At:     time.Now().UTC(),
		Level:  zerolog.InfoLevel.String(),
	}
}

// Record writes n through the logger carried by ctx.
func (LogSink) Record(ctx context.Context, n Notice) error {
	log := logutil.GetOrDefault(ctx)
	lvl, err := zerolog.ParseLevel(n.Level)
	if err != nil || n.Level == "" {
		lvl = zerolog.InfoLevel
	}
	log.WithLevel(lvl).
		Str("notice.id", n.ID).
		Str("notice.remote", n.Remote).
		Strs("notice.tags", n.Tags).
		Str("notice.text", n.Text).
		Msg("Notice received")
	return nil
}

// Multi records to every sink in order and returns the first error.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) Record(ctx context.Context, n Notice) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
