package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrebq/challenged/allowlist"
	"github.com/andrebq/challenged/internal/logutil"
	"github.com/cespare/xxhash/v2"
)

type (
	Options struct {
		// Interval between two reads of the allow-list.
		Interval time.Duration
		// MaxReadFailures is how many consecutive failed reads a waiter
		// tolerates before giving up.
		MaxReadFailures int
		// MaxWaiters caps the number of parked connections. Negative values
		// disable the cap.
		MaxWaiters int
	}

	Gate struct {
		store   allowlist.Store
		opts    Options
		shards  [shardCount]shard
		waiting int64
	}

	PendingChallenge struct {
		Token   string    `json:"token"`
		Waiters int       `json:"waiters"`
		Since   time.Time `json:"since"`
	}

	shard struct {
		sync.Mutex
		pending map[string]*pendingToken
	}

	pendingToken struct {
		since   time.Time
		waiters map[*waiter]struct{}
	}

	waiter struct {
		failures int
		done     chan error
	}
)

const (
	DefaultInterval        = 5 * time.Second
	DefaultMaxReadFailures = 3
	DefaultMaxWaiters      = 4096

	shardCount = 32
)

var (
	ErrAllowListUnavailable = errors.New("gate: allow-list unavailable")
	ErrTooManyWaiters       = errors.New("gate: too many pending challenges")
	errEmptyToken           = errors.New("gate: empty token")
)

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxReadFailures <= 0 {
		o.MaxReadFailures = DefaultMaxReadFailures
	}
	if o.MaxWaiters == 0 {
		o.MaxWaiters = DefaultMaxWaiters
	}
	return o
}

func New(store allowlist.Store, opts Options) *Gate {
	g := &Gate{
		store: store,
		opts:  opts.withDefaults(),
	}
	for i := range g.shards {
		g.shards[i].pending = make(map[string]*pendingToken)
	}
	return g
}

func (g *Gate) Options() Options {
	return g.opts
}

// AwaitApproval returns nil once the allow-list reported token as present.
// Run must be running for parked callers to make progress.
func (g *Gate) AwaitApproval(ctx context.Context, token string) error {
	if token == "" {
		return errEmptyToken
	}
	found, err := g.store.Contains(ctx, token)
	if err == nil && found {
		return nil
	} else if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	if g.opts.MaxWaiters > 0 && atomic.AddInt64(&g.waiting, 1) > int64(g.opts.MaxWaiters) {
		atomic.AddInt64(&g.waiting, -1)
		return ErrTooManyWaiters
	} else if g.opts.MaxWaiters < 0 {
		atomic.AddInt64(&g.waiting, 1)
	}

	w := &waiter{done: make(chan error, 1)}
	if err != nil {
		// the first read already failed, count it
		w.failures = 1
	}
	s := g.shardFor(token)
	s.Lock()
	pt := s.pending[token]
	if pt == nil {
		pt = &pendingToken{since: time.Now(), waiters: make(map[*waiter]struct{})}
		s.pending[token] = pt
	}
	pt.waiters[w] = struct{}{}
	s.Unlock()

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		g.remove(s, token, w)
		return ctx.Err()
	}
}

// Waiting returns how many callers are parked in AwaitApproval.
func (g *Gate) Waiting() int {
	return int(atomic.LoadInt64(&g.waiting))
}

// Pending lists parked challenges, oldest first.
func (g *Gate) Pending() []PendingChallenge {
	var out []PendingChallenge
	for i := range g.shards {
		s := &g.shards[i]
		s.Lock()
		for token, pt := range s.pending {
			out = append(out, PendingChallenge{Token: token, Waiters: len(pt.waiters), Since: pt.since})
		}
		s.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].Token < out[j].Token
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

// Run polls the allow-list until ctx is cancelled. Waiters still parked
// when Run returns are only released by their own contexts.
func (g *Gate) Run(ctx context.Context) error {
	log := logutil.GetOrDefault(ctx).With().Str("gate.interval", g.opts.Interval.String()).Logger()
	ticker := time.NewTicker(g.opts.Interval)
	defer ticker.Stop()
	log.Debug().Msg("Starting approval loop")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Approval loop stopped")
			return nil
		case <-ticker.C:
		}
		if g.Waiting() == 0 {
			continue
		}
		snap, err := g.store.Snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			released := g.readFailed(err)
			log.Warn().Err(err).Int("gate.released", released).Msg("Unable to read allow-list")
			continue
		}
		if approved := g.release(snap); approved > 0 {
			log.Debug().Int("gate.approved", approved).Msg("Released approved challenges")
		}
	}
}

// release wakes every waiter whose token is in snap and returns how many
// waiters were released.
func (g *Gate) release(snap allowlist.Snapshot) int {
	var count int
	for i := range g.shards {
		s := &g.shards[i]
		s.Lock()
		for token, pt := range s.pending {
			if !snap.Contains(token) {
				for w := range pt.waiters {
					w.failures = 0
				}
				continue
			}
			for w := range pt.waiters {
				w.done <- nil
				count++
			}
			delete(s.pending, token)
			atomic.AddInt64(&g.waiting, -int64(len(pt.waiters)))
		}
		s.Unlock()
	}
	return count
}

func (g *Gate) readFailed(cause error) int {
	err := fmt.Errorf("%w, cause %w", ErrAllowListUnavailable, cause)
	var count int
	for i := range g.shards {
		s := &g.shards[i]
		s.Lock()
		for token, pt := range s.pending {
			for w := range pt.waiters {
				w.failures++
				if w.failures < g.opts.MaxReadFailures {
					continue
				}
				w.done <- err
				delete(pt.waiters, w)
				atomic.AddInt64(&g.waiting, -1)
				count++
			}
			if len(pt.waiters) == 0 {
				delete(s.pending, token)
			}
		}
		s.Unlock()
	}
	return count
}

func (g *Gate) remove(s *shard, token string, w *waiter) {
	s.Lock()
	defer s.Unlock()
	pt := s.pending[token]
	if pt == nil {
		return
	}
	if _, ok := pt.waiters[w]; !ok {
		return
	}
	delete(pt.waiters, w)
	atomic.AddInt64(&g.waiting, -1)
	if len(pt.waiters) == 0 {
		delete(s.pending, token)
	}
}

func (g *Gate) shardFor(token string) *shard {
	return &g.shards[xxhash.Sum64String(token)%shardCount]
}
