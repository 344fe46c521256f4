package session

import (
	"context"
	"time"

	"chatbridge/internal/logging"
)

// Sweeper evicts sessions idle for longer than the TTL. It sits outside the
// store contract on purpose: the store executes removals, the sweeper owns
// the retention policy.
type Sweeper struct {
	store    *Store
	ttl      time.Duration
	interval time.Duration
}

// NewSweeper returns nil when ttl is zero, which disables eviction.
func NewSweeper(store *Store, ttl, interval time.Duration) *Sweeper {
	if ttl <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, ttl: ttl, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.ttl)
	for _, summary := range s.store.List(ctx) {
		if summary.LastActivityAt.Before(cutoff) {
			if s.store.Remove(ctx, summary.ID) {
				logging.Debug().Str("session", summary.ID).Msg("evicted idle session")
			}
		}
	}
}
