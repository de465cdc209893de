// Package ratelimit implements per-key sliding window admission control.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"dialbridge/internal/metrics"
)

// Window is the sliding window length and the retry hint given to callers.
const Window = 60 * time.Second

// Limiter keeps a log of admitted request times per key.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

func New() *Limiter {
	return &Limiter{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow admits the request when fewer than limit requests were admitted for
// endpoint:clientID in the last Window. Rejected attempts are not recorded.
// A non-positive limit disables limiting.
func (l *Limiter) Allow(endpoint, clientID string, limit int) (bool, time.Duration) {
	if limit <= 0 {
		return true, 0
	}
	key := endpoint + ":" + clientID
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := prune(l.windows[key], now)
	if len(hits) >= limit {
		l.windows[key] = hits
		metrics.RateLimitRejectionsTotal.WithLabelValues(endpoint).Inc()
		return false, Window
	}
	l.windows[key] = append(hits, now)
	return true, 0
}

// Sweep drops windows with no hits inside the current window.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, hits := range l.windows {
		hits = prune(hits, now)
		if len(hits) == 0 {
			delete(l.windows, key)
			removed++
			continue
		}
		l.windows[key] = hits
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				log.Debug().Int("windows", n).Msg("swept idle rate limit windows")
			}
		}
	}
}

// prune drops timestamps older than the window. Hits are kept in order.
func prune(hits []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
