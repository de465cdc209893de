package live

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultPresenceWindow = 180 * time.Second
	MinPresenceWindow     = 60 * time.Second
	MaxPresenceWindow     = 900 * time.Second
)

// Presence tracks when each viewer was last seen. It only feeds the
// "active now" estimate.
type Presence struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewPresence() *Presence {
	return &Presence{seen: make(map[string]time.Time), now: time.Now}
}

func (p *Presence) Touch(viewerID string) {
	if viewerID == "" {
		return
	}
	p.mu.Lock()
	p.seen[viewerID] = p.now()
	p.mu.Unlock()
}

// ActiveCount counts viewers seen within window.
func (p *Presence) ActiveCount(window time.Duration) int {
	cutoff := p.now().Add(-window)
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, at := range p.seen {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}

// ClampWindow bounds a requested window in seconds; zero or less means the
// default.
func ClampWindow(seconds int) time.Duration {
	if seconds <= 0 {
		return DefaultPresenceWindow
	}
	w := time.Duration(seconds) * time.Second
	switch {
	case w < MinPresenceWindow:
		return MinPresenceWindow
	case w > MaxPresenceWindow:
		return MaxPresenceWindow
	default:
		return w
	}
}

// Sweep forgets viewers idle for longer than the largest window.
func (p *Presence) Sweep() {
	cutoff := p.now().Add(-MaxPresenceWindow)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, at := range p.seen {
		if at.Before(cutoff) {
			delete(p.seen, id)
		}
	}
}

func (p *Presence) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}
