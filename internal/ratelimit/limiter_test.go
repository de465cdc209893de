package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter() (*Limiter, *time.Time) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := New()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowSlidingWindow(t *testing.T) {
	l, now := newTestLimiter()

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("create_session", "c1", 3)
		assert.True(t, ok, "request %d", i)
		*now = now.Add(10 * time.Second)
	}

	ok, retry := l.Allow("create_session", "c1", 3)
	assert.False(t, ok)
	assert.Equal(t, 60*time.Second, retry)

	// Other clients and endpoints have their own windows.
	ok, _ = l.Allow("create_session", "c2", 3)
	assert.True(t, ok)
	ok, _ = l.Allow("list_fetch", "c1", 3)
	assert.True(t, ok)

	// The first hit leaves the window after 60s; rejected attempts never counted.
	*now = now.Add(31 * time.Second)
	ok, _ = l.Allow("create_session", "c1", 3)
	assert.True(t, ok)
	ok, _ = l.Allow("create_session", "c1", 3)
	assert.False(t, ok)
}

func TestAllowNonPositiveLimitIsUnlimited(t *testing.T) {
	l, _ := newTestLimiter()

	for _, limit := range []int{0, -1} {
		for i := 0; i < 5; i++ {
			ok, retry := l.Allow("list_fetch", "c1", limit)
			assert.True(t, ok, "limit %d request %d", limit, i)
			assert.Zero(t, retry)
		}
	}
	assert.Empty(t, l.windows)
}

func TestSweepDropsIdleWindows(t *testing.T) {
	l, now := newTestLimiter()
	l.Allow("create_session", "c1", 10)
	*now = now.Add(30 * time.Second)
	l.Allow("create_session", "c2", 10)

	*now = now.Add(45 * time.Second)
	assert.Equal(t, 1, l.Sweep())
	assert.Len(t, l.windows, 1)
	assert.Contains(t, l.windows, "create_session:c2")
}

func TestRunStopsOnCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
