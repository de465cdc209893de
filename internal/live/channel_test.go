package live

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dialbridge/internal/config"
	"dialbridge/internal/models"
	"dialbridge/internal/session"
)

type chanSink struct {
	events chan Event
	err    error
}

func newChanSink() *chanSink {
	return &chanSink{events: make(chan Event, 64)}
}

func (s *chanSink) Send(ev Event) error {
	if s.err != nil {
		return s.err
	}
	s.events <- ev
	return nil
}

func (s *chanSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// nextNamed skips events of other kinds.
func (s *chanSink) nextNamed(t *testing.T, name string) Event {
	t.Helper()
	for {
		if ev := s.next(t); ev.Name == name {
			return ev
		}
	}
}

type fakeCodes struct{ n int }

func (f *fakeCodes) Mint(_ context.Context, token string) (*models.TempAccessCode, error) {
	f.n++
	return &models.TempAccessCode{Code: "resume-code", SessionToken: token, ExpiresAt: time.Now().Add(5 * time.Minute)}, nil
}

type fixture struct {
	channel  *Channel
	store    *session.MemoryStore
	presence *Presence
}

func newFixture(t *testing.T, poll, keepalive time.Duration) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Live.PollInterval = poll
	cfg.Live.KeepaliveInterval = keepalive

	broker := session.NewBroker()
	store := session.NewMemoryStore(broker)
	require.NoError(t, store.Create(context.Background(), &models.Session{Token: "tok", OwningClientID: "c1"}))

	presence := NewPresence()
	return &fixture{
		channel:  NewChannel(cfg, store, broker, &fakeCodes{}, presence),
		store:    store,
		presence: presence,
	}
}

func (f *fixture) watch(ctx context.Context, req WatchRequest, sink Sink) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.channel.Watch(ctx, req, sink) }()
	return done
}

func TestWatchMissingSessionSendsSingleError(t *testing.T) {
	f := newFixture(t, time.Second, time.Minute)
	sink := newChanSink()

	err := f.channel.Watch(context.Background(), WatchRequest{Token: "nope"}, sink)
	require.NoError(t, err)
	ev := sink.next(t)
	assert.Equal(t, EventError, ev.Name)
	assert.Len(t, sink.events, 0)
}

func TestWatchPushesSnapshotsOnChange(t *testing.T) {
	// A long poll interval proves the broker wakes the loop.
	f := newFixture(t, time.Hour, time.Hour)
	sink := newChanSink()
	ctx, cancel := context.WithCancel(context.Background())
	done := f.watch(ctx, WatchRequest{Token: "tok", ViewerID: "v1"}, sink)

	resume := sink.next(t)
	assert.Equal(t, EventResume, resume.Name)
	assert.Equal(t, "resume-code", resume.Data.(resumePayload).Code)

	first := sink.next(t)
	assert.Equal(t, EventSnapshot, first.Name)
	assert.Equal(t, "1", first.ID)

	_, err := f.store.Update(ctx, "tok", func(s *models.Session) error {
		s.Stats.TotalCalls++
		return nil
	})
	require.NoError(t, err)

	second := sink.nextNamed(t, EventSnapshot)
	assert.Equal(t, "2", second.ID)
	assert.Equal(t, 1, second.Data.(*models.Session).Stats.TotalCalls)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop on cancel")
	}
	assert.Equal(t, 1, f.presence.ActiveCount(time.Minute))
}

func TestWatchResumeSkipsUnchangedSnapshot(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond, 30*time.Millisecond)
	sink := newChanSink()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.watch(ctx, WatchRequest{Token: "tok", LastVersion: 1}, sink)

	assert.Equal(t, EventResume, sink.next(t).Name)
	// Nothing changed, so the next event is a keepalive rather than a snapshot.
	assert.Equal(t, EventKeepalive, sink.next(t).Name)
}

func TestWatchRenewsResumeCodeWhileSessionIsBusy(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	f.channel.codeTTL = 5 * time.Minute
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var elapsed atomic.Int64
	f.channel.now = func() time.Time { return base.Add(time.Duration(elapsed.Load())) }

	sink := newChanSink()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.watch(ctx, WatchRequest{Token: "tok"}, sink)

	assert.Equal(t, EventResume, sink.next(t).Name)
	assert.Equal(t, EventSnapshot, sink.next(t).Name)

	bump := func() {
		_, err := f.store.Update(ctx, "tok", func(s *models.Session) error {
			s.Stats.TotalCalls++
			return nil
		})
		require.NoError(t, err)
	}

	// Under half the code TTL: snapshot only.
	elapsed.Store(int64(time.Minute))
	bump()
	assert.Equal(t, "2", sink.next(t).ID)

	// Past half the TTL with no keepalive due: the snapshot is followed by a new code.
	elapsed.Store(int64(3 * time.Minute))
	bump()
	snap := sink.next(t)
	assert.Equal(t, EventSnapshot, snap.Name)
	assert.Equal(t, "3", snap.ID)
	assert.Equal(t, EventResume, sink.next(t).Name)

	// The renewal resets the clock.
	elapsed.Store(int64(4 * time.Minute))
	bump()
	assert.Equal(t, "4", sink.next(t).ID)
	assert.Len(t, sink.events, 0)
}

func TestWatchStopsWhenSinkFails(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond, time.Hour)
	sink := newChanSink()
	sink.err = errors.New("broken pipe")

	err := f.channel.Watch(context.Background(), WatchRequest{Token: "tok"}, sink)
	assert.Error(t, err)
}

func TestServeSSE(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond, time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.channel.ServeSSE(w, r, WatchRequest{Token: "tok", ViewerID: "v1"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 20 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, strings.TrimRight(line, "\n"))
		if strings.HasPrefix(line, "data: ") && lines[len(lines)-2] == "event: snapshot" {
			break
		}
	}
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "event: resume")
	assert.Contains(t, joined, "id: 1\nevent: snapshot")
	assert.Contains(t, joined, `"owning_client_id":"c1"`)
}

func TestServeWS(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond, time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.channel.ServeWS(w, r, WatchRequest{Token: "tok", ViewerID: "v1"})
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventResume, msg["type"])

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventSnapshot, msg["type"])
	assert.Equal(t, "1", msg["id"])
}

func TestPresence(t *testing.T) {
	p := NewPresence()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.Touch("a")
	p.Touch("")
	now = now.Add(100 * time.Second)
	p.Touch("b")

	assert.Equal(t, 2, p.ActiveCount(180*time.Second))
	assert.Equal(t, 1, p.ActiveCount(60*time.Second))

	now = now.Add(850 * time.Second)
	p.Sweep()
	assert.Equal(t, 1, p.ActiveCount(MaxPresenceWindow))
}

func TestClampWindow(t *testing.T) {
	assert.Equal(t, 180*time.Second, ClampWindow(0))
	assert.Equal(t, 60*time.Second, ClampWindow(5))
	assert.Equal(t, 300*time.Second, ClampWindow(300))
	assert.Equal(t, 900*time.Second, ClampWindow(3600))
}
