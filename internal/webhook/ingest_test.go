package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dialbridge/internal/apperr"
	"dialbridge/internal/config"
	"dialbridge/internal/models"
	"dialbridge/internal/session"
)

type fakeDaily struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeDaily) Increment(_ context.Context, day, agentID string, connected, appointment bool) (*models.AgentDailyStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, fmt.Sprintf("%s|%s|%t|%t", day, agentID, connected, appointment))
	return &models.AgentDailyStats{Day: day, AgentID: agentID, TotalCalls: len(f.calls)}, nil
}

func newTestIngestor(t *testing.T, tz string) (*Ingestor, *session.MemoryStore, *fakeDaily) {
	t.Helper()
	cfg := config.Default()
	cfg.Webhooks.StatsTimezone = tz

	store := session.NewMemoryStore(session.NewBroker())
	require.NoError(t, store.Create(context.Background(), &models.Session{
		Token:           "tok",
		CRMName:         "hubspot",
		DialerSessionID: "ds-1",
		ContactsMap: map[string]models.ContactRef{
			"101": {Name: "Ada Lovelace", Phone: "5551234567", Email: "ada@example.com", RecordURL: "https://crm/101", Source: "contact"},
		},
		Stats: models.Stats{TotalCalls: 3, Connected: 1, ByStatus: map[string]int{}},
	}))

	daily := &fakeDaily{}
	in := NewIngestor(cfg, store, daily)
	in.now = func() time.Time { return time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC) }
	return in, store, daily
}

func TestCallDoneAppointmentScenario(t *testing.T) {
	in, _, _ := newTestIngestor(t, "UTC")

	s, err := in.CallDone(context.Background(), "tok", []byte(`{"status":"Set Appointment - Callback","connected":"1","duration":"42","call_id":99}`))
	require.NoError(t, err)

	assert.Equal(t, 4, s.Stats.TotalCalls)
	assert.Equal(t, 2, s.Stats.Connected)
	assert.Equal(t, 1, s.Stats.Appointments)
	assert.Equal(t, 1, s.Stats.ByStatus["Set Appointment - Callback"])

	require.NotNil(t, s.LastCall)
	assert.Equal(t, "99", s.LastCall.CallID)
	assert.Equal(t, 42, s.LastCall.Duration)
	assert.True(t, s.LastCall.Connected)
	assert.Nil(t, s.DailyStats)
}

func TestCallDoneConnectedVariants(t *testing.T) {
	tests := []struct {
		raw       string
		connected bool
	}{
		{`{"status":"x","connected":1}`, true},
		{`{"status":"x","connected":true}`, true},
		{`{"status":"x","connected":"yes"}`, true},
		{`{"status":"x","connected":"0"}`, false},
		{`{"status":"x","connected":false}`, false},
		{`{"status":"x"}`, false},
	}
	for _, tc := range tests {
		in, _, _ := newTestIngestor(t, "UTC")
		s, err := in.CallDone(context.Background(), "tok", []byte(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.connected, s.LastCall.Connected, tc.raw)
		assert.Equal(t, 4, s.Stats.TotalCalls)
	}
}

func TestCallDoneAgentDailyStats(t *testing.T) {
	in, _, daily := newTestIngestor(t, "America/New_York")

	// 02:30 UTC on May 2nd is still May 1st in New York.
	s, err := in.CallDone(context.Background(), "tok", []byte(`{
        "status": "Appointment set",
        "connected": "1",
        "agent": {"user_id": 7},
        "start_time": "2024-05-02T02:29:00Z",
        "end_time": "2024-05-02T02:30:00Z"
    }`))
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-05-01|7|true|true"}, daily.calls)
	require.NotNil(t, s.DailyStats)
	assert.Equal(t, "7", s.DailyStats.AgentID)
	assert.Equal(t, "7", s.LastCall.AgentID)
}

func TestCallDoneDayKeyFallsBackToStartThenArrival(t *testing.T) {
	in, _, daily := newTestIngestor(t, "UTC")

	_, err := in.CallDone(context.Background(), "tok", []byte(`{"agent_id":"a","start_time":"2024-04-30 10:00:00"}`))
	require.NoError(t, err)
	_, err = in.CallDone(context.Background(), "tok", []byte(`{"agent_id":"a"}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-04-30|a|false|false", "2024-05-01|a|false|false"}, daily.calls)
}

func TestCallDoneDailyStatsFailureIsAbsorbed(t *testing.T) {
	in, _, daily := newTestIngestor(t, "UTC")
	daily.err = errors.New("db down")

	s, err := in.CallDone(context.Background(), "tok", []byte(`{"agent_id":"a","status":"done"}`))
	require.NoError(t, err)
	assert.Equal(t, 4, s.Stats.TotalCalls)
	assert.Nil(t, s.DailyStats)
}

// conflictOnce fails the first Update the way an exhausted CAS retry does.
type conflictOnce struct {
	*session.MemoryStore
	mu     sync.Mutex
	failed bool
}

func (c *conflictOnce) Update(ctx context.Context, token string, fn session.Mutator) (*models.Session, error) {
	c.mu.Lock()
	first := !c.failed
	c.failed = true
	c.mu.Unlock()
	if first {
		return nil, session.ErrConflict
	}
	return c.MemoryStore.Update(ctx, token, fn)
}

func TestCallDoneRedeliveryAfterFailedMergeCountsOnce(t *testing.T) {
	in, store, daily := newTestIngestor(t, "UTC")
	in.sessions = &conflictOnce{MemoryStore: store}

	body := []byte(`{"status":"Done","call_id":"c-1","connected":"1","agent_id":"7"}`)

	_, err := in.CallDone(context.Background(), "tok", body)
	require.Error(t, err)
	assert.Empty(t, daily.calls)

	s, err := in.CallDone(context.Background(), "tok", body)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Stats.TotalCalls)
	assert.Len(t, daily.calls, 1)
	require.NotNil(t, s.DailyStats)
	assert.Equal(t, 1, s.DailyStats.TotalCalls)

	stored, err := store.Get(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 4, stored.Stats.TotalCalls)
	assert.Equal(t, "7", stored.DailyStats.AgentID)
}

func TestCallDoneConcurrentEventsAreNotLost(t *testing.T) {
	in, store, _ := newTestIngestor(t, "UTC")

	const events = 32
	var wg sync.WaitGroup
	wg.Add(events)
	for i := 0; i < events; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := in.CallDone(context.Background(), "tok", []byte(fmt.Sprintf(`{"status":"Done","call_id":"%d","connected":"1"}`, i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	s, err := store.Get(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 3+events, s.Stats.TotalCalls)
	assert.Equal(t, 1+events, s.Stats.Connected)
	assert.Equal(t, events, s.Stats.ByStatus["Done"])
	assert.GreaterOrEqual(t, s.Stats.TotalCalls, s.Stats.Connected)
}

func TestContactDisplayedMatching(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantKey   string
		matched   bool
		diagnosis string
	}{
		{
			name:    "explicit external id",
			raw:     `{"external_id":"101","first_name":"Ada"}`,
			wantKey: "101",
			matched: true,
		},
		{
			name:    "nested contact external id as number",
			raw:     `{"contact":{"external_id":101}}`,
			wantKey: "101",
			matched: true,
		},
		{
			name:    "crm reference of the session crm wins",
			raw:     `{"external_crm_data":[{"crm_name":"salesforce","crm_id":"sf-1"},{"crm_name":"HubSpot","crm_id":"101"}]}`,
			wantKey: "101",
			matched: true,
		},
		{
			name:      "first crm reference as fallback",
			raw:       `{"contact":{"external_crm_data":{"crm_name":"other","crm_id":"555"}}}`,
			wantKey:   "555",
			diagnosis: `lookup key "555" from external_crm_data[first] not in contacts_map (1 entries)`,
		},
		{
			name:      "no key at all",
			raw:       `{"first_name":"Someone"}`,
			diagnosis: "no lookup key in payload (external_id, external_crm_data); contacts_map has 1 entries",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			in, _, _ := newTestIngestor(t, "UTC")

			s, err := in.ContactDisplayed(context.Background(), "tok", []byte(tc.raw))
			require.NoError(t, err)
			require.NotNil(t, s.Current)

			assert.Equal(t, tc.wantKey, s.Current.LookupKey)
			assert.Equal(t, tc.matched, s.Current.Matched)
			assert.Equal(t, tc.diagnosis, s.Current.Diagnostic)
			assert.JSONEq(t, tc.raw, string(s.Current.Raw))
			if tc.matched {
				assert.Equal(t, "Ada Lovelace", s.Current.Name)
				assert.Equal(t, "5551234567", s.Current.Phone)
				assert.Equal(t, "https://crm/101", s.Current.RecordURL)
				assert.Equal(t, "contact", s.Current.Source)
			}
		})
	}
}

func TestWebhookRejections(t *testing.T) {
	in, _, _ := newTestIngestor(t, "UTC")

	_, err := in.CallDone(context.Background(), "", []byte(`{}`))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = in.ContactDisplayed(context.Background(), "unknown", []byte(`{}`))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	// The session resolves before the body is parsed.
	_, err = in.CallDone(context.Background(), "unknown", []byte(`not json`))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = in.CallDone(context.Background(), "tok", []byte(`not json`))
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))

	_, err = in.ContactDisplayed(context.Background(), "tok", []byte(`[1,2]`))
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
}
