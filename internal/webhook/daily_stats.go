package webhook

import (
	"context"
	"fmt"

	"dialbridge/internal/db"
	"dialbridge/internal/models"
)

// DailyStatsStore keeps per-agent call counters per calendar day.
type DailyStatsStore struct {
	db db.Querier
}

func NewDailyStatsStore(q db.Querier) *DailyStatsStore {
	return &DailyStatsStore{db: q}
}

// Increment adds one call to (day, agent) and returns the new totals. day is
// formatted YYYY-MM-DD.
func (d *DailyStatsStore) Increment(ctx context.Context, day, agentID string, connected, appointment bool) (*models.AgentDailyStats, error) {
	out := models.AgentDailyStats{Day: day, AgentID: agentID}
	err := d.db.QueryRow(ctx, `
        INSERT INTO dialbridge.agent_daily_stats (day, agent_id, total_calls, connected, appointments)
        VALUES ($1::date, $2, 1, $3, $4)
        ON CONFLICT (day, agent_id) DO UPDATE
        SET total_calls = dialbridge.agent_daily_stats.total_calls + 1,
            connected = dialbridge.agent_daily_stats.connected + EXCLUDED.connected,
            appointments = dialbridge.agent_daily_stats.appointments + EXCLUDED.appointments,
            updated_at = now()
        RETURNING total_calls, connected, appointments
    `, day, agentID, boolToInt(connected), boolToInt(appointment)).Scan(
		&out.TotalCalls,
		&out.Connected,
		&out.Appointments,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert agent daily stats: %w", err)
	}
	return &out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
