package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"dialbridge/internal/db"
	"dialbridge/internal/metrics"
	"dialbridge/internal/models"
)

// PostgresStore keeps the session as a JSONB document plus a version column.
// Update is an optimistic compare-and-swap on that version.
type PostgresStore struct {
	db         db.Querier
	broker     *Broker
	maxRetries int
	now        func() time.Time
}

func NewPostgresStore(q db.Querier, broker *Broker, maxRetries int) *PostgresStore {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &PostgresStore{db: q, broker: broker, maxRetries: maxRetries, now: time.Now}
}

func (p *PostgresStore) Create(ctx context.Context, s *models.Session) error {
	stored := s.Clone()
	stamp(stored, p.now())

	state, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	tag, err := p.db.Exec(ctx, `
        INSERT INTO dialbridge.dial_sessions (token, client_id, state, version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (token) DO NOTHING
    `, s.Token, stored.OwningClientID, state, stored.Version, stored.CreatedAt, stored.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}

	s.Version, s.CreatedAt, s.UpdatedAt = stored.Version, stored.CreatedAt, stored.UpdatedAt
	p.broker.Publish(s.Token, stored.Version)
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, token string) (*models.Session, error) {
	var (
		state   []byte
		version int64
	)
	err := p.db.QueryRow(ctx, `
        SELECT state, version
        FROM dialbridge.dial_sessions
        WHERE token = $1
    `, token).Scan(&state, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select session: %w", err)
	}

	var s models.Session
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	s.Token = token
	s.Version = version
	if s.ContactsMap == nil {
		s.ContactsMap = map[string]models.ContactRef{}
	}
	if s.Stats.ByStatus == nil {
		s.Stats.ByStatus = map[string]int{}
	}
	return &s, nil
}

func (p *PostgresStore) Update(ctx context.Context, token string, fn Mutator) (*models.Session, error) {
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		cur, err := p.Get(ctx, token)
		if err != nil {
			return nil, err
		}

		expected := cur.Version
		if err := fn(cur); err != nil {
			return nil, err
		}
		cur.Token = token
		cur.Version = expected + 1
		cur.UpdatedAt = p.now().UTC()

		state, err := json.Marshal(cur)
		if err != nil {
			return nil, fmt.Errorf("encode session: %w", err)
		}

		tag, err := p.db.Exec(ctx, `
            UPDATE dialbridge.dial_sessions
            SET state = $1, version = $2, updated_at = $3
            WHERE token = $4 AND version = $5
        `, state, cur.Version, cur.UpdatedAt, token, expected)
		if err != nil {
			return nil, fmt.Errorf("update session: %w", err)
		}
		if tag.RowsAffected() == 1 {
			p.broker.Publish(token, cur.Version)
			return cur, nil
		}

		metrics.SessionWriteConflictsTotal.Inc()
		log.Debug().Int("attempt", attempt).Int64("version", expected).Msg("session version conflict, retrying")
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrConflict, p.maxRetries)
}
