// Package accesscode mints the short-lived, single-use codes that stand in
// for a session token in browser URLs.
package accesscode

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"dialbridge/internal/db"
	"dialbridge/internal/models"
)

// ErrNotFound covers unknown, already used and expired codes alike.
var ErrNotFound = errors.New("access code not found")

type Store struct {
	db  db.Querier
	ttl time.Duration
	now func() time.Time
}

func NewStore(q db.Querier, ttl time.Duration) *Store {
	return &Store{db: q, ttl: ttl, now: time.Now}
}

func (s *Store) Mint(ctx context.Context, sessionToken string) (*models.TempAccessCode, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate access code: %w", err)
	}

	now := s.now().UTC()
	code := &models.TempAccessCode{
		Code:         base64.RawURLEncoding.EncodeToString(b),
		SessionToken: sessionToken,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}

	_, err := s.db.Exec(ctx, `
        INSERT INTO dialbridge.access_codes (code, session_token, created_at, expires_at)
        VALUES ($1, $2, $3, $4)
    `, code.Code, code.SessionToken, code.CreatedAt, code.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert access code: %w", err)
	}
	return code, nil
}

// Consume resolves a code to its session token. The row is deleted by the
// same statement, so a code resolves at most once even when expired.
func (s *Store) Consume(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", ErrNotFound
	}

	var (
		token     string
		expiresAt time.Time
	)
	err := s.db.QueryRow(ctx, `
        DELETE FROM dialbridge.access_codes
        WHERE code = $1
        RETURNING session_token, expires_at
    `, code).Scan(&token, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("consume access code: %w", err)
	}

	if !s.now().Before(expiresAt) {
		return "", fmt.Errorf("%w: expired", ErrNotFound)
	}
	return token, nil
}

func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
        DELETE FROM dialbridge.access_codes
        WHERE expires_at <= $1
    `, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired access codes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Run sweeps expired codes until ctx is done.
func (s *Store) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.DeleteExpired(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("access code sweep failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("deleted", n).Msg("swept expired access codes")
			}
		}
	}
}
