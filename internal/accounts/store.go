package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"dialbridge/internal/db"
	"dialbridge/internal/models"
)

// ErrNotFound is returned when a client id has never linked any account.
var ErrNotFound = errors.New("account link not found")

// Store persists AccountLinks keyed by client identity.
type Store struct {
	db db.Querier
}

func NewStore(q db.Querier) *Store {
	return &Store{db: q}
}

func (s *Store) Get(ctx context.Context, clientID string) (*models.AccountLink, error) {
	var link models.AccountLink
	err := s.db.QueryRow(ctx, `
        SELECT client_id, dialer_token, crm_access_token, crm_refresh_token,
               crm_expires_at, crm_portal_id, updated_at
        FROM dialbridge.account_links
        WHERE client_id = $1
    `, clientID).Scan(
		&link.ClientID,
		&link.DialerToken,
		&link.CRMAccessToken,
		&link.CRMRefreshToken,
		&link.CRMExpiresAt,
		&link.CRMPortalID,
		&link.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select account link: %w", err)
	}
	return &link, nil
}

func (s *Store) SaveDialerToken(ctx context.Context, clientID, token string) error {
	token = strings.TrimSpace(token)
	if clientID == "" || token == "" {
		return errors.New("client id and dialer token are required")
	}

	_, err := s.db.Exec(ctx, `
        INSERT INTO dialbridge.account_links (client_id, dialer_token)
        VALUES ($1, $2)
        ON CONFLICT (client_id) DO UPDATE
        SET dialer_token = EXCLUDED.dialer_token,
            updated_at = now()
    `, clientID, token)
	if err != nil {
		return fmt.Errorf("upsert dialer token: %w", err)
	}

	log.Info().Str("client_id", clientID).Msg("saved dialer token")
	return nil
}

// SaveCRMTokens stores a fresh token pair. expiresAt must already include the
// safety margin. An empty portalID keeps the stored one.
func (s *Store) SaveCRMTokens(ctx context.Context, clientID, access, refresh string, expiresAt time.Time, portalID string) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO dialbridge.account_links
            (client_id, crm_access_token, crm_refresh_token, crm_expires_at, crm_portal_id)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (client_id) DO UPDATE
        SET crm_access_token = EXCLUDED.crm_access_token,
            crm_refresh_token = EXCLUDED.crm_refresh_token,
            crm_expires_at = EXCLUDED.crm_expires_at,
            crm_portal_id = CASE WHEN EXCLUDED.crm_portal_id <> ''
                                 THEN EXCLUDED.crm_portal_id
                                 ELSE dialbridge.account_links.crm_portal_id END,
            updated_at = now()
    `, clientID, access, refresh, expiresAt, portalID)
	if err != nil {
		return fmt.Errorf("upsert crm tokens: %w", err)
	}

	log.Debug().Str("client_id", clientID).Time("expires_at", expiresAt).Msg("saved crm tokens")
	return nil
}
