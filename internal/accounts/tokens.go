package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"dialbridge/internal/apperr"
	"dialbridge/internal/config"
	"dialbridge/internal/metrics"
	"dialbridge/internal/models"
)

const reconnectMsg = "CRM connection expired; reconnect required"

// defaultTokenLifetime applies when the provider omits expires_in.
const defaultTokenLifetime = 30 * time.Minute

type linkStore interface {
	Get(ctx context.Context, clientID string) (*models.AccountLink, error)
	SaveCRMTokens(ctx context.Context, clientID, access, refresh string, expiresAt time.Time, portalID string) error
}

// TokenManager keeps CRM credentials fresh. Refreshes for the same client are
// collapsed so concurrent requests spend one refresh token.
type TokenManager struct {
	store      linkStore
	oauth      *oauth2.Config
	httpClient *http.Client
	apiBaseURL string
	margin     time.Duration
	now        func() time.Time
	group      singleflight.Group
}

func NewTokenManager(cfg config.CRMConfig, store linkStore) *TokenManager {
	return &TokenManager{
		store: store,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{Timeout: cfg.Timeout},
		apiBaseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		margin:     cfg.ExpiryMargin,
		now:        time.Now,
	}
}

// EnsureValid returns the account link, refreshing the CRM pair first when the
// stored expiry has passed.
func (m *TokenManager) EnsureValid(ctx context.Context, clientID string) (*models.AccountLink, error) {
	link, err := m.load(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if link.HasCRM() && !link.CRMExpired(m.now()) {
		return link, nil
	}
	return m.refresh(ctx, link)
}

// Refresh forces a refresh regardless of the stored expiry. Used after the CRM
// rejects an access token that still looked valid.
func (m *TokenManager) Refresh(ctx context.Context, clientID string) (*models.AccountLink, error) {
	link, err := m.load(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return m.refresh(ctx, link)
}

// Exchange completes the authorization-code grant and stores the pair.
func (m *TokenManager) Exchange(ctx context.Context, clientID, code string) (*models.AccountLink, error) {
	if strings.TrimSpace(code) == "" {
		return nil, apperr.BadRequest("authorization code is required")
	}

	tok, err := m.oauth.Exchange(m.withClient(ctx), code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
			return nil, apperr.BadRequest("authorization code rejected by CRM")
		}
		metrics.UpstreamErrorsTotal.WithLabelValues("crm", "token_exchange").Inc()
		return nil, apperr.Upstream(retrieveStatus(err), "CRM token exchange failed", err)
	}

	portalID, err := m.portalID(ctx, tok.AccessToken)
	if err != nil {
		log.Warn().Err(err).Str("client_id", clientID).Msg("crm token info lookup failed")
	}

	expiresAt := m.expiresAt(tok)
	if err := m.store.SaveCRMTokens(ctx, clientID, tok.AccessToken, tok.RefreshToken, expiresAt, portalID); err != nil {
		return nil, err
	}

	log.Info().Str("client_id", clientID).Str("portal_id", portalID).Msg("linked crm account")
	return &models.AccountLink{
		ClientID:        clientID,
		CRMAccessToken:  tok.AccessToken,
		CRMRefreshToken: tok.RefreshToken,
		CRMExpiresAt:    &expiresAt,
		CRMPortalID:     portalID,
		UpdatedAt:       m.now(),
	}, nil
}

func (m *TokenManager) load(ctx context.Context, clientID string) (*models.AccountLink, error) {
	if clientID == "" {
		return nil, apperr.BadRequest("client id is required")
	}
	link, err := m.store.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.Unauthorized("CRM account not connected; reconnect required", err)
		}
		return nil, fmt.Errorf("load account link: %w", err)
	}
	return link, nil
}

func (m *TokenManager) refresh(ctx context.Context, link *models.AccountLink) (*models.AccountLink, error) {
	if link.CRMRefreshToken == "" {
		return nil, apperr.Unauthorized(reconnectMsg, errors.New("no refresh token stored"))
	}

	v, err, _ := m.group.Do(link.ClientID, func() (any, error) {
		src := m.oauth.TokenSource(m.withClient(ctx), &oauth2.Token{RefreshToken: link.CRMRefreshToken})
		tok, err := src.Token()
		if err != nil {
			metrics.TokenRefreshesTotal.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Str("client_id", link.ClientID).Msg("crm token refresh failed")
			return nil, apperr.Unauthorized(reconnectMsg, err)
		}

		refresh := tok.RefreshToken
		if refresh == "" {
			refresh = link.CRMRefreshToken
		}
		expiresAt := m.expiresAt(tok)

		if err := m.store.SaveCRMTokens(ctx, link.ClientID, tok.AccessToken, refresh, expiresAt, ""); err != nil {
			return nil, err
		}
		metrics.TokenRefreshesTotal.WithLabelValues("ok").Inc()

		updated := *link
		updated.CRMAccessToken = tok.AccessToken
		updated.CRMRefreshToken = refresh
		updated.CRMExpiresAt = &expiresAt
		updated.UpdatedAt = m.now()
		return &updated, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.AccountLink), nil
}

// expiresAt subtracts the safety margin once, at save time.
func (m *TokenManager) expiresAt(tok *oauth2.Token) time.Time {
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(defaultTokenLifetime)
	}
	return expiry.Add(-m.margin)
}

func (m *TokenManager) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

type tokenInfo struct {
	HubID json.Number `json:"hub_id"`
}

func (m *TokenManager) portalID(ctx context.Context, accessToken string) (string, error) {
	endpoint := m.apiBaseURL + "/oauth/v1/access-tokens/" + url.PathEscape(accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("token info status %d", resp.StatusCode)
	}

	var info tokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode token info: %w", err)
	}
	return info.HubID.String(), nil
}

func retrieveStatus(err error) int {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode
	}
	return 0
}
