// Package dialer talks to the outbound-calling platform's session API.
package dialer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"dialbridge/internal/apperr"
	"dialbridge/internal/config"
	"dialbridge/internal/metrics"
	"dialbridge/internal/models"
)

const (
	CallbackContactDisplayed = "contact_displayed"
	CallbackCallDone         = "api_calldone"
)

type Callback struct {
	Type string `json:"callback_type"`
	URL  string `json:"callback"`
}

type CreateRequest struct {
	Name       string                     `json:"name,omitempty"`
	Contacts   []models.NormalizedContact `json:"contacts"`
	Callbacks  []Callback                 `json:"callbacks"`
	CustomData map[string]string          `json:"custom_data,omitempty"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg config.DialerConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// CreateSession posts the contact batch and returns the launch details.
func (c *Client) CreateSession(ctx context.Context, token string, req CreateRequest) (Launch, error) {
	if strings.TrimSpace(token) == "" {
		return Launch{}, apperr.Unauthorized("dialer account not connected; reconnect required", nil)
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return Launch{}, fmt.Errorf("encode dial session: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rest/1/dialsession", bytes.NewReader(raw))
	if err != nil {
		return Launch{}, fmt.Errorf("build dialer request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues("dialer", "transport").Inc()
		return Launch{}, apperr.Upstream(0, "dialer unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Launch{}, apperr.Upstream(resp.StatusCode, "read dialer response", err)
	}

	if resp.StatusCode/100 != 2 {
		metrics.UpstreamErrorsTotal.WithLabelValues("dialer", "create_session").Inc()
		log.Warn().Int("status", resp.StatusCode).Int("contacts", len(req.Contacts)).Msg("dialer rejected session")
		return Launch{}, apperr.Upstream(resp.StatusCode, "dialer session creation failed", fmt.Errorf("%s", truncate(body)))
	}

	launch, err := ExtractLaunch(body)
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues("dialer", "response_shape").Inc()
		return Launch{}, apperr.Upstream(resp.StatusCode, "malformed dialer response", err)
	}
	return launch, nil
}

func truncate(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}
