// Package crm is a small REST client for the source CRM's object, schema,
// list and association endpoints.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"dialbridge/internal/apperr"
	"dialbridge/internal/config"
	"dialbridge/internal/metrics"
	"dialbridge/internal/models"
)

const (
	ObjectContacts  = "contacts"
	ObjectCompanies = "companies"
	ObjectDeals     = "deals"
)

var objectTypeIDs = map[string]string{
	ObjectContacts:  "0-1",
	ObjectCompanies: "0-2",
	ObjectDeals:     "0-3",
}

// ErrRecordNotFound is wrapped in a KindNotFound error for any CRM 404.
var ErrRecordNotFound = errors.New("crm record not found")

// TokenSource hands out CRM credentials. Refresh is called at most once per
// request, after the CRM rejects the current access token.
type TokenSource interface {
	EnsureValid(ctx context.Context, clientID string) (*models.AccountLink, error)
	Refresh(ctx context.Context, clientID string) (*models.AccountLink, error)
}

type Client struct {
	baseURL    string
	appBaseURL string
	name       string
	http       *http.Client
	tokens     TokenSource
}

func NewClient(cfg config.CRMConfig, tokens TokenSource) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		appBaseURL: strings.TrimRight(cfg.AppBaseURL, "/"),
		name:       cfg.Name,
		http:       &http.Client{Timeout: cfg.Timeout},
		tokens:     tokens,
	}
}

// Name is the CRM name recorded in external CRM references.
func (c *Client) Name() string { return c.name }

type Property struct {
	Name       string `json:"name"`
	Label      string `json:"label"`
	Type       string `json:"type"`
	FieldType  string `json:"fieldType"`
	Calculated bool   `json:"calculated"`
	Hidden     bool   `json:"hidden"`
}

type Record struct {
	ID         string             `json:"id"`
	Properties map[string]*string `json:"properties"`
}

// Value returns a trimmed property value, "" when absent or null.
func (r *Record) Value(name string) string {
	if r == nil {
		return ""
	}
	if v := r.Properties[name]; v != nil {
		return strings.TrimSpace(*v)
	}
	return ""
}

type List struct {
	ListID         string `json:"listId"`
	Name           string `json:"name"`
	ObjectTypeID   string `json:"objectTypeId"`
	ProcessingType string `json:"processingType"`
	Size           int    `json:"size"`
}

type ListPage struct {
	Lists   []List `json:"lists"`
	HasMore bool   `json:"has_more"`
	Offset  int    `json:"offset"`
	Total   int    `json:"total"`
}

type paging struct {
	Next *struct {
		After string `json:"after"`
	} `json:"next"`
}

func (p paging) after() string {
	if p.Next == nil {
		return ""
	}
	return p.Next.After
}

func (c *Client) Properties(ctx context.Context, clientID, objectType string) ([]Property, error) {
	var out struct {
		Results []Property `json:"results"`
	}
	if err := c.do(ctx, clientID, http.MethodGet, "/crm/v3/properties/"+url.PathEscape(objectType), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// GetRecord fetches exactly the requested properties of one object.
func (c *Client) GetRecord(ctx context.Context, clientID, objectType, id string, props []string) (*Record, error) {
	q := url.Values{}
	if len(props) > 0 {
		q.Set("properties", strings.Join(props, ","))
	}
	var rec Record
	path := "/crm/v3/objects/" + url.PathEscape(objectType) + "/" + url.PathEscape(id)
	if err := c.do(ctx, clientID, http.MethodGet, path, q, nil, &rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return &rec, nil
}

// ListMembers returns one page of record ids and the cursor of the next page.
func (c *Client) ListMembers(ctx context.Context, clientID, listID, after string, limit int) ([]string, string, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	if after != "" {
		q.Set("after", after)
	}
	var out struct {
		Results []struct {
			RecordID json.Number `json:"recordId"`
		} `json:"results"`
		Paging paging `json:"paging"`
	}
	path := "/crm/v3/lists/" + url.PathEscape(listID) + "/memberships"
	if err := c.do(ctx, clientID, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, "", err
	}

	ids := make([]string, 0, len(out.Results))
	for _, r := range out.Results {
		if id := r.RecordID.String(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, out.Paging.after(), nil
}

// Associations returns related object ids, following pages until max ids
// are collected (max <= 0 means all).
func (c *Client) Associations(ctx context.Context, clientID, fromType, id, toType string, max int) ([]string, error) {
	var ids []string
	after := ""
	path := "/crm/v4/objects/" + url.PathEscape(fromType) + "/" + url.PathEscape(id) + "/associations/" + url.PathEscape(toType)
	for {
		q := url.Values{}
		q.Set("limit", "500")
		if after != "" {
			q.Set("after", after)
		}
		var out struct {
			Results []struct {
				ToObjectID json.Number `json:"toObjectId"`
			} `json:"results"`
			Paging paging `json:"paging"`
		}
		if err := c.do(ctx, clientID, http.MethodGet, path, q, nil, &out); err != nil {
			return nil, err
		}
		for _, r := range out.Results {
			ids = append(ids, r.ToObjectID.String())
			if max > 0 && len(ids) >= max {
				return ids, nil
			}
		}
		after = out.Paging.after()
		if after == "" {
			return ids, nil
		}
	}
}

func (c *Client) SearchLists(ctx context.Context, clientID, query string, offset, count int) (*ListPage, error) {
	body := map[string]any{
		"query":                strings.TrimSpace(query),
		"offset":               offset,
		"count":                count,
		"additionalProperties": []string{"hs_list_size"},
	}
	var out struct {
		Lists []struct {
			List
			AdditionalProperties map[string]string `json:"additionalProperties"`
		} `json:"lists"`
		HasMore bool `json:"hasMore"`
		Offset  int  `json:"offset"`
		Total   int  `json:"total"`
	}
	if err := c.do(ctx, clientID, http.MethodPost, "/crm/v3/lists/search", nil, body, &out); err != nil {
		return nil, err
	}

	page := &ListPage{HasMore: out.HasMore, Offset: out.Offset, Total: out.Total, Lists: make([]List, 0, len(out.Lists))}
	for _, l := range out.Lists {
		item := l.List
		if raw := l.AdditionalProperties["hs_list_size"]; raw != "" {
			size, err := strconv.Atoi(raw)
			if err != nil {
				log.Debug().Err(err).Str("list_id", item.ListID).Msg("unparseable list size")
			}
			item.Size = size
		}
		page.Lists = append(page.Lists, item)
	}
	return page, nil
}

// RecordURL links to the record in the CRM's web app.
func (c *Client) RecordURL(portalID, objectType, id string) string {
	if portalID == "" || id == "" {
		return ""
	}
	typeID, ok := objectTypeIDs[objectType]
	if !ok {
		typeID = objectType
	}
	return fmt.Sprintf("%s/contacts/%s/record/%s/%s", c.appBaseURL, portalID, typeID, id)
}

// do sends one authorized request, retrying exactly once after a 401.
func (c *Client) do(ctx context.Context, clientID, method, path string, q url.Values, body, out any) error {
	link, err := c.tokens.EnsureValid(ctx, clientID)
	if err != nil {
		return err
	}

	status, payload, err := c.send(ctx, link.CRMAccessToken, method, path, q, body)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		log.Debug().Str("client_id", clientID).Str("path", path).Msg("crm rejected access token, refreshing")
		link, err = c.tokens.Refresh(ctx, clientID)
		if err != nil {
			return err
		}
		status, payload, err = c.send(ctx, link.CRMAccessToken, method, path, q, body)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return apperr.Unauthorized("CRM rejected refreshed credentials; reconnect required", nil)
		}
	}

	switch {
	case status == http.StatusNotFound:
		return &apperr.Error{
			Kind: apperr.KindNotFound,
			Msg:  "CRM record not found",
			Err:  fmt.Errorf("%w: %s", ErrRecordNotFound, path),
		}
	case status/100 != 2:
		metrics.UpstreamErrorsTotal.WithLabelValues("crm", method).Inc()
		return apperr.Upstream(status, "CRM request failed", fmt.Errorf("%s %s: %s", method, path, truncate(payload)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return apperr.Upstream(status, "malformed CRM response", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, accessToken, method, path string, q url.Values, body any) (int, []byte, error) {
	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode crm request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build crm request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues("crm", "transport").Inc()
		return 0, nil, apperr.Upstream(0, "CRM unreachable", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, nil, apperr.Upstream(resp.StatusCode, "read CRM response", err)
	}
	return resp.StatusCode, payload, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
