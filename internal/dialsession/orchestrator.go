// Package dialsession creates dial sessions: it gathers CRM records,
// normalizes them, hands them to the dialer and persists the session.
package dialsession

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"dialbridge/internal/apperr"
	"dialbridge/internal/config"
	"dialbridge/internal/contacts"
	"dialbridge/internal/crm"
	"dialbridge/internal/dialer"
	"dialbridge/internal/metrics"
	"dialbridge/internal/models"
	"dialbridge/internal/session"
)

type Mode string

const (
	ModeContacts   Mode = "contacts"
	ModeCompanies  Mode = "companies"
	ModeAssociated Mode = "associated"
	ModeList       Mode = "list"
)

// listPageSize is the largest page the membership endpoint serves.
const listPageSize = 250

type tokenProvider interface {
	EnsureValid(ctx context.Context, clientID string) (*models.AccountLink, error)
}

type recordResolver interface {
	ListMembers(ctx context.Context, clientID, listID, after string, limit int) ([]string, string, error)
	Associations(ctx context.Context, clientID, fromType, id, toType string, max int) ([]string, error)
	Name() string
}

type normalizer interface {
	Normalize(ctx context.Context, req contacts.Request) (*contacts.Result, error)
}

type dialerAPI interface {
	CreateSession(ctx context.Context, token string, req dialer.CreateRequest) (dialer.Launch, error)
}

type codeMinter interface {
	Mint(ctx context.Context, sessionToken string) (*models.TempAccessCode, error)
}

type Deps struct {
	Tokens     tokenProvider
	CRM        recordResolver
	Normalizer normalizer
	Dialer     dialerAPI
	Sessions   session.Store
	Codes      codeMinter
}

type Request struct {
	ClientID string `json:"client_id"`
	Mode     Mode   `json:"mode"`
	// ObjectType is the selected object for associated and list modes.
	ObjectType string   `json:"object_type,omitempty"`
	IDs        []string `json:"ids,omitempty"`
	ListID     string   `json:"list_id,omitempty"`
	Name       string   `json:"name,omitempty"`
}

// Result is returned to the browser. The session token is kept server side.
type Result struct {
	SessionToken    string               `json:"-"`
	LaunchURL       string               `json:"launch_url"`
	Code            string               `json:"code"`
	CodeExpiresAt   time.Time            `json:"code_expires_at"`
	DialerSessionID string               `json:"dialer_session_id,omitempty"`
	ContactsSent    int                  `json:"contacts_sent"`
	Skipped         int                  `json:"skipped"`
	Truncated       bool                 `json:"truncated"`
	Diagnostics     contacts.Diagnostics `json:"diagnostics"`
}

type Orchestrator struct {
	deps          Deps
	publicBaseURL string
	codeParam     string
	maxItems      int
	now           func() time.Time
}

func New(cfg *config.Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		deps:          deps,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		codeParam:     cfg.Dialer.CodeParam,
		maxItems:      cfg.Dialer.ListMaxItems,
		now:           time.Now,
	}
}

// Create runs the whole creation flow and records the outcome metric.
func (o *Orchestrator) Create(ctx context.Context, req Request) (*Result, error) {
	res, err := o.create(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	metrics.SessionsCreatedTotal.WithLabelValues(string(req.Mode), outcome).Inc()
	return res, err
}

func (o *Orchestrator) create(ctx context.Context, req Request) (*Result, error) {
	if req.ClientID == "" {
		return nil, apperr.BadRequest("client id is required")
	}

	link, err := o.deps.Tokens.EnsureValid(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if link.DialerToken == "" {
		return nil, apperr.Unauthorized("dialer account not connected; reconnect required", nil)
	}

	sel, err := o.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(sel.ids) == 0 {
		return nil, apperr.NoDialableRecords(0)
	}

	norm, err := o.deps.Normalizer.Normalize(ctx, contacts.Request{
		ClientID:     req.ClientID,
		PortalID:     link.CRMPortalID,
		ObjectType:   sel.objectType,
		IDs:          sel.ids,
		RequirePhone: sel.objectType == crm.ObjectCompanies,
	})
	if err != nil {
		return nil, err
	}
	if len(norm.Contacts) == 0 {
		return nil, apperr.NoDialableRecords(norm.Diagnostics.Skipped)
	}

	token, err := session.NewToken()
	if err != nil {
		return nil, err
	}

	launch, err := o.deps.Dialer.CreateSession(ctx, link.DialerToken, dialer.CreateRequest{
		Name:      o.sessionName(req),
		Contacts:  norm.Contacts,
		Callbacks: o.callbacks(token),
		CustomData: map[string]string{
			"client_id": req.ClientID,
			"mode":      string(req.Mode),
		},
	})
	if err != nil {
		return nil, err
	}

	sess := &models.Session{
		Token:           token,
		DialerSessionID: launch.SessionID,
		DialerLaunchURL: launch.RedirectURL,
		OwningClientID:  req.ClientID,
		CRMName:         o.deps.CRM.Name(),
		ContactsMap:     contacts.ContactsMap(norm.Contacts),
		Stats:           models.Stats{ByStatus: map[string]int{}},
	}
	if err := o.deps.Sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	code, err := o.deps.Codes.Mint(ctx, token)
	if err != nil {
		return nil, err
	}

	launchURL, err := withQuery(launch.RedirectURL, o.codeParam, code.Code)
	if err != nil {
		return nil, apperr.Upstream(0, "dialer returned an invalid launch url", err)
	}

	metrics.ContactsSentTotal.Add(float64(len(norm.Contacts)))
	log.Info().
		Str("client_id", req.ClientID).
		Str("mode", string(req.Mode)).
		Str("dialer_session_id", launch.SessionID).
		Int("contacts", len(norm.Contacts)).
		Int("skipped", norm.Diagnostics.Skipped).
		Bool("truncated", sel.truncated).
		Msg("dial session created")

	return &Result{
		SessionToken:    token,
		LaunchURL:       launchURL,
		Code:            code.Code,
		CodeExpiresAt:   code.ExpiresAt,
		DialerSessionID: launch.SessionID,
		ContactsSent:    len(norm.Contacts),
		Skipped:         norm.Diagnostics.Skipped,
		Truncated:       sel.truncated,
		Diagnostics:     norm.Diagnostics,
	}, nil
}

type selection struct {
	objectType string
	ids        []string
	truncated  bool
}

func (o *Orchestrator) resolve(ctx context.Context, req Request) (*selection, error) {
	switch req.Mode {
	case ModeContacts, ModeCompanies:
		ids := contacts.DedupeIDs(req.IDs)
		if len(ids) == 0 {
			return nil, apperr.BadRequest("ids are required")
		}
		objectType := crm.ObjectContacts
		if req.Mode == ModeCompanies {
			objectType = crm.ObjectCompanies
		}
		ids, truncated := capIDs(ids, o.maxItems)
		return &selection{objectType: objectType, ids: ids, truncated: truncated}, nil

	case ModeAssociated:
		switch req.ObjectType {
		case crm.ObjectDeals, crm.ObjectCompanies:
		default:
			return nil, apperr.BadRequest("object_type must be deals or companies for associated mode")
		}
		from := contacts.DedupeIDs(req.IDs)
		if len(from) == 0 {
			return nil, apperr.BadRequest("ids are required")
		}
		return o.resolveAssociated(ctx, req.ClientID, req.ObjectType, from)

	case ModeList:
		if strings.TrimSpace(req.ListID) == "" {
			return nil, apperr.BadRequest("list_id is required")
		}
		objectType := req.ObjectType
		switch objectType {
		case "":
			objectType = crm.ObjectContacts
		case crm.ObjectContacts, crm.ObjectCompanies:
		default:
			return nil, apperr.BadRequest("object_type must be contacts or companies for list mode")
		}
		return o.resolveList(ctx, req.ClientID, strings.TrimSpace(req.ListID), objectType)

	default:
		return nil, apperr.BadRequest("unknown mode %q", req.Mode)
	}
}

func (o *Orchestrator) resolveAssociated(ctx context.Context, clientID, fromType string, from []string) (*selection, error) {
	var all []string
	for _, id := range from {
		related, err := o.deps.CRM.Associations(ctx, clientID, fromType, id, crm.ObjectContacts, o.maxItems+1)
		if err != nil {
			return nil, err
		}
		all = contacts.DedupeIDs(append(all, related...))
		if len(all) > o.maxItems {
			break
		}
	}
	ids, truncated := capIDs(all, o.maxItems)
	return &selection{objectType: crm.ObjectContacts, ids: ids, truncated: truncated}, nil
}

// resolveList pages through memberships until maxItems distinct ids are
// collected. truncated reports that the list holds more.
func (o *Orchestrator) resolveList(ctx context.Context, clientID, listID, objectType string) (*selection, error) {
	sel := &selection{objectType: objectType}
	seen := make(map[string]struct{})
	after := ""

	for {
		page, next, err := o.deps.CRM.ListMembers(ctx, clientID, listID, after, listPageSize)
		if err != nil {
			return nil, err
		}
		for _, id := range page {
			if _, dup := seen[id]; dup {
				continue
			}
			if len(sel.ids) == o.maxItems {
				sel.truncated = true
				break
			}
			seen[id] = struct{}{}
			sel.ids = append(sel.ids, id)
		}
		if sel.truncated || next == "" || next == after {
			return sel, nil
		}
		if len(sel.ids) == o.maxItems {
			sel.truncated = true
			return sel, nil
		}
		after = next
	}
}

func (o *Orchestrator) callbacks(token string) []dialer.Callback {
	hook := func(kind string) string {
		return o.publicBaseURL + "/webhooks/" + kind + "?token=" + url.QueryEscape(token)
	}
	return []dialer.Callback{
		{Type: dialer.CallbackContactDisplayed, URL: hook("contact-displayed")},
		{Type: dialer.CallbackCallDone, URL: hook("call-done")},
	}
}

func (o *Orchestrator) sessionName(req Request) string {
	if name := strings.TrimSpace(req.Name); name != "" {
		return name
	}
	return fmt.Sprintf("%s %s", o.deps.CRM.Name(), o.now().UTC().Format("2006-01-02 15:04"))
}

func capIDs(ids []string, max int) ([]string, bool) {
	if max > 0 && len(ids) > max {
		return ids[:max], true
	}
	return ids, false
}

func withQuery(raw, key, value string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
