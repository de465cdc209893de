// Package contacts turns CRM records into dialable contacts.
package contacts

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"dialbridge/internal/apperr"
	"dialbridge/internal/crm"
	"dialbridge/internal/metrics"
	"dialbridge/internal/models"
)

type recordSource interface {
	GetRecord(ctx context.Context, clientID, objectType, id string, props []string) (*crm.Record, error)
	RecordURL(portalID, objectType, id string) string
	Name() string
}

// Diagnostics reports how a batch of ids fared. Failed fetches and skipped
// records are counted separately.
type Diagnostics struct {
	Requested int      `json:"requested"`
	Fetched   int      `json:"fetched"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failed_ids,omitempty"`
	Skipped   int      `json:"skipped"`
}

type Request struct {
	ClientID   string
	PortalID   string
	ObjectType string
	IDs        []string
	// RequirePhone drops records that only have an email.
	RequirePhone bool
}

type Result struct {
	Contacts    []models.NormalizedContact
	Diagnostics Diagnostics
}

type Engine struct {
	records  recordSource
	phones   *PhoneProperties
	parallel int
}

func NewEngine(records recordSource, phones *PhoneProperties, parallel int) *Engine {
	if parallel <= 0 {
		parallel = 1
	}
	return &Engine{records: records, phones: phones, parallel: parallel}
}

// Normalize fetches every id and returns the dialable contacts in input order.
// Authorization failures abort the batch; any other per-record failure is
// recorded in the diagnostics.
func (e *Engine) Normalize(ctx context.Context, req Request) (*Result, error) {
	phoneProps := e.phones.Discover(ctx, req.ClientID, req.ObjectType)
	fields := append(baseFields(req.ObjectType), propertyNames(phoneProps)...)

	records := make([]*crm.Record, len(req.IDs))
	failed := make([]bool, len(req.IDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for i, id := range req.IDs {
		i, id := i, id
		g.Go(func() error {
			rec, err := e.records.GetRecord(gctx, req.ClientID, req.ObjectType, id, fields)
			if err != nil {
				if apperr.Is(err, apperr.KindUnauthorized) {
					return err
				}
				log.Warn().Err(err).Str("object_type", req.ObjectType).Str("id", id).Msg("crm record fetch failed")
				failed[i] = true
				return nil
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Diagnostics: Diagnostics{Requested: len(req.IDs)}}
	for i, rec := range records {
		if failed[i] || rec == nil {
			res.Diagnostics.Failed++
			res.Diagnostics.FailedIDs = append(res.Diagnostics.FailedIDs, req.IDs[i])
			continue
		}
		res.Diagnostics.Fetched++

		contact, ok := e.toContact(req, req.IDs[i], rec, phoneProps)
		if !ok {
			res.Diagnostics.Skipped++
			continue
		}
		res.Contacts = append(res.Contacts, contact)
	}

	metrics.ContactsSkippedTotal.Add(float64(res.Diagnostics.Skipped))
	return res, nil
}

func (e *Engine) toContact(req Request, id string, rec *crm.Record, props []models.PhoneProperty) (models.NormalizedContact, bool) {
	phones := newPhoneSet()
	for _, p := range props {
		phones.add(rec.Value(p.Name), p)
	}

	c := models.NormalizedContact{
		Phone:            phones.primary,
		PhoneType:        phones.primaryTyp,
		AdditionalPhones: phones.additional,
		Email:            rec.Value("email"),
		ExternalID:       id,
		ExternalCRMData:  []models.ExternalCRMRef{{CRMName: e.records.Name(), CRMID: id}},
		RecordURL:        e.records.RecordURL(req.PortalID, req.ObjectType, id),
		Source:           sourceLabel(req.ObjectType),
	}
	if req.ObjectType == crm.ObjectCompanies {
		c.FirstName = rec.Value("name")
	} else {
		c.FirstName = rec.Value("firstname")
		c.LastName = rec.Value("lastname")
	}

	if c.Phone == "" && (req.RequirePhone || c.Email == "") {
		return c, false
	}
	return c, true
}

// ContactsMap builds the external id lookup used to correlate webhook events.
func ContactsMap(contacts []models.NormalizedContact) map[string]models.ContactRef {
	m := make(map[string]models.ContactRef, len(contacts))
	for _, c := range contacts {
		m[c.ExternalID] = models.ContactRef{
			Name:      c.DisplayName(),
			Phone:     c.Phone,
			Email:     c.Email,
			RecordURL: c.RecordURL,
			Source:    c.Source,
		}
	}
	return m
}

// DedupeIDs trims, drops empties and keeps the first occurrence of each id.
func DedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func baseFields(objectType string) []string {
	if objectType == crm.ObjectCompanies {
		return []string{"name", "domain", "email"}
	}
	return []string{"firstname", "lastname", "email"}
}

func propertyNames(props []models.PhoneProperty) []string {
	names := make([]string, len(props))
	for i, p := range props {
		names[i] = p.Name
	}
	return names
}

func sourceLabel(objectType string) string {
	switch objectType {
	case crm.ObjectCompanies:
		return "company"
	case crm.ObjectContacts:
		return "contact"
	default:
		return objectType
	}
}
