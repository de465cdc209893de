package contacts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dialbridge/internal/apperr"
	"dialbridge/internal/crm"
	"dialbridge/internal/models"
)

type fakeCRM struct {
	mu        sync.Mutex
	props     []crm.Property
	propsErr  error
	propCalls atomic.Int32
	records   map[string]map[string]string
	fail      map[string]error
	requested [][]string
}

func (f *fakeCRM) Properties(_ context.Context, _, _ string) ([]crm.Property, error) {
	f.propCalls.Add(1)
	return f.props, f.propsErr
}

func (f *fakeCRM) GetRecord(_ context.Context, _, _, id string, props []string) (*crm.Record, error) {
	f.mu.Lock()
	f.requested = append(f.requested, props)
	f.mu.Unlock()

	if err := f.fail[id]; err != nil {
		return nil, err
	}
	values, ok := f.records[id]
	if !ok {
		return nil, crm.ErrRecordNotFound
	}
	rec := &crm.Record{ID: id, Properties: map[string]*string{}}
	for k, v := range values {
		v := v
		rec.Properties[k] = &v
	}
	return rec, nil
}

func (f *fakeCRM) RecordURL(portalID, objectType, id string) string {
	return "https://app.example.com/" + portalID + "/" + objectType + "/" + id
}

func (f *fakeCRM) Name() string { return "hubspot" }

func newTestEngine(f *fakeCRM) *Engine {
	return NewEngine(f, NewPhoneProperties(f, time.Hour), 4)
}

func TestNormalizeCompaniesDeduplicatesPhones(t *testing.T) {
	f := &fakeCRM{
		props: []crm.Property{
			{Name: "mobilephone", Label: "Mobile", FieldType: "phonenumber"},
			{Name: "phone", Label: "Phone", FieldType: "phonenumber"},
		},
		records: map[string]map[string]string{
			"1": {"name": "Acme", "phone": "(555) 123-4567", "mobilephone": "+15551234567"},
			"2": {"name": "Globex", "phone": "555-222-3333"},
		},
	}

	res, err := newTestEngine(f).Normalize(context.Background(), Request{
		ClientID: "c1", PortalID: "42", ObjectType: crm.ObjectCompanies, IDs: []string{"1", "2"}, RequirePhone: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Contacts, 2)

	acme := res.Contacts[0]
	assert.Equal(t, "Acme", acme.FirstName)
	assert.Equal(t, "(555) 123-4567", acme.Phone)
	assert.Empty(t, acme.AdditionalPhones)
	assert.Equal(t, "1", acme.ExternalID)
	assert.Equal(t, []models.ExternalCRMRef{{CRMName: "hubspot", CRMID: "1"}}, acme.ExternalCRMData)
	assert.Equal(t, "https://app.example.com/42/companies/1", acme.RecordURL)
	assert.Equal(t, "Globex", res.Contacts[1].FirstName)
	assert.Equal(t, Diagnostics{Requested: 2, Fetched: 2}, res.Diagnostics)
}

func TestNormalizeEmailOnlyDependsOnPath(t *testing.T) {
	f := &fakeCRM{
		propsErr: errors.New("schema down"),
		records: map[string]map[string]string{
			"1": {"firstname": "Ada", "lastname": "Lovelace", "email": "ada@example.com"},
			"2": {"firstname": "Nobody"},
			"3": {"firstname": "Grace", "mobilephone": "555 999 0000"},
		},
	}
	engine := newTestEngine(f)

	res, err := engine.Normalize(context.Background(), Request{ClientID: "c1", ObjectType: crm.ObjectContacts, IDs: []string{"1", "2", "3"}})
	require.NoError(t, err)
	require.Len(t, res.Contacts, 2)
	assert.Equal(t, "ada@example.com", res.Contacts[0].Email)
	assert.Equal(t, "555 999 0000", res.Contacts[1].Phone)
	assert.Equal(t, models.PhoneTypeMobile, res.Contacts[1].PhoneType)
	assert.Equal(t, 1, res.Diagnostics.Skipped)

	res, err = engine.Normalize(context.Background(), Request{ClientID: "c1", ObjectType: crm.ObjectContacts, IDs: []string{"1", "2", "3"}, RequirePhone: true})
	require.NoError(t, err)
	require.Len(t, res.Contacts, 1)
	assert.Equal(t, 2, res.Diagnostics.Skipped)

	// Fallback fields are requested when discovery fails.
	assert.Contains(t, f.requested[0], "phone")
	assert.Contains(t, f.requested[0], "mobilephone")
}

func TestNormalizeAbsorbsRecordFailures(t *testing.T) {
	f := &fakeCRM{
		props: []crm.Property{{Name: "phone", FieldType: "phonenumber"}},
		records: map[string]map[string]string{
			"1": {"firstname": "Ada", "phone": "5551112222"},
		},
		fail: map[string]error{"2": apperr.Upstream(500, "boom", nil)},
	}

	res, err := newTestEngine(f).Normalize(context.Background(), Request{ClientID: "c1", ObjectType: crm.ObjectContacts, IDs: []string{"1", "2", "3"}})
	require.NoError(t, err)
	require.Len(t, res.Contacts, 1)
	assert.Equal(t, 2, res.Diagnostics.Failed)
	assert.Equal(t, []string{"2", "3"}, res.Diagnostics.FailedIDs)
	assert.Equal(t, 1, res.Diagnostics.Fetched)
}

func TestNormalizeUnauthorizedReturnsNoPartialSet(t *testing.T) {
	f := &fakeCRM{
		props: []crm.Property{{Name: "phone", FieldType: "phonenumber"}},
		records: map[string]map[string]string{
			"1": {"firstname": "Ada", "phone": "5551112222"},
		},
		fail: map[string]error{"2": apperr.Unauthorized("reconnect", nil)},
	}

	res, err := newTestEngine(f).Normalize(context.Background(), Request{ClientID: "c1", ObjectType: crm.ObjectContacts, IDs: []string{"1", "2"}})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestPhonePropertiesCachesAndFilters(t *testing.T) {
	f := &fakeCRM{props: []crm.Property{
		{Name: "hs_calculated_phone_number", FieldType: "phonenumber"},
		{Name: "hs_searchable_calculated_mobile_number", FieldType: "phonenumber"},
		{Name: "work_phone", Label: "Work", FieldType: "phonenumber"},
		{Name: "mobilephone", Label: "Mobile", FieldType: "phonenumber"},
		{Name: "phone", Label: "Phone", FieldType: "phonenumber"},
		{Name: "derived", FieldType: "phonenumber", Calculated: true},
		{Name: "email", FieldType: "text"},
	}}
	cache := NewPhoneProperties(f, time.Hour)

	got := cache.Discover(context.Background(), "c1", crm.ObjectContacts)
	assert.Equal(t, []models.PhoneProperty{
		{Name: "phone", Label: "Phone"},
		{Name: "mobilephone", Label: "Mobile"},
		{Name: "work_phone", Label: "Work"},
	}, got)

	cache.Discover(context.Background(), "c1", crm.ObjectContacts)
	assert.Equal(t, int32(1), f.propCalls.Load())

	cache.Discover(context.Background(), "c2", crm.ObjectContacts)
	assert.Equal(t, int32(2), f.propCalls.Load())
}

func TestPhonePropertiesExpire(t *testing.T) {
	f := &fakeCRM{props: []crm.Property{{Name: "phone", FieldType: "phonenumber"}}}
	cache := NewPhoneProperties(f, time.Hour)
	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.Discover(context.Background(), "c1", crm.ObjectContacts)
	now = now.Add(61 * time.Minute)
	cache.Discover(context.Background(), "c1", crm.ObjectContacts)
	assert.Equal(t, int32(2), f.propCalls.Load())

	cache.Invalidate("c1")
	cache.Discover(context.Background(), "c1", crm.ObjectContacts)
	assert.Equal(t, int32(3), f.propCalls.Load())
}

func TestPhonePropertiesFallbackWhenNoneFound(t *testing.T) {
	f := &fakeCRM{props: []crm.Property{{Name: "email", FieldType: "text"}}}
	got := NewPhoneProperties(f, time.Hour).Discover(context.Background(), "c1", crm.ObjectCompanies)
	assert.Equal(t, FallbackPhoneProperties, got)
}

func TestDedupeIDsAndContactsMap(t *testing.T) {
	assert.Equal(t, []string{"3", "1", "2"}, DedupeIDs([]string{"3", " 1", "", "3", "2", "1"}))

	m := ContactsMap([]models.NormalizedContact{{
		FirstName: "Ada", LastName: "Lovelace", Phone: "555", ExternalID: "7", Source: "contact",
	}})
	assert.Equal(t, models.ContactRef{Name: "Ada Lovelace", Phone: "555", Source: "contact"}, m["7"])
}
