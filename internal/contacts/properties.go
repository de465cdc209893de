package contacts

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"dialbridge/internal/crm"
	"dialbridge/internal/models"
)

// FallbackPhoneProperties is used whenever discovery fails or finds nothing.
var FallbackPhoneProperties = []models.PhoneProperty{
	{Name: "phone", Label: "Phone"},
	{Name: "mobilephone", Label: "Mobile"},
}

type schemaSource interface {
	Properties(ctx context.Context, clientID, objectType string) ([]crm.Property, error)
}

type cacheKey struct {
	clientID   string
	objectType string
}

type cacheEntry struct {
	props   []models.PhoneProperty
	expires time.Time
}

// PhoneProperties discovers and caches the phone-bearing fields of an object
// type per account.
type PhoneProperties struct {
	src   schemaSource
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

func NewPhoneProperties(src schemaSource, ttl time.Duration) *PhoneProperties {
	return &PhoneProperties{
		src:     src,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// Discover never returns an empty set.
func (p *PhoneProperties) Discover(ctx context.Context, clientID, objectType string) []models.PhoneProperty {
	key := cacheKey{clientID: clientID, objectType: objectType}

	p.mu.Lock()
	entry, ok := p.entries[key]
	p.mu.Unlock()
	if ok && p.now().Before(entry.expires) {
		return entry.props
	}

	v, _, _ := p.group.Do(clientID+"|"+objectType, func() (any, error) {
		all, err := p.src.Properties(ctx, clientID, objectType)
		if err != nil {
			log.Warn().Err(err).Str("client_id", clientID).Str("object_type", objectType).
				Msg("phone property discovery failed, using fallback")
			return FallbackPhoneProperties, nil
		}

		props := filterPhoneProperties(all)
		if len(props) == 0 {
			props = FallbackPhoneProperties
		}

		p.mu.Lock()
		p.entries[key] = cacheEntry{props: props, expires: p.now().Add(p.ttl)}
		p.mu.Unlock()
		return props, nil
	})
	return v.([]models.PhoneProperty)
}

// Invalidate drops cached discoveries for one account.
func (p *PhoneProperties) Invalidate(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.entries {
		if k.clientID == clientID {
			delete(p.entries, k)
		}
	}
}

func filterPhoneProperties(all []crm.Property) []models.PhoneProperty {
	var out []models.PhoneProperty
	for _, prop := range all {
		if !isPhoneProperty(prop) || isDerived(prop) {
			continue
		}
		label := prop.Label
		if label == "" {
			label = prop.Name
		}
		out = append(out, models.PhoneProperty{Name: prop.Name, Label: label})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return phoneRank(out[i].Name) < phoneRank(out[j].Name)
	})
	return out
}

func isPhoneProperty(p crm.Property) bool {
	if strings.EqualFold(p.FieldType, "phonenumber") || strings.EqualFold(p.Type, "phone_number") {
		return true
	}
	return strings.Contains(strings.ToLower(p.Name), "phone")
}

func isDerived(p crm.Property) bool {
	if p.Calculated {
		return true
	}
	name := strings.ToLower(p.Name)
	for _, marker := range []string{"calculated", "searchable", "_normalized", "hs_searchable"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

// phoneRank sorts the conventional fields ahead of custom ones.
func phoneRank(name string) int {
	switch strings.ToLower(name) {
	case "phone":
		return 0
	case "mobilephone", "mobile":
		return 1
	default:
		return 2
	}
}
