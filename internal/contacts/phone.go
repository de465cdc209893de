package contacts

import (
	"strings"

	"dialbridge/internal/models"
)

// Canonical reduces a phone value to the digit form used for de-duplication.
// Eleven-digit numbers with a leading US country code lose that digit.
func Canonical(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	return digits
}

// Classify maps a property name or label to a dialer phone type.
func Classify(name, label string) models.PhoneType {
	s := strings.ToLower(name + " " + label)
	switch {
	case strings.Contains(s, "mobile"), strings.Contains(s, "cell"):
		return models.PhoneTypeMobile
	case strings.Contains(s, "home"):
		return models.PhoneTypeHome
	default:
		return models.PhoneTypeWork
	}
}

// phoneSet collects phone values in priority order. The first new canonical
// value becomes primary; later distinct ones become additional phones.
type phoneSet struct {
	seen       map[string]struct{}
	primary    string
	primaryTyp models.PhoneType
	additional []models.AdditionalPhone
}

func newPhoneSet() *phoneSet {
	return &phoneSet{seen: make(map[string]struct{})}
}

func (p *phoneSet) add(value string, prop models.PhoneProperty) {
	value = strings.TrimSpace(value)
	key := Canonical(value)
	if key == "" {
		return
	}
	if _, dup := p.seen[key]; dup {
		return
	}
	p.seen[key] = struct{}{}

	typ := Classify(prop.Name, prop.Label)
	if p.primary == "" {
		p.primary = value
		p.primaryTyp = typ
		return
	}
	p.additional = append(p.additional, models.AdditionalPhone{
		Number:      value,
		PhoneType:   typ,
		Description: prop.Label,
	})
}
