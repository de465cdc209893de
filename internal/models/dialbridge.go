package models

import (
	"encoding/json"
	"time"
)

// AccountLink holds the external credentials of one browser install.
// CRM fields stay empty until the OAuth exchange completes.
type AccountLink struct {
	ClientID        string     `db:"client_id" json:"client_id"`
	DialerToken     string     `db:"dialer_token" json:"-"`
	CRMAccessToken  string     `db:"crm_access_token" json:"-"`
	CRMRefreshToken string     `db:"crm_refresh_token" json:"-"`
	CRMExpiresAt    *time.Time `db:"crm_expires_at" json:"crm_expires_at,omitempty"`
	CRMPortalID     string     `db:"crm_portal_id" json:"crm_portal_id,omitempty"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

func (a *AccountLink) HasCRM() bool {
	return a != nil && a.CRMAccessToken != ""
}

// CRMExpired compares against the stored expiry, which already has the safety
// margin subtracted.
func (a *AccountLink) CRMExpired(now time.Time) bool {
	if a.CRMExpiresAt == nil {
		return true
	}
	return !now.Before(*a.CRMExpiresAt)
}

type PhoneProperty struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

type PhoneType string

const (
	PhoneTypeMobile PhoneType = "mobile"
	PhoneTypeHome   PhoneType = "home"
	PhoneTypeWork   PhoneType = "work"
)

type AdditionalPhone struct {
	Number      string    `json:"number"`
	PhoneType   PhoneType `json:"phone_type"`
	Description string    `json:"description,omitempty"`
}

type ExternalCRMRef struct {
	CRMName string `json:"crm_name"`
	CRMID   string `json:"crm_id"`
}

// NormalizedContact is one dialable entry in the dialer payload.
type NormalizedContact struct {
	FirstName        string            `json:"first_name"`
	LastName         string            `json:"last_name"`
	Phone            string            `json:"phone,omitempty"`
	PhoneType        PhoneType         `json:"phone_type,omitempty"`
	AdditionalPhones []AdditionalPhone `json:"additional_phone,omitempty"`
	Email            string            `json:"email,omitempty"`
	ExternalID       string            `json:"external_id"`
	ExternalCRMData  []ExternalCRMRef  `json:"external_crm_data,omitempty"`
	RecordURL        string            `json:"-"`
	Source           string            `json:"-"`
}

func (c NormalizedContact) DisplayName() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	default:
		return c.LastName
	}
}

// ContactRef is the contacts_map entry used to correlate webhook events.
type ContactRef struct {
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	RecordURL string `json:"record_url,omitempty"`
	Source    string `json:"source_label,omitempty"`
}

type CurrentContact struct {
	LookupKey   string          `json:"lookup_key,omitempty"`
	Matched     bool            `json:"matched"`
	Name        string          `json:"name,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Email       string          `json:"email,omitempty"`
	RecordURL   string          `json:"record_url,omitempty"`
	Source      string          `json:"source_label,omitempty"`
	Diagnostic  string          `json:"diagnostic,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	DisplayedAt time.Time       `json:"displayed_at"`
}

type LastCall struct {
	CallID       string     `json:"call_id,omitempty"`
	Status       string     `json:"status"`
	Duration     int        `json:"duration"`
	Connected    bool       `json:"connected"`
	ContactName  string     `json:"contact_name,omitempty"`
	ContactPhone string     `json:"contact_phone,omitempty"`
	AgentID      string     `json:"agent_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ReceivedAt   time.Time  `json:"received_at"`
}

// Stats counters only grow; TotalCalls bounds Connected and Appointments.
type Stats struct {
	TotalCalls   int            `json:"total_calls"`
	Connected    int            `json:"connected"`
	Appointments int            `json:"appointments"`
	ByStatus     map[string]int `json:"by_status"`
}

type AgentDailyStats struct {
	Day          string `db:"day" json:"day"`
	AgentID      string `db:"agent_id" json:"agent_id"`
	TotalCalls   int    `db:"total_calls" json:"total_calls"`
	Connected    int    `db:"connected" json:"connected"`
	Appointments int    `db:"appointments" json:"appointments"`
}

// Session is the full mutable state of one dial session. Token is the
// capability key and is never serialized into snapshots.
type Session struct {
	Token           string                `json:"-"`
	Version         int64                 `json:"version"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	DialerSessionID string                `json:"dialer_session_id,omitempty"`
	DialerLaunchURL string                `json:"dialer_launch_url,omitempty"`
	OwningClientID  string                `json:"owning_client_id"`
	CRMName         string                `json:"crm_name"`
	ContactsMap     map[string]ContactRef `json:"contacts_map"`
	Current         *CurrentContact       `json:"current"`
	LastCall        *LastCall             `json:"last_call"`
	Stats           Stats                 `json:"stats"`
	DailyStats      *AgentDailyStats      `json:"daily_stats,omitempty"`
}

// Clone returns a deep copy so stores never hand out shared mutable state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.ContactsMap != nil {
		out.ContactsMap = make(map[string]ContactRef, len(s.ContactsMap))
		for k, v := range s.ContactsMap {
			out.ContactsMap[k] = v
		}
	}
	if s.Stats.ByStatus != nil {
		out.Stats.ByStatus = make(map[string]int, len(s.Stats.ByStatus))
		for k, v := range s.Stats.ByStatus {
			out.Stats.ByStatus[k] = v
		}
	}
	if s.Current != nil {
		cur := *s.Current
		cur.Raw = append(json.RawMessage(nil), s.Current.Raw...)
		out.Current = &cur
	}
	if s.LastCall != nil {
		lc := *s.LastCall
		if s.LastCall.StartedAt != nil {
			t := *s.LastCall.StartedAt
			lc.StartedAt = &t
		}
		if s.LastCall.EndedAt != nil {
			t := *s.LastCall.EndedAt
			lc.EndedAt = &t
		}
		out.LastCall = &lc
	}
	if s.DailyStats != nil {
		ds := *s.DailyStats
		out.DailyStats = &ds
	}
	return &out
}

type TempAccessCode struct {
	Code         string    `db:"code" json:"code"`
	SessionToken string    `db:"session_token" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	ExpiresAt    time.Time `db:"expires_at" json:"expires_at"`
}
