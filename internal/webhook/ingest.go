// Package webhook folds the dialer's contact-displayed and call-done
// callbacks into session state. Once the session resolves and the body is
// JSON, an event is never rejected; correlation misses become diagnostics.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"dialbridge/internal/apperr"
	"dialbridge/internal/config"
	"dialbridge/internal/metrics"
	"dialbridge/internal/models"
	"dialbridge/internal/session"
)

const (
	KindContactDisplayed = "contact_displayed"
	KindCallDone         = "call_done"
)

type dailyStats interface {
	Increment(ctx context.Context, day, agentID string, connected, appointment bool) (*models.AgentDailyStats, error)
}

type Ingestor struct {
	sessions       session.Store
	daily          dailyStats
	loc            *time.Location
	countUnmatched bool
	now            func() time.Time
}

func NewIngestor(cfg *config.Config, sessions session.Store, daily dailyStats) *Ingestor {
	return &Ingestor{
		sessions:       sessions,
		daily:          daily,
		loc:            cfg.StatsLocation(),
		countUnmatched: cfg.Webhooks.CountUnmatched,
		now:            time.Now,
	}
}

// ContactDisplayed records which contact the dialer is showing.
func (in *Ingestor) ContactDisplayed(ctx context.Context, token string, raw []byte) (*models.Session, error) {
	sess, body, err := in.prepare(ctx, KindContactDisplayed, token, raw)
	if err != nil {
		return nil, err
	}

	key, via := lookupKey(body, sess.CRMName)
	contact := contactFields(body)
	now := in.now().UTC()

	matched := false
	updated, err := in.sessions.Update(ctx, token, func(s *models.Session) error {
		cur := &models.CurrentContact{
			LookupKey:   key,
			Name:        contact.name,
			Phone:       contact.phone,
			Email:       contact.email,
			Raw:         append([]byte(nil), raw...),
			DisplayedAt: now,
		}

		ref, ok := s.ContactsMap[key]
		switch {
		case key == "":
			cur.Diagnostic = fmt.Sprintf("no lookup key in payload (external_id, external_crm_data); contacts_map has %d entries", len(s.ContactsMap))
		case !ok:
			cur.Diagnostic = fmt.Sprintf("lookup key %q from %s not in contacts_map (%d entries)", key, via, len(s.ContactsMap))
		default:
			matched = true
			cur.Matched = true
			cur.Name = firstNonEmpty(ref.Name, cur.Name)
			cur.Phone = firstNonEmpty(cur.Phone, ref.Phone)
			cur.Email = firstNonEmpty(cur.Email, ref.Email)
			cur.RecordURL = ref.RecordURL
			cur.Source = ref.Source
		}
		s.Current = cur
		return nil
	})
	if err != nil {
		return nil, in.fail(KindContactDisplayed, err)
	}

	if matched {
		metrics.WebhookEventsTotal.WithLabelValues(KindContactDisplayed, "matched").Inc()
	} else {
		metrics.WebhookEventsTotal.WithLabelValues(KindContactDisplayed, "unmatched").Inc()
		if in.countUnmatched {
			metrics.ContactDisplayedUnmatchedTotal.Inc()
		}
		log.Warn().
			Str("dialer_session_id", updated.DialerSessionID).
			Str("lookup_key", key).
			Int("contacts_map_size", len(updated.ContactsMap)).
			Msg("contact-displayed event did not match a session contact")
	}
	return updated, nil
}

// CallDone merges one completed call into the session and agent counters.
// The agent aggregate is only bumped once the session merge has succeeded,
// so a redelivery after a failed merge counts the call once in both places.
func (in *Ingestor) CallDone(ctx context.Context, token string, raw []byte) (*models.Session, error) {
	_, body, err := in.prepare(ctx, KindCallDone, token, raw)
	if err != nil {
		return nil, err
	}

	call := in.parseCall(body)
	appointment := strings.Contains(strings.ToLower(call.Status), "appointment")

	updated, err := in.sessions.Update(ctx, token, func(s *models.Session) error {
		lc := call
		s.LastCall = &lc

		if s.Stats.ByStatus == nil {
			s.Stats.ByStatus = map[string]int{}
		}
		s.Stats.TotalCalls++
		if call.Connected {
			s.Stats.Connected++
		}
		if appointment {
			s.Stats.Appointments++
		}
		s.Stats.ByStatus[call.Status]++
		return nil
	})
	if err != nil {
		return nil, in.fail(KindCallDone, err)
	}

	if call.AgentID != "" && in.daily != nil {
		updated = in.mirrorDaily(ctx, token, call, appointment, updated)
	}

	metrics.WebhookEventsTotal.WithLabelValues(KindCallDone, "ok").Inc()
	log.Info().
		Str("dialer_session_id", updated.DialerSessionID).
		Str("call_id", call.CallID).
		Str("status", call.Status).
		Bool("connected", call.Connected).
		Int("total_calls", updated.Stats.TotalCalls).
		Msg("call-done merged")
	return updated, nil
}

// mirrorDaily bumps the agent's aggregate and copies it onto the session.
// On failure it logs and hands back merged unchanged.
func (in *Ingestor) mirrorDaily(ctx context.Context, token string, call models.LastCall, appointment bool, merged *models.Session) *models.Session {
	day := in.dayKey(call)
	daily, err := in.daily.Increment(ctx, day, call.AgentID, call.Connected, appointment)
	if err != nil {
		log.Error().Err(err).Str("agent_id", call.AgentID).Str("day", day).Msg("agent daily stats update failed")
		return merged
	}

	updated, err := in.sessions.Update(ctx, token, func(s *models.Session) error {
		// A concurrent event may already have stored a newer count.
		if cur := s.DailyStats; cur != nil && cur.Day == daily.Day && cur.AgentID == daily.AgentID && cur.TotalCalls > daily.TotalCalls {
			return nil
		}
		d := *daily
		s.DailyStats = &d
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("agent_id", call.AgentID).Str("day", day).Msg("agent daily stats not attached to session")
		return merged
	}
	return updated
}

// prepare resolves the session first, then parses the body.
func (in *Ingestor) prepare(ctx context.Context, kind, token string, raw []byte) (*models.Session, payload, error) {
	if token == "" {
		return nil, nil, in.fail(kind, session.ErrNotFound)
	}
	sess, err := in.sessions.Get(ctx, token)
	if err != nil {
		return nil, nil, in.fail(kind, err)
	}

	body, err := decodePayload(raw)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(kind, "bad_payload").Inc()
		return nil, nil, err
	}
	return sess, body, nil
}

func (in *Ingestor) fail(kind string, err error) error {
	if errors.Is(err, session.ErrNotFound) {
		metrics.WebhookEventsTotal.WithLabelValues(kind, "session_not_found").Inc()
		return apperr.NotFound("session not found")
	}
	metrics.WebhookEventsTotal.WithLabelValues(kind, "error").Inc()
	return err
}

func (in *Ingestor) parseCall(body payload) models.LastCall {
	contact := contactFields(body)
	status := body.str("status", "disposition", "call_status")
	if status == "" {
		status = "unknown"
	}

	call := models.LastCall{
		CallID:       body.str("call_id", "id"),
		Status:       status,
		Duration:     parseIntField(body.str("duration", "call_duration"), "duration"),
		Connected:    truthy(body.str("connected", "is_connected")),
		ContactName:  contact.name,
		ContactPhone: firstNonEmpty(body.str("phone", "dialed_phone"), contact.phone),
		AgentID:      agentID(body),
		ReceivedAt:   in.now().UTC(),
	}
	if t := parseTimestamp(body.str("end_time", "ended_at", "end_stamp"), in.loc); t != nil {
		utc := t.UTC()
		call.EndedAt = &utc
	}
	if t := parseTimestamp(body.str("start_time", "started_at", "start_stamp"), in.loc); t != nil {
		utc := t.UTC()
		call.StartedAt = &utc
	}
	return call
}

// dayKey buckets a call by its own end time, else start time, else arrival.
func (in *Ingestor) dayKey(call models.LastCall) string {
	t := call.ReceivedAt
	switch {
	case call.EndedAt != nil:
		t = *call.EndedAt
	case call.StartedAt != nil:
		t = *call.StartedAt
	}
	return t.In(in.loc).Format("2006-01-02")
}

// lookupKey picks the id used to find the contact in contacts_map: an
// explicit external id, else the CRM reference of this session's CRM, else
// the first CRM reference. via names the source for diagnostics.
func lookupKey(body payload, crmName string) (key, via string) {
	nested := body.obj("contact")

	if v := body.str("external_id"); v != "" {
		return v, "external_id"
	}
	if v := nested.str("external_id"); v != "" {
		return v, "contact.external_id"
	}

	refs := append(body.list("external_crm_data"), nested.list("external_crm_data")...)
	for _, ref := range refs {
		if id := ref.str("crm_id"); id != "" && strings.EqualFold(ref.str("crm_name"), crmName) {
			return id, "external_crm_data"
		}
	}
	for _, ref := range refs {
		if id := ref.str("crm_id"); id != "" {
			return id, "external_crm_data[first]"
		}
	}
	return "", ""
}

type contactInfo struct {
	name  string
	phone string
	email string
}

func contactFields(body payload) contactInfo {
	src := body
	if nested := body.obj("contact"); nested != nil {
		src = nested
	}
	name := strings.TrimSpace(src.str("first_name") + " " + src.str("last_name"))
	if name == "" {
		name = firstNonEmpty(src.str("name", "full_name"), body.str("name", "contact_name"))
	}
	return contactInfo{
		name:  name,
		phone: firstNonEmpty(src.str("phone"), body.str("phone")),
		email: firstNonEmpty(src.str("email"), body.str("email")),
	}
}

func agentID(body payload) string {
	if v := body.str("agent_id", "user_id"); v != "" {
		return v
	}
	agent := body.obj("agent")
	return agent.str("agent_id", "user_id", "id")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
