package dialer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnrecognizedShape means the create response carried no launch URL in any
// known envelope.
var ErrUnrecognizedShape = errors.New("unrecognized dialer response shape")

// Launch is what the dialer returns for a created session.
type Launch struct {
	SessionID   string
	RedirectURL string
	Shape       string
}

type launchFields struct {
	ID            json.RawMessage `json:"id"`
	DialSessionID json.RawMessage `json:"dialsession_id"`
	RedirectURL   string          `json:"redirect_url"`
}

func (f *launchFields) launch(shape string) (Launch, bool) {
	if f == nil || strings.TrimSpace(f.RedirectURL) == "" {
		return Launch{}, false
	}
	id := looseID(f.DialSessionID)
	if id == "" {
		id = looseID(f.ID)
	}
	return Launch{SessionID: id, RedirectURL: strings.TrimSpace(f.RedirectURL), Shape: shape}, true
}

// Known response envelopes, tried in order.

type pluralEnvelope struct {
	DialSessions *launchFields `json:"dialsessions"`
}

type singularEnvelope struct {
	DialSession *launchFields `json:"dialsession"`
}

type dataEnvelope struct {
	Data *launchFields `json:"data"`
}

type shape interface {
	extract() (Launch, bool)
}

func (e *pluralEnvelope) extract() (Launch, bool)   { return e.DialSessions.launch("dialsessions") }
func (e *singularEnvelope) extract() (Launch, bool) { return e.DialSession.launch("dialsession") }
func (e *dataEnvelope) extract() (Launch, bool)     { return e.Data.launch("data") }
func (e *launchFields) extract() (Launch, bool)     { return e.launch("flat") }

// ExtractLaunch decodes a create-session response body into a Launch.
func ExtractLaunch(body []byte) (Launch, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return Launch{}, fmt.Errorf("%w: not a JSON object", ErrUnrecognizedShape)
	}

	shapes := []shape{&pluralEnvelope{}, &singularEnvelope{}, &dataEnvelope{}, &launchFields{}}
	for _, s := range shapes {
		if err := json.Unmarshal(body, s); err != nil {
			continue
		}
		if l, ok := s.extract(); ok {
			return l, nil
		}
	}
	return Launch{}, fmt.Errorf("%w: no redirect_url", ErrUnrecognizedShape)
}

func looseID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
