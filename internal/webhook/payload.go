package webhook

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"dialbridge/internal/apperr"
)

// dialerTimestampLayout is the dialer's zone-less timestamp format.
const dialerTimestampLayout = "2006-01-02 15:04:05"

// payload is a decoded webhook body. The dialer sends the same field as a
// string, number or boolean depending on the account, so every accessor
// coerces.
type payload map[string]any

func decodePayload(raw []byte) (payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, apperr.BadRequest("invalid JSON payload")
	}
	if dec.More() {
		return nil, apperr.BadRequest("invalid JSON payload")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, apperr.BadRequest("payload must be a JSON object")
	}
	return payload(obj), nil
}

// str returns the first non-empty scalar among keys.
func (p payload) str(keys ...string) string {
	for _, k := range keys {
		if s := scalar(p[k]); s != "" {
			return s
		}
	}
	return ""
}

func (p payload) obj(key string) payload {
	if m, ok := p[key].(map[string]any); ok {
		return payload(m)
	}
	return nil
}

// list accepts a single object where an array is expected.
func (p payload) list(key string) []payload {
	switch v := p[key].(type) {
	case []any:
		out := make([]payload, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, payload(m))
			}
		}
		return out
	case map[string]any:
		return []payload{payload(v)}
	default:
		return nil
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// truthy accepts "1", "true", "yes", true, and any non-zero number.
func truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "0", "false", "no", "n", "off":
		return false
	case "1", "true", "yes", "y", "on":
		return true
	}
	f, err := strconv.ParseFloat(value, 64)
	return err == nil && f != 0
}

// parseIntField tolerates "", "42" and "42.7"; anything else is 0.
func parseIntField(value, field string) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		log.Debug().Str("field", field).Str("value", trimmed).Msg("ignoring non-numeric webhook field")
		return 0
	}
	return int(f)
}

// parseTimestamp reads RFC 3339, the dialer layout in loc, or unix seconds.
func parseTimestamp(value string, loc *time.Location) *time.Time {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}

	if t, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return &t
	}
	if t, err := time.ParseInLocation(dialerTimestampLayout, trimmed, loc); err == nil {
		return &t
	}
	if secs, err := strconv.ParseInt(trimmed, 10, 64); err == nil && secs > 0 {
		t := time.Unix(secs, 0)
		return &t
	}

	log.Debug().Str("value", trimmed).Msg("unparseable webhook timestamp")
	return nil
}
