package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"dialbridge/internal/apperr"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
	Skipped        *int   `json:"skipped,omitempty"`
	Reconnect      bool   `json:"reconnect,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

// writeError maps err onto the shared error body. Errors outside the
// taxonomy are logged and reported as internal without their detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Error: string(kind), Message: "internal error"}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		body.Message = ae.Msg
		body.UpstreamStatus = ae.UpstreamStatus
		if kind == apperr.KindNoDialableRecords {
			skipped := ae.Skipped
			body.Skipped = &skipped
		}
	}

	switch kind {
	case apperr.KindUnauthorized:
		body.Reconnect = true
	case apperr.KindRateLimited:
		retry := 60
		if ae != nil && ae.RetryAfter > 0 {
			retry = int(ae.RetryAfter.Seconds())
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	case apperr.KindMisconfigured:
		log.Error().Err(err).Str("path", r.URL.Path).Bool("misconfigured", true).Msg("server misconfigured")
	case apperr.KindInternal:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	case apperr.KindUpstream:
		log.Warn().Err(err).Str("path", r.URL.Path).Int("upstream_status", body.UpstreamStatus).Msg("upstream failure")
	}

	writeJSON(w, apperr.HTTPStatus(kind), body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.BadRequest("request body is required")
		}
		return apperr.BadRequest("invalid JSON body")
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.BadRequest("invalid body")
	}
	return body, nil
}

// clientID prefers the X-Client-ID header over the body field.
func clientID(r *http.Request, fromBody string) string {
	if v := strings.TrimSpace(r.Header.Get("X-Client-ID")); v != "" {
		return v
	}
	return strings.TrimSpace(fromBody)
}
