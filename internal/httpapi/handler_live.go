package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"dialbridge/internal/accesscode"
	"dialbridge/internal/apperr"
	"dialbridge/internal/live"
)

func LiveStreamHandler(codes codeConsumer, channel *live.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := watchRequest(w, r, codes)
		if !ok {
			return
		}
		channel.ServeSSE(w, r, req)
	}
}

func LiveWSHandler(codes codeConsumer, channel *live.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := watchRequest(w, r, codes)
		if !ok {
			return
		}
		channel.ServeWS(w, r, req)
	}
}

// watchRequest spends the access code; a second connection needs the code
// from a resume event.
func watchRequest(w http.ResponseWriter, r *http.Request, codes codeConsumer) (live.WatchRequest, bool) {
	q := r.URL.Query()
	token, err := codes.Consume(r.Context(), strings.TrimSpace(q.Get("code")))
	if err != nil {
		if errors.Is(err, accesscode.ErrNotFound) {
			err = apperr.NotFound("access code invalid or expired")
		}
		writeError(w, r, err)
		return live.WatchRequest{}, false
	}

	viewer := strings.TrimSpace(q.Get("viewer"))
	if viewer == "" {
		viewer = uuid.NewString()
	}

	return live.WatchRequest{
		Token:       token,
		ViewerID:    viewer,
		LastVersion: lastEventID(r),
	}, true
}

func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
