package httpapi

import (
	"net/http"
	"strconv"

	"dialbridge/internal/apperr"
	"dialbridge/internal/ratelimit"
)

const (
	defaultListCount = 25
	maxListCount     = 100
)

func ListsHandler(lists listSearcher, limiter *ratelimit.Limiter, limit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		client := clientID(r, q.Get("client_id"))
		if client == "" {
			writeError(w, r, apperr.BadRequest("client_id is required"))
			return
		}
		if !admit(w, r, limiter, "list_fetch", client, limit) {
			return
		}

		offset, _ := strconv.Atoi(q.Get("offset"))
		if offset < 0 {
			offset = 0
		}
		count, _ := strconv.Atoi(q.Get("count"))
		if count <= 0 {
			count = defaultListCount
		}
		if count > maxListCount {
			count = maxListCount
		}

		page, err := lists.SearchLists(r.Context(), client, q.Get("q"), offset, count)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

// admit applies the per-client window and writes the 429 itself.
func admit(w http.ResponseWriter, r *http.Request, limiter *ratelimit.Limiter, endpoint, client string, limit int) bool {
	if limiter == nil {
		return true
	}
	ok, retryAfter := limiter.Allow(endpoint, client, limit)
	if !ok {
		writeError(w, r, apperr.RateLimited(retryAfter))
	}
	return ok
}
