package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"dialbridge/internal/apperr"
	"dialbridge/internal/live"
)

type heartbeatRequest struct {
	ViewerID string `json:"viewer_id"`
}

func HeartbeatHandler(presence *live.Presence) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req heartbeatRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		viewer := strings.TrimSpace(req.ViewerID)
		if viewer == "" {
			writeError(w, r, apperr.BadRequest("viewer_id is required"))
			return
		}
		presence.Touch(viewer)
		w.WriteHeader(http.StatusNoContent)
	}
}

type activeResponse struct {
	Active        int `json:"active"`
	WindowSeconds int `json:"window_seconds"`
}

func ActiveViewersHandler(presence *live.Presence, defaultWindow time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seconds, _ := strconv.Atoi(r.URL.Query().Get("window"))
		if seconds <= 0 {
			seconds = int(defaultWindow.Seconds())
		}
		window := live.ClampWindow(seconds)
		writeJSON(w, http.StatusOK, activeResponse{
			Active:        presence.ActiveCount(window),
			WindowSeconds: int(window.Seconds()),
		})
	}
}
