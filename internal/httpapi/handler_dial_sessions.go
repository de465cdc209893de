package httpapi

import (
	"net/http"

	"dialbridge/internal/apperr"
	"dialbridge/internal/dialsession"
	"dialbridge/internal/ratelimit"
)

func CreateDialSessionHandler(sessions sessionCreator, limiter *ratelimit.Limiter, limit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dialsession.Request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.Mode == "" {
			req.Mode = dialsession.ModeContacts
		}
		createSession(w, r, sessions, limiter, limit, req)
	}
}

type fromListRequest struct {
	ClientID   string `json:"client_id"`
	ListID     string `json:"list_id"`
	ObjectType string `json:"object_type"`
	Name       string `json:"name"`
}

func CreateFromListHandler(sessions sessionCreator, limiter *ratelimit.Limiter, limit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body fromListRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		createSession(w, r, sessions, limiter, limit, dialsession.Request{
			ClientID:   body.ClientID,
			Mode:       dialsession.ModeList,
			ObjectType: body.ObjectType,
			ListID:     body.ListID,
			Name:       body.Name,
		})
	}
}

func createSession(w http.ResponseWriter, r *http.Request, sessions sessionCreator, limiter *ratelimit.Limiter, limit int, req dialsession.Request) {
	req.ClientID = clientID(r, req.ClientID)
	if req.ClientID == "" {
		writeError(w, r, apperr.BadRequest("client_id is required"))
		return
	}
	if !admit(w, r, limiter, "create_session", req.ClientID, limit) {
		return
	}

	res, err := sessions.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
