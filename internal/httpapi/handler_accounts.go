package httpapi

import (
	"net/http"
	"strings"
	"time"

	"dialbridge/internal/apperr"
)

type dialerTokenRequest struct {
	ClientID    string `json:"client_id"`
	DialerToken string `json:"dialer_token"`
}

func DialerTokenHandler(store dialerTokenSaver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dialerTokenRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		client := clientID(r, req.ClientID)
		if client == "" || strings.TrimSpace(req.DialerToken) == "" {
			writeError(w, r, apperr.BadRequest("client_id and dialer_token are required"))
			return
		}

		if err := store.SaveDialerToken(r.Context(), client, req.DialerToken); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"client_id": client, "dialer_connected": true})
	}
}

type crmExchangeRequest struct {
	ClientID string `json:"client_id"`
	Code     string `json:"code"`
}

type crmExchangeResponse struct {
	ClientID  string     `json:"client_id"`
	PortalID  string     `json:"portal_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CRMExchangeHandler links a CRM account. A relink may point at a different
// portal, so cached schema discoveries for the client are dropped.
func CRMExchangeHandler(tokens crmExchanger, props propertyCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req crmExchangeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		client := clientID(r, req.ClientID)
		if client == "" {
			writeError(w, r, apperr.BadRequest("client_id is required"))
			return
		}

		link, err := tokens.Exchange(r.Context(), client, req.Code)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if props != nil {
			props.Invalidate(client)
		}
		writeJSON(w, http.StatusOK, crmExchangeResponse{
			ClientID:  link.ClientID,
			PortalID:  link.CRMPortalID,
			ExpiresAt: link.CRMExpiresAt,
		})
	}
}
