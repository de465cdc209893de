package httpapi

import (
	"context"
	"net/http"

	"dialbridge/internal/models"
)

type ingestFunc func(ctx context.Context, token string, raw []byte) (*models.Session, error)

// Both callbacks acknowledge with a plain 200 once the session is found and
// the body parses; correlation misses live in the session diagnostics.
func ContactDisplayedHandler(in webhookIngestor) http.HandlerFunc {
	return webhookHandler(in.ContactDisplayed)
}

func CallDoneHandler(in webhookIngestor) http.HandlerFunc {
	return webhookHandler(in.CallDone)
}

func webhookHandler(ingest ingestFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer r.Body.Close()

		if _, err := ingest(r.Context(), r.URL.Query().Get("token"), body); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}
