package live

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"dialbridge/internal/metrics"
)

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Name, err)
	}
	if ev.ID != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", ev.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ServeSSE streams the session as Server-Sent Events until the client leaves.
func (c *Channel) ServeSSE(w http.ResponseWriter, r *http.Request, req WatchRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// The server write timeout would otherwise cut the stream.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		log.Debug().Err(err).Msg("clear sse write deadline")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.LiveConnections.WithLabelValues("sse").Inc()
	defer metrics.LiveConnections.WithLabelValues("sse").Dec()

	sink := countingSink{Sink: &sseSink{w: w, flusher: flusher}, transport: "sse"}
	if err := c.Watch(r.Context(), req, sink); err != nil {
		log.Debug().Err(err).Str("viewer_id", req.ViewerID).Msg("sse stream ended")
	}
}
