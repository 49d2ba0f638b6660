package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"fetchd/internal/broadcast"
	"fetchd/pkg/logx"
)

// handleEvents streams task transition events as server-sent events.
//
// Query parameters:
//
//	client_id  stable client identity; reconnecting with the same id
//	           replaces the previous stream. Defaults to a fresh UUID.
//	channels   comma-separated channel list. Defaults to "tasks".
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bcast == nil {
		writeError(w, http.StatusNotFound, "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	channels := []string{"tasks"}
	if raw := r.URL.Query().Get("channels"); raw != "" {
		channels = channels[:0]
		for _, ch := range strings.Split(raw, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				channels = append(channels, ch)
			}
		}
	}

	events, err := s.bcast.Subscribe(r.Context(), clientID, channels)
	if err != nil {
		if errors.Is(err, broadcast.ErrSubscriberLimit) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer s.bcast.Unsubscribe(clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.log.Debug("api.sse_connected",
		logx.String("client_id", clientID),
		logx.Int("channels", len(channels)))

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev broadcast.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}
