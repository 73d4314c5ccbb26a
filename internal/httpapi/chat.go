package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"starchat/internal/chat"
)

// sseWriter writes `data: <json>\n\n` frames and flushes each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: f}, true
}

func (s *sseWriter) start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

func (s *sseWriter) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal sse event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := decodeJSON(w, r, &req, false); err != nil {
		handleError(w, r, err)
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		handleError(w, r, fmt.Errorf("response writer does not support flushing"))
		return
	}

	turn, err := s.cfg.Chat.Prepare(r.Context(), identity(r).UserID, req)
	if err != nil {
		handleError(w, r, err)
		return
	}

	sse.start()
	res := turn.Stream(r.Context(), func(e chat.Event) error {
		return sse.send(e)
	})
	zerolog.Ctx(r.Context()).Debug().
		Str("outcome", string(res.Outcome)).
		Str("conversation_id", turn.ConversationID()).
		Msg("chat stream closed")
}
