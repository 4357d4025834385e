package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"tasknest/internal/engine/auth"
	"tasknest/internal/enhance"
)

// streamHandler serves the enhancement status channel over SSE and WebSocket.
// Both share enhance.Monitor; only the framing differs.
type streamHandler struct {
	monitor enhance.Monitor
	origins []string
	logger  *slog.Logger
}

type wsMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func registerStreams(r chi.Router, basePath string, h streamHandler) {
	r.Get(path.Join("/", basePath, "tasks/{id}/enhance-ai/status"), h.serveSSE)
	r.Get(path.Join("/", basePath, "tasks/{id}/enhance-ai/ws"), h.serveWS)
}

// open resolves the caller and the starting status, answering with the JSON envelope on failure.
func (h streamHandler) open(w http.ResponseWriter, r *http.Request) (auth.Principal, string, string, bool) {
	p, authErr := ownerFromContext(r.Context())
	if authErr != nil {
		respondStatusError(w, authErr)
		return auth.Principal{}, "", "", false
	}
	taskID := chi.URLParam(r, "id")
	initial, err := h.monitor.Open(r.Context(), p.UserID, taskID)
	if err != nil {
		respondStatusError(w, handleError(err))
		return auth.Principal{}, "", "", false
	}
	return p, taskID, initial, true
}

func (h streamHandler) serveSSE(w http.ResponseWriter, r *http.Request) {
	p, taskID, initial, ok := h.open(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	state := h.monitor.Watch(r.Context(), p.UserID, taskID, initial, func(ev enhance.StreamEvent) error {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	h.logger.Debug("sse stream ended", "task_id", taskID, "state", state)
}

func (h streamHandler) serveWS(w http.ResponseWriter, r *http.Request) {
	p, taskID, initial, ok := h.open(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "task_id", taskID, "err", err)
		return
	}
	defer conn.CloseNow()

	// The channel is server to client only; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	state := h.monitor.Watch(ctx, p.UserID, taskID, initial, func(ev enhance.StreamEvent) error {
		return wsjson.Write(ctx, conn, wsMessage{Event: ev.Name, Data: ev.Data})
	})
	h.logger.Debug("websocket stream ended", "task_id", taskID, "state", state)
	if state != enhance.StateClosed {
		conn.Close(websocket.StatusNormalClosure, string(state))
	}
}
