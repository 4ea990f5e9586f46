package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"ansible-mcp/internal/usecase/stream"
)

// wsJob serves GET /api/v1/jobs/{id}/ws. Each stream event becomes one JSON
// frame; the connection is closed normally after the done frame.
func (h *handler) wsJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mux, err := h.deps.Jobs.Registry().Output(id)
	if err != nil {
		writeError(w, err)
		return
	}
	after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		h.deps.Logger.Warn("websocket accept failed", "job_id", id, "error", err)
		return
	}
	defer ws.CloseNow()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// once the peer goes away.
	ctx := ws.CloseRead(r.Context())

	sub := mux.Attach(after)
	h.metrics.StreamClients.Add(1)
	defer h.metrics.StreamClients.Add(-1)

	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			ws.Close(websocket.StatusNormalClosure, "")
			return
		}
		if err != nil {
			h.disconnected(id, sub)
			return
		}

		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = wsjson.Write(writeCtx, ws, frameOf(ev))
		cancel()
		if err != nil {
			h.disconnected(id, sub)
			return
		}
		if ev.Kind == stream.EventDone {
			ws.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}
