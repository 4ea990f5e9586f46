package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"ansible-mcp/internal/domain"
	"ansible-mcp/internal/usecase/jobs"
	"ansible-mcp/internal/usecase/stream"
)

// streamJob serves GET /api/v1/jobs/{id}/stream. An unknown job gets a JSON
// 404 before any event-stream header is written. Last-Event-ID resumes after
// the given sequence number.
func (h *handler) streamJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mux, err := h.deps.Jobs.Registry().Output(id)
	if err != nil {
		writeError(w, err)
		return
	}
	h.serveSSE(w, r, id, mux, lastEventID(r), nil)
}

func lastEventID(r *http.Request) uint64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("after")
	}
	n, _ := strconv.ParseUint(v, 10, 64)
	return n
}

// serveSSE streams mux to the client until the job's done event has been
// written or the client goes away. A non-nil preamble is sent first as a
// "job" event.
func (h *handler) serveSSE(w http.ResponseWriter, r *http.Request, id string, mux *stream.Multiplexer, after uint64, preamble []byte) {
	rc := http.NewResponseController(w)
	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := mux.Attach(after)
	h.metrics.StreamClients.Add(1)
	defer h.metrics.StreamClients.Add(-1)

	ctx := r.Context()
	if preamble != nil {
		if err := writeEvent(w, "job", "", preamble); err != nil {
			h.disconnected(id, sub)
			return
		}
	}
	if err := rc.Flush(); err != nil {
		h.disconnected(id, sub)
		return
	}

	for {
		ev, err := h.next(ctx, sub)
		if errors.Is(err, io.EOF) {
			return
		}
		if errors.Is(err, errHeartbeat) {
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				h.disconnected(id, sub)
				return
			}
			rc.Flush()
			continue
		}
		if err != nil {
			h.disconnected(id, sub)
			return
		}

		if err := writeStreamEvent(w, ev); err != nil {
			h.disconnected(id, sub)
			return
		}
		if err := rc.Flush(); err != nil {
			h.disconnected(id, sub)
			return
		}
		if ev.Kind == stream.EventDone {
			return
		}
	}
}

var errHeartbeat = errors.New("heartbeat due")

// next waits for the subscriber's next event, returning errHeartbeat when
// nothing arrived within the heartbeat interval.
func (h *handler) next(ctx context.Context, sub *stream.Subscriber) (stream.Event, error) {
	waitCtx, cancel := context.WithTimeout(ctx, h.deps.Stream.Heartbeat)
	defer cancel()
	ev, err := sub.Next(waitCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return ev, errHeartbeat
	}
	return ev, err
}

// disconnected detaches a streaming client. With CancelOnDisconnect, the
// last client leaving cancels the job.
func (h *handler) disconnected(id string, sub *stream.Subscriber) {
	remaining := sub.Detach()
	if !h.deps.Stream.CancelOnDisconnect || remaining > 0 {
		return
	}
	job, err := h.deps.Jobs.Cancel(id, jobs.ReasonDisconnected)
	if err != nil {
		h.deps.Logger.Debug("cancel on disconnect", "job_id", id, "error", err)
		return
	}
	if !job.State.Terminal() {
		h.deps.Logger.Info("job cancelled after client disconnect", "job_id", id)
	}
}

type overflowData struct {
	Dropped int64 `json:"dropped"`
}

func writeStreamEvent(w io.Writer, ev stream.Event) error {
	switch ev.Kind {
	case stream.EventChunk:
		return writeChunk(w, ev.Chunk)
	case stream.EventOverflow:
		data, _ := json.Marshal(overflowData{Dropped: ev.Dropped})
		return writeEvent(w, "overflow", "", data)
	case stream.EventDone:
		data, _ := json.Marshal(ev.Outcome)
		return writeEvent(w, "done", "", data)
	default:
		return fmt.Errorf("unknown stream event kind %d", ev.Kind)
	}
}

// encodedSuffix marks a chunk event whose data is base64.
const encodedSuffix = "-base64"

// writeChunk writes an output chunk as a "stdout" or "stderr" event. SSE
// clients end lines at CR as well as LF and decode UTF-8, so a chunk holding
// a CR or invalid UTF-8 is sent base64-encoded as "stdout-base64" or
// "stderr-base64" instead.
func writeChunk(w io.Writer, c domain.OutputChunk) error {
	id := strconv.FormatUint(c.Seq, 10)
	if bytes.IndexByte(c.Data, '\r') < 0 && utf8.Valid(c.Data) {
		return writeEvent(w, string(c.Stream), id, c.Data)
	}
	enc := make([]byte, base64.StdEncoding.EncodedLen(len(c.Data)))
	base64.StdEncoding.Encode(enc, c.Data)
	return writeEvent(w, string(c.Stream)+encodedSuffix, id, enc)
}

// writeEvent writes one SSE event. data must not contain CR; it is split on
// LF into data lines, so a client joining them with LF gets it back.
func writeEvent(w io.Writer, event, id string, data []byte) error {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(event)
	buf.WriteByte('\n')
	if id != "" {
		buf.WriteString("id: ")
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
