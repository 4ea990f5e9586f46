package gateway

import (
	"ansible-mcp/internal/domain"
	"ansible-mcp/internal/usecase/stream"
)

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeChunk    FrameType = "chunk"
	FrameTypeOverflow FrameType = "overflow"
	FrameTypeDone     FrameType = "done"
)

// Frame is one stream event sent to a WebSocket client. Data is
// base64-encoded by encoding/json, so chunk bytes survive unchanged.
type Frame struct {
	Type    FrameType           `json:"type"`
	Seq     uint64              `json:"seq,omitempty"`
	Stream  domain.OutputStream `json:"stream,omitempty"`
	Data    []byte              `json:"data,omitempty"`
	Dropped int64               `json:"dropped,omitempty"`
	Outcome *domain.JobOutcome  `json:"outcome,omitempty"`
}

func frameOf(ev stream.Event) Frame {
	switch ev.Kind {
	case stream.EventOverflow:
		return Frame{Type: FrameTypeOverflow, Dropped: ev.Dropped}
	case stream.EventDone:
		outcome := ev.Outcome
		return Frame{Type: FrameTypeDone, Outcome: &outcome}
	default:
		return Frame{Type: FrameTypeChunk, Seq: ev.Chunk.Seq, Stream: ev.Chunk.Stream, Data: ev.Chunk.Data}
	}
}
