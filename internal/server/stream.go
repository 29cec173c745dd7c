package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/valetd/valet/internal/core"
	"github.com/valetd/valet/internal/tools"
)

// streamCall runs a streaming tool invocation as newline-delimited JSON
// events: start, interleaved stdout/stderr chunks, then end or error. Each
// event is one flushed line; no partial JSON line is ever emitted.
func (s *Server) streamCall(ctx context.Context, w http.ResponseWriter, r *http.Request, rec *core.AuditRecord, id json.RawMessage, tool tools.StreamingTool, args json.RawMessage) {
	rec.Streaming = true

	enc := newStreamEncoder(w)
	if err := enc.start(id, rec.Tool); err != nil {
		rec.Aborted = true
		rec.Outcome = core.KindIo
		return
	}

	summary, err := tool.CallStream(ctx, args, enc, rec)
	if r.Context().Err() != nil {
		// Client gone: the child has been canceled; stop producing events.
		rec.Aborted = true
		if err != nil {
			rec.Outcome = core.KindOf(err)
		}
		return
	}
	if err != nil {
		kind := core.KindOf(err)
		rec.Outcome = kind
		enc.failure(kind, err.Error())
		return
	}
	enc.end(summary)
}

type streamEvent struct {
	Event    string             `json:"event"`
	ID       json.RawMessage    `json:"id,omitempty"`
	Tool     string             `json:"tool,omitempty"`
	ChunkB64 string             `json:"chunk_b64,omitempty"`
	Result   *tools.ExecSummary `json:"result,omitempty"`
	Error    *streamError       `json:"error,omitempty"`
}

type streamError struct {
	Code    core.Kind `json:"code"`
	Message string    `json:"message"`
}

// streamEncoder frames events for application/x-ndjson. Each event is
// marshaled to a complete line before any byte reaches the wire, and the
// response is flushed after every event so the consumer sees progress.
// The stdout and stderr drain goroutines emit concurrently, so the write
// path is serialized under mu. After a write failure the encoder goes
// dead and drops further events.
type streamEncoder struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	dead    bool
}

func newStreamEncoder(w http.ResponseWriter) *streamEncoder {
	flusher, _ := w.(http.Flusher)
	return &streamEncoder{w: w, flusher: flusher}
}

func (e *streamEncoder) start(id json.RawMessage, tool string) error {
	e.w.Header().Set("Content-Type", "application/x-ndjson")
	e.w.WriteHeader(http.StatusOK)
	return e.emit(streamEvent{Event: "start", ID: id, Tool: tool})
}

// Stdout and Stderr implement tools.StreamEvents.
func (e *streamEncoder) Stdout(chunk []byte) error {
	return e.emit(streamEvent{Event: "stdout", ChunkB64: base64.StdEncoding.EncodeToString(chunk)})
}

func (e *streamEncoder) Stderr(chunk []byte) error {
	return e.emit(streamEvent{Event: "stderr", ChunkB64: base64.StdEncoding.EncodeToString(chunk)})
}

func (e *streamEncoder) end(summary *tools.ExecSummary) {
	_ = e.emit(streamEvent{Event: "end", Result: summary}) //nolint:errcheck // terminal event
}

func (e *streamEncoder) failure(kind core.Kind, message string) {
	_ = e.emit(streamEvent{Event: "error", Error: &streamError{Code: kind, Message: message}}) //nolint:errcheck // terminal event
}

func (e *streamEncoder) emit(event streamEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dead {
		return core.E(core.KindIo, "stream closed")
	}
	line, err := json.Marshal(event)
	if err != nil {
		e.dead = true
		return core.Wrap(core.KindIo, err, "failed to encode stream event")
	}
	line = append(line, '\n')
	if _, err := e.w.Write(line); err != nil {
		e.dead = true
		zap.L().Debug("stream write failed", zap.Error(err))
		return core.Wrap(core.KindIo, err, "stream write failed")
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
