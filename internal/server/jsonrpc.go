package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/valetd/valet/internal/core"
	"github.com/valetd/valet/internal/tools"
)

const protocolVersion = "2024-11-05"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *rpcErrorData `json:"data,omitempty"`
}

type rpcErrorData struct {
	Kind core.Kind `json:"kind"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// handleRPC is the request gate for POST <base_path>/<token>. The check
// order is normative: Origin, token, body cap, rate limit, then parse and
// dispatch. Earlier failures suppress later ones.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	rec := s.newAuditRecord("")
	defer s.finish(rec)

	if err := s.checkOrigin(r); err != nil {
		rec.Outcome = core.KindOf(err)
		rec.BytesOut = writePlainError(w, err)
		return
	}

	if !s.tokenMatches(r.PathValue("token")) {
		rec.Outcome = core.KindUnauthorized
		rec.BytesOut = writePlainError(w, core.E(core.KindUnauthorized, "invalid token"))
		return
	}
	rec.TokenHash = s.tokenHash

	body, err := s.readBody(w, r)
	if err != nil {
		rec.Outcome = core.KindOf(err)
		rec.BytesOut = writePlainError(w, err)
		return
	}
	rec.BytesIn = int64(len(body))

	if err := s.limiter.Allow(s.tokenHash); err != nil {
		rec.Outcome = core.KindOf(err)
		rec.BytesOut = writePlainError(w, err)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		rec.Outcome = core.KindParse
		s.writeRPCFailure(w, rec, json.RawMessage("null"),
			core.RPCParseError, "parse error", core.KindParse)
		return
	}
	rec.Method = req.Method
	if len(req.ID) == 0 {
		req.ID = json.RawMessage("null")
	}

	if req.JSONRPC != "2.0" {
		rec.Outcome = core.KindParse
		s.writeRPCFailure(w, rec, req.ID,
			core.RPCInvalidRequest, "jsonrpc must be \"2.0\"", core.KindParse)
		return
	}

	switch req.Method {
	case "initialize":
		rec.BytesOut = writeJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0", Result: serverInfoResult(), ID: req.ID,
		})
	case "initialized", "notifications/initialized":
		rec.BytesOut = writeJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0", Result: map[string]any{}, ID: req.ID,
		})
	case "tools/list":
		rec.BytesOut = writeJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			Result:  map[string]any{"tools": s.registry.Descriptors()},
			ID:      req.ID,
		})
	case "tools/call":
		s.handleToolsCall(w, r, rec, &req)
	default:
		rec.Outcome = core.KindToolNotFound
		s.writeRPCFailure(w, rec, req.ID,
			core.RPCMethodNotFound, "method not found", "")
	}
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, rec *core.AuditRecord, req *rpcRequest) {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		rec.Outcome = core.KindInvalidParams
		s.writeRPCFailure(w, rec, req.ID,
			core.RPCInvalidParams, "params must carry a tool name and arguments", core.KindInvalidParams)
		return
	}
	rec.Tool = params.Name

	tool, err := s.registry.Get(params.Name)
	if err != nil {
		s.writeRPCError(w, rec, req.ID, err)
		return
	}

	// Whole-request deadline slightly larger than the exec timeout, so a
	// stuck pipe drain cannot hold the handler forever.
	deadline := time.Duration(s.cfg.Limits.ExecTimeoutS)*time.Second + requestDeadlineSlack
	ctx, cancel := context.WithTimeout(r.Context(), deadline)
	defer cancel()

	if streamer, ok := tool.(tools.StreamingTool); ok && tools.WantsStream(params.Arguments) {
		s.streamCall(ctx, w, r, rec, req.ID, streamer, params.Arguments)
		return
	}

	result, err := tool.Call(ctx, params.Arguments, rec)
	if r.Context().Err() != nil {
		rec.Aborted = true
	}
	if err != nil {
		s.writeRPCError(w, rec, req.ID, err)
		return
	}

	rec.BytesOut = writeJSON(w, http.StatusOK, rpcResponse{
		JSONRPC: "2.0", Result: result, ID: req.ID,
	})
}

// writeRPCError maps a tool-level failure to a JSON-RPC error object with
// the taxonomy kind in data, and the kind's HTTP status on the wire.
func (s *Server) writeRPCError(w http.ResponseWriter, rec *core.AuditRecord, id json.RawMessage, err error) {
	kind := core.KindOf(err)
	rec.Outcome = kind
	rec.BytesOut = writeJSON(w, core.HTTPStatus(kind), rpcResponse{
		JSONRPC: "2.0",
		Error: &rpcError{
			Code:    core.RPCCode(kind),
			Message: err.Error(),
			Data:    &rpcErrorData{Kind: kind},
		},
		ID: id,
	})
}

// writeRPCFailure emits an envelope-level JSON-RPC error (parse, invalid
// request, unknown method).
func (s *Server) writeRPCFailure(w http.ResponseWriter, rec *core.AuditRecord, id json.RawMessage, code int, message string, kind core.Kind) {
	status := http.StatusBadRequest
	if code == core.RPCMethodNotFound {
		status = http.StatusNotFound
	}
	var data *rpcErrorData
	if kind != "" {
		data = &rpcErrorData{Kind: kind}
	}
	rec.BytesOut = writeJSON(w, status, rpcResponse{
		JSONRPC: "2.0",
		Error:   &rpcError{Code: code, Message: message, Data: data},
		ID:      id,
	})
}

// readBody enforces the inbound cap: a declared oversize fails immediately,
// a streamed oversize fails as soon as the cap is crossed, without
// buffering the remainder.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	maxBytes := s.cfg.MaxRequestBytes()
	if r.ContentLength > maxBytes {
		return nil, core.E(core.KindRequestTooLarge, "request body exceeds %d bytes", maxBytes)
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, core.E(core.KindRequestTooLarge, "request body exceeds %d bytes", maxBytes)
		}
		return nil, core.Wrap(core.KindIo, err, "failed to read request body")
	}
	return body, nil
}

// serverInfoResult is shared by initialize and the GET info handler.
func serverInfoResult() map[string]any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":   map[string]any{},
			"logging": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "valet",
			"version": "0.1.0",
		},
	}
}
