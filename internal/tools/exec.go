package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/valetd/valet/internal/allowlist"
	"github.com/valetd/valet/internal/core"
	"github.com/valetd/valet/internal/runner"
)

type execTool struct {
	allow  *allowlist.List
	runner *runner.Runner
}

type execParams struct {
	Cmd      string    `json:"cmd"`
	Args     *[]string `json:"args"`
	TimeoutS int       `json:"timeout_s,omitempty"`
	Stream   bool      `json:"stream,omitempty"`
}

// ExecResult is the non-streaming exec reply with base64-encoded bodies.
type ExecResult struct {
	ExitCode   int    `json:"exit_code"`
	StdoutB64  string `json:"stdout_b64"`
	StderrB64  string `json:"stderr_b64"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated"`
	TimedOut   bool   `json:"timed_out"`
}

// ExecSummary is the end-of-stream result, minus the output bodies.
type ExecSummary struct {
	ExitCode   int   `json:"exit_code"`
	DurationMS int64 `json:"duration_ms"`
	Truncated  bool  `json:"truncated"`
	TimedOut   bool  `json:"timed_out"`
}

func (t *execTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "exec",
		Description: "Run an allow-listed command with capped output and a wall-clock timeout.",
		InputSchema: schemaObject([]string{"cmd", "args"}, map[string]any{
			"cmd":       map[string]any{"type": "string"},
			"args":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"timeout_s": map[string]any{"type": "integer"},
			"stream":    map[string]any{"type": "boolean"},
		}),
		OutputSchema: schemaObject(nil, map[string]any{
			"exit_code":   map[string]any{"type": "integer"},
			"stdout_b64":  map[string]any{"type": "string"},
			"stderr_b64":  map[string]any{"type": "string"},
			"duration_ms": map[string]any{"type": "integer"},
			"truncated":   map[string]any{"type": "boolean"},
			"timed_out":   map[string]any{"type": "boolean"},
		}),
		Streaming: true,
	}
}

// prepare validates arguments and resolves the program against the
// allow-list. Shared by the buffered and streaming paths.
func (t *execTool) prepare(raw json.RawMessage, rec *core.AuditRecord) (program string, args []string, timeout time.Duration, err error) {
	var params execParams
	if err := decodeParams(raw, &params); err != nil {
		return "", nil, 0, err
	}
	if params.Cmd == "" {
		return "", nil, 0, core.E(core.KindInvalidParams, "cmd is required")
	}
	if params.Args == nil {
		return "", nil, 0, core.E(core.KindInvalidParams, "args is required")
	}
	if params.TimeoutS < 0 {
		return "", nil, 0, core.E(core.KindInvalidParams, "timeout_s must be positive")
	}

	program, err = t.allow.Lookup(params.Cmd)
	if err != nil {
		return "", nil, 0, err
	}

	rec.Program = program
	rec.ArgCount = len(*params.Args)
	return program, *params.Args, time.Duration(params.TimeoutS) * time.Second, nil
}

func (t *execTool) Call(ctx context.Context, raw json.RawMessage, rec *core.AuditRecord) (any, error) {
	program, args, timeout, err := t.prepare(raw, rec)
	if err != nil {
		return nil, err
	}

	res, err := t.runner.Run(ctx, program, args, timeout, nil)
	if res != nil {
		rec.BytesOut = res.RawBytes
	}
	if err != nil {
		return nil, err
	}

	return &ExecResult{
		ExitCode:   res.ExitCode,
		StdoutB64:  base64.StdEncoding.EncodeToString(res.Stdout),
		StderrB64:  base64.StdEncoding.EncodeToString(res.Stderr),
		DurationMS: res.Duration.Milliseconds(),
		Truncated:  res.Truncated,
		TimedOut:   res.TimedOut,
	}, nil
}

func (t *execTool) CallStream(ctx context.Context, raw json.RawMessage, events StreamEvents, rec *core.AuditRecord) (*ExecSummary, error) {
	program, args, timeout, err := t.prepare(raw, rec)
	if err != nil {
		return nil, err
	}

	res, err := t.runner.Run(ctx, program, args, timeout, sinkAdapter{events})
	if res != nil {
		rec.BytesOut = res.RawBytes
	}
	if err != nil {
		return nil, err
	}

	return &ExecSummary{
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
		Truncated:  res.Truncated,
		TimedOut:   res.TimedOut,
	}, nil
}

// WantsStream reports whether exec arguments request streaming. Only the
// stream field is inspected; full validation happens in the call itself.
func WantsStream(raw json.RawMessage) bool {
	var peek struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return false
	}
	return peek.Stream
}

// sinkAdapter bridges the runner's Sink to the wire-level StreamEvents.
type sinkAdapter struct {
	events StreamEvents
}

func (s sinkAdapter) Stdout(chunk []byte) error { return s.events.Stdout(chunk) }
func (s sinkAdapter) Stderr(chunk []byte) error { return s.events.Stderr(chunk) }
