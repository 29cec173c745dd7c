// Package tools defines the tool registry and the three valet tools:
// fs_read, fs_write, and exec.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/valetd/valet/internal/allowlist"
	"github.com/valetd/valet/internal/core"
	"github.com/valetd/valet/internal/pathsafe"
	"github.com/valetd/valet/internal/runner"
)

// Descriptor describes a registered tool for tools/list. Descriptors are
// built once at startup, so repeated listings are byte-identical.
type Descriptor struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"inputSchema"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	Streaming    bool           `json:"streaming"`
}

// Tool is a named operation with a typed argument schema. Call fills
// tool-specific audit fields on rec (the resolved program path for exec;
// never argument values or file contents).
type Tool interface {
	Descriptor() Descriptor
	Call(ctx context.Context, params json.RawMessage, rec *core.AuditRecord) (any, error)
}

// StreamEvents receives live exec output. The server's NDJSON encoder
// implements it.
type StreamEvents interface {
	Stdout(chunk []byte) error
	Stderr(chunk []byte) error
}

// StreamingTool additionally supports live invocation. CallStream returns
// the end-of-stream summary on success.
type StreamingTool interface {
	Tool
	CallStream(ctx context.Context, params json.RawMessage, events StreamEvents, rec *core.AuditRecord) (*ExecSummary, error)
}

// Registry holds the tools registered at startup.
type Registry struct {
	tools map[string]Tool
	names []string
}

// NewRegistry registers fs_read, fs_write, and exec.
func NewRegistry(resolver *pathsafe.Resolver, allow *allowlist.List, run *runner.Runner, maxReadBytes int64) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	r.register(&fsReadTool{resolver: resolver, maxBytes: maxReadBytes})
	r.register(&fsWriteTool{resolver: resolver})
	r.register(&execTool{allow: allow, runner: run})
	return r
}

func (r *Registry) register(t Tool) {
	name := t.Descriptor().Name
	r.tools[name] = t
	r.names = append(r.names, name)
	sort.Strings(r.names)
}

// Get returns the named tool or ToolNotFound.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, core.E(core.KindToolNotFound, "unknown tool %q", name)
	}
	return t, nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Descriptors returns all descriptors in name order.
func (r *Registry) Descriptors() []Descriptor {
	descriptors := make([]Descriptor, 0, len(r.names))
	for _, name := range r.names {
		descriptors = append(descriptors, r.tools[name].Descriptor())
	}
	return descriptors
}

// decodeParams strictly decodes tool arguments: wrong types and extraneous
// fields are InvalidParams. Presence of required fields is checked by each
// tool after decoding.
func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return core.Wrap(core.KindInvalidParams, err, "invalid arguments")
	}
	return nil
}

// schemaObject builds the JSON-schema map shared by all descriptors.
func schemaObject(required []string, properties map[string]any) map[string]any {
	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
