package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"

	"github.com/valetd/valet/internal/core"
	"github.com/valetd/valet/internal/pathsafe"
)

type fsReadTool struct {
	resolver *pathsafe.Resolver
	maxBytes int64
}

type fsReadParams struct {
	Path string `json:"path"`
}

type fsReadResult struct {
	ContentB64 string `json:"content_b64"`
	Encoding   string `json:"encoding"`
}

func (t *fsReadTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "fs_read",
		Description: "Read a file under the configured root, returned base64-encoded.",
		InputSchema: schemaObject([]string{"path"}, map[string]any{
			"path": map[string]any{"type": "string"},
		}),
		OutputSchema: schemaObject(nil, map[string]any{
			"content_b64": map[string]any{"type": "string"},
			"encoding":    map[string]any{"type": "string"},
		}),
	}
}

func (t *fsReadTool) Call(_ context.Context, raw json.RawMessage, _ *core.AuditRecord) (any, error) {
	var params fsReadParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, core.E(core.KindInvalidParams, "path is required")
	}

	full, err := t.resolver.Resolve(params.Path, pathsafe.ModeRead)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.E(core.KindNotFound, "file not found")
		}
		return nil, core.Wrap(core.KindIo, err, "failed to open file")
	}
	defer f.Close() //nolint:errcheck // read-only handle

	// Read one byte past the cap so oversized files are detected even when
	// they grow after the resolver ran.
	data, err := io.ReadAll(io.LimitReader(f, t.maxBytes+1))
	if err != nil {
		return nil, core.Wrap(core.KindIo, err, "failed to read file")
	}
	if int64(len(data)) > t.maxBytes {
		return nil, core.E(core.KindResponseTooLarge, "file exceeds %d bytes", t.maxBytes)
	}

	return &fsReadResult{
		ContentB64: base64.StdEncoding.EncodeToString(data),
		Encoding:   "base64",
	}, nil
}
