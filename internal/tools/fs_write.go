package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/valetd/valet/internal/core"
	"github.com/valetd/valet/internal/pathsafe"
)

type fsWriteTool struct {
	resolver *pathsafe.Resolver
}

type fsWriteParams struct {
	Path       string  `json:"path"`
	ContentB64 *string `json:"content_b64"`
	Mode       string  `json:"mode,omitempty"`
}

type fsWriteResult struct {
	BytesWritten int `json:"bytes_written"`
}

func (t *fsWriteTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "fs_write",
		Description: "Atomically write a file under the configured root from base64 content.",
		InputSchema: schemaObject([]string{"path", "content_b64"}, map[string]any{
			"path":        map[string]any{"type": "string"},
			"content_b64": map[string]any{"type": "string"},
			"mode":        map[string]any{"type": "string"},
		}),
		OutputSchema: schemaObject(nil, map[string]any{
			"bytes_written": map[string]any{"type": "integer"},
		}),
	}
}

func (t *fsWriteTool) Call(_ context.Context, raw json.RawMessage, _ *core.AuditRecord) (any, error) {
	var params fsWriteParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, core.E(core.KindInvalidParams, "path is required")
	}
	if params.ContentB64 == nil {
		return nil, core.E(core.KindInvalidParams, "content_b64 is required")
	}

	content, err := base64.StdEncoding.DecodeString(*params.ContentB64)
	if err != nil {
		return nil, core.Wrap(core.KindInvalidParams, err, "content_b64 is not valid base64")
	}

	mode := os.FileMode(0o644)
	if params.Mode != "" {
		parsed, err := strconv.ParseUint(params.Mode, 8, 32)
		if err != nil || parsed > 0o777 {
			return nil, core.E(core.KindInvalidParams, "mode must be an octal string like \"0644\"")
		}
		mode = os.FileMode(parsed)
	}

	full, err := t.resolver.Resolve(params.Path, pathsafe.ModeWrite)
	if err != nil {
		return nil, err
	}

	if err := writeAtomic(full, content, mode); err != nil {
		return nil, err
	}
	return &fsWriteResult{BytesWritten: len(content)}, nil
}

// writeAtomic writes to a temporary file in the target's directory and
// renames it into place, so readers never observe a half-written file.
// The temporary is removed on any failure.
func writeAtomic(target string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return core.Wrap(core.KindIo, err, "failed to create temporary file")
	}
	tmpName := tmp.Name()

	cleanup := func(err error, msg string) error {
		tmp.Close()          //nolint:errcheck // already failing
		os.Remove(tmpName)   //nolint:errcheck // best effort
		return core.Wrap(core.KindIo, err, "%s", msg)
	}

	if _, err := tmp.Write(content); err != nil {
		return cleanup(err, "failed to write file")
	}
	if err := tmp.Chmod(mode); err != nil {
		return cleanup(err, "failed to set mode")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck // best effort
		return core.Wrap(core.KindIo, err, "failed to close temporary file")
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName) //nolint:errcheck // best effort
		return core.Wrap(core.KindIo, err, "failed to rename into place")
	}
	return nil
}
