package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valetd/valet/internal/allowlist"
	"github.com/valetd/valet/internal/core"
	"github.com/valetd/valet/internal/pathsafe"
	"github.com/valetd/valet/internal/runner"
)

const testMaxBytes = 8 * 1024

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tool tests rely on unix binaries")
	}

	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	allow, err := allowlist.Resolve([]string{"echo", "sleep", "sh"})
	require.NoError(t, err)

	run := runner.New(root, mapset.NewSet[string](), 30, testMaxBytes)
	resolver := pathsafe.New(root)
	return NewRegistry(resolver, allow, run, testMaxBytes), root
}

func call(t *testing.T, reg *Registry, name string, args string) (any, *core.AuditRecord, error) {
	t.Helper()
	tool, err := reg.Get(name)
	require.NoError(t, err)
	rec := &core.AuditRecord{}
	result, err := tool.Call(context.Background(), json.RawMessage(args), rec)
	return result, rec, err
}

func TestRegistryNames(t *testing.T) {
	reg, _ := newTestRegistry(t)
	assert.Equal(t, []string{"exec", "fs_read", "fs_write"}, reg.Names())
}

func TestRegistryUnknownTool(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Get("fs_delete")
	require.Error(t, err)
	assert.Equal(t, core.KindToolNotFound, core.KindOf(err))
}

// tools/list must be idempotent: identical descriptor payloads for an
// unchanged registry.
func TestDescriptorsStable(t *testing.T) {
	reg, _ := newTestRegistry(t)

	first, err := json.Marshal(reg.Descriptors())
	require.NoError(t, err)
	second, err := json.Marshal(reg.Descriptors())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var listed []Descriptor
	require.NoError(t, json.Unmarshal(first, &listed))
	require.Len(t, listed, 3)
	assert.Equal(t, "exec", listed[0].Name)
	assert.True(t, listed[0].Streaming)
	assert.Equal(t, "fs_read", listed[1].Name)
	assert.False(t, listed[1].Streaming)
	assert.Equal(t, "fs_write", listed[2].Name)
	assert.False(t, listed[2].Streaming)
}

func TestFsWriteThenReadRoundTrip(t *testing.T) {
	reg, root := newTestRegistry(t)

	content := base64.StdEncoding.EncodeToString([]byte("hello"))
	result, _, err := call(t, reg, "fs_write",
		`{"path":"out.txt","content_b64":"`+content+`","mode":"0600"}`)
	require.NoError(t, err)
	assert.Equal(t, &fsWriteResult{BytesWritten: 5}, result)

	info, err := os.Stat(filepath.Join(root, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	read, _, err := call(t, reg, "fs_read", `{"path":"out.txt"}`)
	require.NoError(t, err)
	assert.Equal(t, &fsReadResult{ContentB64: content, Encoding: "base64"}, read)
}

func TestFsWriteEmptyContentAllowed(t *testing.T) {
	reg, root := newTestRegistry(t)

	result, _, err := call(t, reg, "fs_write", `{"path":"empty.txt","content_b64":""}`)
	require.NoError(t, err)
	assert.Equal(t, &fsWriteResult{BytesWritten: 0}, result)

	_, err = os.Stat(filepath.Join(root, "empty.txt"))
	require.NoError(t, err)
}

func TestFsWriteReplacesAtomically(t *testing.T) {
	reg, root := newTestRegistry(t)
	target := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))

	content := base64.StdEncoding.EncodeToString([]byte("new"))
	_, _, err := call(t, reg, "fs_write", `{"path":"f.txt","content_b64":"`+content+`"}`)
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	// No stray temporaries left behind.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFsWriteInvalidParams(t *testing.T) {
	reg, _ := newTestRegistry(t)

	for name, args := range map[string]string{
		"missing path":    `{"content_b64":"aGk="}`,
		"missing content": `{"path":"x.txt"}`,
		"bad base64":      `{"path":"x.txt","content_b64":"!!!"}`,
		"bad mode":        `{"path":"x.txt","content_b64":"aGk=","mode":"rwx"}`,
		"mode too wide":   `{"path":"x.txt","content_b64":"aGk=","mode":"7777777"}`,
		"unknown field":   `{"path":"x.txt","content_b64":"aGk=","append":true}`,
		"wrong type":      `{"path":42,"content_b64":"aGk="}`,
	} {
		_, _, err := call(t, reg, "fs_write", args)
		require.Error(t, err, name)
		assert.Equal(t, core.KindInvalidParams, core.KindOf(err), name)
	}
}

func TestFsWriteEscapeRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)

	content := base64.StdEncoding.EncodeToString([]byte("x"))
	_, _, err := call(t, reg, "fs_write", `{"path":"../evil.txt","content_b64":"`+content+`"}`)
	require.Error(t, err)
	assert.Equal(t, core.KindPathOutsideRoot, core.KindOf(err))
}

func TestFsWriteMissingParent(t *testing.T) {
	reg, _ := newTestRegistry(t)

	content := base64.StdEncoding.EncodeToString([]byte("x"))
	_, _, err := call(t, reg, "fs_write", `{"path":"no/dir/f.txt","content_b64":"`+content+`"}`)
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestFsReadMissing(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, _, err := call(t, reg, "fs_read", `{"path":"absent.txt"}`)
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestFsReadEscapeRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, _, err := call(t, reg, "fs_read", `{"path":"../../etc/passwd"}`)
	require.Error(t, err)
	assert.Equal(t, core.KindPathOutsideRoot, core.KindOf(err))
}

func TestFsReadOversizeFails(t *testing.T) {
	reg, root := newTestRegistry(t)
	big := make([]byte, testMaxBytes+1)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), big, 0o644))

	_, _, err := call(t, reg, "fs_read", `{"path":"big.bin"}`)
	require.Error(t, err)
	assert.Equal(t, core.KindResponseTooLarge, core.KindOf(err))
}

func TestFsReadAtCapSucceeds(t *testing.T) {
	reg, root := newTestRegistry(t)
	exact := make([]byte, testMaxBytes)
	require.NoError(t, os.WriteFile(filepath.Join(root, "exact.bin"), exact, 0o644))

	_, _, err := call(t, reg, "fs_read", `{"path":"exact.bin"}`)
	require.NoError(t, err)
}

func TestExecEcho(t *testing.T) {
	reg, _ := newTestRegistry(t)

	result, rec, err := call(t, reg, "exec", `{"cmd":"echo","args":["hi"]}`)
	require.NoError(t, err)

	res, ok := result.(*ExecResult)
	require.True(t, ok)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Truncated)
	assert.False(t, res.TimedOut)

	stdout, err := base64.StdEncoding.DecodeString(res.StdoutB64)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(stdout))

	assert.Equal(t, "echo", filepath.Base(rec.Program))
	assert.Equal(t, 1, rec.ArgCount)
}

func TestExecDenied(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, _, err := call(t, reg, "exec", `{"cmd":"rm","args":["-rf","/"]}`)
	require.Error(t, err)
	assert.Equal(t, core.KindExecDenied, core.KindOf(err))
}

func TestExecInvalidParams(t *testing.T) {
	reg, _ := newTestRegistry(t)

	for name, args := range map[string]string{
		"missing cmd":      `{"args":[]}`,
		"missing args":     `{"cmd":"echo"}`,
		"negative timeout": `{"cmd":"echo","args":[],"timeout_s":-1}`,
		"unknown field":    `{"cmd":"echo","args":[],"shell":true}`,
	} {
		_, _, err := call(t, reg, "exec", args)
		require.Error(t, err, name)
		assert.Equal(t, core.KindInvalidParams, core.KindOf(err), name)
	}
}

func TestExecEmptyArgsAllowed(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, _, err := call(t, reg, "exec", `{"cmd":"echo","args":[]}`)
	require.NoError(t, err)
}

func TestExecTimeout(t *testing.T) {
	reg, _ := newTestRegistry(t)

	result, _, err := call(t, reg, "exec", `{"cmd":"sleep","args":["60"],"timeout_s":1}`)
	require.Error(t, err)
	assert.Equal(t, core.KindExecTimeout, core.KindOf(err))
	assert.Nil(t, result)
}

type chunkRecorder struct {
	stdout [][]byte
	stderr [][]byte
}

func (c *chunkRecorder) Stdout(chunk []byte) error {
	c.stdout = append(c.stdout, append([]byte(nil), chunk...))
	return nil
}

func (c *chunkRecorder) Stderr(chunk []byte) error {
	c.stderr = append(c.stderr, append([]byte(nil), chunk...))
	return nil
}

func TestExecCallStream(t *testing.T) {
	reg, _ := newTestRegistry(t)
	tool, err := reg.Get("exec")
	require.NoError(t, err)
	streamer, ok := tool.(StreamingTool)
	require.True(t, ok)

	events := &chunkRecorder{}
	rec := &core.AuditRecord{}
	summary, err := streamer.CallStream(context.Background(),
		json.RawMessage(`{"cmd":"sh","args":["-c","echo a; echo b; echo c"],"stream":true}`),
		events, rec)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ExitCode)
	assert.False(t, summary.TimedOut)

	var joined []byte
	for _, c := range events.stdout {
		joined = append(joined, c...)
	}
	assert.Equal(t, "a\nb\nc\n", string(joined))
}

func TestWantsStream(t *testing.T) {
	assert.True(t, WantsStream(json.RawMessage(`{"cmd":"echo","args":[],"stream":true}`)))
	assert.False(t, WantsStream(json.RawMessage(`{"cmd":"echo","args":[]}`)))
	assert.False(t, WantsStream(json.RawMessage(`not json`)))
}
