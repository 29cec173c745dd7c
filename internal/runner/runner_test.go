package runner

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valetd/valet/internal/core"
)

const testCap = 1024

func newTestRunner(t *testing.T, passEnv ...string) (*Runner, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("runner tests rely on unix binaries and signals")
	}
	env := mapset.NewSet[string]()
	for _, name := range passEnv {
		env.Add(name)
	}
	workDir := t.TempDir()
	return New(workDir, env, 30, testCap), workDir
}

func TestRunEcho(t *testing.T) {
	r, _ := newTestRunner(t)

	res, err := r.Run(context.Background(), "/bin/echo", []string{"hi"}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hi\n", string(res.Stdout))
	assert.Empty(t, res.Stderr)
	assert.False(t, res.Truncated)
	assert.False(t, res.TimedOut)
	assert.Equal(t, int64(3), res.RawBytes)
}

func TestRunExitCode(t *testing.T) {
	r, _ := newTestRunner(t)

	res, err := r.Run(context.Background(), "/bin/sh", []string{"-c", "exit 3"}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunStderrCaptured(t *testing.T) {
	r, _ := newTestRunner(t)

	res, err := r.Run(context.Background(), "/bin/sh", []string{"-c", "echo oops 1>&2"}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(res.Stderr))
	assert.Empty(t, res.Stdout)
}

func TestRunWorkingDirectory(t *testing.T) {
	r, workDir := newTestRunner(t)

	res, err := r.Run(context.Background(), "/bin/sh", []string{"-c", "pwd"}, 0, nil)
	require.NoError(t, err)
	// pwd may print the symlink-free form of the temp dir.
	resolved, err := filepath.EvalSymlinks(workDir)
	require.NoError(t, err)
	assert.Equal(t, resolved+"\n", string(res.Stdout))
}

func TestRunEnvironmentRestricted(t *testing.T) {
	t.Setenv("VALET_TEST_PASS", "visible")
	t.Setenv("VALET_TEST_SECRET", "hidden")
	r, _ := newTestRunner(t, "VALET_TEST_PASS")

	res, err := r.Run(context.Background(), "/bin/sh",
		[]string{"-c", `echo "${VALET_TEST_PASS:-}/${VALET_TEST_SECRET:-}"`}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "visible/\n", string(res.Stdout))
}

// A child that writes past the cap still runs to completion: the reader
// keeps draining, captured output equals the cap, and truncated is set.
func TestRunTruncatesOutput(t *testing.T) {
	r, _ := newTestRunner(t)

	res, err := r.Run(context.Background(), "/bin/sh",
		[]string{"-c", "i=0; while [ $i -lt 200 ]; do echo 0123456789012345678901234567890123456789; i=$((i+1)); done"},
		0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Stdout, testCap)
	assert.Equal(t, int64(200*41), res.RawBytes)
}

func TestRunTimeout(t *testing.T) {
	r, _ := newTestRunner(t)

	start := time.Now()
	res, err := r.Run(context.Background(), "/bin/sleep", []string{"60"}, time.Second, nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, core.KindExecTimeout, core.KindOf(err))
	require.NotNil(t, res)
	assert.True(t, res.TimedOut)
	assert.GreaterOrEqual(t, res.Duration, time.Second)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestRunContextCancelKillsChild(t *testing.T) {
	r, _ := newTestRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := r.Run(ctx, "/bin/sleep", []string{"60"}, 0, nil)
	require.Error(t, err)
	assert.Equal(t, core.KindIo, core.KindOf(err))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunSpawnFailure(t *testing.T) {
	r, _ := newTestRunner(t)

	_, err := r.Run(context.Background(), "/nonexistent/program", nil, 0, nil)
	require.Error(t, err)
	assert.Equal(t, core.KindIo, core.KindOf(err))
}

func TestEffectiveTimeout(t *testing.T) {
	r, _ := newTestRunner(t)

	assert.Equal(t, 30*time.Second, r.EffectiveTimeout(0))
	assert.Equal(t, 30*time.Second, r.EffectiveTimeout(-time.Second))
	assert.Equal(t, 5*time.Second, r.EffectiveTimeout(5*time.Second))
	assert.Equal(t, 30*time.Second, r.EffectiveTimeout(90*time.Second))
}

type collectSink struct {
	mu     sync.Mutex
	stdout []byte
	stderr []byte
}

func (c *collectSink) Stdout(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stdout = append(c.stdout, chunk...)
	return nil
}

func (c *collectSink) Stderr(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stderr = append(c.stderr, chunk...)
	return nil
}

// Forwarded chunks preserve each stream's byte order and match the
// captured buffers exactly.
func TestRunSinkForwarding(t *testing.T) {
	r, _ := newTestRunner(t)
	sink := &collectSink{}

	res, err := r.Run(context.Background(), "/bin/sh",
		[]string{"-c", "echo one; echo two 1>&2; echo three"}, 0, sink)
	require.NoError(t, err)
	assert.Equal(t, res.Stdout, sink.stdout)
	assert.Equal(t, res.Stderr, sink.stderr)
	assert.Equal(t, "one\nthree\n", string(sink.stdout))
	assert.Equal(t, "two\n", string(sink.stderr))
}
