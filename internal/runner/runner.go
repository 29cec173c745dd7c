// Package runner spawns allow-listed child processes with a restricted
// environment, a wall-clock timeout, capped output capture, and a guaranteed
// reap on every exit path.
package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/valetd/valet/internal/core"
)

// graceKill is how long a child gets between SIGTERM and SIGKILL.
const graceKill = time.Second

const chunkSize = 4096

// Result is the outcome of a completed invocation. Truncated and TimedOut
// are independent; both may be true.
type Result struct {
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Duration  time.Duration
	Truncated bool
	TimedOut  bool

	// RawBytes counts everything the child produced on both streams,
	// including bytes discarded past the cap. Audit-only.
	RawBytes int64
}

// Sink receives output chunks in arrival order during streaming invocations.
// Chunks beyond the per-stream cap are never forwarded. A Sink error stops
// forwarding but not draining. The chunk buffer is reused between calls and
// must not be retained.
type Sink interface {
	Stdout(chunk []byte) error
	Stderr(chunk []byte) error
}

// Runner executes programs below a fixed working directory with a clean
// environment. The clock is injectable for tests.
type Runner struct {
	workDir        string
	passEnv        mapset.Set[string]
	defaultTimeout time.Duration
	maxStreamBytes int64
	clock          clockwork.Clock
}

func New(workDir string, passEnv mapset.Set[string], timeoutSeconds int, maxStreamBytes int64) *Runner {
	return NewWithClock(workDir, passEnv, timeoutSeconds, maxStreamBytes, clockwork.NewRealClock())
}

func NewWithClock(workDir string, passEnv mapset.Set[string], timeoutSeconds int, maxStreamBytes int64, clock clockwork.Clock) *Runner {
	return &Runner{
		workDir:        workDir,
		passEnv:        passEnv,
		defaultTimeout: time.Duration(timeoutSeconds) * time.Second,
		maxStreamBytes: maxStreamBytes,
		clock:          clock,
	}
}

// EffectiveTimeout clamps a caller-requested timeout to the configured
// maximum. Zero or negative requests mean "use the configured timeout".
func (r *Runner) EffectiveTimeout(callerTimeout time.Duration) time.Duration {
	if callerTimeout <= 0 || callerTimeout > r.defaultTimeout {
		return r.defaultTimeout
	}
	return callerTimeout
}

// Run spawns program with args and blocks until the child is reaped.
// The child's stdin reads EOF, its environment holds only pass_env
// variables, and its working directory is the configured root.
//
// On timeout the child receives SIGTERM, then SIGKILL after a short grace,
// and the error is ExecTimeout. On context cancellation the child is killed
// the same way and ctx's error is propagated wrapped as Io. In every case
// the process is reaped before Run returns.
func (r *Runner) Run(ctx context.Context, program string, args []string, callerTimeout time.Duration, sink Sink) (*Result, error) {
	timeout := r.EffectiveTimeout(callerTimeout)

	cmd := exec.Command(program, args...)
	cmd.Dir = r.workDir
	cmd.Env = r.buildEnv()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, core.Wrap(core.KindIo, err, "failed to create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, core.Wrap(core.KindIo, err, "failed to create stderr pipe")
	}

	start := r.clock.Now()
	if err := cmd.Start(); err != nil {
		return nil, core.Wrap(core.KindIo, err, "failed to spawn %s", program)
	}

	outBuf := &cappedBuffer{limit: r.maxStreamBytes}
	errBuf := &cappedBuffer{limit: r.maxStreamBytes}

	var forwardOut, forwardErr func([]byte) error
	if sink != nil {
		forwardOut = sink.Stdout
		forwardErr = sink.Stderr
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go drain(&readers, stdout, outBuf, forwardOut)
	go drain(&readers, stderr, errBuf, forwardErr)

	var timedOut, canceled atomic.Bool
	waitDone := make(chan struct{})

	// Watchdog: one of timer expiry, context cancellation, or normal exit.
	// The TERM-grace-KILL ladder guarantees the child dies, which unblocks
	// the pipe readers and lets Wait reap it.
	go func() {
		select {
		case <-waitDone:
			return
		case <-ctx.Done():
			canceled.Store(true)
		case <-r.clock.After(timeout):
			timedOut.Store(true)
		}

		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			zap.L().Warn("failed to signal child", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
		}
		select {
		case <-waitDone:
		case <-r.clock.After(graceKill):
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				zap.L().Warn("failed to kill child", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
			}
		}
	}()

	// Wait must run after the pipe readers finish; it is the single reap.
	readers.Wait()
	waitErr := cmd.Wait()
	close(waitDone)

	result := &Result{
		Stdout:    outBuf.bytes(),
		Stderr:    errBuf.bytes(),
		Duration:  r.clock.Since(start),
		Truncated: outBuf.truncated || errBuf.truncated,
		TimedOut:  timedOut.Load(),
		RawBytes:  outBuf.total + errBuf.total,
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, core.Wrap(core.KindIo, waitErr, "failed to wait for %s", program)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	if result.TimedOut {
		return result, core.E(core.KindExecTimeout, "execution timed out after %s", timeout)
	}
	if canceled.Load() {
		return result, core.Wrap(core.KindIo, ctx.Err(), "execution aborted")
	}
	return result, nil
}

// buildEnv reconstructs the child environment from the empty set plus the
// pass_env allow-list. Inheriting the parent environment would leak
// credentials.
func (r *Runner) buildEnv() []string {
	env := make([]string, 0, r.passEnv.Cardinality())
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && r.passEnv.Contains(name) {
			env = append(env, kv)
		}
	}
	return env
}

// drain reads a pipe to EOF so the child never blocks on a full pipe, even
// after the capture cap is reached.
func drain(wg *sync.WaitGroup, pipe io.Reader, buf *cappedBuffer, forward func([]byte) error) {
	defer wg.Done()
	chunk := make([]byte, chunkSize)
	for {
		n, err := pipe.Read(chunk)
		if n > 0 {
			kept := buf.write(chunk[:n])
			if forward != nil && len(kept) > 0 {
				if sinkErr := forward(kept); sinkErr != nil {
					forward = nil
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// cappedBuffer captures up to limit bytes and silently discards the rest,
// recording that truncation happened. Single-goroutine use.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	total     int64
	truncated bool
}

// write appends p up to the remaining capacity and returns the kept slice.
func (b *cappedBuffer) write(p []byte) []byte {
	b.total += int64(len(p))
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		b.truncated = true
		return nil
	}
	if int64(len(p)) > remaining {
		b.truncated = true
		p = p[:remaining]
	}
	b.buf.Write(p)
	return p
}

func (b *cappedBuffer) bytes() []byte { return b.buf.Bytes() }
