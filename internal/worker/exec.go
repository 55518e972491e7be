package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// defaultMaxOutput caps captured stdout and stderr per stream.
const defaultMaxOutput = 64000

// ProgressPrefix marks a stdout line as a progress message rather than output.
const ProgressPrefix = "PROGRESS:"

// RunSpec describes one process launch.
type RunSpec struct {
	Argv    []string
	Dir     string
	Env     map[string]string
	Stdin   string
	Timeout time.Duration
	// OnProgress receives lines written with ProgressPrefix, stripped.
	OnProgress func(string)
}

// ExecResult is the outcome of a finished process.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"-"`
	TimedOut bool          `json:"timedOut,omitempty"`
}

// Runner launches sandboxed processes with bounded output.
type Runner struct {
	maxOutput int
}

// NewRunner creates a runner. maxOutput <= 0 uses the default cap.
func NewRunner(maxOutput int) *Runner {
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	return &Runner{maxOutput: maxOutput}
}

// Run executes spec and waits for it. A non-zero exit is reported in the
// result, not as an error; errors mean the process could not run at all or
// ctx was cancelled.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (ExecResult, error) {
	if len(spec.Argv) == 0 || strings.TrimSpace(spec.Argv[0]) == "" {
		return ExecResult{}, fmt.Errorf("command is required")
	}
	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec.Env)
	cmd.WaitDelay = 2 * time.Second

	stdout := &lineWriter{buf: newLimitedBuffer(r.maxOutput), onProgress: spec.OnProgress}
	stderr := newLimitedBuffer(r.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	start := time.Now()
	err := cmd.Run()
	stdout.flush()
	result := ExecResult{
		Stdout:   stdout.buf.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		ExitCode: exitCode(err),
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if runCtx.Err() != nil {
		result.TimedOut = true
		return result, nil
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return result, fmt.Errorf("run %s: %w", spec.Argv[0], err)
	}
	return result, nil
}

// buildEnv passes through a fixed set of the worker's variables plus extra.
func buildEnv(extra map[string]string) []string {
	env := []string{}
	for _, key := range []string{"PATH", "HOME", "LANG", "TMPDIR"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer keeps the first max bytes written and drops the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

// lineWriter splits progress lines out of stdout.
type lineWriter struct {
	buf        *limitedBuffer
	onProgress func(string)
	partial    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.onProgress == nil {
		return w.buf.Write(p)
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(w.partial[:i+1])
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r\n")
	if msg, ok := strings.CutPrefix(text, ProgressPrefix); ok {
		w.onProgress(strings.TrimSpace(msg))
		return
	}
	_, _ = w.buf.Write(line)
}

func (w *lineWriter) flush() {
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
}

var _ io.Writer = (*lineWriter)(nil)
