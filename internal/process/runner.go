// Package process runs external programs with a wall-clock timeout and bounded output capture.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/comigor/floatchat-go/internal/logger"
)

// ErrTimeout is returned together with the partial Result when the process was killed for
// exceeding its timeout.
var ErrTimeout = errors.New("process: timed out")

const (
	defaultMaxOutput = 4 << 20
	defaultWaitDelay = 2 * time.Second
)

// Command describes one invocation. The child sees only Env plus the parent variables named
// in InheritEnv.
type Command struct {
	Executable     string
	Args           []string
	Dir            string
	Env            map[string]string
	InheritEnv     []string
	Timeout        time.Duration
	MaxOutputBytes int64
}

// Result is what the process produced. ExitCode is -1 when the process was killed.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// SpawnError means the process never started: missing executable, permissions, bad
// working directory.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Runner is anything able to run a Command.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Exec runs commands directly on the host with os/exec.
type Exec struct {
	// WaitDelay bounds how long Run waits for output pipes after the process is killed.
	WaitDelay time.Duration
}

func NewExec() *Exec {
	return &Exec{WaitDelay: defaultWaitDelay}
}

// Run starts the command and waits for it. A non-zero exit is reported in Result.ExitCode
// with a nil error; spawn failures return a *SpawnError and no Result; a timeout returns the
// captured output with ErrTimeout.
func (e *Exec) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Executable == "" {
		return nil, &SpawnError{Executable: c.Executable, Err: errors.New("executable is required")}
	}

	execCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, c.Executable, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = buildEnvironment(c.Env, c.InheritEnv)
	cmd.WaitDelay = e.WaitDelay

	maxOutput := c.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderr := &limitedWriter{w: &stderrBuf, max: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.L.Debug("starting process", "executable", c.Executable, "args", c.Args, "dir", c.Dir, "timeout", c.Timeout)
	started := time.Now()
	if err := cmd.Start(); err != nil {
		logger.L.Error("process spawn failed", "executable", c.Executable, "error", err)
		return nil, &SpawnError{Executable: c.Executable, Err: err}
	}
	err := cmd.Wait()

	res := &Result{
		ExitCode:  -1,
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(started),
	}
	if res.Truncated {
		logger.L.Warn("process output truncated", "executable", c.Executable,
			"discarded_bytes", stdout.discarded+stderr.discarded)
	}

	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		logger.L.Warn("process killed after timeout", "executable", c.Executable, "timeout", c.Timeout)
		return res, fmt.Errorf("%w after %s", ErrTimeout, c.Timeout)
	case ctx.Err() != nil:
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		return res, fmt.Errorf("wait %s: %w", c.Executable, err)
	}

	logger.L.Debug("process finished", "executable", c.Executable, "exit_code", res.ExitCode,
		"duration", res.Duration, "stdout_bytes", len(res.Stdout))
	return res, nil
}

func buildEnvironment(vars map[string]string, inherit []string) []string {
	env := make([]string, 0, len(vars)+len(inherit))
	for _, key := range inherit {
		if _, overridden := vars[key]; overridden {
			continue
		}
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// limitedWriter keeps the first max bytes and silently drops the rest.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}
	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
