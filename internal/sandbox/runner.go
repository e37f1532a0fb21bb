package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/toolgate/internal/model"
)

// Runner defaults.
const (
	DefaultCPUSeconds     = 5
	DefaultMemoryBytes    = 256 << 20
	DefaultTimeout        = 10 * time.Second
	DefaultMaxOutputBytes = 1 << 20
)

// DefaultInterpreter runs agent-authored code.
var DefaultInterpreter = []string{"python3"}

// RunnerConfig holds OS limits for one run.
type RunnerConfig struct {
	// Interpreter is the command the code file is passed to as last argument.
	Interpreter    []string
	CPUSeconds     int
	MemoryBytes    int64
	Timeout        time.Duration
	MaxOutputBytes int
	// WorkDir is where per-run scratch directories are created.
	WorkDir string
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if len(c.Interpreter) == 0 {
		c.Interpreter = DefaultInterpreter
	}
	if c.CPUSeconds <= 0 {
		c.CPUSeconds = DefaultCPUSeconds
	}
	if c.MemoryBytes <= 0 {
		c.MemoryBytes = DefaultMemoryBytes
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return c
}

// Result is the outcome of one run. Error is nil only for a zero exit.
type Result struct {
	ExitCode      int                          `json:"exit_code"`
	Stdout        string                       `json:"stdout"`
	Stderr        string                       `json:"stderr"`
	WallClockTime time.Duration                `json:"wall_clock_time"`
	Error         *model.SandboxExecutionError `json:"error,omitempty"`
}

// OK reports whether the run exited cleanly.
func (r Result) OK() bool { return r.Error == nil }

// Runner executes code in a fresh child process with CPU-time and
// address-space limits and a wall-clock timeout. On timeout the whole
// process group is killed and reaped.
type Runner struct {
	cfg    RunnerConfig
	logger *zap.Logger
}

// NewRunner creates a runner. A nil logger discards output.
func NewRunner(cfg RunnerConfig, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg.withDefaults(), logger: logger}
}

// Config returns the effective limits.
func (r *Runner) Config() RunnerConfig { return r.cfg }

// limitWrapper applies rlimits in the child shell and then replaces it
// with the interpreter, so the limits bind the untrusted process itself.
const limitWrapper = `ulimit -t %d && ulimit -v %d && exec "$@"`

// Run executes code. It never returns an error: every failure is
// described by Result.Error.
func (r *Runner) Run(ctx context.Context, code string) Result {
	start := time.Now()
	fail := func(kind, msg string) Result {
		return Result{ExitCode: -1, WallClockTime: time.Since(start),
			Error: &model.SandboxExecutionError{Kind: kind, Message: msg}}
	}

	if _, err := exec.LookPath(r.cfg.Interpreter[0]); err != nil {
		return fail(model.SandboxStartFailed, fmt.Sprintf("interpreter %q not found", r.cfg.Interpreter[0]))
	}

	dir, err := os.MkdirTemp(r.cfg.WorkDir, "toolgate-sandbox-")
	if err != nil {
		return fail(model.SandboxStartFailed, fmt.Sprintf("create scratch dir: %v", err))
	}
	defer os.RemoveAll(dir)

	script := filepath.Join(dir, "snippet")
	if err := os.WriteFile(script, []byte(code), 0600); err != nil {
		return fail(model.SandboxStartFailed, fmt.Sprintf("write code: %v", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	args := []string{"-c", fmt.Sprintf(limitWrapper, r.cfg.CPUSeconds, r.cfg.MemoryBytes/1024), "toolgate-sandbox"}
	args = append(args, r.cfg.Interpreter...)
	args = append(args, script)

	cmd := exec.CommandContext(runCtx, "/bin/sh", args...)
	cmd.Dir = dir
	cmd.Env = []string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=" + dir, "LANG=C.UTF-8"}
	stdout := &cappedBuffer{max: r.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{max: r.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	isolate(cmd)
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	res := Result{
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		WallClockTime: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	} else {
		res.ExitCode = -1
	}

	res.Error = r.classify(runCtx, runErr, res)
	if res.Error != nil {
		r.logger.Info("sandbox run failed",
			zap.String("kind", res.Error.Kind),
			zap.Int("exit_code", res.ExitCode),
			zap.Duration("wall_clock", res.WallClockTime))
	}
	return res
}

func (r *Runner) classify(ctx context.Context, runErr error, res Result) *model.SandboxExecutionError {
	if runErr == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		msg := fmt.Sprintf("exceeded wall-clock timeout of %s", r.cfg.Timeout)
		if errors.Is(ctxErr, context.Canceled) {
			msg = "run cancelled"
		}
		return &model.SandboxExecutionError{Kind: model.SandboxTimeout, Message: msg}
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return &model.SandboxExecutionError{Kind: model.SandboxStartFailed, Message: runErr.Error()}
	}
	if sig, ok := limitSignal(exitErr); ok {
		return &model.SandboxExecutionError{Kind: model.SandboxResourceLimit, Message: "terminated by " + sig}
	}
	if looksLikeOOM(res.Stderr) {
		return &model.SandboxExecutionError{Kind: model.SandboxResourceLimit, Message: "memory limit exceeded: " + lastLine(res.Stderr)}
	}
	msg := "non-zero exit"
	if line := lastLine(res.Stderr); line != "" {
		msg = fmt.Sprintf("exit status %d: %s", res.ExitCode, line)
	}
	return &model.SandboxExecutionError{Kind: model.SandboxNonZeroExit, Message: msg}
}

func looksLikeOOM(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "memoryerror") || strings.Contains(s, "cannot allocate memory") ||
		strings.Contains(s, "out of memory")
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// cappedBuffer keeps the first max bytes and drops the rest while still
// reporting full writes, so a chatty child never blocks on its pipe.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
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
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
