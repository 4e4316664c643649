package workspace

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// killGracePeriod is how long a timed-out command gets between the soft
// termination signal and the hard kill of its process group.
const killGracePeriod = 2 * time.Second

// ExecResult summarizes a command execution. Failures are reported through
// the fields rather than an error so callers never have to distinguish
// throw paths.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// ExecCommand runs a command through the system shell in its own process
// group. A non-positive timeout selects the configured default; any timeout
// is capped at the configured maximum. On timeout the group receives
// SIGTERM, then SIGKILL after a grace period. Cancelling ctx terminates the
// group the same way without marking the result timed out.
func (w *Workspace) ExecCommand(ctx context.Context, command string, timeout time.Duration, cwd string, extraEnv map[string]string) ExecResult {
	if timeout <= 0 {
		timeout = w.cfg.DefaultCommandTimeout
	}
	if max := w.cfg.MaxCommandTimeout; max > 0 && timeout > max {
		timeout = max
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = w.resolve(cwd)
	cmd.Env = w.commandEnv(extraEnv)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newLimitedBuffer(w.cfg.MaxOutputBytes)
	stderr := newLimitedBuffer(w.cfg.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return ExecResult{
			Stderr:     err.Error(),
			ExitCode:   -1,
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		waitErr = terminateGroup(cmd, done)
	case <-ctx.Done():
		waitErr = terminateGroup(cmd, done)
	}

	return ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   exitCode(waitErr),
		TimedOut:   timedOut,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// terminateGroup signals the command's process group with SIGTERM, waits
// for the grace period, then SIGKILLs anything still running. It returns
// the command's wait error, so the caller resolves exactly once.
func terminateGroup(cmd *exec.Cmd, done <-chan error) error {
	if cmd.Process == nil {
		return <-done
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case err := <-done:
		return err
	case <-time.After(killGracePeriod):
	}
	_ = syscall.Kill(pgid, syscall.SIGKILL)
	return <-done
}

// commandEnv builds the environment for a spawned command: the policy
// filtered parent environment, then configured extras, then call extras.
// Later duplicates win, so caller-supplied values always take effect.
func (w *Workspace) commandEnv(extra map[string]string) []string {
	var env []string
	switch w.cfg.EnvPolicy {
	case EnvInheritNone:
		env = []string{}
	case EnvInheritCore:
		allow := make(map[string]struct{}, len(w.cfg.CoreEnvAllowlist))
		for _, name := range w.cfg.CoreEnvAllowlist {
			allow[strings.ToUpper(name)] = struct{}{}
		}
		env = []string{}
		for _, kv := range os.Environ() {
			name, _, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			if _, ok := allow[strings.ToUpper(name)]; !ok {
				continue
			}
			if sensitiveEnvName(name) {
				continue
			}
			env = append(env, kv)
		}
	default:
		env = os.Environ()
	}
	env = appendEnv(env, w.cfg.ExtraEnv)
	env = appendEnv(env, extra)
	return env
}

func appendEnv(env []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return env
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func sensitiveEnvName(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer caps captured output; writes past the limit are silently
// dropped so runaway commands cannot exhaust memory.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
