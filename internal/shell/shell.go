package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds commands whose context carries no deadline.
const DefaultTimeout = 300 * time.Second

// Result captures the outcome of one external command. A non-zero exit is
// reported here, not as an error.
type Result struct {
	Command  string
	Dir      string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Succeeded reports whether the command exited 0.
func (r Result) Succeeded() bool { return r.ExitCode == 0 }

// Failed reports whether the command exited non-zero, timed out, or never started.
func (r Result) Failed() bool { return r.ExitCode != 0 }

// Err converts a failed result into a *CommandError; nil when it succeeded.
func (r Result) Err() error {
	if r.Succeeded() {
		return nil
	}
	return &CommandError{Result: r}
}

// CommandError is the fail-loudly form of a failed Result.
type CommandError struct {
	Result Result
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Result.Stdout)
	}
	return fmt.Sprintf("%s: exit %d: %s", e.Result.Command, e.Result.ExitCode, msg)
}

// Runner executes external commands.
type Runner interface {
	// Exec runs name with args directly, without a shell.
	Exec(ctx context.Context, dir, name string, args ...string) Result
	// Shell runs a command line through the platform shell.
	Shell(ctx context.Context, dir, command string) Result
}

// ExecRunner runs commands with os/exec, each in its own process group so
// a timeout terminates the whole tree.
type ExecRunner struct {
	// Timeout applies when the caller's context has no deadline.
	Timeout time.Duration
	// KillGrace is the delay between SIGTERM and SIGKILL on timeout.
	KillGrace time.Duration
	// Env is appended to the parent environment.
	Env []string
}

// NewRunner returns an ExecRunner with the given default timeout.
func NewRunner(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ExecRunner{Timeout: timeout, KillGrace: 2 * time.Second}
}

func (r *ExecRunner) Exec(ctx context.Context, dir, name string, args ...string) Result {
	display := strings.TrimSpace(name + " " + strings.Join(args, " "))
	return r.run(ctx, dir, display, name, args...)
}

func (r *ExecRunner) Shell(ctx context.Context, dir, command string) Result {
	name, args := shellArgv(command)
	return r.run(ctx, dir, command, name, args...)
}

// Command builds a shell command in its own process group without a
// timeout. The caller owns its lifecycle; TerminateGroup stops it.
func Command(dir, command string) *exec.Cmd {
	name, args := shellArgv(command)
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	setGroup(cmd)
	return cmd
}

func (r *ExecRunner) run(ctx context.Context, dir, display, name string, args ...string) Result {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res := Result{Command: display, Dir: dir}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureGroup(cmd, r.KillGrace)
	cmd.WaitDelay = r.KillGrace + time.Second

	start := time.Now()
	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		res.TimedOut = true
		res.Stderr = strings.TrimSpace(res.Stderr + "\n" + fmt.Sprintf("timed out after %s", time.Since(start).Round(time.Second)))
		return res
	}
	if err == nil {
		return res
	}

	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		res.ExitCode = exitError.ExitCode()
		return res
	}

	// The command never started (missing binary, bad dir).
	res.ExitCode = -1
	if res.Stderr == "" {
		res.Stderr = err.Error()
	}
	return res
}
