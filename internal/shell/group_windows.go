//go:build windows

package shell

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

func shellArgv(command string) (string, []string) {
	return "cmd", []string{"/C", command}
}

// configureGroup makes cancellation kill the whole tree with taskkill.
func configureGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.Cancel = func() error {
		return TerminateGroup(cmd.Process.Pid, grace)
	}
}

func setGroup(_ *exec.Cmd) {}

// TerminateGroup kills pid and its children. Windows has no SIGTERM
// equivalent for console trees, so grace is ignored.
func TerminateGroup(pid int, _ time.Duration) error {
	return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}

// SignalGroup kills the tree regardless of sig.
func SignalGroup(pid int, _ syscall.Signal) error {
	return TerminateGroup(pid, 0)
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
