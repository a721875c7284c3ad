//go:build !windows

package shell

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func shellArgv(command string) (string, []string) {
	return "sh", []string{"-c", command}
}

// configureGroup puts cmd in its own process group. Cancellation sends
// SIGTERM to the group and escalates to SIGKILL after grace.
func configureGroup(cmd *exec.Cmd, grace time.Duration) {
	setGroup(cmd)
	cmd.Cancel = func() error {
		return TerminateGroup(cmd.Process.Pid, grace)
	}
}

func setGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// TerminateGroup signals the process group led by pid. With a positive
// grace the group gets SIGTERM first and SIGKILL later.
func TerminateGroup(pid int, grace time.Duration) error {
	if grace <= 0 {
		return unix.Kill(-pid, unix.SIGKILL)
	}
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		return unix.Kill(-pid, unix.SIGKILL)
	}
	go func() {
		time.Sleep(grace)
		// ESRCH once the group is gone.
		_ = unix.Kill(-pid, unix.SIGKILL)
	}()
	return nil
}

// SignalGroup sends sig to every process in the group led by pid.
func SignalGroup(pid int, sig syscall.Signal) error {
	return unix.Kill(-pid, sig)
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
