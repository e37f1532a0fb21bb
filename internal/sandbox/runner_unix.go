//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// isolate puts the child in its own process group and makes cancellation
// SIGKILL the whole group.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}

// limitSignal reports whether the child died from a signal the kernel
// sends when an rlimit is hit.
func limitSignal(err *exec.ExitError) (string, bool) {
	ws, ok := err.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return "", false
	}
	switch ws.Signal() {
	case unix.SIGXCPU:
		return "SIGXCPU (cpu time limit)", true
	case unix.SIGKILL:
		return "SIGKILL", true
	case unix.SIGSEGV:
		return "SIGSEGV (memory limit)", true
	case unix.SIGXFSZ:
		return "SIGXFSZ (file size limit)", true
	}
	return "", false
}
