//go:build !windows

package compiler

import (
	"errors"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
)

var errPTYUnavailable = errors.New("pseudo terminal unavailable")

// runWithPTY runs cmd attached to a new pseudo terminal and copies its output to out
func runWithPTY(cmd *exec.Cmd, out io.Writer) error {
	// pty.Start sets Setsid and Setctty; a process group of its own would conflict
	cmd.SysProcAttr = &syscall.SysProcAttr{}
	setDeathSignal(cmd.SysProcAttr)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 120, Rows: 40})
	if err != nil {
		if cmd.Process == nil {
			return errors.Join(errPTYUnavailable, err)
		}
		return err
	}
	defer ptmx.Close()

	copied := make(chan struct{})
	go func() {
		// Reading the master fails with EIO once the child side closes
		_, _ = io.Copy(out, ptmx)
		close(copied)
	}()

	err = cmd.Wait()
	// Grandchildren may keep the terminal open; stop copying after a grace period
	select {
	case <-copied:
	case <-time.After(time.Second):
		_ = ptmx.Close()
		<-copied
	}
	return err
}
