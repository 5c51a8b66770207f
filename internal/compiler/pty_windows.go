//go:build windows

package compiler

import (
	"errors"
	"io"
	"os/exec"
)

var errPTYUnavailable = errors.New("pseudo terminal unavailable")

func runWithPTY(cmd *exec.Cmd, out io.Writer) error {
	return errPTYUnavailable
}
