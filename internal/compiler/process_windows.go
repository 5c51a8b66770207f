//go:build windows

package compiler

import "os/exec"

func prepareProcess(cmd *exec.Cmd) {}
