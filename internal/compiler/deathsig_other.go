//go:build !linux && !windows

package compiler

import "syscall"

func setDeathSignal(attr *syscall.SysProcAttr) {}
