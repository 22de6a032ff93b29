//go:build !windows

package main

import "syscall"

// getDaemonSysProcAttr detaches the daemon from the starting terminal.
func getDaemonSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}
