//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

// createNoWindow keeps the daemon off the taskbar.
const createNoWindow = 0x08000000

func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | createNoWindow,
	}
}
