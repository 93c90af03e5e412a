//go:build windows

package proctree

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"unsafe"
)

var (
	kernel32               = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess        = kernel32.NewProc("OpenProcess")
	procTerminateProcess   = kernel32.NewProc("TerminateProcess")
	procGetExitCodeProcess = kernel32.NewProc("GetExitCodeProcess")
	procGetProcessTimes    = kernel32.NewProc("GetProcessTimes")
	procCloseHandle        = kernel32.NewProc("CloseHandle")
)

const (
	processTerminate               = 0x0001
	processQueryLimitedInformation = 0x1000
	stillActive                    = 259
)

type osSignaler struct{}

// Term on Windows cannot be graceful for a GUI process we do not own, so it
// is the same as Kill.
func (s osSignaler) Term(pid int) error { return s.Kill(pid) }

func (osSignaler) Kill(pid int) error {
	h, err := openProcess(processTerminate, uint32(pid))
	if err != nil {
		return err
	}
	defer closeHandle(h)
	if ret, _, err := procTerminateProcess.Call(uintptr(h), 1); ret == 0 {
		return err
	}
	return nil
}

func (osSignaler) Alive(pid int) bool {
	h, err := openProcess(processQueryLimitedInformation, uint32(pid))
	if err != nil {
		return false
	}
	defer closeHandle(h)
	var code uint32
	if ret, _, _ := procGetExitCodeProcess.Call(uintptr(h), uintptr(unsafe.Pointer(&code))); ret == 0 {
		return false
	}
	return code == stillActive
}

// StartTime returns the creation time as Unix seconds, 0 on error.
func (osSignaler) StartTime(pid int) int64 {
	h, err := openProcess(processQueryLimitedInformation, uint32(pid))
	if err != nil {
		return 0
	}
	defer closeHandle(h)
	var creation, exit, kernel, user syscall.Filetime
	ret, _, _ := procGetProcessTimes.Call(uintptr(h),
		uintptr(unsafe.Pointer(&creation)), uintptr(unsafe.Pointer(&exit)),
		uintptr(unsafe.Pointer(&kernel)), uintptr(unsafe.Pointer(&user)))
	if ret == 0 {
		return 0
	}
	return creation.Nanoseconds() / 1e9
}

func openProcess(access uint32, pid uint32) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), 0, uintptr(pid))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(h syscall.Handle) { _, _, _ = procCloseHandle.Call(uintptr(h)) }

// nativeTreeKill delegates to taskkill, which walks the tree itself.
func nativeTreeKill() TreeKiller {
	return func(ctx context.Context, root int) (bool, error) {
		// #nosec G204
		cmd := exec.CommandContext(ctx, "taskkill", "/PID", strconv.Itoa(root), "/T", "/F")
		cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
		err := cmd.Run()
		if err == nil {
			return true, nil
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			// 128: no such process
			if ee.ExitCode() == 128 {
				return false, nil
			}
			return false, fmt.Errorf("taskkill exit %d: %w", ee.ExitCode(), err)
		}
		return false, err
	}
}
