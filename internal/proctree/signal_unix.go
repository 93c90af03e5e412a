//go:build !windows

package proctree

import (
	"errors"
	"syscall"
)

type osSignaler struct{}

func (osSignaler) Term(pid int) error { return syscall.Kill(pid, syscall.SIGTERM) }
func (osSignaler) Kill(pid int) error { return syscall.Kill(pid, syscall.SIGKILL) }

// Alive treats EPERM as alive: the process exists but belongs to someone else.
func (osSignaler) Alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (osSignaler) StartTime(pid int) int64 { return procStartUnix(pid) }

// Unix has no recursive kill for arbitrary trees; the Terminator walks it.
func nativeTreeKill() TreeKiller { return nil }

