//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// configureDetached starts the client in its own session so it survives the
// launcher and never receives our terminal's signals.
func configureDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
