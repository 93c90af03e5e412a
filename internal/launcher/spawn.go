package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrNoLaunchTarget is returned when neither an executable nor a storefront
// URI is configured.
var ErrNoLaunchTarget = errors.New("no executable path or storefront URI configured")

// Spawner starts a detached process and returns its pid. It must not wait
// for the process to exit.
type Spawner interface {
	Spawn(ctx context.Context, name string, args []string) (int, error)
}

// ExecSpawner starts real OS processes.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(ctx context.Context, name string, args []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path, err := resolve(name)
	if err != nil {
		return 0, err
	}
	// #nosec G204
	cmd := exec.Command(path, args...)
	if filepath.IsAbs(path) {
		cmd.Dir = filepath.Dir(path)
	}
	configureDetached(cmd)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", name, err)
	}
	pid := cmd.Process.Pid
	// reap; the client may outlive us, which is fine
	go func() {
		err := cmd.Wait()
		slog.Debug("spawned process exited", "name", filepath.Base(path), "pid", pid, "error", err)
	}()
	return pid, nil
}

func resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrNoLaunchTarget
	}
	if strings.ContainsAny(name, `/\`) {
		st, err := os.Stat(name)
		if err != nil {
			return "", fmt.Errorf("executable not found: %w", err)
		}
		if st.IsDir() {
			return "", fmt.Errorf("executable %s is a directory", name)
		}
		return name, nil
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("executable not found: %w", err)
	}
	return p, nil
}

// StorefrontURL fills the {args} placeholder of a storefront URI template
// with the escaped argument string, e.g.
// steam://run/1284210//{args}/ -> steam://run/1284210//--mumble%20gw2am_acc1/
// A template without the placeholder is returned unchanged.
func StorefrontURL(template string, args []string) string {
	if !strings.Contains(template, "{args}") {
		return template
	}
	return strings.ReplaceAll(template, "{args}", url.PathEscape(JoinArgs(args)))
}

// Opener returns the command that hands uri to the desktop's URL handler.
func Opener(goos, uri string) (string, []string) {
	switch goos {
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", uri}
	case "darwin":
		return "open", []string{uri}
	default:
		return "xdg-open", []string{uri}
	}
}

// start runs the client directly, or through the storefront when no
// executable is set. It returns the spawned pid and a short description.
func start(ctx context.Context, sp Spawner, exe, storefront string, args []string) (int, string, error) {
	if strings.TrimSpace(exe) != "" {
		pid, err := sp.Spawn(ctx, exe, args)
		return pid, "executable " + filepath.Base(exe), err
	}
	if strings.TrimSpace(storefront) == "" {
		return 0, "", ErrNoLaunchTarget
	}
	name, oargs := Opener(runtime.GOOS, StorefrontURL(storefront, args))
	pid, err := sp.Spawn(ctx, name, oargs)
	return pid, "storefront " + name, err
}
