package automation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/loykin/gw2am/internal/env"
	"github.com/loykin/gw2am/internal/logger"
	"github.com/loykin/gw2am/internal/metrics"
)

// Script dispatches by running an external program. The account is passed
// through GW2AM_* environment variables; the password only ever travels on
// stdin so it never shows up in a process listing.
type Script struct {
	Command string
	Args    []string
	// Env layers extra variables (dotenv files, fixed vars) under the
	// per-request GW2AM_* ones.
	Env env.Spec
	// Log receives the helper's stdout/stderr as automation-<account> files.
	Log logger.Config
}

func (s Script) Dispatch(ctx context.Context, req Request) (Handle, error) {
	if strings.TrimSpace(s.Command) == "" {
		metrics.IncAutomationDispatch("unconfigured")
		return nil, ErrNotConfigured
	}
	// The helper outlives the request, so ctx only guards the spawn itself.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// #nosec G204
	cmd := exec.Command(s.Command, s.Args...)
	vars, err := s.Env.Build(requestEnv(req)...)
	if err != nil {
		metrics.IncAutomationDispatch("error")
		return nil, err
	}
	cmd.Env = vars
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	outW, errW, err := s.Log.ProcessWriters("automation-" + req.AccountID)
	if err != nil {
		slog.Warn("automation log files unavailable", "account", req.AccountID, "error", err)
	}

	if err := cmd.Start(); err != nil {
		metrics.IncAutomationDispatch("error")
		closeAll(outW, errW)
		return nil, fmt.Errorf("start automation: %w", err)
	}
	metrics.IncAutomationDispatch("ok")

	h := &scriptHandle{cmd: cmd, done: make(chan struct{})}
	var pumps sync.WaitGroup
	pumps.Add(2)
	go pump(&pumps, stdout, outW, req.AccountID, "stdout")
	go pump(&pumps, stderr, errW, req.AccountID, "stderr")
	go func() {
		_, _ = io.WriteString(stdin, req.Password+"\n")
		_ = stdin.Close()
	}()
	go func() {
		pumps.Wait()
		err := cmd.Wait()
		closeAll(outW, errW)
		slog.Debug("automation exited", "account", req.AccountID, "pid", h.PID(), "error", err)
		close(h.done)
	}()
	slog.Info("automation dispatched", "account", req.AccountID, "pid", h.PID(), "target_pid", req.PID)
	return h, nil
}

func requestEnv(req Request) []string {
	out := []string{
		"GW2AM_ACCOUNT_ID=" + req.AccountID,
		"GW2AM_PID=" + strconv.Itoa(req.PID),
		"GW2AM_EMAIL=" + req.Email,
	}
	keys := make([]string, 0, len(req.Options))
	for k := range req.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, "GW2AM_OPT_"+envKey(k)+"="+req.Options[k])
	}
	return out
}

func envKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, k)
}

// pump copies a helper stream line by line into the application log and,
// if configured, a rotated file.
func pump(wg *sync.WaitGroup, r io.Reader, file io.Writer, account, stream string) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		slog.Info("automation output", "account", account, "stream", stream, "line", line)
		if file != nil {
			_, _ = io.WriteString(file, line+"\n")
		}
	}
	// drain whatever the scanner refused (overlong lines) so the child never blocks
	_, _ = io.Copy(io.Discard, r)
}

func closeAll(cs ...io.WriteCloser) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}

type scriptHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (h *scriptHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *scriptHandle) Done() <-chan struct{} { return h.done }

func (h *scriptHandle) Kill() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	return killTree(h.cmd)
}
