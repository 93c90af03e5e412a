// Package launcher starts and stops game clients for accounts and drives the
// launch state machine from what it observes in process snapshots.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/loykin/gw2am/internal/automation"
	"github.com/loykin/gw2am/internal/identity"
	"github.com/loykin/gw2am/internal/launchstate"
	"github.com/loykin/gw2am/internal/matcher"
	"github.com/loykin/gw2am/internal/metrics"
	"github.com/loykin/gw2am/internal/secret"
	"github.com/loykin/gw2am/internal/snapshot"
	"github.com/loykin/gw2am/internal/store"
)

// errAmbiguousTag marks an account whose identity tag cannot tell its client
// apart from another account's.
var errAmbiguousTag = errors.New("ambiguous identity tag")

const (
	DefaultPollInterval  = time.Second
	DefaultDetectTimeout = 25 * time.Second
)

// Accounts is the read side of the account store the launcher needs.
type Accounts interface {
	Accounts(ctx context.Context) ([]store.Account, error)
	Account(ctx context.Context, id string) (store.Account, error)
	Settings(ctx context.Context) (store.Settings, error)
}

// Terminator kills a process and its descendants.
type Terminator interface {
	TerminateTree(ctx context.Context, root int) bool
}

// Config wires a Launcher. Zero durations and a zero Target take defaults;
// Accounts, Snapshots, States and Terminator are required.
type Config struct {
	Accounts   Accounts
	Snapshots  snapshot.Provider
	Target     matcher.Target
	States     *launchstate.Store
	Terminator Terminator
	Automation automation.Dispatcher
	PIDs       *automation.PIDSet
	Decrypter  secret.Decrypter
	SecretKey  string
	Spawner    Spawner

	IdentityFlag  string
	PollInterval  time.Duration
	DetectTimeout time.Duration
	// SingleInstance refuses a launch whenever any client is running,
	// regardless of settings. See PlatformSingleInstance.
	SingleInstance bool
}

// PlatformSingleInstance reports whether the OS runs only one client at a
// time (macOS app bundles).
func PlatformSingleInstance() bool { return runtime.GOOS == "darwin" }

// Launcher is the only writer of the launch state store.
type Launcher struct {
	cfg Config
}

func New(cfg Config) *Launcher {
	if cfg.Automation == nil {
		cfg.Automation = automation.Nop{}
	}
	if cfg.PIDs == nil {
		cfg.PIDs = automation.NewPIDSet()
	}
	if cfg.Decrypter == nil {
		cfg.Decrypter = secret.Box{}
	}
	if cfg.Spawner == nil {
		cfg.Spawner = ExecSpawner{}
	}
	if len(cfg.Target.ImageNames) == 0 {
		cfg.Target = matcher.DefaultTarget()
	}
	if cfg.IdentityFlag == "" {
		cfg.IdentityFlag = DefaultIdentityFlag
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = DefaultDetectTimeout
	}
	return &Launcher{cfg: cfg}
}

// States exposes the state store for readers.
func (l *Launcher) States() *launchstate.Store { return l.cfg.States }

// PIDs exposes the automation handle set.
func (l *Launcher) PIDs() *automation.PIDSet { return l.cfg.PIDs }

// run is one launch or stop attempt bound to a state generation.
type run struct {
	l   *Launcher
	id  string
	gen uint64
}

func (l *Launcher) begin(id string) run {
	return run{l: l, id: id, gen: l.cfg.States.Begin(id)}
}

// set commits a transition; false means a newer launch or stop took over.
func (r run) set(phase launchstate.Phase, cert launchstate.Certainty, note string) bool {
	_, ok := r.l.cfg.States.SetIf(r.id, r.gen, phase, cert, note)
	if !ok {
		slog.Debug("transition superseded", "account", r.id, "phase", phase)
	}
	return ok
}

// Launch starts the client for account id and waits until a process carrying
// its tag shows up. It reports whether the client is running.
func (l *Launcher) Launch(ctx context.Context, id string) bool {
	r := l.begin(id)
	acct, settings, err := l.load(ctx, id)
	if err != nil {
		slog.Error("launch aborted", "account", id, "error", err)
		r.set(launchstate.PhaseErrored, launchstate.Verified, err.Error())
		metrics.IncLaunch("error")
		return false
	}
	if err := l.checkTag(ctx, id); err != nil {
		slog.Error("launch refused", "account", id, "error", err)
		r.set(launchstate.PhaseErrored, launchstate.Verified, err.Error())
		if errors.Is(err, errAmbiguousTag) {
			metrics.IncLaunch("conflict")
		} else {
			metrics.IncLaunch("error")
		}
		return false
	}

	snap := l.cfg.Snapshots.Snapshot(ctx)
	if b, ok := l.cfg.Target.Find(id, snap); ok {
		slog.Info("client already running", "account", id, "pid", b.PID)
		r.set(launchstate.PhaseRunning, launchstate.Verified, fmt.Sprintf("already running (pid %d)", b.PID))
		metrics.IncLaunch("already_running")
		return true
	}
	if l.cfg.SingleInstance || !settings.AllowMultiple() {
		if pids := l.cfg.Target.AnyTargetProcesses(snap); len(pids) > 0 {
			slog.Warn("launch refused, another client is running", "account", id, "pids", pids)
			r.set(launchstate.PhaseErrored, launchstate.Verified, "another game client is already running")
			metrics.IncLaunch("refused")
			return false
		}
	}

	if !r.set(launchstate.PhaseLaunchRequested, launchstate.Verified, "") {
		metrics.IncLaunch("superseded")
		return false
	}
	args := BuildArgs(id, acct.LaunchArgs, l.cfg.IdentityFlag)
	pid, via, err := start(ctx, l.cfg.Spawner, settings.ExecutablePath, settings.StorefrontURI, args)
	if err != nil {
		slog.Error("spawn failed", "account", id, "error", err)
		r.set(launchstate.PhaseErrored, launchstate.Verified, "spawn failed: "+err.Error())
		metrics.IncLaunch("spawn_error")
		return false
	}
	slog.Info("client started", "account", id, "via", via, "pid", pid)
	if !r.set(launchstate.PhaseLauncherStarted, launchstate.Inferred, via) {
		metrics.IncLaunch("superseded")
		return false
	}

	if !r.set(launchstate.PhaseCredentialsWaiting, launchstate.Inferred, "") {
		metrics.IncLaunch("superseded")
		return false
	}
	note := l.dispatch(ctx, acct, settings, pid)
	if !r.set(launchstate.PhaseCredentialsSubmitted, launchstate.Inferred, note) {
		metrics.IncLaunch("superseded")
		return false
	}

	return l.await(ctx, r)
}

func (l *Launcher) load(ctx context.Context, id string) (store.Account, store.Settings, error) {
	acct, err := l.cfg.Accounts.Account(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return acct, store.Settings{}, fmt.Errorf("account %s not found", id)
		}
		return acct, store.Settings{}, fmt.Errorf("load account: %w", err)
	}
	settings, err := l.cfg.Accounts.Settings(ctx)
	if err != nil {
		return acct, settings, fmt.Errorf("load settings: %w", err)
	}
	return acct, settings, nil
}

// checkTag fails when id's tag is empty or equal to another stored account's.
// Such a tag would let detection and Stop act on the wrong client.
func (l *Launcher) checkTag(ctx context.Context, id string) error {
	if !identity.Usable(id) {
		return fmt.Errorf("%w: account id %q has no letters or digits", errAmbiguousTag, id)
	}
	accts, err := l.cfg.Accounts.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	if other, ok := identity.Collision(id, store.IDs(accts)); ok {
		return fmt.Errorf("%w: %s is shared with account %s", errAmbiguousTag, identity.Tag(id), other)
	}
	return nil
}

// dispatch hands credentials to the automation helper without waiting for
// it. Failures end up in the returned note; detection still runs.
func (l *Launcher) dispatch(ctx context.Context, acct store.Account, settings store.Settings, pid int) string {
	var problems []string
	password := ""
	if acct.Password != "" {
		p, err := l.cfg.Decrypter.Decrypt(acct.Password, l.cfg.SecretKey)
		if err != nil {
			slog.Warn("password decrypt failed", "account", acct.ID, "error", err)
			problems = append(problems, "decrypt: "+err.Error())
		} else {
			password = p
		}
	}
	h, err := l.cfg.Automation.Dispatch(ctx, automation.Request{
		AccountID: acct.ID,
		PID:       pid,
		Email:     acct.Email,
		Password:  password,
		Options:   settings.AutomationOptions,
	})
	switch {
	case errors.Is(err, automation.ErrNotConfigured):
		slog.Debug("no automation configured", "account", acct.ID)
	case err != nil:
		slog.Warn("automation dispatch failed", "account", acct.ID, "error", err)
		problems = append(problems, "automation: "+err.Error())
	default:
		l.cfg.PIDs.Add(acct.ID, h)
	}
	return strings.Join(problems, "; ")
}

// await polls for the account's process until it is bound, the detection
// window closes, ctx ends or a newer generation takes over.
func (l *Launcher) await(ctx context.Context, r run) bool {
	started := time.Now()
	deadline := time.NewTimer(l.cfg.DetectTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(l.cfg.PollInterval)
	defer tick.Stop()

	for {
		if !l.cfg.States.Current(r.id, r.gen) {
			metrics.IncLaunch("superseded")
			return false
		}
		if b, ok := l.cfg.Target.Find(r.id, l.cfg.Snapshots.Snapshot(ctx)); ok {
			metrics.ObserveDetect(time.Since(started).Seconds())
			note := fmt.Sprintf("pid %d", b.PID)
			if !r.set(launchstate.PhaseProcessDetected, launchstate.Verified, note) ||
				!r.set(launchstate.PhaseRunning, launchstate.Verified, note) {
				metrics.IncLaunch("superseded")
				return false
			}
			slog.Info("client detected", "account", r.id, "pid", b.PID, "after", time.Since(started).Round(time.Millisecond))
			metrics.IncLaunch("ok")
			return true
		}
		select {
		case <-ctx.Done():
			r.set(launchstate.PhaseErrored, launchstate.Inferred, "launch cancelled")
			metrics.IncLaunch("cancelled")
			return false
		case <-deadline.C:
			slog.Warn("client not detected", "account", r.id, "timeout", l.cfg.DetectTimeout)
			r.set(launchstate.PhaseErrored, launchstate.Inferred,
				fmt.Sprintf("process not detected within %s", l.cfg.DetectTimeout))
			metrics.IncLaunch("timeout")
			return false
		case <-tick.C:
		}
	}
}

// Stop terminates the account's automation helpers and client process tree.
// If nothing tagged can be found it falls back to every client-like process
// on the machine, which on multi-instance setups may include other accounts.
func (l *Launcher) Stop(ctx context.Context, id string) bool {
	r := l.begin(id)
	switch err := l.checkTag(ctx, id); {
	case errors.Is(err, errAmbiguousTag):
		return l.finishStop(r, launchstate.PhaseErrored, launchstate.Verified, err.Error(), "conflict")
	case err != nil:
		slog.Warn("could not check identity tag before stop", "account", id, "error", err)
	}
	r.set(launchstate.PhaseStopping, launchstate.Verified, "")

	if killed := l.cfg.PIDs.KillAll(id); len(killed) > 0 {
		slog.Info("automation killed", "account", id, "pids", killed)
	}

	snap := l.cfg.Snapshots.Snapshot(ctx)
	terminated := false
	for _, pid := range l.owned(id, snap) {
		if l.cfg.Terminator.TerminateTree(ctx, pid) {
			terminated = true
		}
	}

	fresh := l.rescan(ctx)
	remaining := l.owned(id, fresh)
	if terminated && len(remaining) == 0 {
		return l.finishStop(r, launchstate.PhaseStopped, launchstate.Verified, "", "verified")
	}

	fallback := l.cfg.Target.AnyTargetProcesses(fresh)
	if len(fallback) == 0 {
		if len(remaining) > 0 {
			return l.finishStop(r, launchstate.PhaseErrored, launchstate.Verified,
				fmt.Sprintf("pids %v survived termination", remaining), "failed")
		}
		return l.finishStop(r, launchstate.PhaseStopped, launchstate.Inferred, "no game process found", "nothing")
	}

	slog.Warn("no tagged client found, terminating every game process", "account", id, "pids", fallback)
	delivered := false
	for _, pid := range fallback {
		if l.cfg.Terminator.TerminateTree(ctx, pid) {
			delivered = true
		}
	}
	if !delivered {
		return l.finishStop(r, launchstate.PhaseErrored, launchstate.Verified,
			"could not terminate game processes", "failed")
	}
	if left := l.owned(id, l.rescan(ctx)); len(left) > 0 {
		return l.finishStop(r, launchstate.PhaseErrored, launchstate.Verified,
			fmt.Sprintf("pids %v survived termination", left), "failed")
	}
	return l.finishStop(r, launchstate.PhaseStopped, launchstate.Verified, "terminated all game processes", "fallback")
}

func (l *Launcher) finishStop(r run, phase launchstate.Phase, cert launchstate.Certainty, note, result string) bool {
	if !r.set(phase, cert, note) {
		metrics.IncStop("superseded")
		return false
	}
	metrics.IncStop(result)
	if phase == launchstate.PhaseErrored {
		slog.Error("stop failed", "account", r.id, "note", note)
		return false
	}
	slog.Info("client stopped", "account", r.id, "certainty", cert, "note", note)
	return true
}

// owned returns the bound client pid plus every pid tagged for the account.
func (l *Launcher) owned(id string, snap snapshot.Snapshot) []int {
	seen := make(map[int]bool)
	var out []int
	if b, ok := l.cfg.Target.Find(id, snap); ok {
		seen[b.PID] = true
		out = append(out, b.PID)
	}
	for _, pid := range matcher.AccountPIDsByArgs(id, snap) {
		if !seen[pid] {
			seen[pid] = true
			out = append(out, pid)
		}
	}
	return out
}

func (l *Launcher) rescan(ctx context.Context) snapshot.Snapshot {
	if c, ok := l.cfg.Snapshots.(interface{ Invalidate() }); ok {
		c.Invalidate()
	}
	return l.cfg.Snapshots.Snapshot(ctx)
}

// Forget drops everything held for a deleted account.
func (l *Launcher) Forget(id string) {
	l.cfg.PIDs.KillAll(id)
	l.cfg.States.Delete(id)
}

// Prune drops state and helpers of accounts no longer in the store and
// returns the ids whose state was removed.
func (l *Launcher) Prune(ctx context.Context) ([]string, error) {
	accts, err := l.cfg.Accounts.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	ids := store.IDs(accts)
	l.cfg.PIDs.Prune(ids)
	removed := l.cfg.States.Prune(ids)
	if len(removed) > 0 {
		slog.Info("pruned launch state", "accounts", removed)
	}
	return removed, nil
}

// Shutdown kills every tracked automation helper.
func (l *Launcher) Shutdown() {
	if n := l.cfg.PIDs.Shutdown(); n > 0 {
		slog.Info("automation helpers killed on shutdown", "count", n)
	}
}
