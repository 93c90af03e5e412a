package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/loykin/gw2am/internal/launchstate"
	"github.com/loykin/gw2am/internal/matcher"
	"github.com/loykin/gw2am/internal/store"
)

// Reconcile compares settled states with a fresh snapshot: a running account
// whose process vanished becomes stopped, an account whose tagged process
// appeared outside a launch becomes running. In-flight phases are left alone.
// It returns the number of records changed.
func (l *Launcher) Reconcile(ctx context.Context) (int, error) {
	accts, err := l.cfg.Accounts.Accounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}
	ids := store.IDs(accts)

	// Generations are read before the snapshot: a launch or stop that commits
	// after the capture must win over it.
	type seen struct {
		phase launchstate.Phase
		gen   uint64
	}
	before := make(map[string]seen, len(ids))
	for _, id := range ids {
		rec, gen, ok := l.cfg.States.Peek(id)
		phase := launchstate.PhaseIdle
		if ok {
			phase = rec.Phase
		}
		before[id] = seen{phase: phase, gen: gen}
	}

	bound := make(map[string]matcher.Binding)
	for _, b := range l.cfg.Target.ActiveAccountProcesses(ids, l.cfg.Snapshots.Snapshot(ctx)) {
		bound[b.AccountID] = b
	}

	changed := 0
	for _, id := range ids {
		phase, gen := before[id].phase, before[id].gen
		if !phase.Settled() {
			continue
		}
		b, running := bound[id]
		switch {
		case phase == launchstate.PhaseRunning && !running:
			if _, ok := l.cfg.States.SetIf(id, gen, launchstate.PhaseStopped, launchstate.Inferred, "process exited"); ok {
				slog.Info("client exited", "account", id)
				changed++
			}
		case phase != launchstate.PhaseRunning && running:
			note := fmt.Sprintf("detected running (pid %d)", b.PID)
			if _, ok := l.cfg.States.SetIf(id, gen, launchstate.PhaseRunning, launchstate.Verified, note); ok {
				slog.Info("client detected outside launch", "account", id, "pid", b.PID)
				changed++
			}
		}
	}
	return changed, nil
}

// LaunchAll launches every account one after another in id order and
// returns the per-account outcome.
func (l *Launcher) LaunchAll(ctx context.Context) (map[string]bool, error) {
	accts, err := l.cfg.Accounts.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	ids := store.IDs(accts)
	sort.Strings(ids)
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		out[id] = l.Launch(ctx, id)
	}
	return out, nil
}

// StopAll stops every account that has a bound process or a non-idle state.
func (l *Launcher) StopAll(ctx context.Context) (map[string]bool, error) {
	accts, err := l.cfg.Accounts.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	ids := store.IDs(accts)
	want := make(map[string]bool)
	for _, b := range l.cfg.Target.ActiveAccountProcesses(ids, l.cfg.Snapshots.Snapshot(ctx)) {
		want[b.AccountID] = true
	}
	for _, id := range ids {
		if rec, ok := l.cfg.States.Get(id); ok && rec.Phase != launchstate.PhaseIdle && rec.Phase != launchstate.PhaseStopped {
			want[id] = true
		}
	}
	sort.Strings(ids)
	out := make(map[string]bool, len(want))
	for _, id := range ids {
		if want[id] {
			out[id] = l.Stop(ctx, id)
		}
	}
	return out, nil
}

// AccountStatus joins an account with its state and current binding.
type AccountStatus struct {
	Account store.Account      `json:"account"`
	State   launchstate.Record `json:"state"`
	PID     int                `json:"pid,omitempty"`
}

// Status reports every account in store order.
func (l *Launcher) Status(ctx context.Context) ([]AccountStatus, error) {
	accts, err := l.cfg.Accounts.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	bound := make(map[string]int)
	for _, b := range l.cfg.Target.ActiveAccountProcesses(store.IDs(accts), l.cfg.Snapshots.Snapshot(ctx)) {
		bound[b.AccountID] = b.PID
	}
	out := make([]AccountStatus, 0, len(accts))
	for _, a := range accts {
		rec, ok := l.cfg.States.Get(a.ID)
		if !ok {
			rec = launchstate.Record{AccountID: a.ID, Phase: launchstate.PhaseIdle}
		}
		out = append(out, AccountStatus{Account: a, State: rec, PID: bound[a.ID]})
	}
	return out, nil
}

// Processes is the process view: bound clients plus untagged client-like pids.
type Processes struct {
	Bindings []matcher.Binding `json:"bindings"`
	Untagged []int             `json:"untagged"`
}

func (l *Launcher) Processes(ctx context.Context) (Processes, error) {
	accts, err := l.cfg.Accounts.Accounts(ctx)
	if err != nil {
		return Processes{}, fmt.Errorf("list accounts: %w", err)
	}
	snap := l.cfg.Snapshots.Snapshot(ctx)
	bindings := l.cfg.Target.ActiveAccountProcesses(store.IDs(accts), snap)
	taken := make(map[int]bool, len(bindings))
	for _, b := range bindings {
		taken[b.PID] = true
	}
	untagged := make([]int, 0)
	for _, pid := range l.cfg.Target.AnyTargetProcesses(snap) {
		if !taken[pid] {
			untagged = append(untagged, pid)
		}
	}
	if bindings == nil {
		bindings = []matcher.Binding{}
	}
	return Processes{Bindings: bindings, Untagged: untagged}, nil
}

// Bound maps each account with a running client to its pid, for the usage
// collector.
func (l *Launcher) Bound(ctx context.Context) map[string]int32 {
	p, err := l.Processes(ctx)
	if err != nil {
		slog.Debug("bound processes unavailable", "error", err)
		return nil
	}
	out := make(map[string]int32, len(p.Bindings))
	for _, b := range p.Bindings {
		out[b.AccountID] = int32(b.PID)
	}
	return out
}
