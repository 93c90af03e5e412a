// Package proctree resolves and terminates process trees.
package proctree

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/gw2am/internal/snapshot"
)

const (
	DefaultGrace = 3 * time.Second
	pollEvery    = 100 * time.Millisecond
)

// Descendants returns every pid reachable from root through parent links in
// snap, in breadth-first discovery order. root itself is excluded and each
// pid appears once even if the listing contains a cycle.
func Descendants(snap snapshot.Snapshot, root int) []int {
	children := make(map[int][]int, len(snap.Records))
	for _, r := range snap.Records {
		if r.PID == r.PPID {
			continue
		}
		children[r.PPID] = append(children[r.PPID], r.PID)
	}
	visited := map[int]bool{root: true}
	queue := []int{root}
	var out []int
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, c := range children[pid] {
			if visited[c] {
				continue
			}
			visited[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

// Signaler is the platform kill primitive.
type Signaler interface {
	// Term asks the process to exit.
	Term(pid int) error
	// Kill forces the process to exit.
	Kill(pid int) error
	Alive(pid int) bool
	// StartTime identifies a pid incarnation; 0 when unknown.
	StartTime(pid int) int64
}

// TreeKiller kills root and all its descendants natively. It returns
// delivered=false with a nil error when the process did not exist.
type TreeKiller func(ctx context.Context, root int) (delivered bool, err error)

// Terminator kills single processes and process trees.
type Terminator struct {
	Snapshots snapshot.Provider
	Signaler  Signaler
	// Native, when set, is preferred over walking the tree ourselves.
	Native TreeKiller
	Grace  time.Duration
}

// New returns a Terminator using the OS primitives.
func New(snaps snapshot.Provider, grace time.Duration) *Terminator {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Terminator{Snapshots: snaps, Signaler: osSignaler{}, Native: nativeTreeKill(), Grace: grace}
}

// TerminatePID signals pid and escalates to a forced kill if it survives the
// grace window. It reports whether any signal was delivered, not whether the
// process is gone.
func (t *Terminator) TerminatePID(ctx context.Context, pid int) bool {
	return t.terminateAll(ctx, []int{pid})
}

// TerminateTree kills root and its descendants, children first.
func (t *Terminator) TerminateTree(ctx context.Context, root int) bool {
	if root <= 0 {
		return false
	}
	if t.Native != nil {
		ok, err := t.Native(ctx, root)
		if err == nil {
			return ok
		}
		slog.Debug("native tree kill failed, walking tree", "pid", root, "error", err)
	}
	desc := Descendants(t.Snapshots.Snapshot(ctx), root)
	order := make([]int, 0, len(desc)+1)
	for i := len(desc) - 1; i >= 0; i-- {
		order = append(order, desc[i])
	}
	order = append(order, root)
	return t.terminateAll(ctx, order)
}

func (t *Terminator) terminateAll(ctx context.Context, pids []int) bool {
	delivered := false
	started := make(map[int]int64, len(pids))
	var pending []int
	for _, pid := range pids {
		if pid <= 0 {
			continue
		}
		started[pid] = t.Signaler.StartTime(pid)
		if err := t.Signaler.Term(pid); err != nil {
			slog.Debug("terminate signal failed", "pid", pid, "error", err)
			continue
		}
		delivered = true
		pending = append(pending, pid)
	}
	if len(pending) == 0 {
		return delivered
	}

	deadline := time.Now().Add(t.grace())
	for {
		pending = t.survivors(pending)
		if len(pending) == 0 || !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(pollEvery):
		}
	}

	for _, pid := range pending {
		// a different process may own the pid by now
		if st := t.Signaler.StartTime(pid); st != 0 && started[pid] != 0 && st != started[pid] {
			continue
		}
		if err := t.Signaler.Kill(pid); err != nil {
			slog.Debug("kill failed", "pid", pid, "error", err)
			continue
		}
		slog.Debug("process escalated to kill", "pid", pid)
	}
	return delivered
}

func (t *Terminator) survivors(pids []int) []int {
	out := pids[:0]
	for _, pid := range pids {
		if t.Signaler.Alive(pid) {
			out = append(out, pid)
		}
	}
	return out
}

func (t *Terminator) grace() time.Duration {
	if t.Grace <= 0 {
		return DefaultGrace
	}
	return t.Grace
}
