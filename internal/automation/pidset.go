package automation

import (
	"log/slog"
	"sort"
	"sync"
)

// PIDSet tracks live helper handles per account. Handles drop out on their
// own when they exit.
type PIDSet struct {
	mu sync.Mutex
	m  map[string]map[int]Handle
}

func NewPIDSet() *PIDSet { return &PIDSet{m: make(map[string]map[int]Handle)} }

// Add starts tracking h for account.
func (s *PIDSet) Add(account string, h Handle) {
	if h == nil {
		return
	}
	pid := h.PID()
	s.mu.Lock()
	if s.m[account] == nil {
		s.m[account] = make(map[int]Handle)
	}
	s.m[account][pid] = h
	s.mu.Unlock()

	go func() {
		<-h.Done()
		s.remove(account, pid, h)
	}()
}

func (s *PIDSet) remove(account string, pid int, h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.m[account]
	if set == nil || set[pid] != h {
		return
	}
	delete(set, pid)
	if len(set) == 0 {
		delete(s.m, account)
	}
}

// PIDs returns the tracked helper pids of account in ascending order.
func (s *PIDSet) PIDs(account string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.m[account]))
	for pid := range s.m[account] {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

// KillAll stops tracking every helper of account and kills them, returning
// the pids it tried.
func (s *PIDSet) KillAll(account string) []int {
	s.mu.Lock()
	set := s.m[account]
	delete(s.m, account)
	s.mu.Unlock()
	return killSet(account, set)
}

// Prune kills and forgets helpers of accounts not in valid.
func (s *PIDSet) Prune(valid []string) {
	keep := make(map[string]bool, len(valid))
	for _, id := range valid {
		keep[id] = true
	}
	s.mu.Lock()
	var stale []string
	for id := range s.m {
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.KillAll(id)
	}
}

// Shutdown kills every tracked helper.
func (s *PIDSet) Shutdown() int {
	s.mu.Lock()
	all := s.m
	s.m = make(map[string]map[int]Handle)
	s.mu.Unlock()
	n := 0
	for id, set := range all {
		n += len(killSet(id, set))
	}
	return n
}

func killSet(account string, set map[int]Handle) []int {
	pids := make([]int, 0, len(set))
	for pid, h := range set {
		if err := h.Kill(); err != nil {
			slog.Debug("kill automation helper", "account", account, "pid", pid, "error", err)
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}
