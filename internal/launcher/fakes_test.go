package launcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loykin/gw2am/internal/automation"
	"github.com/loykin/gw2am/internal/identity"
	"github.com/loykin/gw2am/internal/launchstate"
	"github.com/loykin/gw2am/internal/snapshot"
	"github.com/loykin/gw2am/internal/store"
)

type fakeAccounts struct {
	mu       sync.Mutex
	accounts []store.Account
	settings store.Settings
	err      error
}

func newAccounts(ids ...string) *fakeAccounts {
	allow := true
	f := &fakeAccounts{settings: store.Settings{ExecutablePath: "/games/gw2/Gw2-64.exe", AllowMultipleInstances: &allow}}
	for _, id := range ids {
		f.accounts = append(f.accounts, store.Account{ID: id, Email: id + "@example.com"})
	}
	return f
}

func (f *fakeAccounts) Accounts(context.Context) ([]store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]store.Account(nil), f.accounts...), nil
}

func (f *fakeAccounts) Account(_ context.Context, id string) (store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.Account{}, f.err
	}
	for _, a := range f.accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return store.Account{}, store.ErrNotFound
}

func (f *fakeAccounts) Settings(context.Context) (store.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, f.err
}

func (f *fakeAccounts) update(id string, fn func(*store.Account)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.accounts {
		if f.accounts[i].ID == id {
			fn(&f.accounts[i])
		}
	}
}

// fakeProcs is a process table shared by the snapshot provider, the
// spawner and the terminator.
type fakeProcs struct {
	mu          sync.Mutex
	recs        []snapshot.Record
	invalidated int
	// afterCapture runs once, right after the next snapshot is copied.
	afterCapture func()
}

func (p *fakeProcs) Snapshot(context.Context) snapshot.Snapshot {
	p.mu.Lock()
	snap := snapshot.Snapshot{Records: append([]snapshot.Record(nil), p.recs...), CapturedAt: time.Now()}
	hook := p.afterCapture
	p.afterCapture = nil
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return snap
}

func (p *fakeProcs) Invalidate() {
	p.mu.Lock()
	p.invalidated++
	p.mu.Unlock()
}

func (p *fakeProcs) add(r snapshot.Record) {
	p.mu.Lock()
	p.recs = append(p.recs, r)
	p.mu.Unlock()
}

func (p *fakeProcs) remove(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.recs {
		if r.PID == pid {
			p.recs = append(p.recs[:i], p.recs[i+1:]...)
			return true
		}
	}
	return false
}

func client(pid int, account string) snapshot.Record {
	cmd := `C:\Games\Guild Wars 2\Gw2-64.exe`
	if account != "" {
		cmd += " --mumble " + identity.Tag(account)
	}
	return snapshot.Record{PID: pid, PPID: 1, Name: "Gw2-64.exe", Cmdline: cmd}
}

type fakeTerminator struct {
	procs    *fakeProcs
	mu       sync.Mutex
	calls    []int
	stubborn map[int]bool // signal delivered but process survives
	refuse   map[int]bool // signal not delivered
}

func (t *fakeTerminator) TerminateTree(_ context.Context, root int) bool {
	t.mu.Lock()
	t.calls = append(t.calls, root)
	stubborn, refuse := t.stubborn[root], t.refuse[root]
	t.mu.Unlock()
	if refuse {
		return false
	}
	if stubborn {
		return true
	}
	snap := t.procs.Snapshot(context.Background())
	for _, pid := range descendantsOf(snap, root) {
		t.procs.remove(pid)
	}
	return t.procs.remove(root)
}

func (t *fakeTerminator) called() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.calls...)
}

func descendantsOf(snap snapshot.Snapshot, root int) []int {
	var out []int
	for _, r := range snap.Records {
		if r.PPID == root {
			out = append(out, r.PID)
			out = append(out, descendantsOf(snap, r.PID)...)
		}
	}
	return out
}

type spawnCall struct {
	name string
	args []string
}

type fakeSpawner struct {
	mu     sync.Mutex
	calls  []spawnCall
	err    error
	onCall func(name string, args []string)
	pid    int
}

func (s *fakeSpawner) Spawn(_ context.Context, name string, args []string) (int, error) {
	s.mu.Lock()
	s.calls = append(s.calls, spawnCall{name: name, args: append([]string(nil), args...)})
	fn, err, pid := s.onCall, s.err, s.pid
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if fn != nil {
		fn(name, args)
	}
	return pid, nil
}

func (s *fakeSpawner) spawned() []spawnCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spawnCall(nil), s.calls...)
}

type fakeHandle struct {
	pid    int
	mu     sync.Mutex
	killed bool
	done   chan struct{}
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.killed {
		h.killed = true
		close(h.done)
	}
	return nil
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

type fakeDispatcher struct {
	mu      sync.Mutex
	reqs    []automation.Request
	err     error
	handles []*fakeHandle
	nextPID int
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req automation.Request) (automation.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	if d.err != nil {
		return nil, d.err
	}
	d.nextPID++
	h := &fakeHandle{pid: 9000 + d.nextPID, done: make(chan struct{})}
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *fakeDispatcher) requests() []automation.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]automation.Request(nil), d.reqs...)
}

type fakeDecrypter struct{ err error }

func (f fakeDecrypter) Decrypt(ciphertext, key string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "plain:" + ciphertext + ":" + key, nil
}

// phases records the sequence of committed phases per account.
type phases struct {
	mu  sync.Mutex
	seq map[string][]launchstate.Record
}

func (p *phases) Transition(_, next launchstate.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seq == nil {
		p.seq = make(map[string][]launchstate.Record)
	}
	p.seq[next.AccountID] = append(p.seq[next.AccountID], next)
}

func (p *phases) of(id string) []launchstate.Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]launchstate.Phase, 0, len(p.seq[id]))
	for _, r := range p.seq[id] {
		out = append(out, r.Phase)
	}
	return out
}

func (p *phases) record(id string, phase launchstate.Phase) (launchstate.Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.seq[id] {
		if r.Phase == phase {
			return r, true
		}
	}
	return launchstate.Record{}, false
}

var errBoom = errors.New("boom")

type rig struct {
	accounts *fakeAccounts
	procs    *fakeProcs
	term     *fakeTerminator
	spawner  *fakeSpawner
	disp     *fakeDispatcher
	seen     *phases
	states   *launchstate.Store
	l        *Launcher
}

func newRig(ids ...string) *rig {
	r := &rig{
		accounts: newAccounts(ids...),
		procs:    &fakeProcs{},
		spawner:  &fakeSpawner{pid: 4242},
		disp:     &fakeDispatcher{},
		seen:     &phases{},
	}
	r.term = &fakeTerminator{procs: r.procs, stubborn: map[int]bool{}, refuse: map[int]bool{}}
	r.states = launchstate.NewStore(r.seen)
	r.l = New(Config{
		Accounts:      r.accounts,
		Snapshots:     r.procs,
		States:        r.states,
		Terminator:    r.term,
		Automation:    r.disp,
		Decrypter:     fakeDecrypter{},
		SecretKey:     "k",
		Spawner:       r.spawner,
		PollInterval:  5 * time.Millisecond,
		DetectTimeout: 100 * time.Millisecond,
	})
	return r
}

func (r *rig) state(id string) launchstate.Record {
	rec, _ := r.states.Get(id)
	return rec
}
