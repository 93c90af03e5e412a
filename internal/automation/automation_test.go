package automation

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gw2am/internal/logger"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func waitDone(t *testing.T, h Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("helper did not exit")
	}
}

func TestScriptPassesAccountAndPasswordOnStdin(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	s := Script{
		Command: "/bin/sh",
		Args:    []string{"-c", `read pw; echo "$GW2AM_ACCOUNT_ID|$GW2AM_EMAIL|$GW2AM_PID|$pw|$GW2AM_OPT_WINDOW_TITLE"`},
		Log:     logger.Config{File: logger.FileConfig{Dir: dir}},
	}
	h, err := s.Dispatch(context.Background(), Request{
		AccountID: "acc-1",
		PID:       4242,
		Email:     "a@example.com",
		Password:  "hunter2",
		Options:   map[string]string{"window-title": "Guild Wars 2"},
	})
	require.NoError(t, err)
	assert.Positive(t, h.PID())
	waitDone(t, h)

	b, err := os.ReadFile(filepath.Join(dir, "automation-acc-1.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "acc-1|a@example.com|4242|hunter2|Guild Wars 2\n", string(b))
	// exited helpers can still be killed without error
	assert.NoError(t, h.Kill())
}

func TestScriptKill(t *testing.T) {
	requireUnix(t)
	s := Script{Command: "/bin/sh", Args: []string{"-c", "sleep 30 & wait"}}
	h, err := s.Dispatch(context.Background(), Request{AccountID: "acc-2"})
	require.NoError(t, err)
	require.NoError(t, h.Kill())
	waitDone(t, h)
}

func TestScriptErrors(t *testing.T) {
	_, err := Script{}.Dispatch(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = Script{Command: filepath.Join(t.TempDir(), "missing")}.Dispatch(context.Background(), Request{AccountID: "x"})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Script{Command: "/bin/true"}.Dispatch(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = Nop{}.Dispatch(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestEnvKeys(t *testing.T) {
	got := requestEnv(Request{AccountID: "a", PID: 1, Email: "e", Options: map[string]string{"b.key": "2", "a-key": "1"}})
	assert.Equal(t, []string{
		"GW2AM_ACCOUNT_ID=a", "GW2AM_PID=1", "GW2AM_EMAIL=e",
		"GW2AM_OPT_A_KEY=1", "GW2AM_OPT_B_KEY=2",
	}, got)
}

type fakeHandle struct {
	pid    int
	mu     sync.Mutex
	killed int
	done   chan struct{}
}

func newFakeHandle(pid int) *fakeHandle { return &fakeHandle{pid: pid, done: make(chan struct{})} }

func (f *fakeHandle) PID() int              { return f.pid }
func (f *fakeHandle) Done() <-chan struct{} { return f.done }
func (f *fakeHandle) Kill() error {
	f.mu.Lock()
	f.killed++
	f.mu.Unlock()
	return nil
}
func (f *fakeHandle) kills() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func TestPIDSetKillAll(t *testing.T) {
	s := NewPIDSet()
	a1, a2, b := newFakeHandle(11), newFakeHandle(10), newFakeHandle(20)
	s.Add("a", a1)
	s.Add("a", a2)
	s.Add("b", b)
	s.Add("a", nil)

	assert.Equal(t, []int{10, 11}, s.PIDs("a"))
	assert.Equal(t, []int{10, 11}, s.KillAll("a"))
	assert.Equal(t, 1, a1.kills())
	assert.Equal(t, 1, a2.kills())
	assert.Empty(t, s.PIDs("a"))
	assert.Equal(t, 0, b.kills())
	assert.Empty(t, s.KillAll("nobody"))
}

func TestPIDSetForgetsExitedHandles(t *testing.T) {
	s := NewPIDSet()
	h := newFakeHandle(5)
	s.Add("a", h)
	close(h.done)
	assert.Eventually(t, func() bool { return len(s.PIDs("a")) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.kills())
}

func TestPIDSetPruneAndShutdown(t *testing.T) {
	s := NewPIDSet()
	keep, drop, other := newFakeHandle(1), newFakeHandle(2), newFakeHandle(3)
	s.Add("keep", keep)
	s.Add("drop", drop)
	s.Add("other", other)

	s.Prune([]string{"keep", "other"})
	assert.Equal(t, 1, drop.kills())
	assert.Equal(t, 0, keep.kills())

	assert.Equal(t, 2, s.Shutdown())
	assert.Equal(t, 1, keep.kills())
	assert.Equal(t, 1, other.kills())
	assert.Empty(t, s.PIDs("keep"))
}
