package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gw2am/pkg/client"
)

type fakeDaemon struct {
	unreachable bool
	accounts    []client.Account
	status      []client.AccountStatus
	refuse      map[string]bool
	launched    []string
	stopped     []string
	added       []client.AddAccountRequest
	removeErr   error
}

func (f *fakeDaemon) IsReachable(context.Context) bool { return !f.unreachable }

func (f *fakeDaemon) Status(context.Context) ([]client.AccountStatus, error) { return f.status, nil }

func (f *fakeDaemon) Accounts(context.Context) ([]client.Account, error) { return f.accounts, nil }

func (f *fakeDaemon) AddAccount(_ context.Context, req client.AddAccountRequest) (client.Account, error) {
	f.added = append(f.added, req)
	return client.Account{ID: req.ID}, nil
}

func (f *fakeDaemon) RemoveAccount(context.Context, string) error { return f.removeErr }

func (f *fakeDaemon) Launch(_ context.Context, id string, async bool) (client.Result, error) {
	f.launched = append(f.launched, id)
	if async {
		return client.Result{OK: true}, nil
	}
	if f.refuse[id] {
		return client.Result{State: client.State{AccountID: id, Phase: "errored", Certainty: "verified", Note: "another game client is already running"}}, nil
	}
	return client.Result{OK: true, State: client.State{AccountID: id, Phase: "running", Certainty: "verified", Note: "pid 42"}}, nil
}

func (f *fakeDaemon) Stop(_ context.Context, id string) (client.Result, error) {
	f.stopped = append(f.stopped, id)
	return client.Result{OK: true, State: client.State{AccountID: id, Phase: "stopped", Certainty: "verified"}}, nil
}

func (f *fakeDaemon) Processes(context.Context) (client.Processes, error) {
	return client.Processes{Bindings: []client.Binding{{AccountID: "main", PID: 42, Tag: "gw2am_main"}}}, nil
}

func (f *fakeDaemon) Prune(context.Context) ([]string, error) { return []string{"old"}, nil }

func testCommand(d *fakeDaemon, in string) (command, *bytes.Buffer) {
	var out bytes.Buffer
	c := command{out: &out, in: strings.NewReader(in), dial: func(GlobalFlags) (daemon, string, error) {
		return d, "http://test/api", nil
	}}
	return c, &out
}

func TestLaunchSingle(t *testing.T) {
	d := &fakeDaemon{}
	c, out := testCommand(d, "")
	require.NoError(t, c.Launch(context.Background(), GlobalFlags{}, LaunchFlags{ID: "main"}))
	assert.Equal(t, []string{"main"}, d.launched)
	assert.Contains(t, out.String(), "main: running (verified) pid 42")
}

func TestLaunchAllReportsFailures(t *testing.T) {
	d := &fakeDaemon{
		accounts: []client.Account{{ID: "zed"}, {ID: "alt"}, {ID: "main"}},
		refuse:   map[string]bool{"zed": true},
	}
	c, out := testCommand(d, "")
	err := c.Launch(context.Background(), GlobalFlags{}, LaunchFlags{All: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zed")
	assert.Equal(t, []string{"alt", "main", "zed"}, d.launched)
	assert.Contains(t, out.String(), "zed: errored (verified) another game client is already running")
}

func TestLaunchRequiresID(t *testing.T) {
	c, _ := testCommand(&fakeDaemon{}, "")
	assert.ErrorIs(t, c.Launch(context.Background(), GlobalFlags{}, LaunchFlags{}), errAccountRequired)
	assert.ErrorIs(t, c.Stop(context.Background(), GlobalFlags{}, StopFlags{}), errAccountRequired)
}

func TestLaunchAsync(t *testing.T) {
	c, out := testCommand(&fakeDaemon{}, "")
	require.NoError(t, c.Launch(context.Background(), GlobalFlags{}, LaunchFlags{ID: "main", Async: true}))
	assert.Equal(t, "main: accepted\n", out.String())
}

func TestDaemonUnreachable(t *testing.T) {
	c, _ := testCommand(&fakeDaemon{unreachable: true}, "")
	err := c.Status(context.Background(), GlobalFlags{}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gw2am serve")
}

func TestStopAllPicksActiveAccounts(t *testing.T) {
	d := &fakeDaemon{status: []client.AccountStatus{
		{Account: client.Account{ID: "idle"}},
		{Account: client.Account{ID: "stopped"}, State: client.State{Phase: "stopped"}},
		{Account: client.Account{ID: "running"}, State: client.State{Phase: "running"}, PID: 10},
		{Account: client.Account{ID: "stray"}, PID: 11},
		{Account: client.Account{ID: "broken"}, State: client.State{Phase: "errored"}},
	}}
	c, _ := testCommand(d, "")
	require.NoError(t, c.Stop(context.Background(), GlobalFlags{}, StopFlags{All: true}))
	assert.Equal(t, []string{"broken", "running", "stray"}, d.stopped)
}

func TestStatusTable(t *testing.T) {
	d := &fakeDaemon{status: []client.AccountStatus{
		{Account: client.Account{ID: "main"}, State: client.State{Phase: "running", Certainty: "verified"}, PID: 42},
		{Account: client.Account{ID: "alt"}},
	}}
	c, out := testCommand(d, "")
	require.NoError(t, c.Status(context.Background(), GlobalFlags{}, false))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ACCOUNT"))
	assert.Contains(t, lines[1], "running")
	assert.Contains(t, lines[1], "42")
	assert.Contains(t, lines[2], "idle")

	out.Reset()
	require.NoError(t, c.Status(context.Background(), GlobalFlags{}, true))
	assert.Contains(t, out.String(), `"phase": "running"`)
}

func TestAccountAddReadsPasswordFromStdin(t *testing.T) {
	d := &fakeDaemon{}
	c, out := testCommand(d, "s3cret\nignored\n")
	require.NoError(t, c.AccountAdd(context.Background(), GlobalFlags{}, AccountAddFlags{ID: "main", Email: "me@example.com", PasswordStdin: true}))
	require.Len(t, d.added, 1)
	assert.Equal(t, "s3cret", d.added[0].Password)
	assert.Contains(t, out.String(), "account main saved")

	c, _ = testCommand(d, "")
	assert.Error(t, c.AccountAdd(context.Background(), GlobalFlags{}, AccountAddFlags{ID: "main", PasswordStdin: true}))
}

func TestAccountRemoveError(t *testing.T) {
	c, _ := testCommand(&fakeDaemon{removeErr: errors.New("not found")}, "")
	assert.Error(t, c.AccountRemove(context.Background(), GlobalFlags{}, "ghost"))
}

func TestProcessesAndPrune(t *testing.T) {
	c, out := testCommand(&fakeDaemon{}, "")
	require.NoError(t, c.Processes(context.Background(), GlobalFlags{}))
	assert.Contains(t, out.String(), "gw2am_main")
	out.Reset()
	require.NoError(t, c.Prune(context.Background(), GlobalFlags{}))
	assert.Equal(t, "pruned 1 account(s)\n", out.String())
}

func TestAPIURL(t *testing.T) {
	u, err := apiURL(GlobalFlags{APIUrl: "http://host:1/api/"})
	require.NoError(t, err)
	assert.Equal(t, "http://host:1/api", u)

	u, err = apiURL(GlobalFlags{})
	require.NoError(t, err)
	assert.Equal(t, client.DefaultConfig().BaseURL, u)

	p := filepath.Join(t.TempDir(), "gw2am.toml")
	require.NoError(t, os.WriteFile(p, []byte("[server]\nlisten = \"0.0.0.0:9000\"\nbase_path = \"/v1\"\n"), 0o600))
	u, err = apiURL(GlobalFlags{ConfigPath: p})
	require.NoError(t, err)
	assert.Equal(t, "http://0.0.0.0:9000/v1", u)
}
