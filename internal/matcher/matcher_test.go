package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gw2am/internal/snapshot"
)

func snap(recs ...snapshot.Record) snapshot.Snapshot { return snapshot.Snapshot{Records: recs} }

func TestActiveAccountProcessesBindsTaggedClient(t *testing.T) {
	s := snap(
		snapshot.Record{PID: 100, Name: "Gw2-64.exe", Cmdline: `"C:\Games\Gw2-64.exe" --mumble gw2am_acc1 -windowed`},
		snapshot.Record{PID: 200, Name: "Gw2-64.exe", Cmdline: `"C:\Games\Gw2-64.exe" -windowed`},
	)
	got := DefaultTarget().ActiveAccountProcesses([]string{"acc-1"}, s)
	assert.Equal(t, []Binding{{AccountID: "acc-1", PID: 100, Tag: "gw2am_acc1"}}, got)
}

func TestActiveAccountProcessesFirstSeenWins(t *testing.T) {
	s := snap(
		snapshot.Record{PID: 300, Name: "Gw2-64.exe", Cmdline: "Gw2-64.exe --mumble gw2am_acc1"},
		snapshot.Record{PID: 301, Name: "Gw2-64.exe", Cmdline: "Gw2-64.exe --mumble gw2am_acc1"},
		snapshot.Record{PID: 302, Name: "Gw2-64.exe", Cmdline: "Gw2-64.exe --mumble gw2am_acc2"},
	)
	got := DefaultTarget().ActiveAccountProcesses([]string{"acc-2", "acc-1"}, s)
	require.Len(t, got, 2)
	assert.Equal(t, "acc-2", got[0].AccountID)
	assert.Equal(t, 302, got[0].PID)
	assert.Equal(t, 300, got[1].PID)
}

func TestActiveAccountProcessesRequiresImage(t *testing.T) {
	s := snap(
		snapshot.Record{PID: 10, Name: "bash", Cmdline: "bash automate.sh gw2am_acc1"},
		snapshot.Record{PID: 11, Name: "wine64-preloader", Cmdline: `C:\GW2\Gw2-64.exe --mumble gw2am_acc1`},
	)
	got := DefaultTarget().ActiveAccountProcesses([]string{"acc-1"}, s)
	assert.Equal(t, []Binding{{AccountID: "acc-1", PID: 11, Tag: "gw2am_acc1"}}, got)
}

func TestActiveAccountProcessesIgnoresPrefixCollision(t *testing.T) {
	s := snap(snapshot.Record{PID: 5, Name: "Gw2-64.exe", Cmdline: "Gw2-64.exe --mumble gw2am_acc10"})
	assert.Empty(t, DefaultTarget().ActiveAccountProcesses([]string{"acc-1"}, s))
	b, ok := DefaultTarget().Find("acc-10", s)
	require.True(t, ok)
	assert.Equal(t, 5, b.PID)
}

func TestAnyTargetProcesses(t *testing.T) {
	s := snap(
		snapshot.Record{PID: 1, Name: "init", Cmdline: "/sbin/init"},
		snapshot.Record{PID: 2, Name: "Gw2-64.exe", Cmdline: "Gw2-64.exe"},
		snapshot.Record{PID: 3, Name: "wineserver", Cmdline: "/usr/bin/wineserver"},
		snapshot.Record{PID: 4, Name: "wine64", Cmdline: "wine64 start.exe --mumble gw2am_x"},
		snapshot.Record{PID: 5, Name: "wine", Cmdline: "wine notepad.exe"},
		snapshot.Record{PID: 6, Name: "gw2-64", Cmdline: "/opt/gw2-64"},
	)
	assert.Equal(t, []int{2, 4, 6}, DefaultTarget().AnyTargetProcesses(s))
}

func TestAccountPIDsByArgs(t *testing.T) {
	s := snap(
		snapshot.Record{PID: 7, Name: "launcher", Cmdline: "/custom/path/game --mumble gw2am_acc1"},
		snapshot.Record{PID: 8, Name: "Gw2-64.exe", Cmdline: "Gw2-64.exe --mumble=gw2am_acc1"},
		snapshot.Record{PID: 9, Name: "Gw2-64.exe", Cmdline: "Gw2-64.exe --mumble gw2am_acc2"},
	)
	assert.Equal(t, []int{7, 8}, AccountPIDsByArgs("acc-1", s))
	assert.Empty(t, AccountPIDsByArgs("nobody", s))
}

func TestIsImageCaseInsensitive(t *testing.T) {
	tg := DefaultTarget()
	assert.True(t, tg.IsImage(snapshot.Record{Name: "GW2-64.EXE"}))
	assert.True(t, tg.IsImage(snapshot.Record{Name: `C:\x\gw2.exe`}))
	assert.False(t, tg.IsImage(snapshot.Record{Name: "gw2am_helper", Cmdline: "gw2am_helper --mumble gw2am_a"}))
}

func TestIsImageMatchesArgumentBaseNames(t *testing.T) {
	tg := DefaultTarget()
	for _, r := range []snapshot.Record{
		{Name: "wine64-preloader", Cmdline: `"C:\Program Files\Guild Wars 2\Gw2-64.exe" -windowed`},
		{Name: "start", Cmdline: `launcher --exe="C:\GW2\Gw2.exe"`},
		{Name: "Guild Wars 2", Cmdline: "/Applications/Guild Wars 2 64-bit.app/Contents/MacOS/Guild Wars 2 64-bit --mumble gw2am_a"},
	} {
		assert.True(t, tg.IsImage(r), r.Cmdline)
	}
	for _, r := range []snapshot.Record{
		{Name: "tail", Cmdline: "tail -f Gw2.exe.log"},
		{Name: "less", Cmdline: `less C:\logs\Gw2-64.exe.dmp`},
		{Name: "vim", Cmdline: "vim notes-gw2.exe"},
		{Name: "tail", Cmdline: "tail /tmp/Guild Wars 2 64-bit crash.log"},
	} {
		assert.False(t, tg.IsImage(r), r.Cmdline)
	}
}

func TestAnyTargetProcessesSkipsLogViewers(t *testing.T) {
	s := snap(
		snapshot.Record{PID: 1, Name: "tail", Cmdline: "tail -f Gw2.exe.log"},
		snapshot.Record{PID: 2, Name: "Gw2.exe", Cmdline: "Gw2.exe"},
	)
	assert.Equal(t, []int{2}, DefaultTarget().AnyTargetProcesses(s))
}
