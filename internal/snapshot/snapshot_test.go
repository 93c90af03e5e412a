package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const psOutput = `    1     0 /sbin/init splash
  412     1 /usr/bin/wine64-preloader C:\Program Files\Guild Wars 2\Gw2-64.exe --mumble gw2am_acc1
  413   412 C:\windows\system32\conhost.exe
  500   1   /usr/bin/ps -axww -o pid=,ppid=,args=
garbage line
  -3    1 nope
  600   xx bad ppid
  700   1
`

func TestParsePS(t *testing.T) {
	recs := ParsePS([]byte(psOutput))
	require.Len(t, recs, 5)
	assert.Equal(t, Record{PID: 1, PPID: 0, Name: "init", Cmdline: "/sbin/init splash"}, recs[0])
	assert.Equal(t, 412, recs[1].PID)
	assert.Equal(t, "wine64-preloader", recs[1].Name)
	assert.Contains(t, recs[1].Cmdline, "gw2am_acc1")
	assert.Equal(t, "conhost.exe", recs[2].Name)
	assert.Equal(t, 412, recs[2].PPID)
	assert.Equal(t, "ps", recs[3].Name)
	assert.Equal(t, Record{PID: 700, PPID: 1}, recs[4])
}

func TestParseCIMArrayAndObject(t *testing.T) {
	arr := `[{"ProcessId":4,"ParentProcessId":0,"Name":"System","CommandLine":null},` +
		`{"ProcessId":9120,"ParentProcessId":800,"Name":"Gw2-64.exe","CommandLine":"\"C:\\Games\\Gw2-64.exe\" --mumble gw2am_acc1"},` +
		`{"ProcessId":0,"ParentProcessId":0,"Name":"Idle","CommandLine":null}]`
	recs, err := ParseCIM([]byte(arr))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "", recs[0].Cmdline)
	assert.Equal(t, 9120, recs[1].PID)
	assert.Equal(t, 800, recs[1].PPID)
	assert.Contains(t, recs[1].Cmdline, "gw2am_acc1")

	one, err := ParseCIM([]byte(`{"ProcessId":77,"ParentProcessId":1,"Name":"a.exe","CommandLine":"a.exe"}` + "\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []Record{{PID: 77, PPID: 1, Name: "a.exe", Cmdline: "a.exe"}}, one)

	empty, err := ParseCIM([]byte("  "))
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ParseCIM([]byte("not json"))
	assert.Error(t, err)
}

func TestPSCaptureUsesRunner(t *testing.T) {
	var gotName string
	var gotArgs []string
	ps := PS{Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return []byte("  10  1 /bin/sh\n"), nil
	}}
	recs, err := ps.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ps", gotName)
	assert.Equal(t, []string{"-axww", "-o", "pid=,ppid=,args="}, gotArgs)
	assert.Len(t, recs, 1)
}

type fakeSource struct {
	calls int
	recs  []Record
	err   error
}

func (f *fakeSource) Name() string { return "fake" }
func (f *fakeSource) Capture(context.Context) ([]Record, error) {
	f.calls++
	return f.recs, f.err
}

func TestCacheTTL(t *testing.T) {
	src := &fakeSource{recs: []Record{{PID: 1}}}
	c := NewCache(src, time.Second)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	s1 := c.Snapshot(ctx)
	s2 := c.Snapshot(ctx)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, s1, s2)

	now = now.Add(1500 * time.Millisecond)
	c.Snapshot(ctx)
	assert.Equal(t, 2, src.calls)

	c.Invalidate()
	c.Snapshot(ctx)
	assert.Equal(t, 3, src.calls)
}

func TestCacheFailsSoftToPrevious(t *testing.T) {
	src := &fakeSource{recs: []Record{{PID: 42}}}
	c := NewCache(src, time.Second)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.Len(t, c.Snapshot(ctx).Records, 1)
	src.err = errors.New("boom")
	now = now.Add(2 * time.Second)
	assert.Equal(t, 42, c.Snapshot(ctx).Records[0].PID)
}

func TestUncachedFailsSoftToEmpty(t *testing.T) {
	src := &fakeSource{err: errors.New("exit status 1")}
	c := NewCache(src, 0)
	s := c.Snapshot(context.Background())
	assert.Empty(t, s.Records)
	assert.False(t, s.CapturedAt.IsZero())
	c.Snapshot(context.Background())
	assert.Equal(t, 2, src.calls)
}

func TestSourceByName(t *testing.T) {
	for _, n := range []string{"", "auto", "ps", "CIM", "gopsutil"} {
		_, err := SourceByName(n, nil)
		assert.NoError(t, err, n)
	}
	_, err := SourceByName("wmic", nil)
	assert.Error(t, err)
}

func TestImageName(t *testing.T) {
	assert.Equal(t, "Gw2-64.exe", imageName(`"C:\Games\Gw2-64.exe" -windowed`))
	assert.Equal(t, "gw2", imageName("/opt/gw2 --x"))
	assert.Equal(t, "", imageName("   "))
}

func FuzzParsePS(f *testing.F) {
	f.Add([]byte(psOutput))
	f.Add([]byte(""))
	f.Fuzz(func(t *testing.T, b []byte) {
		for _, r := range ParsePS(b) {
			if r.PID <= 0 {
				t.Fatalf("non-positive pid %d", r.PID)
			}
		}
	})
}

func FuzzParseCIM(f *testing.F) {
	f.Add([]byte(`[{"ProcessId":1,"Name":"a"}]`))
	f.Add([]byte(`{"ProcessId":2}`))
	f.Fuzz(func(t *testing.T, b []byte) {
		recs, err := ParseCIM(b)
		if err != nil {
			return
		}
		for _, r := range recs {
			if r.PID <= 0 {
				t.Fatalf("non-positive pid %d", r.PID)
			}
		}
	})
}
