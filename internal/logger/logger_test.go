package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestProcessWritersFromDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "automation")
	cfg := Config{File: FileConfig{Dir: dir}}
	outW, errW, err := cfg.ProcessWriters("automation-acc-1")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)
	_, _ = outW.Write([]byte("typed email\n"))
	_, _ = errW.Write([]byte("window not found\n"))
	closeIf(outW)
	closeIf(errW)
	assert.FileExists(t, filepath.Join(dir, "automation-acc-1.stdout.log"))
	assert.FileExists(t, filepath.Join(dir, "automation-acc-1.stderr.log"))
}

func TestProcessWritersExplicitPathWins(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "custom.log")
	cfg := Config{File: FileConfig{Dir: dir, StdoutPath: sp}}
	outW, errW, err := cfg.ProcessWriters("x")
	require.NoError(t, err)
	defer closeIf(outW)
	defer closeIf(errW)
	assert.Equal(t, sp, outW.(*fileWriter).file.out.Filename)
	assert.Equal(t, filepath.Join(dir, "x.stderr.log"), errW.(*fileWriter).file.out.Filename)
}

func TestProcessWritersShareOneFilePerPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "automation.log")
	cfg := Config{File: FileConfig{StdoutPath: p}}
	a, _, err := cfg.ProcessWriters("automation-acc-1")
	require.NoError(t, err)
	b, _, err := cfg.ProcessWriters("automation-acc-2")
	require.NoError(t, err)
	assert.Same(t, a.(*fileWriter).file.out, b.(*fileWriter).file.out)

	require.NoError(t, a.Close())
	_, err = a.Write([]byte("late\n"))
	assert.ErrorIs(t, err, os.ErrClosed)
	_, err = b.Write([]byte("still open\n"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "still open\n", string(data))

	c, _, err := cfg.ProcessWriters("automation-acc-3")
	require.NoError(t, err)
	defer closeIf(c)
	assert.NotSame(t, b.(*fileWriter).file.out, c.(*fileWriter).file.out, "released with the last holder")
}

func TestProcessWritersNoneConfigured(t *testing.T) {
	outW, errW, err := Config{}.ProcessWriters("n")
	require.NoError(t, err)
	assert.Nil(t, outW)
	assert.Nil(t, errW)
}

func TestRotationDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	outW, _, _ := Config{File: FileConfig{StdoutPath: filepath.Join(dir, "a")}}.ProcessWriters("n")
	defer closeIf(outW)
	l := outW.(*fileWriter).file.out
	assert.Equal(t, []int{10, 3, 7}, []int{l.MaxSize, l.MaxBackups, l.MaxAge})

	outW2, _, _ := Config{File: FileConfig{StdoutPath: filepath.Join(dir, "b"), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}.ProcessWriters("n")
	defer closeIf(outW2)
	l = outW2.(*fileWriter).file.out
	assert.Equal(t, []int{1, 9, 11}, []int{l.MaxSize, l.MaxBackups, l.MaxAge})
	assert.True(t, l.Compress)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestNewTextAndJSON(t *testing.T) {
	var buf bytes.Buffer
	l, c := New(Config{Level: "warn"}, &buf)
	defer closeIf(c)
	l.Info("hidden")
	l.Warn("shown", "account", "acc-1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "account=acc-1")

	buf.Reset()
	l, _ = New(Config{Format: "json"}, &buf)
	l.Info("launch", "account", "acc-2")
	assert.Contains(t, buf.String(), `"account":"acc-2"`)
}

func TestNewColor(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(Config{Color: true}, &buf)
	l.Error("boom")
	assert.True(t, strings.Contains(buf.String(), "\033[31m"))
}

func TestNewWritesFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "gw2am.log")
	l, c := New(Config{File: FileConfig{Path: p}}, nil)
	l.Info("to file")
	require.NoError(t, c.Close())
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), "to file")
}

func TestColorHandlerKeepsColorWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil, false)).With("account", "acc-1")
	l.Warn("slow detection")
	out := buf.String()
	assert.Contains(t, out, "\033[33mWARN")
	assert.Contains(t, out, "account=acc-1")
	assert.NotContains(t, out, "time=")
}
