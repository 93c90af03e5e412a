// Package snapshot captures the OS process table.
//
// Capturing is best effort: a failing or slow platform query never surfaces
// an error to callers of Provider.Snapshot, it just yields an empty (or the
// last cached) list.
package snapshot

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loykin/gw2am/internal/metrics"
)

// Record is one row of the process table.
type Record struct {
	PID     int    `json:"pid"`
	PPID    int    `json:"ppid"`
	Name    string `json:"name"`
	Cmdline string `json:"cmdline"`
}

// Snapshot is an ordered process listing and the time it was captured.
type Snapshot struct {
	Records    []Record  `json:"records"`
	CapturedAt time.Time `json:"captured_at"`
}

// Provider returns the current process table. It never fails.
type Provider interface {
	Snapshot(ctx context.Context) Snapshot
}

// Source is a platform query that can fail.
type Source interface {
	Name() string
	Capture(ctx context.Context) ([]Record, error)
}

// Runner executes an inspection command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the command with os/exec. A non-zero exit is an error.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.Output()
}

// Cache adapts a Source into a Provider. With a positive TTL the last good
// capture is reused until it expires and is served again when a refresh
// fails; the cache is global rather than per query because every capture
// reads the whole table anyway.
type Cache struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	last Snapshot
	ok   bool
}

// NewCache wraps src. ttl <= 0 disables caching.
func NewCache(src Source, ttl time.Duration) *Cache {
	return &Cache{src: src, ttl: ttl, now: time.Now}
}

// Snapshot implements Provider.
func (c *Cache) Snapshot(ctx context.Context) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.ttl > 0 && c.ok && now.Sub(c.last.CapturedAt) < c.ttl {
		metrics.IncSnapshotCacheHit()
		return c.last
	}
	start := time.Now()
	recs, err := c.src.Capture(ctx)
	metrics.ObserveSnapshot(c.src.Name(), time.Since(start).Seconds())
	if err != nil {
		metrics.IncSnapshotFailure(c.src.Name())
		slog.Debug("process snapshot failed", "source", c.src.Name(), "error", err)
		if c.ttl > 0 && c.ok {
			return c.last
		}
		return Snapshot{CapturedAt: now}
	}
	snap := Snapshot{Records: recs, CapturedAt: now}
	if c.ttl > 0 {
		c.last, c.ok = snap, true
	}
	return snap
}

// Invalidate drops the cached capture so the next Snapshot queries the OS.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.ok = false
	c.mu.Unlock()
}

// Find returns the record for pid.
func (s Snapshot) Find(pid int) (Record, bool) {
	for _, r := range s.Records {
		if r.PID == pid {
			return r, true
		}
	}
	return Record{}, false
}

// imageName returns the base name of the first token of a command line,
// accepting both slash styles since wine reports Windows paths.
func imageName(cmdline string) string {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return ""
	}
	first := strings.Trim(fields[0], `"`)
	if i := strings.LastIndexAny(first, `/\`); i >= 0 {
		first = first[i+1:]
	}
	return first
}
