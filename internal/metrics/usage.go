package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource reading for one account's game process.
type Usage struct {
	Account    string    `json:"account"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// UsageConfig controls the usage collector.
type UsageConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// UsageCollector samples CPU and memory of running game clients with gopsutil.
type UsageCollector struct {
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	last   map[string]Usage
	procs  map[int32]*process.Process
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	cpu     *prometheus.GaugeVec
	mem     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
}

func NewUsageCollector(cfg UsageConfig) *UsageCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &UsageCollector{
		enabled:  cfg.Enabled,
		interval: interval,
		last:     make(map[string]Usage),
		procs:    make(map[int32]*process.Process),
		stopCh:   make(chan struct{}),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "client", Name: "cpu_percent",
			Help: "CPU usage percentage of the account's game client.",
		}, []string{"account"}),
		mem: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "client", Name: "memory_mb",
			Help: "Resident memory in MB of the account's game client.",
		}, []string{"account"}),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "client", Name: "threads",
			Help: "Thread count of the account's game client.",
		}, []string{"account"}),
	}
}

func (c *UsageCollector) Enabled() bool { return c != nil && c.enabled }

// Register registers the usage gauges.
func (c *UsageCollector) Register(r prometheus.Registerer) error {
	if !c.Enabled() {
		return nil
	}
	for _, col := range []prometheus.Collector{c.cpu, c.mem, c.threads} {
		if err := register(r, col); err != nil {
			return err
		}
	}
	return nil
}

// Start samples every interval. bound returns account -> pid for the clients
// currently running.
func (c *UsageCollector) Start(ctx context.Context, bound func(context.Context) map[string]int32) {
	if !c.Enabled() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-t.C:
				c.Collect(ctx, bound(ctx))
			}
		}
	}()
}

func (c *UsageCollector) Stop() {
	if !c.Enabled() {
		return
	}
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples the given processes once and drops series for accounts
// that are no longer present.
func (c *UsageCollector) Collect(ctx context.Context, accounts map[string]int32) {
	now := time.Now()
	fresh := make(map[string]Usage, len(accounts))
	for acct, pid := range accounts {
		u, err := c.sample(ctx, acct, pid, now)
		if err != nil {
			slog.Debug("usage sample failed", "account", acct, "pid", pid, "error", err)
			continue
		}
		fresh[acct] = u
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for acct := range c.last {
		if _, ok := fresh[acct]; !ok {
			c.cpu.DeleteLabelValues(acct)
			c.mem.DeleteLabelValues(acct)
			c.threads.DeleteLabelValues(acct)
		}
	}
	live := make(map[int32]bool, len(accounts))
	for _, pid := range accounts {
		live[pid] = true
	}
	for pid := range c.procs {
		if !live[pid] {
			delete(c.procs, pid)
		}
	}
	for acct, u := range fresh {
		c.cpu.WithLabelValues(acct).Set(u.CPUPercent)
		c.mem.WithLabelValues(acct).Set(u.MemoryMB)
		c.threads.WithLabelValues(acct).Set(float64(u.NumThreads))
	}
	c.last = fresh
}

func (c *UsageCollector) sample(ctx context.Context, acct string, pid int32, now time.Time) (Usage, error) {
	if pid <= 0 {
		return Usage{}, fmt.Errorf("invalid pid %d", pid)
	}
	// The process handle is kept between samples so CPUPercent measures the
	// interval rather than the whole lifetime.
	c.mu.Lock()
	p, ok := c.procs[pid]
	c.mu.Unlock()
	if !ok {
		np, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			return Usage{}, fmt.Errorf("open process: %w", err)
		}
		p = np
		c.mu.Lock()
		c.procs[pid] = p
		c.mu.Unlock()
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("memory info: %w", err)
	}
	u := Usage{Account: acct, PID: pid, MemoryMB: float64(mem.RSS) / 1024 / 1024, Timestamp: now}
	if cpu, err := p.PercentWithContext(ctx, 0); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	return u, nil
}

// Get returns the latest sample for account.
func (c *UsageCollector) Get(account string) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.last[account]
	return u, ok
}

// All returns the latest samples keyed by account.
func (c *UsageCollector) All() map[string]Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Usage, len(c.last))
	for k, v := range c.last {
		out[k] = v
	}
	return out
}
