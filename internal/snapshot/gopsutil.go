package snapshot

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// Gopsutil reads the process table with gopsutil. Processes that vanish or
// deny access mid-scan keep whatever fields could be read.
type Gopsutil struct{}

func (Gopsutil) Name() string { return "gopsutil" }

func (Gopsutil) Capture(ctx context.Context) ([]Record, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	recs := make([]Record, 0, len(procs))
	for _, p := range procs {
		if p.Pid <= 0 {
			continue
		}
		rec := Record{PID: int(p.Pid)}
		if ppid, err := p.PpidWithContext(ctx); err == nil {
			rec.PPID = int(ppid)
		}
		if name, err := p.NameWithContext(ctx); err == nil {
			rec.Name = name
		}
		if cl, err := p.CmdlineWithContext(ctx); err == nil {
			rec.Cmdline = cl
		}
		if rec.Name == "" {
			rec.Name = imageName(rec.Cmdline)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
