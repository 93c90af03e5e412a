package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

const cimQuery = "Get-CimInstance Win32_Process | " +
	"Select-Object ProcessId,ParentProcessId,Name,CommandLine | " +
	"ConvertTo-Json -Compress"

// CIM reads the process table through PowerShell's Win32_Process CIM class.
// It is slow (hundreds of milliseconds) so it is normally wrapped in a Cache.
type CIM struct {
	Run Runner
}

func (CIM) Name() string { return "cim" }

func (c CIM) Capture(ctx context.Context) ([]Record, error) {
	run := c.Run
	if run == nil {
		run = ExecRunner
	}
	out, err := run(ctx, "powershell.exe", "-NoProfile", "-NonInteractive", "-Command", cimQuery)
	if err != nil {
		return nil, fmt.Errorf("cim query: %w", err)
	}
	return ParseCIM(out)
}

type cimProcess struct {
	ProcessID       int     `json:"ProcessId"`
	ParentProcessID int     `json:"ParentProcessId"`
	Name            string  `json:"Name"`
	CommandLine     *string `json:"CommandLine"`
}

// ParseCIM decodes ConvertTo-Json output, which is a bare object when only
// one process matched and an array otherwise.
func ParseCIM(out []byte) ([]Record, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	var rows []cimProcess
	if out[0] == '{' {
		var one cimProcess
		if err := json.Unmarshal(out, &one); err != nil {
			return nil, fmt.Errorf("decode cim: %w", err)
		}
		rows = []cimProcess{one}
	} else if err := json.Unmarshal(out, &rows); err != nil {
		return nil, fmt.Errorf("decode cim: %w", err)
	}
	recs := make([]Record, 0, len(rows))
	for _, r := range rows {
		if r.ProcessID <= 0 {
			continue
		}
		rec := Record{PID: r.ProcessID, PPID: r.ParentProcessID, Name: r.Name}
		if r.CommandLine != nil {
			rec.Cmdline = *r.CommandLine
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
