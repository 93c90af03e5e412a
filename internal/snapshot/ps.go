package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
)

// PS reads the process table from POSIX ps.
type PS struct {
	Run Runner
}

func (PS) Name() string { return "ps" }

func (p PS) Capture(ctx context.Context) ([]Record, error) {
	run := p.Run
	if run == nil {
		run = ExecRunner
	}
	out, err := run(ctx, "ps", "-axww", "-o", "pid=,ppid=,args=")
	if err != nil {
		return nil, fmt.Errorf("ps: %w", err)
	}
	return ParsePS(out), nil
}

// ParsePS parses `ps -o pid=,ppid=,args=` output. Malformed lines are skipped.
func ParsePS(out []byte) []Record {
	var recs []Record
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		pidStr, rest, ok := cutField(line)
		if !ok {
			continue
		}
		ppidStr, args, _ := cutField(rest)
		pid, err := strconv.Atoi(pidStr)
		if err != nil || pid <= 0 {
			continue
		}
		ppid, err := strconv.Atoi(ppidStr)
		if err != nil {
			continue
		}
		recs = append(recs, Record{PID: pid, PPID: ppid, Name: imageName(args), Cmdline: args})
	}
	return recs
}

func cutField(s string) (field, rest string, ok bool) {
	s = strings.TrimLeft(s, " \t")
	if s == "" {
		return "", "", false
	}
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, "", true
	}
	return s[:i], strings.TrimLeft(s[i:], " \t"), true
}
