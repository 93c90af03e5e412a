package snapshot

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// DefaultTTL is the cache window used when none is configured. Only Windows
// pays enough per query (a PowerShell start) to be worth caching.
func DefaultTTL() time.Duration {
	if runtime.GOOS == "windows" {
		return time.Second
	}
	return 0
}

// SourceByName resolves a configured source name. "auto" or "" picks CIM on
// Windows and ps elsewhere.
func SourceByName(name string, run Runner) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		if runtime.GOOS == "windows" {
			return CIM{Run: run}, nil
		}
		return PS{Run: run}, nil
	case "ps":
		return PS{Run: run}, nil
	case "cim":
		return CIM{Run: run}, nil
	case "gopsutil":
		return Gopsutil{}, nil
	default:
		return nil, fmt.Errorf("unknown snapshot provider %q", name)
	}
}
