// Package env composes the environment handed to automation helpers.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Spec is the [automation.env] section. Layers apply in order: the host
// environment (unless Isolate), then Files in order, then Vars, then the
// per-dispatch extras. ${NAME} references in files and vars are expanded
// against the composed result; extras are taken literally.
type Spec struct {
	Isolate bool     `mapstructure:"isolate"`
	Files   []string `mapstructure:"files"`
	Vars    []string `mapstructure:"vars"`
}

// Build returns the composed environment as sorted KEY=VALUE pairs.
func (s Spec) Build(extra ...string) ([]string, error) {
	m := make(map[string]string)
	if !s.Isolate {
		apply(m, os.Environ())
	}
	for _, p := range s.Files {
		pairs, err := ParseFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	apply(m, s.Vars)
	literal := make(map[string]string, len(extra))
	apply(literal, extra)
	lookup := make(map[string]string, len(m)+len(literal))
	for k, v := range m {
		lookup[k] = v
	}
	for k, v := range literal {
		lookup[k] = v
		delete(m, k)
	}

	out := make([]string, 0, len(m)+len(literal))
	for k, v := range m {
		out = append(out, k+"="+expand(v, lookup))
	}
	for k, v := range literal {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

func apply(m map[string]string, pairs []string) {
	for _, kv := range pairs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
}

// expand replaces ${NAME} with its value in m; unknown names become empty.
// A single pass, so values that reference each other do not recurse.
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}

// ParseFile reads a dotenv style file: KEY=VALUE lines, '#' comments,
// optional "export " prefix and matching surrounding quotes.
func ParseFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		m[k] = v
	}
	return m, nil
}
