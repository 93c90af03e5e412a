// Package matcher binds accounts to processes in a snapshot by their
// identity tags.
package matcher

import (
	"path"
	"strings"

	"github.com/loykin/gw2am/internal/identity"
	"github.com/loykin/gw2am/internal/snapshot"
)

// DefaultImageNames is the Guild Wars 2 client family.
var DefaultImageNames = []string{"Gw2-64.exe", "Gw2.exe", "Guild Wars 2 64-bit"}

// DefaultWrapperNames are compatibility-layer processes that host a
// translated client binary.
var DefaultWrapperNames = []string{"wine", "wine64", "wine-preloader", "wine64-preloader", "wineloader", "CrossOver"}

// Binding attributes one process to one account.
type Binding struct {
	AccountID string `json:"account_id"`
	PID       int    `json:"pid"`
	Tag       string `json:"tag"`
}

// Target describes which processes are the game client.
type Target struct {
	ImageNames   []string
	WrapperNames []string
}

// DefaultTarget returns the Guild Wars 2 target with the wine wrappers.
func DefaultTarget() Target {
	return Target{ImageNames: DefaultImageNames, WrapperNames: DefaultWrapperNames}
}

// IsImage reports whether r is the client itself: its image name is in the
// allowlist, or one of its command-line arguments names an allowlisted image.
// The latter covers clients hosted by a process the OS names differently.
func (t Target) IsImage(r snapshot.Record) bool {
	name := strings.ToLower(baseName(r.Name))
	cmd := strings.ToLower(r.Cmdline)
	for _, img := range t.ImageNames {
		img = strings.ToLower(img)
		if img == "" {
			continue
		}
		if name == img || strings.TrimSuffix(name, ".exe") == strings.TrimSuffix(img, ".exe") {
			return true
		}
		if runsImage(cmd, img) {
			return true
		}
	}
	return false
}

// IsWrapper reports whether r is a compatibility wrapper that is hosting the
// client, judged by an image name or an identity tag in its arguments.
func (t Target) IsWrapper(r snapshot.Record) bool {
	name := strings.ToLower(baseName(r.Name))
	for _, w := range t.WrapperNames {
		if name == strings.ToLower(w) {
			return t.IsImage(snapshot.Record{Cmdline: r.Cmdline}) || len(identity.FindTags(r.Cmdline)) > 0
		}
	}
	return false
}

// ActiveAccountProcesses binds each account to the first process in snap that
// carries its tag and looks like the client. Accounts without a match are
// omitted, and no account appears twice.
func (t Target) ActiveAccountProcesses(accountIDs []string, snap snapshot.Snapshot) []Binding {
	var out []Binding
	tags := identity.Table(accountIDs)
	seen := make(map[string]bool, len(tags))
	for _, r := range snap.Records {
		if len(seen) == len(tags) {
			break
		}
		if !t.IsImage(r) {
			continue
		}
		for _, tag := range identity.FindTags(r.Cmdline) {
			id, ok := tags[tag]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, Binding{AccountID: id, PID: r.PID, Tag: tag})
		}
	}
	return sortLike(out, accountIDs)
}

// Find returns the binding for one account.
func (t Target) Find(accountID string, snap snapshot.Snapshot) (Binding, bool) {
	b := t.ActiveAccountProcesses([]string{accountID}, snap)
	if len(b) == 0 {
		return Binding{}, false
	}
	return b[0], true
}

// AnyTargetProcesses returns every pid that looks like the client or a
// wrapper running it, regardless of tags.
func (t Target) AnyTargetProcesses(snap snapshot.Snapshot) []int {
	var out []int
	for _, r := range snap.Records {
		if t.IsImage(r) || t.IsWrapper(r) {
			out = append(out, r.PID)
		}
	}
	return out
}

// AccountPIDsByArgs returns every pid whose command line carries the
// account's tag, ignoring image names.
func AccountPIDsByArgs(accountID string, snap snapshot.Snapshot) []int {
	tag := identity.Tag(accountID)
	var out []int
	for _, r := range snap.Records {
		if identity.HasTag(r.Cmdline, tag) {
			out = append(out, r.PID)
		}
	}
	return out
}

// sortLike orders bindings by the position of their account in ids so the
// result does not depend on snapshot order.
func sortLike(bs []Binding, ids []string) []Binding {
	if len(bs) < 2 {
		return bs
	}
	byID := make(map[string]Binding, len(bs))
	for _, b := range bs {
		byID[b.AccountID] = b
	}
	out := make([]Binding, 0, len(bs))
	for _, id := range ids {
		if b, ok := byID[id]; ok {
			out = append(out, b)
			delete(byID, id)
		}
	}
	return out
}

// runsImage reports whether some argument of cmd has img as its base name.
// Names with spaces cannot survive splitting on whitespace, so for those a
// path segment must be img or its .app bundle, or img followed by flags.
func runsImage(cmd, img string) bool {
	if strings.ContainsRune(img, ' ') {
		segs := strings.FieldsFunc(cmd, func(r rune) bool { return r == '/' || r == '\\' })
		for _, seg := range segs {
			seg = strings.Trim(seg, `"'`)
			if seg == img || seg == img+".app" {
				return true
			}
			if rest, ok := strings.CutPrefix(seg, img+" "); ok && strings.HasPrefix(strings.TrimSpace(rest), "-") {
				return true
			}
		}
		return false
	}
	for _, tok := range strings.Fields(cmd) {
		tok = strings.Trim(tok, `"'`)
		if _, v, ok := strings.Cut(tok, "="); ok {
			tok = strings.Trim(v, `"'`)
		}
		if baseName(tok) == img {
			return true
		}
	}
	return false
}

func baseName(n string) string {
	n = strings.ReplaceAll(n, `\`, "/")
	return path.Base(n)
}
