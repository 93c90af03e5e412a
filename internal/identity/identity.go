// Package identity derives the command-line tag that marks a launched game
// client as belonging to one account.
package identity

import (
	"strings"
	"unicode"
)

// Prefix is the namespace every identity tag starts with.
const Prefix = "gw2am_"

// Tag returns the identity tag for accountID: Prefix followed by the id with
// every non-alphanumeric character removed, lowercased. Empty ids yield the
// bare prefix.
func Tag(accountID string) string {
	var b strings.Builder
	b.Grow(len(Prefix) + len(accountID))
	b.WriteString(Prefix)
	for _, r := range accountID {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// Table maps identity tags back to account ids. When two ids normalize to the
// same tag the first one wins.
func Table(accountIDs []string) map[string]string {
	out := make(map[string]string, len(accountIDs))
	for _, id := range accountIDs {
		t := Tag(id)
		if _, dup := out[t]; !dup {
			out[t] = id
		}
	}
	return out
}

// Usable reports whether accountID yields a tag with at least one character
// after Prefix.
func Usable(accountID string) bool { return Tag(accountID) != Prefix }

// Collision returns the first id in others that is not accountID but maps to
// the same tag.
func Collision(accountID string, others []string) (string, bool) {
	tag := Tag(accountID)
	for _, o := range others {
		if o != accountID && Tag(o) == tag {
			return o, true
		}
	}
	return "", false
}

// FindTags returns every whitespace-separated token in cmdline that looks like
// an identity tag, lowercased and with surrounding quotes trimmed. Tokens of
// the form --flag=gw2am_x are also recognized.
func FindTags(cmdline string) []string {
	var out []string
	for _, tok := range strings.Fields(cmdline) {
		tok = strings.Trim(tok, `"'`)
		if i := strings.IndexByte(tok, '='); i >= 0 {
			tok = tok[i+1:]
		}
		low := strings.ToLower(tok)
		if strings.HasPrefix(low, Prefix) {
			out = append(out, low)
		}
	}
	return out
}

// HasTag reports whether cmdline carries tag as a whole token.
func HasTag(cmdline, tag string) bool {
	for _, t := range FindTags(cmdline) {
		if t == tag {
			return true
		}
	}
	return false
}
