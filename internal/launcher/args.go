package launcher

import (
	"strings"

	"github.com/loykin/gw2am/internal/identity"
)

// DefaultIdentityFlag carries the account tag on the client command line.
// The client accepts it as a shared-memory name and otherwise ignores it.
const DefaultIdentityFlag = "--mumble"

// managedFlags are set by the launcher itself and stripped from stored
// arguments. The value reports whether the flag takes a value.
var managedFlags = map[string]bool{
	"email":     true,
	"password":  true,
	"autologin": false,
	"provider":  true,
}

// SplitArgs splits a stored argument string on whitespace. Single or double
// quotes group a token; the quotes themselves are dropped.
func SplitArgs(s string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
		open  bool
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			open = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if open {
				out = append(out, cur.String())
				cur.Reset()
				open = false
			}
		default:
			cur.WriteRune(r)
			open = true
		}
	}
	if open {
		out = append(out, cur.String())
	}
	return out
}

// JoinArgs is the inverse of SplitArgs for tokens without quote characters.
func JoinArgs(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}

// Sanitize removes managed flags from args in "-flag value", "--flag value"
// and "--flag=value" forms, case-insensitively. A value-taking flag written
// without "=" also drops the token after it.
func Sanitize(args []string, identityFlag string) []string {
	if identityFlag == "" {
		identityFlag = DefaultIdentityFlag
	}
	ident := flagName(identityFlag)
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		tok := args[i]
		if !strings.HasPrefix(tok, "-") {
			out = append(out, tok)
			continue
		}
		name, inline := flagName(tok), strings.Contains(tok, "=")
		takesValue, managed := managedFlags[name]
		if name == ident {
			takesValue, managed = true, true
		}
		if !managed {
			out = append(out, tok)
			continue
		}
		if takesValue && !inline && i+1 < len(args) {
			i++
		}
	}
	return out
}

// BuildArgs returns the final client arguments for an account: the identity
// flag and tag first, then the sanitized stored arguments.
func BuildArgs(accountID, stored, identityFlag string) []string {
	if identityFlag == "" {
		identityFlag = DefaultIdentityFlag
	}
	rest := Sanitize(SplitArgs(stored), identityFlag)
	return append([]string{identityFlag, identity.Tag(accountID)}, rest...)
}

func flagName(tok string) string {
	tok = strings.TrimLeft(tok, "-")
	if i := strings.IndexByte(tok, '='); i >= 0 {
		tok = tok[:i]
	}
	return strings.ToLower(tok)
}
