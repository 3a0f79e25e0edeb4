package approval

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// BuiltinProtectedPatterns are always protected from auto-approved writes.
var BuiltinProtectedPatterns = []string{
	".git/**",
	".vscode/**",
	"node_modules/**",
	"**/.env",
	"**/.env.*",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/pnpm-lock.yaml",
	"**/*.key",
	"**/*.pem",
	"**/*.p12",
}

// globToRegexp translates a glob into an anchored expression. "**/" matches
// zero or more leading directories, "**" any run of characters, "*" any run
// within one segment and "?" one character. Everything else is literal.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(glob); {
		switch {
		case strings.HasPrefix(glob[i:], "**/"):
			b.WriteString("(?:.*/)?")
			i += 3
		case strings.HasPrefix(glob[i:], "**"):
			b.WriteString(".*")
			i += 2
		case glob[i] == '*':
			b.WriteString("[^/]*")
			i++
		case glob[i] == '?':
			b.WriteByte('.')
			i++
		default:
			j := i
			for j < len(glob) && glob[j] != '*' && glob[j] != '?' {
				j++
			}
			b.WriteString(regexp.QuoteMeta(glob[i:j]))
			i = j
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

func mustCompileBuiltins() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(BuiltinProtectedPatterns))
	for _, p := range BuiltinProtectedPatterns {
		re, err := globToRegexp(p)
		if err != nil {
			panic("approval: bad builtin pattern " + p + ": " + err.Error())
		}
		out = append(out, re)
	}
	return out
}

var builtinProtected = mustCompileBuiltins()

// candidates returns the path followed by every suffix that starts at a
// segment boundary, so "a/.git/config" is tested as itself, ".git/config"
// and "config".
func candidates(slashPath string) []string {
	slashPath = strings.TrimPrefix(slashPath, "/")
	out := []string{slashPath}
	for i := 0; i < len(slashPath); i++ {
		if slashPath[i] == '/' && i+1 < len(slashPath) {
			out = append(out, slashPath[i+1:])
		}
	}
	return out
}

// matchesProtected reports whether any builtin or extra pattern matches.
// Extra patterns use doublestar semantics.
func matchesProtected(slashPath string, extra []string) bool {
	for _, c := range candidates(slashPath) {
		for _, re := range builtinProtected {
			if re.MatchString(c) {
				return true
			}
		}
		for _, p := range extra {
			if ok, err := doublestar.Match(p, c); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// commandAllowed matches cmd against the allow-list. A pattern containing "*"
// must match the whole command, with "*" standing for any text. Any other
// pattern matches the exact command or the command followed by arguments.
func commandAllowed(cmd string, allowed []string) bool {
	cmd = strings.TrimSpace(cmd)
	for _, pattern := range allowed {
		if strings.Contains(pattern, "*") {
			expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
			re, err := regexp.Compile(expr)
			if err == nil && re.MatchString(cmd) {
				return true
			}
			continue
		}
		if cmd == pattern || strings.HasPrefix(cmd, pattern+" ") {
			return true
		}
	}
	return false
}

// resolvePath makes p absolute and follows symlinks through its deepest
// existing ancestor. Relative paths resolve against base when it is set.
func resolvePath(p, base string) string {
	if !filepath.IsAbs(p) && base != "" {
		p = filepath.Join(base, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	dir, rest := filepath.Clean(p), ""
	for {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return filepath.Clean(p)
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

// containingRoot returns the workspace root that holds resolved, if any.
func containingRoot(resolved string, roots []string) (string, bool) {
	for _, root := range roots {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return root, true
		}
	}
	return "", false
}
