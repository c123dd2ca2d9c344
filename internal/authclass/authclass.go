// Package authclass detects authenticated requests and rewrites
// Cache-Control for converted responses accordingly.
package authclass

import (
	"net/http"
	"strings"

	"github.com/sofatutor/mdresponsefilter/internal/mdconfig"
)

// IsAuthenticated reports whether req carries credentials the filter treats
// as an authenticated request: a non-empty Authorization header, or any
// cookie whose name matches one of cfg's auth cookie patterns (or the
// documented fallback set when none are configured).
func IsAuthenticated(req *http.Request, cfg mdconfig.Record) bool {
	if req.Header.Get("Authorization") != "" {
		return true
	}

	patterns := cfg.EffectiveAuthCookiePatterns()
	for _, cookieHeader := range req.Header.Values("Cookie") {
		for _, tok := range strings.Split(cookieHeader, ";") {
			name, ok := cookieName(tok)
			if !ok {
				continue
			}
			if matchesAny(name, patterns) {
				return true
			}
		}
	}
	return false
}

// cookieName extracts the name from a single "name=value" cookie token,
// trimming whitespace. Tokens without '=' contribute nothing.
func cookieName(tok string) (string, bool) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", false
	}
	eq := strings.IndexByte(tok, '=')
	if eq < 0 {
		return "", false
	}
	return strings.TrimSpace(tok[:eq]), true
}

// matchesAny reports whether name matches any of patterns. A pattern is an
// exact match, a prefix ("name*"), a suffix ("*name"), or a substring
// ("*name*"). Comparison is case-sensitive on cookie names.
func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if matches(name, p) {
			return true
		}
	}
	return false
}

func matches(name, pattern string) bool {
	switch {
	case pattern == "":
		return false
	case strings.HasSuffix(pattern, "*") && strings.HasPrefix(pattern, "*") && len(pattern) > 1:
		// "*foo*": treat the inner text as a substring match.
		inner := pattern[1 : len(pattern)-1]
		return inner != "" && strings.Contains(name, inner)
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(name, pattern[1:])
	default:
		return name == pattern
	}
}

// RewriteCacheControl applies the post-conversion Cache-Control rewrite rule
// for an authenticated request, returning the new header value.
func RewriteCacheControl(existing string) string {
	if existing == "" {
		return "private"
	}

	directives := splitDirectives(existing)
	for _, d := range directives {
		if strings.EqualFold(d, "no-store") {
			return existing
		}
	}
	for _, d := range directives {
		if strings.EqualFold(d, "private") {
			return existing
		}
	}

	hasPublic := false
	kept := make([]string, 0, len(directives))
	for _, d := range directives {
		if strings.EqualFold(strings.TrimSpace(d), "public") {
			hasPublic = true
			continue
		}
		kept = append(kept, d)
	}

	if hasPublic {
		kept = append(kept, "private")
		return strings.Join(kept, ", ")
	}

	return existing + ", private"
}

func splitDirectives(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
