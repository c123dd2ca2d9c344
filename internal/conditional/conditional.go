// Package conditional implements If-None-Match handling against the
// post-conversion validator, short-circuiting with 304 when the client
// already holds the current representation.
package conditional

import (
	"net/http"
	"strings"

	"github.com/sofatutor/mdresponsefilter/internal/converter"
	"github.com/sofatutor/mdresponsefilter/internal/mdconfig"
)

// Outcome is the disposition Evaluate reaches.
type Outcome int

const (
	// NoHeader means no conditional request is in play: the mode disables
	// If-None-Match handling, or the request carried no (parseable) header.
	NoHeader Outcome = iota
	// NotModified means the client's validator matched: emit 304.
	NotModified
	// Proceed means conversion ran and the validator did not match (or
	// there was nothing to compare): emit 200 with the artifact.
	Proceed
)

// Result is the outcome of Evaluate, carrying the artifact when one was
// produced so the caller never converts twice.
type Result struct {
	Outcome  Outcome
	Artifact *converter.Artifact
	Err      error
}

// ConvertFunc produces the conversion artifact on demand. Evaluate calls
// it at most once.
type ConvertFunc func() (*converter.Artifact, error)

// Evaluate implements the three conditional_mode behaviors. In "full"
// mode it parses If-None-Match, runs convert to obtain the current
// validator, and compares using weak semantics. In "ims_only" and
// "disabled" modes it always returns NoHeader without invoking convert,
// leaving If-Modified-Since to the host proxy's native handling.
func Evaluate(mode mdconfig.ConditionalMode, req *http.Request, convert ConvertFunc) Result {
	if mode != mdconfig.ConditionalFull {
		return Result{Outcome: NoHeader}
	}

	header := req.Header.Get("If-None-Match")
	if strings.TrimSpace(header) == "" {
		return Result{Outcome: NoHeader}
	}

	tokens, ok := parseINM(header)
	if !ok {
		return Result{Outcome: NoHeader}
	}

	artifact, err := convert()
	if err != nil {
		return Result{Outcome: Proceed, Err: err}
	}
	if artifact.ErrorCode != 0 {
		return Result{Outcome: Proceed, Artifact: artifact}
	}

	validator := normalize(string(artifact.ETag))
	for _, tok := range tokens {
		if tok == "*" || normalize(tok) == validator {
			return Result{Outcome: NotModified, Artifact: artifact}
		}
	}
	return Result{Outcome: Proceed, Artifact: artifact}
}

// parseINM splits a comma-separated If-None-Match header into its
// individual tokens ("*" or a quoted/unquoted entity tag). It returns
// ok=false on malformed input (e.g. a quoted token missing its closing
// quote), per the "malformed -> NoHeader" rule.
func parseINM(header string) ([]string, bool) {
	header = strings.TrimSpace(header)
	if header == "*" {
		return []string{"*"}, true
	}

	var tokens []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tok, ok := parseToken(part)
		if !ok {
			return nil, false
		}
		tokens = append(tokens, tok)
	}
	if len(tokens) == 0 {
		return nil, false
	}
	return tokens, true
}

func parseToken(part string) (string, bool) {
	weak := strings.HasPrefix(part, "W/")
	if weak {
		part = strings.TrimPrefix(part, "W/")
	}
	if !strings.HasPrefix(part, `"`) {
		// Unquoted token: accept as-is (lenient beyond strict RFC 7232
		// grammar, matching real-world clients that omit quotes).
		return part, true
	}
	if len(part) < 2 || !strings.HasSuffix(part, `"`) {
		return "", false
	}
	return part, true
}

// normalize strips an optional weak ("W/") prefix and surrounding quotes
// so two validators can be byte-compared per weak comparison semantics.
func normalize(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")
	v = strings.TrimPrefix(v, `"`)
	v = strings.TrimSuffix(v, `"`)
	return v
}
