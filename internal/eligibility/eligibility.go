// Package eligibility decides whether an upstream response may be
// converted to markdown, per the ordered checks in the response filter's
// design.
package eligibility

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/sofatutor/mdresponsefilter/internal/mdconfig"
)

// Reason names why a response is ineligible for conversion.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonConfig      Reason = "config"
	ReasonMethod      Reason = "method"
	ReasonStatus      Reason = "status"
	ReasonRange       Reason = "range"
	ReasonStreaming   Reason = "streaming"
	ReasonContentType Reason = "content_type"
	ReasonSize        Reason = "size"
	ReasonAuth        Reason = "auth"
)

// Result is the outcome of an eligibility check.
type Result struct {
	Eligible bool
	Reason   Reason
}

func eligible() Result           { return Result{Eligible: true} }
func ineligible(r Reason) Result { return Result{Eligible: false, Reason: r} }

// Check runs the ordered eligibility checks against the inbound request and
// the upstream response headers/status, per the configuration record in
// effect for this scope. isAuthenticated is supplied by the caller (the Auth
// Classifier) to avoid a circular dependency between packages.
func Check(req *http.Request, status int, respHeader http.Header, cfg mdconfig.Record, isAuthenticated bool) Result {
	if !cfg.Enabled {
		return ineligible(ReasonConfig)
	}

	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return ineligible(ReasonMethod)
	}

	if status != http.StatusOK {
		return ineligible(ReasonStatus)
	}

	if req.Header.Get("Range") != "" {
		return ineligible(ReasonRange)
	}

	ct := respHeader.Get("Content-Type")
	if isStreaming(ct, cfg.StreamTypes) {
		return ineligible(ReasonStreaming)
	}

	if !isTextHTML(ct) {
		return ineligible(ReasonContentType)
	}

	if cl := respHeader.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > cfg.MaxSize {
			return ineligible(ReasonSize)
		}
	}

	if cfg.AuthPolicy == mdconfig.AuthPolicyDeny && isAuthenticated {
		return ineligible(ReasonAuth)
	}

	return eligible()
}

func isStreaming(contentType string, streamTypePrefixes []string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "" {
		return false
	}
	if strings.HasPrefix(ct, "text/event-stream") {
		return true
	}
	for _, prefix := range streamTypePrefixes {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(ct, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

func isTextHTML(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if !strings.HasPrefix(ct, "text/html") {
		return false
	}
	rest := ct[len("text/html"):]
	rest = strings.TrimSpace(rest)
	return rest == "" || strings.HasPrefix(rest, ";")
}
