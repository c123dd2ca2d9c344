// Package converter defines the opaque HTML-to-Markdown conversion
// contract the Lifecycle depends on, plus a default in-process
// implementation so the filter is runnable end to end.
package converter

import (
	"context"
	"time"

	"github.com/sofatutor/mdresponsefilter/internal/failpolicy"
	"github.com/sofatutor/mdresponsefilter/internal/mdconfig"
)

// ErrorCode mirrors the FFI error taxonomy so a future out-of-process
// converter can be swapped in without changing call sites.
type ErrorCode int

const (
	ErrSuccess      ErrorCode = 0
	ErrParse        ErrorCode = 1
	ErrEncoding     ErrorCode = 2
	ErrTimeout      ErrorCode = 3
	ErrMemoryLimit  ErrorCode = 4
	ErrInvalidInput ErrorCode = 5
	ErrInternal     ErrorCode = 99
)

// ClassifyError maps an FFI-style error code to the failure kind the
// Failure Policy routes on.
func ClassifyError(code ErrorCode) failpolicy.Kind {
	switch code {
	case ErrParse, ErrEncoding, ErrInvalidInput:
		return failpolicy.KindConversion
	case ErrTimeout, ErrMemoryLimit:
		return failpolicy.KindResourceLimit
	default:
		return failpolicy.KindSystem
	}
}

// Options configures a single Convert call.
type Options struct {
	Flavor         mdconfig.Flavor
	Timeout        time.Duration
	GenerateETag   bool
	EstimateTokens bool
	FrontMatter    bool
	ContentType    string
	BaseURL        string
}

// Artifact is the output of a conversion. Per the pointer/length pairing
// invariant at the FFI boundary, a zero ErrorCode guarantees Markdown is
// populated (ETag only when Options.GenerateETag was set); a non-zero
// ErrorCode guarantees neither is.
type Artifact struct {
	Markdown      []byte
	ETag          []byte
	TokenEstimate int
	ErrorCode     ErrorCode
	ErrorMessage  string
}

// Converter is the contract the Lifecycle depends on. It corresponds to
// the FFI's convert() entry point, with the handle threaded implicitly by
// the receiver and timeout enforcement delegated to ctx.
type Converter interface {
	Convert(ctx context.Context, html []byte, opts Options) (*Artifact, error)
}
