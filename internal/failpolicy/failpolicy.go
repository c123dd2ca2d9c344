// Package failpolicy centralizes the fail-open/fail-closed decision that
// every other component routes through on error, per the configured
// on_error directive.
package failpolicy

import "github.com/sofatutor/mdresponsefilter/internal/mdconfig"

// Kind classifies an error at the point of detection.
type Kind string

const (
	// KindConversion is malformed input the converter cannot parse.
	KindConversion Kind = "conversion"
	// KindResourceLimit is a size or time bound exceeded.
	KindResourceLimit Kind = "resource_limit"
	// KindSystem is an internal failure unrelated to the input.
	KindSystem Kind = "system"
)

// Disposition is the terminal action the Lifecycle takes for a given
// (Kind, on_error) pair.
type Disposition int

const (
	// DispositionPassthrough emits the original upstream response unchanged.
	DispositionPassthrough Disposition = iota
	// DispositionReject emits a 502 in place of the original response.
	DispositionReject
)

// Decide maps an error kind and the configured on_error policy to a
// disposition. Unsupported codecs are never routed through Decide: they
// are always graceful, regardless of on_error, per the design.
func Decide(kind Kind, onError mdconfig.OnError) Disposition {
	if onError == mdconfig.OnErrorReject {
		return DispositionReject
	}
	return DispositionPassthrough
}
