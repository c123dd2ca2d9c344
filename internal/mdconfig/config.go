// Package mdconfig parses and resolves the per-scope configuration record
// that governs the response filter's behavior.
package mdconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// OnError selects the fail-open/fail-closed disposition on conversion error.
type OnError string

const (
	OnErrorPass   OnError = "pass"
	OnErrorReject OnError = "reject"
)

// Flavor selects the Markdown dialect produced by the converter.
type Flavor string

const (
	FlavorCommonMark Flavor = "commonmark"
	FlavorGFM        Flavor = "gfm"
)

// AuthPolicy selects whether authenticated requests are eligible for conversion.
type AuthPolicy string

const (
	AuthPolicyAllow AuthPolicy = "allow"
	AuthPolicyDeny  AuthPolicy = "deny"
)

// ConditionalMode selects how If-None-Match requests are handled.
type ConditionalMode string

const (
	ConditionalFull     ConditionalMode = "full"
	ConditionalIMSOnly  ConditionalMode = "ims_only"
	ConditionalDisabled ConditionalMode = "disabled"
)

// defaultAuthCookiePatterns is the fallback pattern set used when the
// resolved record names no cookie patterns (directive absent or an empty
// list). Treated as a configuration default, not a core invariant.
var defaultAuthCookiePatterns = []string{"session*", "*_session", "auth_token", "sid"}

// Record is the immutable, fully-resolved configuration in effect for a
// single request. It is produced once per request by Resolve and never
// mutated afterward.
type Record struct {
	Enabled            bool
	MaxSize            int64
	Timeout            time.Duration
	OnError            OnError
	Flavor             Flavor
	WildcardAccept     bool
	AuthPolicy         AuthPolicy
	AuthCookiePatterns []string
	GenerateETag       bool
	ConditionalMode    ConditionalMode
	BufferChunked      bool
	StreamTypes        []string
	AutoDecompress     bool
	TokenEstimate      bool
	FrontMatter        bool
	LogVerbosity       string
}

// DefaultRecord returns the built-in defaults named in the directive surface.
func DefaultRecord() Record {
	return Record{
		Enabled:            false,
		MaxSize:            10 << 20, // 10 MiB
		Timeout:            5000 * time.Millisecond,
		OnError:            OnErrorPass,
		Flavor:             FlavorCommonMark,
		WildcardAccept:     false,
		AuthPolicy:         AuthPolicyAllow,
		AuthCookiePatterns: nil,
		GenerateETag:       true,
		ConditionalMode:    ConditionalFull,
		BufferChunked:      true,
		StreamTypes:        []string{"text/event-stream"},
		AutoDecompress:     true,
		TokenEstimate:      false,
		FrontMatter:        false,
		LogVerbosity:       "", // inherit the process log level
	}
}

// EffectiveAuthCookiePatterns returns the configured patterns, or the
// documented fallback set when none were configured.
func (r Record) EffectiveAuthCookiePatterns() []string {
	if len(r.AuthCookiePatterns) > 0 {
		return r.AuthCookiePatterns
	}
	return defaultAuthCookiePatterns
}

// Directives is the raw, YAML-decoded directive set for one scope. Pointer
// fields distinguish "unset, inherit from parent" from an explicit zero
// value, mirroring the host-proxy directive surface in section 6.
type Directives struct {
	Enable              *bool     `yaml:"enable,omitempty"`
	MaxSize             *string   `yaml:"max_size,omitempty"`
	TimeoutMS           *int      `yaml:"timeout,omitempty"`
	OnError             *string   `yaml:"on_error,omitempty"`
	Flavor              *string   `yaml:"flavor,omitempty"`
	WildcardAccept      *bool     `yaml:"wildcard_accept,omitempty"`
	AuthPolicy          *string   `yaml:"auth_policy,omitempty"`
	AuthCookies         *[]string `yaml:"auth_cookies,omitempty"`
	ETag                *bool     `yaml:"etag,omitempty"`
	ConditionalRequests *string   `yaml:"conditional_requests,omitempty"`
	BufferChunked       *bool     `yaml:"buffer_chunked,omitempty"`
	StreamTypes         *[]string `yaml:"stream_types,omitempty"`
	AutoDecompress      *bool     `yaml:"auto_decompress,omitempty"`
	TokenEstimate       *bool     `yaml:"token_estimate,omitempty"`
	FrontMatter         *bool     `yaml:"front_matter,omitempty"`
	LogVerbosity        *string   `yaml:"log_verbosity,omitempty"`
}

// File is the on-disk directive document: a global scope plus named
// virtual-host and location scopes.
type File struct {
	Global    Directives            `yaml:"global"`
	VHosts    map[string]Directives `yaml:"vhosts"`
	Locations map[string]Directives `yaml:"locations"`
}

// LoadFile reads and parses a directive document from path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mdconfig: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("mdconfig: parse %s: %w", path, err)
	}
	return &f, nil
}

// Resolve merges global, vhost, and location directive scopes into a single
// Record, with each child scope's unset fields inherited from its parent's
// already-resolved value. Call order is outermost to innermost.
func Resolve(scopes ...Directives) (Record, error) {
	rec := DefaultRecord()
	for _, d := range scopes {
		if err := applyScope(&rec, d); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

func applyScope(rec *Record, d Directives) error {
	if d.Enable != nil {
		rec.Enabled = *d.Enable
	}
	if d.MaxSize != nil {
		n, err := parseByteSize(*d.MaxSize)
		if err != nil {
			return fmt.Errorf("mdconfig: max_size: %w", err)
		}
		rec.MaxSize = n
	}
	if d.TimeoutMS != nil {
		rec.Timeout = time.Duration(*d.TimeoutMS) * time.Millisecond
	}
	if d.OnError != nil {
		switch OnError(*d.OnError) {
		case OnErrorPass, OnErrorReject:
			rec.OnError = OnError(*d.OnError)
		default:
			return fmt.Errorf("mdconfig: on_error: invalid value %q", *d.OnError)
		}
	}
	if d.Flavor != nil {
		switch Flavor(*d.Flavor) {
		case FlavorCommonMark, FlavorGFM:
			rec.Flavor = Flavor(*d.Flavor)
		default:
			return fmt.Errorf("mdconfig: flavor: invalid value %q", *d.Flavor)
		}
	}
	if d.WildcardAccept != nil {
		rec.WildcardAccept = *d.WildcardAccept
	}
	if d.AuthPolicy != nil {
		switch AuthPolicy(*d.AuthPolicy) {
		case AuthPolicyAllow, AuthPolicyDeny:
			rec.AuthPolicy = AuthPolicy(*d.AuthPolicy)
		default:
			return fmt.Errorf("mdconfig: auth_policy: invalid value %q", *d.AuthPolicy)
		}
	}
	if d.AuthCookies != nil {
		rec.AuthCookiePatterns = *d.AuthCookies
	}
	if d.ETag != nil {
		rec.GenerateETag = *d.ETag
	}
	if d.ConditionalRequests != nil {
		switch ConditionalMode(*d.ConditionalRequests) {
		case ConditionalFull, ConditionalIMSOnly, ConditionalDisabled:
			rec.ConditionalMode = ConditionalMode(*d.ConditionalRequests)
		default:
			return fmt.Errorf("mdconfig: conditional_requests: invalid value %q", *d.ConditionalRequests)
		}
	}
	if d.BufferChunked != nil {
		rec.BufferChunked = *d.BufferChunked
	}
	if d.StreamTypes != nil {
		rec.StreamTypes = *d.StreamTypes
	}
	if d.AutoDecompress != nil {
		rec.AutoDecompress = *d.AutoDecompress
	}
	if d.TokenEstimate != nil {
		rec.TokenEstimate = *d.TokenEstimate
	}
	if d.FrontMatter != nil {
		rec.FrontMatter = *d.FrontMatter
	}
	if d.LogVerbosity != nil {
		rec.LogVerbosity = *d.LogVerbosity
	}
	return nil
}

// ResolveForHost resolves the effective Record for a given vhost/location
// pair within a parsed File, applying global -> vhost -> location inheritance.
func (f *File) ResolveForHost(vhost, location string) (Record, error) {
	scopes := []Directives{f.Global}
	if vhost != "" {
		if d, ok := f.VHosts[vhost]; ok {
			scopes = append(scopes, d)
		}
	}
	if location != "" {
		if d, ok := f.Locations[location]; ok {
			scopes = append(scopes, d)
		}
	}
	return Resolve(scopes...)
}

func parseByteSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	suffix := s[len(s)-1]
	numPart := s
	switch suffix {
	case 'k', 'K':
		mult = 1 << 10
		numPart = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		numPart = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		numPart = s[:len(s)-1]
	}
	var n int64
	if _, err := fmt.Sscanf(numPart, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	return n * mult, nil
}
