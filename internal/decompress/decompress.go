// Package decompress inflates upstream response bodies encoded with gzip,
// deflate, or brotli, bounding output size so a hostile or misconfigured
// upstream cannot exhaust memory via a compression bomb.
package decompress

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// Kind identifies the codec named by an upstream Content-Encoding header.
type Kind string

const (
	KindNone        Kind = "none"
	KindGzip        Kind = "gzip"
	KindDeflate     Kind = "deflate"
	KindBrotli      Kind = "br"
	KindUnsupported Kind = "unsupported"
)

// ErrResourceLimit means the inflated output would exceed the configured
// cap; callers classify this as a resource_limit failure.
var ErrResourceLimit = errors.New("decompress: output exceeds size limit")

// ErrConversion means the input was not a valid, complete stream of the
// detected kind; callers classify this as a conversion failure.
var ErrConversion = errors.New("decompress: malformed or truncated stream")

// ErrUnsupported means the named codec has no decoder. Per the design,
// Unsupported is graceful degradation, not a failure: callers must not
// count it against the failure counters.
var ErrUnsupported = errors.New("decompress: unsupported codec")

// DetectKind maps a raw Content-Encoding header value to a Kind. An empty
// header is KindNone (the fast path: skip the decompressor entirely).
// Anything other than gzip/deflate/br is KindUnsupported.
func DetectKind(contentEncoding string) Kind {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "":
		return KindNone
	case "gzip":
		return KindGzip
	case "deflate":
		return KindDeflate
	case "br":
		return KindBrotli
	default:
		return KindUnsupported
	}
}

// Decompress inflates input according to kind, capping the output at
// maxOut bytes. It returns ErrUnsupported for KindUnsupported/KindNone
// rather than performing any work; callers are expected to have already
// special-cased KindNone as a fast path.
func Decompress(kind Kind, input []byte, maxOut int64) ([]byte, error) {
	switch kind {
	case KindGzip:
		zr, err := gzip.NewReader(bytes.NewReader(input))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConversion, err)
		}
		defer zr.Close()
		return inflate(zr, input, maxOut)
	case KindDeflate:
		fr := flate.NewReader(bytes.NewReader(input))
		defer fr.Close()
		return inflate(fr, input, maxOut)
	case KindBrotli:
		br := brotli.NewReader(bytes.NewReader(input))
		return inflate(br, input, maxOut)
	default:
		return nil, ErrUnsupported
	}
}

// inflate reads r to completion, sized with an initial buffer of
// min(10x input, maxOut) (64 KiB when that is zero), and fails with ErrResourceLimit the moment the
// inflated output would exceed maxOut rather than buffering unboundedly.
func inflate(r io.Reader, input []byte, maxOut int64) ([]byte, error) {
	initial := int64(len(input)) * 10
	if maxOut > 0 && initial > maxOut {
		initial = maxOut
	}
	if initial <= 0 {
		initial = 64 << 10
	}

	buf := bytes.NewBuffer(make([]byte, 0, initial))
	limited := io.LimitReader(r, maxOut+1)
	n, err := io.Copy(buf, limited)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversion, err)
	}
	if n > maxOut {
		return nil, ErrResourceLimit
	}
	return buf.Bytes(), nil
}
